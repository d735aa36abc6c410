package linkdown

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everoute/mef-eline/pkg/dispatch"
	"github.com/everoute/mef-eline/pkg/evc"
	"github.com/everoute/mef-eline/pkg/events"
	"github.com/everoute/mef-eline/pkg/flow"
	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/registry"
	"github.com/everoute/mef-eline/pkg/uni"
)

// recordingBus captures every published event name, for asserting RunTick's
// three stages emit the right outcome per case.
type recordingBus struct {
	names []string
}

func (b *recordingBus) Publish(name string, _ events.Content) {
	b.names = append(b.names, name)
}

func newRunTickFlowServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

// runTickFixture wires up a shared backbone link "lDown" between two
// transit switches m1/m2, crossed by three independent EVCs in the three
// cases RunTick must drive: e1's current_path uses it with a clean
// failover standing by (swap), e2's failover_path uses it while
// current_path is untouched (clear), e3's current_path uses it with no
// failover at all (undeploy).
type runTickFixture struct {
	reg *registry.Registry
	e1  *evc.EVC // swap-to-failover
	e2  *evc.EVC // clear-failover
	e3  *evc.EVC // undeploy
}

func newRunTickFixture() *runTickFixture {
	reg := registry.New()
	for _, dpid := range []string{"m1", "m2", "a1", "z1", "a2", "z2", "a3", "z3"} {
		reg.UpsertSwitch(&registry.Switch{DPID: dpid})
	}

	mustLink := func(id, a, z string) *link.Link {
		l := link.New(id, a, z)
		reg.UpsertLink(l)
		reg.UpsertInterface(&registry.Interface{ID: a, SwitchID: dpidOf(a), Status: registry.InterfaceUp, LinkID: id})
		reg.UpsertInterface(&registry.Interface{ID: z, SwitchID: dpidOf(z), Status: registry.InterfaceUp, LinkID: id})
		return l
	}

	mustLink("lDown", "m1:1", "m2:1")
	mustLink("lA1M", "a1:1", "m1:2")
	mustLink("lM2Z1", "m2:2", "z1:1")
	mustLink("lA1Z1", "a1:2", "z1:2")
	mustLink("lA2M", "a2:1", "m1:3")
	mustLink("lM2Z2", "m2:3", "z2:1")
	mustLink("lA2Z2", "a2:2", "z2:2")
	mustLink("lA3M", "a3:1", "m1:4")
	mustLink("lM2Z3", "m2:4", "z3:1")

	for _, uniIface := range []string{"a1:9", "z1:9", "a2:9", "z2:9", "a3:9", "z3:9"} {
		reg.UpsertInterface(&registry.Interface{ID: uniIface, SwitchID: dpidOf(uniIface), Status: registry.InterfaceUp})
	}

	newEVC := func(id, uniAIface, uniZIface string) *evc.EVC {
		a, _ := uni.New(uniAIface, uni.NoneTag())
		z, _ := uni.New(uniZIface, uni.NoneTag())
		return evc.New(id, "e"+id, a, z)
	}

	e1 := newEVC("1", "a1:9", "z1:9")
	e1.DynamicBackupPath = true
	restorePathState(reg, e1, path.New("lA1M", "lDown", "lM2Z1"), path.New("lA1Z1"))

	e2 := newEVC("2", "a2:9", "z2:9")
	e2.DynamicBackupPath = true
	restorePathState(reg, e2, path.New("lA2Z2"), path.New("lA2M", "lDown", "lM2Z2"))

	e3 := newEVC("3", "a3:9", "z3:9")
	restorePathState(reg, e3, path.New("lA3M", "lDown", "lM2Z3"), path.Path{})

	return &runTickFixture{reg: reg, e1: e1, e2: e2, e3: e3}
}

// restorePathState allocates an s_vlan per link of current/failover and
// installs both paths plus their allocations onto e, the same two-step
// ChooseVLANs-then-persist sequence DeployToPath/SetupFailoverPath perform
// piecemeal -- RestorePathState's replay of an already-held allocation is a
// no-op per link.ReserveVLAN, so calling it right after ChooseVLANs is safe.
func restorePathState(reg *registry.Registry, e *evc.EVC, current, failover path.Path) {
	currentVLANs, err := current.ChooseVLANs(reg, e.ID)
	if err != nil {
		panic(err)
	}
	failoverVLANs, err := failover.ChooseVLANs(reg, e.ID)
	if err != nil {
		panic(err)
	}
	if err := e.RestorePathState(reg, path.Path{}, path.Path{}, current, failover, currentVLANs, failoverVLANs); err != nil {
		panic(err)
	}
}

// dpidOf recovers the switch id prefix of a "<dpid>:<port>" interface id
// used by this fixture's short test-local ids (not the production
// lastColon helper, which lives in pkg/evc and only needs the port).
func dpidOf(ifaceID string) string {
	for i := len(ifaceID) - 1; i >= 0; i-- {
		if ifaceID[i] == ':' {
			return ifaceID[:i]
		}
	}
	return ifaceID
}

func TestRunTickDrivesAllThreeStages(t *testing.T) {
	RegisterTestingT(t)
	f := newRunTickFixture()
	fs := newRunTickFlowServer()
	defer fs.Close()

	bus := &recordingBus{}
	d := &evc.Deployer{
		Registry:   f.reg,
		Builder:    flow.NewBuilder(flow.DefaultPriorityConfig),
		Dispatcher: dispatch.New(fs.URL),
		Events:     bus,
	}

	results := RunTick(context.Background(), d, []*evc.EVC{f.e1, f.e2, f.e3}, "lDown")
	Expect(results).To(HaveLen(3))

	byID := map[string]Result{}
	for _, r := range results {
		byID[r.EVCID] = r
	}

	Expect(byID["1"].Case).To(Equal(CaseSwapToFailover))
	Expect(byID["1"].Err).NotTo(HaveOccurred())
	Expect(byID["2"].Case).To(Equal(CaseClearFailover))
	Expect(byID["2"].Err).NotTo(HaveOccurred())
	Expect(byID["3"].Case).To(Equal(CaseUndeploy))
	Expect(byID["3"].Err).NotTo(HaveOccurred())

	// e1 swapped onto its old failover path, and the demoted old
	// current_path was cleared in the same tick (the 4th post-swap pass).
	Expect(f.e1.CurrentPath.LinkIDs).To(Equal([]string{"lA1Z1"}))
	Expect(f.e1.FailoverPath.IsEmpty()).To(BeTrue())

	// e2's failover_path was cleared; current_path is untouched.
	Expect(f.e2.FailoverPath.IsEmpty()).To(BeTrue())
	Expect(f.e2.CurrentPath.LinkIDs).To(Equal([]string{"lA2Z2"}))

	// e3 was fully undeployed.
	Expect(f.e3.CurrentPath.IsEmpty()).To(BeTrue())
	Expect(f.e3.Active).To(BeFalse())

	Expect(bus.names).To(ContainElement(events.FailoverLinkDown))
	Expect(bus.names).To(ContainElement(events.FailoverOldPath))
	Expect(bus.names).To(ContainElement(events.NeedRedeploy))
}

func TestRunTickSkipsLockedEVC(t *testing.T) {
	RegisterTestingT(t)
	f := newRunTickFixture()
	fs := newRunTickFlowServer()
	defer fs.Close()

	d := &evc.Deployer{
		Registry:   f.reg,
		Builder:    flow.NewBuilder(flow.DefaultPriorityConfig),
		Dispatcher: dispatch.New(fs.URL),
		Events:     events.NopBus{},
	}

	f.e1.Lock()
	defer f.e1.Unlock()

	results := RunTick(context.Background(), d, []*evc.EVC{f.e1}, "lDown")
	Expect(results).To(HaveLen(1))
	Expect(results[0].EVCID).To(Equal("1"))
	Expect(results[0].Err).To(HaveOccurred())

	// never touched: the EVC was locked, so the swap stage must have
	// skipped it rather than blocking.
	Expect(f.e1.CurrentPath.LinkIDs).To(Equal([]string{"lA1M", "lDown", "lM2Z1"}))
}
