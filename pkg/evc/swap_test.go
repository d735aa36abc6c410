package evc

import (
	"context"
	"net/http"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everoute/mef-eline/pkg/dispatch"
	"github.com/everoute/mef-eline/pkg/events"
	"github.com/everoute/mef-eline/pkg/flow"
	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/registry"
	"github.com/everoute/mef-eline/pkg/uni"
)

// newSwapFixture builds a three-switch topology: dpidA -- swT -- dpidZ
// (current_path, two links, one transit switch) plus a direct dpidA --
// dpidZ link (failover_path, disjoint from current_path) so
// SwapToFailoverDeleteTargets has a non-empty, transit-only delete set to
// exercise.
func newSwapFixture() (*registry.Registry, *EVC, string, string) {
	const swT = "00:00:00:00:00:00:00:09"
	reg := registry.New()
	for _, dpid := range []string{dpidA, dpidZ, swT} {
		reg.UpsertSwitch(&registry.Switch{DPID: dpid})
	}

	lAT := link.New("lAT", dpidA+":1", swT+":1")
	lTZ := link.New("lTZ", swT+":2", dpidZ+":1")
	lAZ := link.New("lAZ", dpidA+":3", dpidZ+":3")
	reg.UpsertLink(lAT)
	reg.UpsertLink(lTZ)
	reg.UpsertLink(lAZ)

	reg.UpsertInterface(&registry.Interface{ID: dpidA + ":1", SwitchID: dpidA, Status: registry.InterfaceUp, LinkID: "lAT"})
	reg.UpsertInterface(&registry.Interface{ID: swT + ":1", SwitchID: swT, Status: registry.InterfaceUp, LinkID: "lAT"})
	reg.UpsertInterface(&registry.Interface{ID: swT + ":2", SwitchID: swT, Status: registry.InterfaceUp, LinkID: "lTZ"})
	reg.UpsertInterface(&registry.Interface{ID: dpidZ + ":1", SwitchID: dpidZ, Status: registry.InterfaceUp, LinkID: "lTZ"})
	reg.UpsertInterface(&registry.Interface{ID: dpidA + ":3", SwitchID: dpidA, Status: registry.InterfaceUp, LinkID: "lAZ"})
	reg.UpsertInterface(&registry.Interface{ID: dpidZ + ":3", SwitchID: dpidZ, Status: registry.InterfaceUp, LinkID: "lAZ"})
	reg.UpsertInterface(&registry.Interface{ID: dpidA + ":9", SwitchID: dpidA, Status: registry.InterfaceUp})
	reg.UpsertInterface(&registry.Interface{ID: dpidZ + ":9", SwitchID: dpidZ, Status: registry.InterfaceUp})

	uniA, _ := uni.New(dpidA+":9", uni.NoneTag())
	uniZ, _ := uni.New(dpidZ+":9", uni.NoneTag())
	e := New("1", "e1", uniA, uniZ)
	e.DynamicBackupPath = true

	current := path.New("lAT", "lTZ")
	failover := path.New("lAZ")
	currentVLANs, err := current.ChooseVLANs(reg, e.ID)
	if err != nil {
		panic(err)
	}
	failoverVLANs, err := failover.ChooseVLANs(reg, e.ID)
	if err != nil {
		panic(err)
	}
	e.CurrentPath = current
	e.currentVLANs = currentVLANs
	e.FailoverPath = failover
	e.failoverVLANs = failoverVLANs

	return reg, e, swT, "lAZ"
}

func TestSwapToFailoverSendsOneCombinedInstallCall(t *testing.T) {
	RegisterTestingT(t)
	reg, e, swT, failoverLinkID := newSwapFixture()
	fs := newFlowServer()
	defer fs.Close()

	oldCurrentVLANs := e.currentVLANs
	oldFailoverVLANs := e.failoverVLANs
	oldCurrentPath := e.CurrentPath
	oldFailoverPath := e.FailoverPath

	bus := &recordingBus{}
	d := &Deployer{
		Registry:   reg,
		Builder:    flow.NewBuilder(flow.DefaultPriorityConfig),
		Dispatcher: dispatch.New(fs.URL),
		Events:     bus,
	}

	Expect(d.SwapToFailover(context.Background(), e)).To(Succeed())

	// exactly one flow-mod call, an install (spec.md §4.6 stage 1; this is
	// the maintainer-review fix under test).
	Expect(fs.methods).To(Equal([]string{http.MethodPost}))
	Expect(fs.requests).To(HaveLen(1))
	Expect(fs.requests[0].URL.Query().Get("force")).To(Equal("true"))

	body := fs.bodies[0]
	Expect(body).To(HaveKey(swT))
	deleteFlow := body[swT].Flows[0]
	cookie, mask := flow.DeleteCookieMatch(e.IDLow56())
	Expect(deleteFlow.Cookie).To(Equal(cookie))
	Expect(deleteFlow.CookieMask).To(Equal(mask))

	Expect(body).To(HaveKey(dpidA))
	Expect(body).To(HaveKey(dpidZ))
	Expect(body[dpidA].Flows).NotTo(BeEmpty())
	Expect(body[dpidZ].Flows).NotTo(BeEmpty())

	// the transit-only delete set must never touch the UNI switches.
	Expect(body[swT].Flows).To(HaveLen(1))

	Expect(e.CurrentPath).To(Equal(oldFailoverPath))
	Expect(e.FailoverPath).To(Equal(oldCurrentPath))
	Expect(e.currentVLANs).To(Equal(oldFailoverVLANs))
	Expect(e.failoverVLANs).To(Equal(oldCurrentVLANs))
	Expect(e.CurrentPath.LinkIDs).To(Equal([]string{failoverLinkID}))

	Expect(e.Active).To(BeTrue())
	Expect(bus.names).To(ContainElement(events.FailoverLinkDown))
}
