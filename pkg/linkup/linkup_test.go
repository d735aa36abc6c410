package linkup

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

func newTestDeployer(reg *registry.Registry) *evc.Deployer {
	return &evc.Deployer{Registry: reg, Events: events.NopBus{}}
}

func newDeployingTestDeployer(t *testing.T, reg *registry.Registry) *evc.Deployer {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return &evc.Deployer{
		Registry:   reg,
		Builder:    flow.NewBuilder(flow.DefaultPriorityConfig),
		Dispatcher: dispatch.New(server.URL),
		Events:     events.NopBus{},
	}
}

func newIntraEVC(id string) *evc.EVC {
	uniA, _ := uni.New("sw1:1", uni.NoneTag())
	uniZ, _ := uni.New("sw1:2", uni.NoneTag())
	return evc.New(id, "e"+id, uniA, uniZ)
}

func TestRunTickActivatesAnInactiveEVCWhoseUNIsCameUp(t *testing.T) {
	RegisterTestingT(t)
	reg := registry.New()
	reg.UpsertSwitch(&registry.Switch{DPID: "sw1"})
	reg.UpsertInterface(&registry.Interface{ID: "sw1:1", SwitchID: "sw1", Status: registry.InterfaceUp})
	reg.UpsertInterface(&registry.Interface{ID: "sw1:2", SwitchID: "sw1", Status: registry.InterfaceUp})

	d := newTestDeployer(reg)
	e := newIntraEVC("1")

	results := RunTick(context.Background(), d, []*evc.EVC{e}, 3)
	Expect(results).To(HaveLen(1))
	Expect(results[0].Action).To(Equal(ActionActivated))
	Expect(e.Active).To(BeTrue())
}

func TestRunTickSkipsArchivedAndDisabledEVCs(t *testing.T) {
	RegisterTestingT(t)
	reg := registry.New()
	d := newTestDeployer(reg)

	archived := newIntraEVC("1")
	_ = archived.Archive()

	disabled := newIntraEVC("2")
	_ = disabled.Disable()

	results := RunTick(context.Background(), d, []*evc.EVC{archived, disabled}, 3)
	Expect(results).To(BeEmpty())
}

func TestRunTickSkipsLockedEVC(t *testing.T) {
	RegisterTestingT(t)
	reg := registry.New()
	d := newTestDeployer(reg)
	e := newIntraEVC("1")
	Expect(e.TryLock()).To(BeTrue())
	defer e.Unlock()

	results := RunTick(context.Background(), d, []*evc.EVC{e}, 3)
	Expect(results).To(BeEmpty())
}

func TestRunTickRestoresToPrimaryPathWhenHealthy(t *testing.T) {
	RegisterTestingT(t)
	reg := registry.New()
	for _, dpid := range []string{"sw1", "sw2"} {
		reg.UpsertSwitch(&registry.Switch{DPID: dpid})
	}
	l1 := link.New("l1", "sw1:1", "sw2:1")
	reg.UpsertLink(l1)
	reg.UpsertInterface(&registry.Interface{ID: "sw1:1", SwitchID: "sw1", Status: registry.InterfaceUp, LinkID: "l1"})
	reg.UpsertInterface(&registry.Interface{ID: "sw2:1", SwitchID: "sw2", Status: registry.InterfaceUp, LinkID: "l1"})
	reg.UpsertInterface(&registry.Interface{ID: "sw1:2", SwitchID: "sw1", Status: registry.InterfaceUp})
	reg.UpsertInterface(&registry.Interface{ID: "sw2:2", SwitchID: "sw2", Status: registry.InterfaceUp})

	uniA, _ := uni.New("sw1:2", uni.NoneTag())
	uniZ, _ := uni.New("sw2:2", uni.NoneTag())
	e := evc.New("1", "e1", uniA, uniZ)
	e.Active = true
	e.PrimaryPath = path.New("l1")
	// current_path left empty: not equal to primary_path, so the
	// restore-to-primary branch should fire.

	d := newDeployingTestDeployer(t, reg)
	results := RunTick(context.Background(), d, []*evc.EVC{e}, 3)

	Expect(results).To(HaveLen(1))
	Expect(results[0].Action).To(Equal(ActionRestoredToPrimary))
	Expect(e.CurrentPath.Equal(e.PrimaryPath)).To(BeTrue())
}
