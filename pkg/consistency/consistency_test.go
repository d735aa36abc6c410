package consistency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/everoute/mef-eline/pkg/collaborators/pathfinder"
	"github.com/everoute/mef-eline/pkg/collaborators/trace"
	"github.com/everoute/mef-eline/pkg/dispatch"
	"github.com/everoute/mef-eline/pkg/evc"
	"github.com/everoute/mef-eline/pkg/events"
	"github.com/everoute/mef-eline/pkg/flow"
	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/registry"
	"github.com/everoute/mef-eline/pkg/uni"
)

// fixture wires up an sw1-sw2 inter-switch EVC, active and deployed on
// "l1", with a stub trace server the caller configures per test.
type fixture struct {
	reg *registry.Registry
	e   *evc.EVC
}

func newFixture() *fixture {
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
	e.CurrentPath = path.New("l1")

	return &fixture{reg: reg, e: e}
}

// traceServer serves a fixed bulk-trace response: one []trace.Step per
// request the tick submits, in submission order (forward, then reverse, per
// EVC; spec.md §4.9 step 2 requires both directions be traced).
func traceServer(t *testing.T, results [][]trace.Step) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][][]trace.Step{"result": results})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTickConfirmsWhenTraceReachesFarUNISwitch(t *testing.T) {
	RegisterTestingT(t)
	f := newFixture()
	// sw1:2 (uni a, port "2") -> l1 -> sw2:1 (port "1") -> sw2:2 (uni z,
	// port "2"); untagged UNIs so every expected vlan is 0.
	forward := []trace.Step{
		{DPID: "sw1", Port: "2", Type: trace.StepStarting},
		{DPID: "sw2", Port: "1", Type: trace.StepLast},
	}
	reverse := []trace.Step{
		{DPID: "sw2", Port: "2", Type: trace.StepStarting},
		{DPID: "sw1", Port: "1", Type: trace.StepLast},
	}
	server := traceServer(t, [][]trace.Step{forward, reverse})

	l := &Loop{
		Deployer: &evc.Deployer{Registry: f.reg, Events: events.NopBus{}},
		Tracer:   trace.New(server.URL),
		Cutoff:   3,
	}

	results := l.Tick(context.Background(), []*evc.EVC{f.e})
	Expect(results).To(HaveLen(1))
	Expect(results[0].Outcome).To(Equal(OutcomeConfirmed))
}

func TestTickRedeploysOnReverseTraceVLANMismatch(t *testing.T) {
	RegisterTestingT(t)
	f := newFixture()
	forward := []trace.Step{
		{DPID: "sw1", Port: "2", Type: trace.StepStarting},
		{DPID: "sw2", Port: "1", Type: trace.StepLast},
	}
	// reverse trace reports the right switches/ports but a drifted
	// intermediate/final vlan -- spec.md §8 scenario 4.
	reverse := []trace.Step{
		{DPID: "sw2", Port: "2", Type: trace.StepStarting},
		{DPID: "sw1", Port: "1", Type: trace.StepLast, VLAN: 99},
	}
	traceSrv := traceServer(t, [][]trace.Step{forward, reverse})
	pfSrv := pathFinderServer(t, nil)

	flowServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(flowServer.Close)

	l := &Loop{
		Deployer: &evc.Deployer{
			Registry:   f.reg,
			Builder:    flow.NewBuilder(flow.DefaultPriorityConfig),
			Dispatcher: dispatch.New(flowServer.URL),
			PathFinder: pathfinder.New(pfSrv.URL),
			Events:     events.NopBus{},
		},
		Tracer: trace.New(traceSrv.URL),
		Cutoff: 3,
	}

	results := l.Tick(context.Background(), []*evc.EVC{f.e})
	Expect(results).To(HaveLen(1))
	Expect(results[0].Outcome).To(Equal(OutcomeRedeployFailed))
}

// newLongIDFixture uses OpenFlow-style (>23 char) datapath ids, since the
// redeploy path round-trips through the path finder, whose hops parser
// only recognizes interface ids longer than pathfinder.InterfaceIDMinLen.
func newLongIDFixture() *fixture {
	dpidA := "00:00:00:00:00:00:00:01"
	dpidZ := "00:00:00:00:00:00:00:02"
	nniA := dpidA + ":1"
	nniZ := dpidZ + ":1"
	uniIfaceA := dpidA + ":2"
	uniIfaceZ := dpidZ + ":2"

	reg := registry.New()
	reg.UpsertSwitch(&registry.Switch{DPID: dpidA})
	reg.UpsertSwitch(&registry.Switch{DPID: dpidZ})
	reg.UpsertLink(link.New("l1", nniA, nniZ))
	reg.UpsertInterface(&registry.Interface{ID: nniA, SwitchID: dpidA, Status: registry.InterfaceUp, LinkID: "l1"})
	reg.UpsertInterface(&registry.Interface{ID: nniZ, SwitchID: dpidZ, Status: registry.InterfaceUp, LinkID: "l1"})
	reg.UpsertInterface(&registry.Interface{ID: uniIfaceA, SwitchID: dpidA, Status: registry.InterfaceUp})
	reg.UpsertInterface(&registry.Interface{ID: uniIfaceZ, SwitchID: dpidZ, Status: registry.InterfaceUp})

	uniA, _ := uni.New(uniIfaceA, uni.NoneTag())
	uniZ, _ := uni.New(uniIfaceZ, uni.NoneTag())
	e := evc.New("1", "e1", uniA, uniZ)
	e.Active = true
	e.CurrentPath = path.New("l1")

	return &fixture{reg: reg, e: e}
}

func pathFinderServer(t *testing.T, hops []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]pathfinder.Candidate{
			"paths": {{Hops: hops, Cost: 1}},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestTickRedeploysOnTraceMismatch(t *testing.T) {
	RegisterTestingT(t)
	f := newLongIDFixture()
	shortStep := []trace.Step{
		{DPID: "00:00:00:00:00:00:00:01", Type: trace.StepLast},
	}
	traceSrv := traceServer(t, [][]trace.Step{shortStep, shortStep})
	pfSrv := pathFinderServer(t, []string{"00:00:00:00:00:00:00:01:1", "00:00:00:00:00:00:00:02:1"})

	flowServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(flowServer.Close)

	l := &Loop{
		Deployer: &evc.Deployer{
			Registry:   f.reg,
			Builder:    flow.NewBuilder(flow.DefaultPriorityConfig),
			Dispatcher: dispatch.New(flowServer.URL),
			PathFinder: pathfinder.New(pfSrv.URL),
			Events:     events.NopBus{},
		},
		Tracer: trace.New(traceSrv.URL),
		Cutoff: 3,
	}

	results := l.Tick(context.Background(), []*evc.EVC{f.e})
	Expect(results).To(HaveLen(1))
	Expect(results[0].Outcome).To(Equal(OutcomeRedeployed))
}

func TestTickSkipsIntraSwitchAndInactiveEVCs(t *testing.T) {
	RegisterTestingT(t)
	reg := registry.New()
	reg.UpsertSwitch(&registry.Switch{DPID: "sw1"})
	reg.UpsertInterface(&registry.Interface{ID: "sw1:1", SwitchID: "sw1", Status: registry.InterfaceUp})
	reg.UpsertInterface(&registry.Interface{ID: "sw1:2", SwitchID: "sw1", Status: registry.InterfaceUp})

	uniA, _ := uni.New("sw1:1", uni.NoneTag())
	uniZ, _ := uni.New("sw1:2", uni.NoneTag())
	intraEVC := evc.New("1", "e1", uniA, uniZ)
	intraEVC.Active = true

	inactiveEVC := evc.New("2", "e2", uniA, uniZ)

	l := &Loop{Deployer: &evc.Deployer{Registry: reg, Events: events.NopBus{}}, Cutoff: 3}
	results := l.Tick(context.Background(), []*evc.EVC{intraEVC, inactiveEVC})
	Expect(results).To(BeEmpty())
}

func TestRunSkipsOverlappingTicks(t *testing.T) {
	RegisterTestingT(t)
	l := &Loop{Period: time.Hour}
	Expect(l.running.TryLock()).To(BeTrue())
	defer l.running.Unlock()

	// a second, concurrent TryLock must fail while the first tick holds
	// the guard, matching the skip-rather-than-queue behavior Run relies on.
	Expect(l.running.TryLock()).To(BeFalse())
}
