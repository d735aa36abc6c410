/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package consistency implements the periodic reconciliation loop (spec.md
// §4.9): bulk-trace every active EVC's current_path, redeploy on mismatch,
// confirm activation on match, and opportunistically provision a failover
// path for EVCs that still lack one.
package consistency

import (
	"context"
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/everoute/mef-eline/pkg/collaborators/trace"
	"github.com/everoute/mef-eline/pkg/evc"
	"github.com/everoute/mef-eline/pkg/events"
	"github.com/everoute/mef-eline/pkg/uni"
)

// Loop owns the periodic tick. A single process-wide mutex guarantees
// non-overlapping ticks even if one tick runs long (spec.md §5): a tick
// that's still running when the next one fires is skipped rather than
// queued.
type Loop struct {
	Deployer *evc.Deployer
	Tracer   *trace.Client
	Period   time.Duration
	Cutoff   int

	running sync.Mutex
}

// Run blocks, ticking every Period until ctx is cancelled. evcsFn is called
// fresh on each tick so callers can swap in the current EVC set.
func (l *Loop) Run(ctx context.Context, evcsFn func() []*evc.EVC) {
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if !l.running.TryLock() {
			log.Debug("consistency: previous tick still running, skipping")
			return
		}
		defer l.running.Unlock()
		l.Tick(ctx, evcsFn())
	}, l.Period)
}

// Outcome records what the tick concluded about one EVC.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeConfirmed
	OutcomeRedeployed
	OutcomeRedeployFailed
	OutcomeFailoverProvisioned
)

// Result is one EVC's tick outcome.
type Result struct {
	EVCID   string
	Outcome Outcome
	Err     error
}

// traceReq is one outstanding bulk-trace request, tagged with enough to
// reconcile its result back against the right EVC, direction, and (for a
// TAGRange UNI) mask entry (spec.md §4.9 step 1: "seed one request per mask
// entry for range UNIs").
type traceReq struct {
	req        trace.Request
	reverse    bool
	seededVLAN int
}

// Tick verifies every active inter-switch EVC's current_path with a single
// bulk trace call -- forward AND reverse, one request per UNI mask entry --
// then reacts per spec.md §4.9 step 2: redeploy on mismatch, otherwise
// confirm activation and top up a missing failover path.
func (l *Loop) Tick(ctx context.Context, evcs []*evc.EVC) []Result {
	type pending struct {
		e      *evc.EVC
		reqs   []traceReq
		offset int
	}

	var batch []pending
	var reqs []trace.Request
	for _, e := range evcs {
		if e.Archived || !e.Active || e.CurrentPath.IsEmpty() {
			continue
		}
		intra, err := e.IsIntraSwitch(l.Deployer.Registry)
		if err != nil || intra {
			continue
		}
		trs, ok := l.buildTraceRequests(e)
		if !ok || len(trs) == 0 {
			continue
		}
		offset := len(reqs)
		for _, tr := range trs {
			reqs = append(reqs, tr.req)
		}
		batch = append(batch, pending{e: e, reqs: trs, offset: offset})
	}

	if len(batch) == 0 {
		return nil
	}

	traces, err := l.Tracer.BulkTrace(ctx, reqs)
	if err != nil {
		log.WithError(err).Warn("consistency: bulk trace failed, skipping tick")
		return nil
	}

	var results []Result
	for _, p := range batch {
		if p.offset+len(p.reqs) > len(traces) {
			break
		}
		results = append(results, l.reconcileOne(ctx, p.e, p.reqs, traces[p.offset:p.offset+len(p.reqs)]))
	}
	return results
}

func (l *Loop) reconcileOne(ctx context.Context, e *evc.EVC, trs []traceReq, steps [][]trace.Step) Result {
	if !e.TryLock() {
		return Result{EVCID: e.ID, Outcome: OutcomeSkipped}
	}
	defer e.Unlock()

	if l.allTracesMatch(e, trs, steps) {
		if err := e.TryToActivate(l.Deployer.Registry); err != nil {
			log.WithField("evc", e.ID).WithError(err).Debug("consistency: confirmed path but activation still blocked")
		}
		if l.Deployer.SetupFailoverPathEligible(e) {
			if ok, err := l.Deployer.SetupFailoverPath(ctx, e, l.Cutoff); err == nil && ok {
				return Result{EVCID: e.ID, Outcome: OutcomeFailoverProvisioned}
			}
		}
		return Result{EVCID: e.ID, Outcome: OutcomeConfirmed}
	}

	// a mismatch means current_path no longer reflects what's actually
	// installed; deactivate first so ShouldDeploy (spec.md §4.5 step 1)
	// lets a fresh deploy_to_path(nil) attempt run instead of bailing out
	// because the evc still looks active on an unchanged path hint.
	e.Deactivate()
	deployed, err := l.Deployer.DeployToPath(ctx, e, nil)
	if err != nil || !deployed {
		l.Deployer.Events.Publish(events.ErrorRedeployLinkDown, content(e))
		return Result{EVCID: e.ID, Outcome: OutcomeRedeployFailed, Err: err}
	}
	l.Deployer.Events.Publish(events.RedeployedLinkDown, content(e))
	return Result{EVCID: e.ID, Outcome: OutcomeRedeployed}
}

// buildTraceRequests seeds both the forward (UNI A -> UNI Z) and reverse
// (UNI Z -> UNI A) traces spec.md §4.9 step 2 requires, one request per mask
// entry for a TAGRange UNI and a single request for every other tag kind.
func (l *Loop) buildTraceRequests(e *evc.EVC) ([]traceReq, bool) {
	var out []traceReq
	for _, reverse := range [2]bool{false, true} {
		uniNear := e.UNIA
		if reverse {
			uniNear = e.UNIZ
		}
		iface, ok := l.Deployer.Registry.Interface(uniNear.InterfaceID)
		if !ok {
			return nil, false
		}
		sw, err := l.Deployer.Registry.SwitchOf(iface.ID)
		if err != nil {
			return nil, false
		}
		ref := trace.SwitchRef{DPID: sw.DPID, InPort: portSuffix(iface.ID)}

		if uniNear.Tag.Kind == uni.TagRangeKind {
			for _, entry := range uniNear.Tag.MaskList() {
				spec := trace.TraceSpec{Switch: ref, Eth: &trace.EthSpec{DLType: 0x8100, DLVLAN: entry.VLAN}}
				out = append(out, traceReq{req: trace.Request{Trace: spec}, reverse: reverse, seededVLAN: entry.VLAN})
			}
			continue
		}

		spec := trace.TraceSpec{Switch: ref}
		seeded := 0
		if vlan, ok := uniNear.Tag.Scalar(); ok && vlan > 0 {
			spec.Eth = &trace.EthSpec{DLType: 0x8100, DLVLAN: vlan}
			seeded = vlan
		}
		out = append(out, traceReq{req: trace.Request{Trace: spec}, reverse: reverse, seededVLAN: seeded})
	}
	return out, true
}

// allTracesMatch requires every forward/reverse/mask-entry trace this tick
// issued for e to match current_path's expected hop sequence (spec.md §4.9
// step 2: start, transit and final entries, both directions).
func (l *Loop) allTracesMatch(e *evc.EVC, trs []traceReq, steps [][]trace.Step) bool {
	expectedForward, err := l.Deployer.ExpectedTraceHops(e, false)
	if err != nil {
		return false
	}
	expectedReverse, err := l.Deployer.ExpectedTraceHops(e, true)
	if err != nil {
		return false
	}

	for i, tr := range trs {
		expected := expectedForward
		if tr.reverse {
			expected = expectedReverse
		}
		if !traceMatchesHops(expected, steps[i], tr.seededVLAN) {
			return false
		}
	}
	return true
}

// traceMatchesHops compares one observed trace against the expected hop
// sequence of one direction of current_path: the starting entry against the
// near UNI's (dpid, port, vlan), every intermediate entry against the
// expected transit (dpid, in_port, s_vlan), the final entry against the far
// UNI switch (not just its dpid), and -- when the trace service reports one
// -- each step's "out" field against the expected egress (port, vlan). A
// trace that doesn't reach the far end, loops, or disagrees on hop count is
// a mismatch (spec.md §4.9 step 1/2).
func traceMatchesHops(expected []evc.ExpectedHop, steps []trace.Step, seededVLAN int) bool {
	if len(steps) == 0 || len(steps) != len(expected) {
		return false
	}
	if steps[len(steps)-1].Type == trace.StepLoop || steps[len(steps)-1].Type != trace.StepLast {
		return false
	}

	for i, hop := range expected {
		step := steps[i]
		if step.DPID != hop.DPID || step.Port != hop.Port {
			return false
		}
		wantVLAN := hop.VLAN
		if i == 0 {
			wantVLAN = seededVLAN
		}
		if step.VLAN != wantVLAN {
			return false
		}
		if hop.HasOut && step.Out != nil {
			if step.Out.Port != hop.OutPort || step.Out.VLAN != hop.OutVLAN {
				return false
			}
		}
	}
	return true
}

func portSuffix(interfaceID string) string {
	for i := len(interfaceID) - 1; i >= 0; i-- {
		if interfaceID[i] == ':' {
			return interfaceID[i+1:]
		}
	}
	return interfaceID
}

func content(e *evc.EVC) events.Content {
	return events.Content{
		EVCID:    e.ID,
		ID:       e.ID,
		Name:     e.Name,
		Metadata: e.Metadata,
		Active:   e.Active,
		Enabled:  e.Enabled,
		UNIA:     e.UNIA,
		UNIZ:     e.UNIZ,
	}
}
