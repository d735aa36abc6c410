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

// Package linkdown implements the link-down handling pipeline (spec.md
// §4.6): classify every EVC against the link that just went down, then run
// the swap-to-failover, clear-failover and undeploy stages in that order so
// a swapped EVC's demoted old path is cleared, never the other way round.
package linkdown

import (
	"context"

	log "github.com/Sirupsen/logrus"

	"github.com/everoute/mef-eline/pkg/evc"
	"github.com/everoute/mef-eline/pkg/events"
)

// Case is the classification outcome for one EVC against one down link
// (spec.md §4.6 cases A-E).
type Case int

const (
	// CaseIgnore: neither current_path nor failover_path uses the link.
	CaseIgnore Case = iota
	// CaseSwapToFailover: current_path uses the link and a disjoint
	// failover_path is standing by.
	CaseSwapToFailover
	// CaseClearFailover: only failover_path uses the link; current_path is
	// unaffected and stays installed.
	CaseClearFailover
	// CaseUndeploy: current_path uses the link and no usable failover_path
	// exists (empty, or itself broken by the same link).
	CaseUndeploy
)

// Classify implements the §4.6 classification table for one EVC.
func Classify(e *evc.EVC, downLinkID string) Case {
	currentHit := e.CurrentPath.Contains(downLinkID)
	failoverHit := e.FailoverPath.Contains(downLinkID)

	switch {
	case currentHit && !e.FailoverPath.IsEmpty() && !failoverHit:
		return CaseSwapToFailover
	case currentHit:
		return CaseUndeploy
	case failoverHit:
		return CaseClearFailover
	default:
		return CaseIgnore
	}
}

// Result records what happened to one EVC during a tick, for the caller to
// aggregate into its own response/metrics.
type Result struct {
	EVCID string
	Case  Case
	Err   error
}

// RunTick classifies every evc in evcs against downLinkID and runs the three
// bulk stages in order: swap-to-failover, clear-failover, undeploy. Each
// EVC's per-entity mutex is acquired non-blockingly (spec.md §5); an EVC
// already locked by a concurrent deploy/undeploy is skipped this tick and
// picked up again by the next link-down tick or the consistency loop.
func RunTick(ctx context.Context, d *evc.Deployer, evcs []*evc.EVC, downLinkID string) []Result {
	var toSwap, toClear, toUndeploy []*evc.EVC
	for _, e := range evcs {
		switch Classify(e, downLinkID) {
		case CaseSwapToFailover:
			toSwap = append(toSwap, e)
		case CaseClearFailover:
			toClear = append(toClear, e)
		case CaseUndeploy:
			toUndeploy = append(toUndeploy, e)
		}
	}

	var results []Result

	for _, e := range toSwap {
		if !e.TryLock() {
			results = append(results, Result{EVCID: e.ID, Case: CaseSwapToFailover, Err: errSkippedLocked})
			continue
		}
		err := d.SwapToFailover(ctx, e)
		e.Unlock()
		results = append(results, Result{EVCID: e.ID, Case: CaseSwapToFailover, Err: err})
		if err != nil {
			log.WithField("evc", e.ID).WithError(err).Warn("linkdown: swap-to-failover failed")
		}
	}

	for _, e := range toClear {
		if !e.TryLock() {
			results = append(results, Result{EVCID: e.ID, Case: CaseClearFailover, Err: errSkippedLocked})
			continue
		}
		err := d.RemoveFailoverFlows(ctx, e, true)
		e.Unlock()
		results = append(results, Result{EVCID: e.ID, Case: CaseClearFailover, Err: err})
		if err == nil {
			d.Events.Publish(events.FailoverOldPath, eventContent(e))
		} else {
			log.WithField("evc", e.ID).WithError(err).Warn("linkdown: clear-failover failed")
		}
	}

	// the swap stage may have demoted a just-swapped EVC's old current_path
	// into the failover slot; clear it in the same tick rather than waiting
	// for the link-down pipeline to observe the same link down again.
	for _, e := range toSwap {
		if e.FailoverPath.IsEmpty() {
			continue
		}
		if !e.TryLock() {
			continue
		}
		err := d.RemoveFailoverFlows(ctx, e, true)
		e.Unlock()
		if err != nil {
			log.WithField("evc", e.ID).WithError(err).Warn("linkdown: post-swap clear-failover failed")
		}
	}

	for _, e := range toUndeploy {
		if !e.TryLock() {
			results = append(results, Result{EVCID: e.ID, Case: CaseUndeploy, Err: errSkippedLocked})
			continue
		}
		_, err := d.RemoveCurrentFlows(ctx, e)
		e.Unlock()
		results = append(results, Result{EVCID: e.ID, Case: CaseUndeploy, Err: err})
		if err != nil {
			d.Events.Publish(events.ErrorRedeployLinkDown, eventContent(e))
			log.WithField("evc", e.ID).WithError(err).Warn("linkdown: undeploy failed")
			continue
		}
		d.Events.Publish(events.NeedRedeploy, eventContent(e))
	}

	return results
}

func eventContent(e *evc.EVC) events.Content {
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

var errSkippedLocked = skippedLockedErr{}

type skippedLockedErr struct{}

func (skippedLockedErr) Error() string { return "linkdown: evc locked by a concurrent operation, skipped this tick" }
