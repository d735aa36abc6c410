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

// Package linkup implements the link-up / interface-up reaction (spec.md
// §4.8): an EVC that was sitting inactive or on a backup path gets a chance
// to re-optimize now that more of the topology is reachable.
package linkup

import (
	"context"

	log "github.com/Sirupsen/logrus"

	"github.com/everoute/mef-eline/pkg/evc"
)

// Action records which of the three reactions fired for one EVC during a
// tick, for callers that want to log or count outcomes.
type Action int

const (
	ActionNone Action = iota
	ActionActivated
	ActionFailoverProvisioned
	ActionRestoredToPrimary
)

// Result is the per-EVC outcome of one link-up tick.
type Result struct {
	EVCID  string
	Action Action
	Err    error
}

// RunTick gives every evc in evcs a chance to react to topology that just
// came back up: retry activation, opportunistically provision a failover
// path if eligible and still missing, and restore to primary_path if the
// EVC had been running on a backup or dynamic path and primary_path is
// healthy again. Each EVC's mutex is acquired non-blockingly (spec.md §5);
// a locked EVC is skipped this tick.
func RunTick(ctx context.Context, d *evc.Deployer, evcs []*evc.EVC, failoverCutoff int) []Result {
	var results []Result

	for _, e := range evcs {
		if e.Archived || !e.Enabled {
			continue
		}
		if !e.TryLock() {
			continue
		}
		action, err := reactOne(ctx, d, e, failoverCutoff)
		e.Unlock()
		if action == ActionNone && err == nil {
			continue
		}
		results = append(results, Result{EVCID: e.ID, Action: action, Err: err})
		if err != nil {
			log.WithField("evc", e.ID).WithError(err).Warn("linkup: reaction failed")
		}
	}

	return results
}

func reactOne(ctx context.Context, d *evc.Deployer, e *evc.EVC, failoverCutoff int) (Action, error) {
	if !e.Active {
		if err := e.TryToActivate(d.Registry); err == nil {
			return ActionActivated, nil
		}
	}

	if d.SetupFailoverPathEligible(e) {
		ok, err := d.SetupFailoverPath(ctx, e, failoverCutoff)
		if err != nil {
			return ActionNone, err
		}
		if ok {
			return ActionFailoverProvisioned, nil
		}
	}

	if !e.PrimaryPath.IsEmpty() && !e.CurrentPath.Equal(e.PrimaryPath) {
		deployed, err := d.DeployToPath(ctx, e, &e.PrimaryPath)
		if err != nil {
			return ActionNone, err
		}
		if deployed {
			return ActionRestoredToPrimary, nil
		}
	}

	return ActionNone, nil
}
