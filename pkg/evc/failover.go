package evc

import (
	"context"

	"github.com/everoute/mef-eline/pkg/disjoint"
	"github.com/everoute/mef-eline/pkg/events"
	"github.com/everoute/mef-eline/pkg/flow"
	"github.com/everoute/mef-eline/pkg/path"
)

// FailoverDisjointCutoff bounds how many candidates the path finder is
// asked for when provisioning a failover path (spec.md §6
// DISJOINT_PATH_CUTOFF).
const FailoverDisjointCutoff = 10

// SetupFailoverPathEligible reports the §4.5 eligibility for
// setup_failover_path: inter-switch, dynamic_backup_path, and both pinned
// path slots empty.
func (d *Deployer) SetupFailoverPathEligible(e *EVC) bool {
	if !e.DynamicBackupPath {
		return false
	}
	if !e.PrimaryPath.IsEmpty() || !e.BackupPath.IsEmpty() {
		return false
	}
	intra, err := e.IsIntraSwitch(d.Registry)
	if err != nil || intra {
		return false
	}
	return e.FailoverPath.IsEmpty()
}

// SetupFailoverPath implements spec.md §4.5 "setup_failover_path": finds
// disjoint-path candidates relative to current_path, installs NNI-only
// flows (UNI ingress skipped) on the first candidate that passes
// ChooseVLANs, and assigns failover_path.
func (d *Deployer) SetupFailoverPath(ctx context.Context, e *EVC, cutoff int) (bool, error) {
	if e.Archived || !d.SetupFailoverPathEligible(e) {
		return false, nil
	}
	if e.CurrentPath.IsEmpty() {
		return false, nil
	}

	candidates, err := disjoint.DisjointCandidates(ctx, d.PathFinder, d.Registry, d.switchA(e), d.switchZ(e), e.CurrentPath, d.SPFAttribute, cutoff)
	if err != nil {
		return false, err
	}

	for _, candidate := range candidates {
		if err := candidate.IsValid(d.Registry, d.switchA(e), d.switchZ(e), false); err != nil {
			continue
		}
		allocated, err := candidate.ChooseVLANs(d.Registry, e.ID)
		if err != nil {
			continue
		}

		nniFlows, err := d.buildNNIOnlyFlows(e, candidate, allocated)
		if err != nil {
			candidate.MakeVLANsAvailable(d.Registry, allocated)
			continue
		}

		if err := d.Dispatcher.Install(ctx, flow.ByMatch(nniFlows), false); err != nil {
			candidate.MakeVLANsAvailable(d.Registry, allocated)
			continue
		}

		e.FailoverPath = candidate
		e.failoverVLANs = allocated
		e.touch()
		d.Events.Publish(events.FailoverDeployed, d.content(e))
		return true, nil
	}

	return false, nil
}

// buildNNIOnlyFlows builds only the transit NNI flow pairs of candidate,
// skipping the UNI-ingress pair (spec.md §4.5: "installs NNI-only flows
// (skip UNI ingress)").
func (d *Deployer) buildNNIOnlyFlows(e *EVC, p path.Path, allocated map[string]int) ([]flow.Flow, error) {
	links, err := p.Links(d.Registry)
	if err != nil {
		return nil, err
	}
	var flows []flow.Flow
	for i := 0; i+1 < len(links); i++ {
		hopFlows, err := d.transitHopFlows(e, links[i], links[i+1], allocated)
		if err != nil {
			return nil, err
		}
		flows = append(flows, hopFlows...)
	}
	return flows, nil
}
