package evc

import (
	"context"

	"github.com/everoute/mef-eline/pkg/events"
	"github.com/everoute/mef-eline/pkg/flow"
	"github.com/everoute/mef-eline/pkg/path"
)

// deleteFlowsForSwitches builds the cookie-masked delete batch for evc e
// across the given switch ids (spec.md §4.5 "remove_current_flows").
func deleteFlowsForSwitches(e *EVC, switches map[string]bool) map[string][]flow.Flow {
	cookie, mask := flow.DeleteCookieMatch(e.IDLow56())
	out := make(map[string][]flow.Flow, len(switches))
	for sw := range switches {
		out[sw] = []flow.Flow{{
			SwitchID:   sw,
			Cookie:     cookie,
			CookieMask: mask,
			Owner:      flow.Owner,
		}}
	}
	return out
}

// touchedSwitches collects every switch a path touches. excludeUNISwitches
// drops e's two UNI switches from the result even when the path's first or
// last link terminates on one of them, used to build a delete batch that
// must leave UNI-side flows alone (spec.md §4.6 "excluding UNI switches").
func (d *Deployer) touchedSwitches(e *EVC, p path.Path, excludeUNISwitches bool) map[string]bool {
	out := map[string]bool{}
	if sw := d.switchA(e); sw != "" {
		out[sw] = true
	}
	if sw := d.switchZ(e); sw != "" {
		out[sw] = true
	}
	links, err := p.Links(d.Registry)
	if err != nil {
		if excludeUNISwitches {
			delete(out, d.switchA(e))
			delete(out, d.switchZ(e))
		}
		return out
	}
	for _, l := range links {
		if swA, err := d.Registry.SwitchOf(l.EndpointA); err == nil {
			out[swA.DPID] = true
		}
		if swZ, err := d.Registry.SwitchOf(l.EndpointZ); err == nil {
			out[swZ.DPID] = true
		}
	}
	if excludeUNISwitches {
		delete(out, d.switchA(e))
		delete(out, d.switchZ(e))
	}
	return out
}

// RemoveCurrentFlows implements spec.md §4.5 "remove_current_flows": deletes
// every flow of e across both UNI switches and every switch in
// current_path, releases the path's s_vlan allocations, and deactivates the
// EVC. Returns the link_id -> s_vlan map that was released, for redeploy
// diff logic (spec.md §4.9 "wait-for-old-path").
func (d *Deployer) RemoveCurrentFlows(ctx context.Context, e *EVC) (map[string]int, error) {
	switches := d.touchedSwitches(e, e.CurrentPath, false)
	if err := d.Dispatcher.Delete(ctx, deleteFlowsForSwitches(e, switches), true); err != nil {
		return nil, err
	}

	released := e.currentVLANs
	e.CurrentPath.MakeVLANsAvailable(d.Registry, released)
	e.CurrentPath = path.Path{}
	e.currentVLANs = nil
	e.Deactivate()
	return released, nil
}

// RemoveFailoverFlows implements spec.md §4.5 "remove_failover_flows":
// deletes flows targeting only the failover path's switches;
// excludeUNISwitches omits the two UNI switches (used when the UNIs still
// carry traffic on current_path).
func (d *Deployer) RemoveFailoverFlows(ctx context.Context, e *EVC, excludeUNISwitches bool) error {
	switches := d.touchedSwitches(e, e.FailoverPath, excludeUNISwitches)
	if err := d.Dispatcher.Delete(ctx, deleteFlowsForSwitches(e, switches), true); err != nil {
		return err
	}
	e.FailoverPath.MakeVLANsAvailable(d.Registry, e.failoverVLANs)
	e.FailoverPath = path.Path{}
	e.failoverVLANs = nil
	return nil
}

// Undeploy removes every installed flow for e and deactivates it,
// i.e. (T,T,F) --undeploy--> (T,F,F): the EVC stays enabled.
func (d *Deployer) Undeploy(ctx context.Context, e *EVC) error {
	if e.Archived {
		return ErrArchived
	}
	if _, err := d.RemoveCurrentFlows(ctx, e); err != nil {
		return err
	}
	if !e.FailoverPath.IsEmpty() {
		if err := d.RemoveFailoverFlows(ctx, e, false); err != nil {
			return err
		}
	}
	d.Events.Publish(events.Undeployed, d.content(e))
	return nil
}

// ArchiveEVC undeploys then archives, satisfying the archived invariant
// that every path slot is empty (spec.md §3).
func (d *Deployer) ArchiveEVC(ctx context.Context, e *EVC) error {
	if err := d.Undeploy(ctx, e); err != nil && err != ErrArchived {
		return err
	}
	e.PrimaryPath = path.Path{}
	e.BackupPath = path.Path{}
	return e.Archive()
}
