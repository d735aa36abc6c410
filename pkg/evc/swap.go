package evc

import (
	"context"
	"fmt"

	log "github.com/Sirupsen/logrus"

	"github.com/everoute/mef-eline/pkg/events"
	"github.com/everoute/mef-eline/pkg/flow"
)

// SwapToFailoverDeleteTargets returns the switches whose current_path flows
// must be deleted as part of a swap-to-failover, excluding both UNI
// switches: their UNI-ingress/egress flows are left for the OpenFlow
// add-with-identical-match-and-priority semantics to overwrite once
// SwapToFailoverInstallFlows is dispatched (spec.md §4.6).
func (d *Deployer) SwapToFailoverDeleteTargets(e *EVC) map[string]bool {
	return d.touchedSwitches(e, e.CurrentPath, true)
}

// SwapToFailoverInstallFlows builds the UNI-ingress/egress pair that
// setup_failover_path deliberately skipped (spec.md §4.5), now needed
// because failover_path is about to become current_path. The transit NNI
// flows of failover_path are already installed and untouched by the swap.
func (d *Deployer) SwapToFailoverInstallFlows(e *EVC) ([]flow.Flow, error) {
	if e.FailoverPath.IsEmpty() {
		return nil, fmt.Errorf("evc: no failover path to swap to")
	}
	links, err := e.FailoverPath.Links(d.Registry)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("evc: empty failover path")
	}

	swA, err := d.Registry.SwitchOf(e.UNIA.InterfaceID)
	if err != nil {
		return nil, err
	}
	swZ, err := d.Registry.SwitchOf(e.UNIZ.InterfaceID)
	if err != nil {
		return nil, err
	}
	ifaceA, _ := d.Registry.Interface(e.UNIA.InterfaceID)
	ifaceZ, _ := d.Registry.Interface(e.UNIZ.InterfaceID)
	if ifaceA == nil || ifaceZ == nil {
		return nil, fmt.Errorf("evc: unknown uni interface")
	}

	firstLink := links[0]
	lastLink := links[len(links)-1]
	firstVLAN := e.failoverVLANs[firstLink.ID]
	lastVLAN := e.failoverVLANs[lastLink.ID]

	nniPortAtA := portTowards(d.Registry, swA.DPID, firstLink)
	var flows []flow.Flow
	ingressA, err := d.Builder.BuildUNIIngress(e.IDLow56(), e.SBPriority, e.TableGroup,
		flow.Endpoint{SwitchID: swA.DPID, Port: portOf(ifaceA.ID), Tag: e.UNIA.Tag}, nniPortAtA, firstVLAN)
	if err != nil {
		return nil, err
	}
	flows = append(flows, ingressA...)
	egressA, err := d.Builder.BuildUNIEgress(e.IDLow56(), e.SBPriority, e.TableGroup, nniPortAtA, firstVLAN,
		flow.Endpoint{SwitchID: swA.DPID, Port: portOf(ifaceA.ID), Tag: e.UNIA.Tag})
	if err != nil {
		return nil, err
	}
	flows = append(flows, egressA...)

	nniPortAtZ := portTowards(d.Registry, swZ.DPID, lastLink)
	ingressZ, err := d.Builder.BuildUNIIngress(e.IDLow56(), e.SBPriority, e.TableGroup,
		flow.Endpoint{SwitchID: swZ.DPID, Port: portOf(ifaceZ.ID), Tag: e.UNIZ.Tag}, nniPortAtZ, lastVLAN)
	if err != nil {
		return nil, err
	}
	flows = append(flows, ingressZ...)
	egressZ, err := d.Builder.BuildUNIEgress(e.IDLow56(), e.SBPriority, e.TableGroup, nniPortAtZ, lastVLAN,
		flow.Endpoint{SwitchID: swZ.DPID, Port: portOf(ifaceZ.ID), Tag: e.UNIZ.Tag})
	if err != nil {
		return nil, err
	}
	flows = append(flows, egressZ...)

	return flows, nil
}

// ApplySwapState promotes failover_path to current_path and demotes the old
// current_path into the failover slot, where it waits for a later
// clear-failover pass to release its s_vlans (spec.md §4.6 stage ordering:
// swap-to-failover must run before clear-failover).
func (e *EVC) ApplySwapState() {
	e.CurrentPath, e.FailoverPath = e.FailoverPath, e.CurrentPath
	e.currentVLANs, e.failoverVLANs = e.failoverVLANs, e.currentVLANs
	e.touch()
}

// SwapToFailover performs a single EVC's half of the link-down pipeline's
// swap-to-failover stage: builds one combined batch of current_path's
// cookie-masked delete entries and failover_path's new UNI install flows,
// and submits it through a single forced Dispatcher.Install call (spec.md
// §4.6 stage 1: "builds one combined batch ... submits the batch as one
// install call"; confirmed by original_source/tests/unit/test_main.py's
// test_execute_swap_to_failover, which asserts exactly one flow-mod call of
// type "install"). Callers processing many EVCs in one pipeline tick should
// prefer building the batches themselves (via
// SwapToFailoverDeleteTargets/InstallFlows) and merging them across EVCs
// into one Dispatcher call each; this method is the single-EVC convenience
// path, used by tests and by pkg/linkdown's swap stage, which calls it once
// per EVC.
func (d *Deployer) SwapToFailover(ctx context.Context, e *EVC) error {
	deleteSwitches := d.SwapToFailoverDeleteTargets(e)
	deleteFlows := deleteFlowsForSwitches(e, deleteSwitches)

	installFlows, err := d.SwapToFailoverInstallFlows(e)
	if err != nil {
		return err
	}

	combined := flow.Merge(deleteFlows, flow.ByMatch(installFlows))
	if err := d.Dispatcher.Install(ctx, combined, true); err != nil {
		return err
	}

	e.ApplySwapState()
	if err := e.TryToActivate(d.Registry); err != nil {
		log.WithField("evc", e.ID).WithError(err).Debug("evc: swapped to failover but not yet active")
	}
	d.Events.Publish(events.FailoverLinkDown, d.content(e))
	return nil
}
