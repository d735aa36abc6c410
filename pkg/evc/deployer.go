package evc

import (
	"context"
	"errors"
	"fmt"

	log "github.com/Sirupsen/logrus"

	"github.com/everoute/mef-eline/pkg/collaborators/pathfinder"
	"github.com/everoute/mef-eline/pkg/dispatch"
	"github.com/everoute/mef-eline/pkg/events"
	"github.com/everoute/mef-eline/pkg/flow"
	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/registry"
)

// Semantic error kinds (spec.md §7).
var (
	ErrInvalidPath       = errors.New("evc: invalid path")
	ErrEVCPathNotInstalled = errors.New("evc: path could not be installed")
	ErrDisabledSwitch    = errors.New("evc: uni switch or interface is disabled")
)

// Deployer holds the collaborators the deploy/undeploy/failover primitives
// need: the registry (switch/interface/link arena), the flow builder, the
// dispatcher, the path finder client, and the outbound event bus. One
// Deployer is shared by every EVC (spec.md §2 component 5).
type Deployer struct {
	Registry   *registry.Registry
	Builder    *flow.Builder
	Dispatcher *dispatch.Dispatcher
	PathFinder *pathfinder.Client
	Events     events.Bus

	SPFAttribute string
	SPFMaxPaths  int
}

// Deploy implements deploy_to_path(nil) (spec.md §4.5): discover a path via
// the path finder (or reuse a hint) and install it.
func (d *Deployer) Deploy(ctx context.Context, e *EVC) (bool, error) {
	return d.DeployToPath(ctx, e, nil)
}

// DeployToPath implements the §4.5 deploy algorithm.
func (d *Deployer) DeployToPath(ctx context.Context, e *EVC, hint *path.Path) (bool, error) {
	if e.Archived {
		return false, ErrArchived
	}
	if !e.ShouldDeploy(hint) {
		return false, nil
	}

	intra, err := e.IsIntraSwitch(d.Registry)
	if err != nil {
		return false, err
	}

	if intra {
		if err := d.installDirectUNIFlows(ctx, e); err != nil {
			return false, fmt.Errorf("%w: %v", ErrEVCPathNotInstalled, err)
		}
		if err := e.TryToActivate(d.Registry); err != nil {
			log.WithField("evc", e.ID).WithError(err).Debug("evc: deployed but not yet active")
		}
		d.Events.Publish(events.Deployed, d.content(e))
		return true, nil
	}

	candidates, err := d.candidatePaths(ctx, e, hint)
	if err != nil {
		return false, err
	}

	for _, candidate := range candidates {
		if err := candidate.IsValid(d.Registry, d.switchA(e), d.switchZ(e), false); err != nil {
			continue
		}

		allocated, err := candidate.ChooseVLANs(d.Registry, e.ID)
		if err != nil {
			if errors.Is(err, link.ErrNoTagAvailable) {
				continue
			}
			return false, err
		}

		flows, err := d.buildFullPathFlows(e, candidate, allocated)
		if err != nil {
			candidate.MakeVLANsAvailable(d.Registry, allocated)
			return false, err
		}

		if err := d.Dispatcher.Install(ctx, flow.ByMatch(flows), false); err != nil {
			candidate.MakeVLANsAvailable(d.Registry, allocated)
			return false, fmt.Errorf("%w: %v", ErrEVCPathNotInstalled, err)
		}

		e.CurrentPath = candidate
		e.currentVLANs = allocated
		if err := e.TryToActivate(d.Registry); err != nil {
			log.WithField("evc", e.ID).WithError(err).Debug("evc: deployed but not yet active")
		}
		e.touch()
		d.Events.Publish(events.Deployed, d.content(e))
		return true, nil
	}

	return false, nil
}

// candidatePaths resolves the candidate list for DeployToPath: the hint
// when given and structurally valid, otherwise a path-finder discovery
// using primary_constraints, falling back to secondary_constraints when
// that finds nothing and dynamic_backup_path is set.
func (d *Deployer) candidatePaths(ctx context.Context, e *EVC, hint *path.Path) ([]path.Path, error) {
	if hint != nil {
		if err := hint.IsValid(d.Registry, d.switchA(e), d.switchZ(e), false); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		return []path.Path{*hint}, nil
	}

	candidates, err := d.discover(ctx, e, e.PrimaryConstraints)
	if err != nil || len(candidates) == 0 {
		if !e.DynamicBackupPath && len(candidates) == 0 {
			return nil, nil
		}
		candidates, err = d.discover(ctx, e, e.SecondaryConstraints)
		if err != nil {
			return nil, nil
		}
	}
	return candidates, nil
}

func (d *Deployer) discover(ctx context.Context, e *EVC, constraints map[string]interface{}) ([]path.Path, error) {
	req := pathfinder.Request{
		Source:       e.UNIA.InterfaceID,
		Destination:  e.UNIZ.InterfaceID,
		SpfMaxPaths:  d.SPFMaxPaths,
		SpfAttribute: d.SPFAttribute,
	}
	if constraints != nil {
		req.MandatoryMetrics = constraints
	}

	candidates, err := d.PathFinder.FindPaths(ctx, req)
	if err != nil {
		return nil, err
	}

	var out []path.Path
	for _, c := range candidates {
		p, err := d.materialize(c.Hops)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// materialize resolves a path finder hops list into link ids via the
// registry, creating link records on demand for links not yet known.
func (d *Deployer) materialize(hops []string) (path.Path, error) {
	pairs, err := pathfinder.ParseHops(hops)
	if err != nil {
		return path.Path{}, err
	}
	ids := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		l, ok := d.Registry.LinkBetween(pair[0], pair[1])
		if !ok {
			return path.Path{}, fmt.Errorf("evc: unknown link between %s and %s", pair[0], pair[1])
		}
		ids = append(ids, l.ID)
	}
	return path.New(ids...), nil
}

func (d *Deployer) switchA(e *EVC) string {
	sw, err := d.Registry.SwitchOf(e.UNIA.InterfaceID)
	if err != nil {
		return ""
	}
	return sw.DPID
}

func (d *Deployer) switchZ(e *EVC) string {
	sw, err := d.Registry.SwitchOf(e.UNIZ.InterfaceID)
	if err != nil {
		return ""
	}
	return sw.DPID
}

// installDirectUNIFlows builds and dispatches the two-flow intra-switch
// install (spec.md §4.3 "Intra-switch").
func (d *Deployer) installDirectUNIFlows(ctx context.Context, e *EVC) error {
	swA, err := d.Registry.SwitchOf(e.UNIA.InterfaceID)
	if err != nil {
		return err
	}
	ifaceA, _ := d.Registry.Interface(e.UNIA.InterfaceID)
	ifaceZ, _ := d.Registry.Interface(e.UNIZ.InterfaceID)
	if ifaceA == nil || ifaceZ == nil {
		return fmt.Errorf("evc: unknown uni interface")
	}
	if ifaceA.Status == registry.InterfaceDisabled || ifaceZ.Status == registry.InterfaceDisabled {
		return ErrDisabledSwitch
	}

	a := flow.Endpoint{SwitchID: swA.DPID, Port: portOf(ifaceA.ID), Tag: e.UNIA.Tag}
	z := flow.Endpoint{SwitchID: swA.DPID, Port: portOf(ifaceZ.ID), Tag: e.UNIZ.Tag}

	flows, err := d.Builder.BuildIntraSwitch(e.IDLow56(), e.SBPriority, e.TableGroup, a, z)
	if err != nil {
		return err
	}
	return d.Dispatcher.Install(ctx, flow.ByMatch(flows), false)
}

// buildFullPathFlows builds the complete flow set for an inter-switch
// deploy: NNI flows for each transit link plus UNI-ingress/egress flows at
// both ends (spec.md §4.3 "Inter-switch").
func (d *Deployer) buildFullPathFlows(e *EVC, p path.Path, allocated map[string]int) ([]flow.Flow, error) {
	links, err := p.Links(d.Registry)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("evc: empty path")
	}

	var flows []flow.Flow

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

	firstLink := links[0]
	lastLink := links[len(links)-1]
	firstVLAN := allocated[firstLink.ID]
	lastVLAN := allocated[lastLink.ID]

	nniPortAtA := portTowards(d.Registry, swA.DPID, firstLink)
	uniFlowsA, err := d.Builder.BuildUNIIngress(e.IDLow56(), e.SBPriority, e.TableGroup,
		flow.Endpoint{SwitchID: swA.DPID, Port: portOf(ifaceA.ID), Tag: e.UNIA.Tag}, nniPortAtA, firstVLAN)
	if err != nil {
		return nil, err
	}
	flows = append(flows, uniFlowsA...)
	egressFlowsA, err := d.Builder.BuildUNIEgress(e.IDLow56(), e.SBPriority, e.TableGroup, nniPortAtA, firstVLAN,
		flow.Endpoint{SwitchID: swA.DPID, Port: portOf(ifaceA.ID), Tag: e.UNIA.Tag})
	if err != nil {
		return nil, err
	}
	flows = append(flows, egressFlowsA...)

	nniPortAtZ := portTowards(d.Registry, swZ.DPID, lastLink)
	uniFlowsZ, err := d.Builder.BuildUNIIngress(e.IDLow56(), e.SBPriority, e.TableGroup,
		flow.Endpoint{SwitchID: swZ.DPID, Port: portOf(ifaceZ.ID), Tag: e.UNIZ.Tag}, nniPortAtZ, lastVLAN)
	if err != nil {
		return nil, err
	}
	flows = append(flows, uniFlowsZ...)
	egressFlowsZ, err := d.Builder.BuildUNIEgress(e.IDLow56(), e.SBPriority, e.TableGroup, nniPortAtZ, lastVLAN,
		flow.Endpoint{SwitchID: swZ.DPID, Port: portOf(ifaceZ.ID), Tag: e.UNIZ.Tag})
	if err != nil {
		return nil, err
	}
	flows = append(flows, egressFlowsZ...)

	for i := 0; i+1 < len(links); i++ {
		transitFlows, err := d.transitHopFlows(e, links[i], links[i+1], allocated)
		if err != nil {
			return nil, err
		}
		flows = append(flows, transitFlows...)
	}

	return flows, nil
}

// transitHopFlows builds the NNI flow pair (forward/backward) for the
// transit switch shared by two consecutive links.
func (d *Deployer) transitHopFlows(e *EVC, in, out *link.Link, allocated map[string]int) ([]flow.Flow, error) {
	transit, err := sharedSwitch(d.Registry, in, out)
	if err != nil {
		return nil, err
	}
	inPort := portTowards(d.Registry, transit, in)
	outPort := portTowards(d.Registry, transit, out)
	inVLAN := allocated[in.ID]
	outVLAN := allocated[out.ID]

	forward, err := d.Builder.BuildInterSwitchNNI(e.IDLow56(), e.SBPriority, e.TableGroup, flow.NNIHop{
		SwitchID: transit, InPort: inPort, InSVLAN: inVLAN, OutPort: outPort, OutSVLAN: outVLAN,
	})
	if err != nil {
		return nil, err
	}
	backward, err := d.Builder.BuildInterSwitchNNI(e.IDLow56(), e.SBPriority, e.TableGroup, flow.NNIHop{
		SwitchID: transit, InPort: outPort, InSVLAN: outVLAN, OutPort: inPort, OutSVLAN: inVLAN,
	})
	if err != nil {
		return nil, err
	}
	return []flow.Flow{forward, backward}, nil
}

func sharedSwitch(reg *registry.Registry, a, b *link.Link) (string, error) {
	swAA, err := reg.SwitchOf(a.EndpointA)
	if err != nil {
		return "", err
	}
	swAZ, err := reg.SwitchOf(a.EndpointZ)
	if err != nil {
		return "", err
	}
	swBA, err := reg.SwitchOf(b.EndpointA)
	if err != nil {
		return "", err
	}
	swBZ, err := reg.SwitchOf(b.EndpointZ)
	if err != nil {
		return "", err
	}
	for _, candidate := range []string{swAA.DPID, swAZ.DPID} {
		if candidate == swBA.DPID || candidate == swBZ.DPID {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("evc: links %s and %s share no switch", a.ID, b.ID)
}

// portTowards returns the port on switch dpid that link l uses.
func portTowards(reg *registry.Registry, dpid string, l *link.Link) string {
	if ifaceA, ok := reg.Interface(l.EndpointA); ok {
		if sw, err := reg.SwitchOf(ifaceA.ID); err == nil && sw.DPID == dpid {
			return portOf(ifaceA.ID)
		}
	}
	return portOf(l.EndpointZ)
}

// portOf extracts the OpenFlow port number suffix of a "<dpid>:<port>"
// interface id (the Kytos interface-id convention; spec.md §6's hop parser
// relies on the same shape).
func portOf(interfaceID string) string {
	idx := lastColon(interfaceID)
	if idx < 0 {
		return interfaceID
	}
	return interfaceID[idx+1:]
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func (d *Deployer) content(e *EVC) events.Content {
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
