package evc

import (
	"fmt"

	"github.com/everoute/mef-eline/pkg/link"
)

// ExpectedHop is one hop a correct data-plane trace of an EVC's current_path
// must report: the switch and ingress port/vlan a trace step should land on,
// and the egress port/vlan the same step's "out" field should carry when the
// trace service reports one (spec.md §4.9 step 2).
type ExpectedHop struct {
	DPID string
	Port string
	VLAN int

	HasOut  bool
	OutPort string
	OutVLAN int
}

// ExpectedTraceHops returns the ordered hop sequence a data-plane trace of
// e's current_path must report, starting at UNI A and ending at UNI Z.
// reverse walks the same path starting at UNI Z instead, for the
// reverse-direction check spec.md §4.9 step 2 also requires. The returned
// slice always starts with the near UNI's (dpid, port, customer vlan) and
// ends with the far UNI switch's (dpid, in_port, s_vlan); anything in
// between is one entry per transit switch the path crosses.
func (d *Deployer) ExpectedTraceHops(e *EVC, reverse bool) ([]ExpectedHop, error) {
	links, err := e.CurrentPath.Links(d.Registry)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("evc: empty current path")
	}
	if reverse {
		links = reversedLinks(links)
	}

	uniNear, uniFar := e.UNIA, e.UNIZ
	if reverse {
		uniNear, uniFar = e.UNIZ, e.UNIA
	}

	swNear, err := d.Registry.SwitchOf(uniNear.InterfaceID)
	if err != nil {
		return nil, err
	}
	swFar, err := d.Registry.SwitchOf(uniFar.InterfaceID)
	if err != nil {
		return nil, err
	}
	ifaceNear, _ := d.Registry.Interface(uniNear.InterfaceID)
	ifaceFar, _ := d.Registry.Interface(uniFar.InterfaceID)
	if ifaceNear == nil || ifaceFar == nil {
		return nil, fmt.Errorf("evc: unknown uni interface")
	}

	firstLink := links[0]
	lastLink := links[len(links)-1]
	firstVLAN := e.currentVLANs[firstLink.ID]
	lastVLAN := e.currentVLANs[lastLink.ID]

	nearVLAN, _ := uniNear.Tag.Scalar()
	farVLAN, _ := uniFar.Tag.Scalar()

	nniPortAtNear := portTowards(d.Registry, swNear.DPID, firstLink)
	hops := []ExpectedHop{{
		DPID: swNear.DPID, Port: portOf(ifaceNear.ID), VLAN: nearVLAN,
		HasOut: true, OutPort: nniPortAtNear, OutVLAN: firstVLAN,
	}}

	for i := 0; i+1 < len(links); i++ {
		transit, err := sharedSwitch(d.Registry, links[i], links[i+1])
		if err != nil {
			return nil, err
		}
		inPort := portTowards(d.Registry, transit, links[i])
		outPort := portTowards(d.Registry, transit, links[i+1])
		hops = append(hops, ExpectedHop{
			DPID: transit, Port: inPort, VLAN: e.currentVLANs[links[i].ID],
			HasOut: true, OutPort: outPort, OutVLAN: e.currentVLANs[links[i+1].ID],
		})
	}

	nniPortAtFar := portTowards(d.Registry, swFar.DPID, lastLink)
	hops = append(hops, ExpectedHop{
		DPID: swFar.DPID, Port: nniPortAtFar, VLAN: lastVLAN,
		HasOut: true, OutPort: portOf(ifaceFar.ID), OutVLAN: farVLAN,
	})

	return hops, nil
}

func reversedLinks(links []*link.Link) []*link.Link {
	out := make([]*link.Link, len(links))
	for i, l := range links {
		out[len(links)-1-i] = l
	}
	return out
}
