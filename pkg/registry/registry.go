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

// Package registry is the arena that replaces the source's cyclic
// switch/interface/link object graph (Design Notes §9): switches and
// interfaces live in concurrent maps keyed by stable ids, and callers
// resolve ids to live objects through the registry rather than holding
// Go pointers across package boundaries in a cycle.
package registry

import (
	"fmt"

	cmap "github.com/streamrail/concurrent-map"

	"github.com/everoute/mef-eline/pkg/link"
)

// InterfaceStatus mirrors link.Status for UNI/NNI ports themselves (an
// interface can be individually disabled even if its link is up).
type InterfaceStatus int

const (
	InterfaceUp InterfaceStatus = iota
	InterfaceDown
	InterfaceDisabled
)

// Interface is a switch port. LinkID is the back-reference used by
// path.Path's validity check (§3: "the endpoint's link back-reference
// equals the link itself").
type Interface struct {
	ID       string
	SwitchID string
	Status   InterfaceStatus
	LinkID   string // "" if this interface isn't part of any link
}

// Switch is an OpenFlow datapath, keyed by dpid.
type Switch struct {
	DPID   string
	Status InterfaceStatus
}

// Registry is the process-wide arena of switches, interfaces and links.
type Registry struct {
	switches   cmap.ConcurrentMap
	interfaces cmap.ConcurrentMap
	links      cmap.ConcurrentMap
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		switches:   cmap.New(),
		interfaces: cmap.New(),
		links:      cmap.New(),
	}
}

// UpsertSwitch adds or replaces a switch record.
func (r *Registry) UpsertSwitch(sw *Switch) {
	r.switches.Set(sw.DPID, sw)
}

// Switch resolves a dpid to its Switch record.
func (r *Registry) Switch(dpid string) (*Switch, bool) {
	v, ok := r.switches.Get(dpid)
	if !ok {
		return nil, false
	}
	return v.(*Switch), true
}

// UpsertInterface adds or replaces an interface record.
func (r *Registry) UpsertInterface(i *Interface) {
	r.interfaces.Set(i.ID, i)
}

// Interface resolves an interface id to its record.
func (r *Registry) Interface(id string) (*Interface, bool) {
	v, ok := r.interfaces.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Interface), true
}

// UpsertLink adds or replaces a link.
func (r *Registry) UpsertLink(l *link.Link) {
	r.links.Set(l.ID, l)
}

// Link resolves a link id to its live object.
func (r *Registry) Link(id string) (*link.Link, bool) {
	v, ok := r.links.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*link.Link), true
}

// LinkBetween returns the link connecting the two interfaces, if any.
func (r *Registry) LinkBetween(a, z string) (*link.Link, bool) {
	var found *link.Link
	r.links.IterCb(func(_ string, v interface{}) {
		if found != nil {
			return
		}
		l := v.(*link.Link)
		if (l.EndpointA == a && l.EndpointZ == z) || (l.EndpointA == z && l.EndpointZ == a) {
			found = l
		}
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// SwitchOf resolves the switch owning interface ifaceID.
func (r *Registry) SwitchOf(ifaceID string) (*Switch, error) {
	iface, ok := r.Interface(ifaceID)
	if !ok {
		return nil, fmt.Errorf("registry: unknown interface %q", ifaceID)
	}
	sw, ok := r.Switch(iface.SwitchID)
	if !ok {
		return nil, fmt.Errorf("registry: unknown switch %q for interface %q", iface.SwitchID, ifaceID)
	}
	return sw, nil
}
