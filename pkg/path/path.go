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

// Package path models an ordered sequence of links between two UNI
// switches: structural validity, status rollup, and per-link service-VLAN
// allocation (spec.md §4.1).
package path

import (
	"fmt"

	log "github.com/Sirupsen/logrus"

	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/registry"
)

// Path is an ordered sequence of link ids. It stores stable ids rather than
// live pointers (Design Notes §9): consumers resolve through the registry.
type Path struct {
	LinkIDs []string
}

// New builds a Path from an ordered slice of link ids.
func New(linkIDs ...string) Path {
	return Path{LinkIDs: append([]string(nil), linkIDs...)}
}

// IsEmpty reports whether the path has no links.
func (p Path) IsEmpty() bool { return len(p.LinkIDs) == 0 }

// Status rolls up the DISABLED/UP/DOWN state of a path from its links and
// endpoint back-references (spec.md §3: "status: DISABLED if empty; else UP
// iff all links are UP and back-references are consistent; else DOWN").
func (p Path) Status(reg *registry.Registry) link.Status {
	if p.IsEmpty() {
		return link.StatusDisabled
	}
	worst := link.StatusUp
	for _, id := range p.LinkIDs {
		l, ok := reg.Link(id)
		if !ok {
			return link.StatusDown
		}
		if s := l.Status(); s != link.StatusUp {
			if s == link.StatusDisabled {
				worst = link.StatusDisabled
			} else if worst != link.StatusDisabled {
				worst = link.StatusDown
			}
		}
	}
	if worst != link.StatusUp {
		return worst
	}
	if !p.backReferencesConsistent(reg) {
		return link.StatusDown
	}
	return link.StatusUp
}

func (p Path) backReferencesConsistent(reg *registry.Registry) bool {
	for _, id := range p.LinkIDs {
		l, ok := reg.Link(id)
		if !ok {
			return false
		}
		for _, ifaceID := range []string{l.EndpointA, l.EndpointZ} {
			iface, ok := reg.Interface(ifaceID)
			if !ok || iface.LinkID != l.ID {
				return false
			}
		}
	}
	return true
}

// IsValid enforces the four path invariants of spec.md §3: consecutive
// links share exactly one transit switch, no switch repeats, the first
// link touches switchA and the last touches switchZ, and (unless scheduled)
// every link is currently installed at both endpoints.
func (p Path) IsValid(reg *registry.Registry, switchA, switchZ string, scheduled bool) error {
	if p.IsEmpty() {
		return fmt.Errorf("path: empty path is not valid")
	}

	links := make([]*link.Link, len(p.LinkIDs))
	for i, id := range p.LinkIDs {
		l, ok := reg.Link(id)
		if !ok {
			return fmt.Errorf("path: unknown link %q", id)
		}
		links[i] = l
	}

	seenSwitches := map[string]bool{}
	current := switchA

	for _, l := range links {
		swA, err := reg.SwitchOf(l.EndpointA)
		if err != nil {
			return fmt.Errorf("path: %w", err)
		}
		swZ, err := reg.SwitchOf(l.EndpointZ)
		if err != nil {
			return fmt.Errorf("path: %w", err)
		}

		var next string
		switch current {
		case swA.DPID:
			next = swZ.DPID
		case swZ.DPID:
			next = swA.DPID
		default:
			return fmt.Errorf("path: link %q does not share a transit switch with its predecessor", l.ID)
		}

		// no-loop check: a transit switch (neither UNI endpoint) must not
		// be visited twice.
		if next != switchA && next != switchZ {
			if seenSwitches[next] {
				return fmt.Errorf("path: switch %q appears twice (loop)", next)
			}
			seenSwitches[next] = true
		}

		if !scheduled {
			for _, ifaceID := range []string{l.EndpointA, l.EndpointZ} {
				iface, ok := reg.Interface(ifaceID)
				if !ok {
					return fmt.Errorf("path: unknown interface %q", ifaceID)
				}
				if iface.LinkID != l.ID {
					return fmt.Errorf("path: interface %q is not currently installed on link %q", ifaceID, l.ID)
				}
			}
		}

		current = next
	}

	if current != switchZ {
		return fmt.Errorf("path: last link does not terminate at switch %q", switchZ)
	}

	return nil
}

// ChooseVLANs allocates an s_vlan on every link of the path, in order. On
// NoTagAvailable it releases every tag already taken on this path and
// returns the error, so the caller can try the next candidate (spec.md
// §4.1).
func (p Path) ChooseVLANs(reg *registry.Registry, evcID string) (map[string]int, error) {
	allocated := make(map[string]int, len(p.LinkIDs))
	for _, id := range p.LinkIDs {
		l, ok := reg.Link(id)
		if !ok {
			p.releaseAllocated(reg, allocated)
			return nil, fmt.Errorf("path: unknown link %q", id)
		}
		vlan, err := l.AllocateVLAN(evcID)
		if err != nil {
			p.releaseAllocated(reg, allocated)
			return nil, err
		}
		allocated[id] = vlan
	}
	return allocated, nil
}

func (p Path) releaseAllocated(reg *registry.Registry, allocated map[string]int) {
	for id, vlan := range allocated {
		if l, ok := reg.Link(id); ok {
			l.ReleaseVLAN(vlan)
		}
	}
}

// MakeVLANsAvailable releases every s_vlan this path holds. Tolerant of
// tags already released: double-release is only logged by link.ReleaseVLAN.
func (p Path) MakeVLANsAvailable(reg *registry.Registry, allocated map[string]int) {
	for _, id := range p.LinkIDs {
		vlan, ok := allocated[id]
		if !ok {
			continue
		}
		l, ok := reg.Link(id)
		if !ok {
			log.WithField("link", id).Warn("path: releasing vlan on unknown link")
			continue
		}
		l.ReleaseVLAN(vlan)
	}
}

// RestoreVLANs replays a persisted vlan allocation against reg's link pools,
// used by decodeEVC at boot to bring the registry's pool bookkeeping back in
// sync with a current_path/failover_path that was already deployed before
// the daemon restarted (spec.md §6 Persistence). allocated need not cover
// every link in the path; any link missing from it is left untouched.
func (p Path) RestoreVLANs(reg *registry.Registry, evcID string, allocated map[string]int) error {
	for _, id := range p.LinkIDs {
		vlan, ok := allocated[id]
		if !ok {
			continue
		}
		l, ok := reg.Link(id)
		if !ok {
			return fmt.Errorf("path: unknown link %q", id)
		}
		if err := l.ReserveVLAN(vlan, evcID); err != nil {
			return err
		}
	}
	return nil
}

// Links resolves every link id in order; an unknown id is an error.
func (p Path) Links(reg *registry.Registry) ([]*link.Link, error) {
	out := make([]*link.Link, 0, len(p.LinkIDs))
	for _, id := range p.LinkIDs {
		l, ok := reg.Link(id)
		if !ok {
			return nil, fmt.Errorf("path: unknown link %q", id)
		}
		out = append(out, l)
	}
	return out, nil
}

// Hops projects the path into the ordered link-id list the doc-store
// collaborator persists (supplemented from original_source/models/path.py's
// as_dict projection; see SPEC_FULL.md §4).
func (p Path) Hops() []string {
	return append([]string(nil), p.LinkIDs...)
}

// Contains reports whether linkID appears anywhere in the path.
func (p Path) Contains(linkID string) bool {
	for _, id := range p.LinkIDs {
		if id == linkID {
			return true
		}
	}
	return false
}

// Equal compares two paths by link-id sequence.
func (p Path) Equal(o Path) bool {
	if len(p.LinkIDs) != len(o.LinkIDs) {
		return false
	}
	for i := range p.LinkIDs {
		if p.LinkIDs[i] != o.LinkIDs[i] {
			return false
		}
	}
	return true
}

// TransitSwitches returns the set of switches strictly between the UNI
// endpoints switchA and switchZ, used by the §4.7 disjointness score.
func (p Path) TransitSwitches(reg *registry.Registry, switchA, switchZ string) (map[string]bool, error) {
	out := map[string]bool{}
	links, err := p.Links(reg)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		swA, err := reg.SwitchOf(l.EndpointA)
		if err != nil {
			return nil, err
		}
		swZ, err := reg.SwitchOf(l.EndpointZ)
		if err != nil {
			return nil, err
		}
		for _, dpid := range []string{swA.DPID, swZ.DPID} {
			if dpid != switchA && dpid != switchZ {
				out[dpid] = true
			}
		}
	}
	return out, nil
}
