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

// Package link models a topology link between two interfaces and the
// per-link service-VLAN pool EVCs allocate from.
package link

import (
	"fmt"
	"sync"

	log "github.com/Sirupsen/logrus"
)

// Status is a link's operational state.
type Status int

const (
	StatusUp Status = iota
	StatusDown
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "UP"
	case StatusDown:
		return "DOWN"
	case StatusDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// minVLAN/maxVLAN bound the service-VLAN pool every link is provisioned
// with; 1 and 4094 are the usable 802.1Q tag space.
const (
	minVLAN = 1
	maxVLAN = 4094
)

// Link is a pair of endpoint interfaces plus the mutable metadata (status,
// s_vlan pool) that path computation and VLAN allocation consume.
type Link struct {
	ID       string
	EndpointA string
	EndpointZ string

	mu     sync.Mutex
	status Status
	free   map[int]bool       // free[vlan] == true means available
	owner  map[int]string     // vlan -> evc id currently holding it

	log *log.Entry
}

// New builds a Link with a full free VLAN pool.
func New(id, endpointA, endpointZ string) *Link {
	l := &Link{
		ID:        id,
		EndpointA: endpointA,
		EndpointZ: endpointZ,
		status:    StatusUp,
		free:      make(map[int]bool, maxVLAN-minVLAN+1),
		owner:     make(map[int]string),
		log:       log.WithField("link", id),
	}
	for v := minVLAN; v <= maxVLAN; v++ {
		l.free[v] = true
	}
	return l
}

// Status returns the link's current operational status.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// SetStatus updates the link's operational status, as driven by inbound
// topology.link_up / topology.link_down events.
func (l *Link) SetStatus(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != s {
		l.log.WithField("from", l.status).WithField("to", s).Info("link status changed")
	}
	l.status = s
}

// ErrNoTagAvailable is returned by AllocateVLAN when the link's free pool is
// exhausted (spec.md §4.1 NoTagAvailable).
var ErrNoTagAvailable = fmt.Errorf("link: no service vlan available")

// AllocateVLAN hands out the next free service VLAN to evcID, atomically.
func (l *Link) AllocateVLAN(evcID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for v := minVLAN; v <= maxVLAN; v++ {
		if l.free[v] {
			delete(l.free, v)
			l.owner[v] = evcID
			return v, nil
		}
	}
	return 0, ErrNoTagAvailable
}

// ReserveVLAN marks vlan as held by evcID without consulting the free pool
// ordering, used to replay a persisted allocation at boot (spec.md §6
// Persistence) before any other EVC has had a chance to pull it from
// AllocateVLAN's free-pool scan.
func (l *Link) ReserveVLAN(vlan int, evcID string) error {
	if vlan < minVLAN || vlan > maxVLAN {
		return fmt.Errorf("link: vlan %d out of range %d..%d", vlan, minVLAN, maxVLAN)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, held := l.owner[vlan]; held && owner != evcID {
		return fmt.Errorf("link: vlan %d already held by %q", vlan, owner)
	}
	delete(l.free, vlan)
	l.owner[vlan] = evcID
	return nil
}

// ReleaseVLAN returns vlan to the free pool. Releasing an already-free vlan
// is idempotent and only logged, per spec.md §5 ("double-free is reported
// as a warning but not fatal").
func (l *Link) ReleaseVLAN(vlan int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.free[vlan] {
		l.log.WithField("vlan", vlan).Warn("double release of service vlan")
		return
	}
	delete(l.owner, vlan)
	l.free[vlan] = true
}

// VLANOwner reports which EVC currently holds vlan, if any.
func (l *Link) VLANOwner(vlan int) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owner[vlan]
	return owner, ok
}

// FreeCount reports the number of unallocated VLANs, used by tests asserting
// pool round-trips.
func (l *Link) FreeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.free)
}

// HasEndpoint reports whether ifaceID terminates this link.
func (l *Link) HasEndpoint(ifaceID string) bool {
	return l.EndpointA == ifaceID || l.EndpointZ == ifaceID
}

// OtherEnd returns the endpoint opposite ifaceID, or "" if ifaceID is not an
// endpoint of this link.
func (l *Link) OtherEnd(ifaceID string) string {
	switch ifaceID {
	case l.EndpointA:
		return l.EndpointZ
	case l.EndpointZ:
		return l.EndpointA
	default:
		return ""
	}
}
