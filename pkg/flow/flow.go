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

// Package flow translates an (EVC, path) pair into the switch-indexed flow
// descriptors the flow-manager collaborator installs or deletes (spec.md
// §4.3). It is the JSON wire shape consumed by pkg/dispatch, not an
// OpenFlow wire encoding: match/action semantics only.
package flow

import "fmt"

// Owner tags every flow this system installs; matches the REST layer's
// mef_eline app name so other napps never collide on cookie space.
const Owner = "mef_eline"

// CookiePrefix is ORed with the EVC's low 56 bits to build the flow cookie
// (spec.md §3 Cookie discipline).
const CookiePrefix uint64 = 0xaa00_0000_0000_0000

// CookieMask matches every bit; used on cookie-masked deletes.
const CookieMask uint64 = 0xFFFF_FFFF_FFFF_FFFF

// Table groups: which multi-table slot a flow is installed in.
const (
	TableGroupEVPL = "evpl"
	TableGroupEPL  = "epl"
)

// Action kinds.
const (
	ActionPopVLAN  = "pop_vlan"
	ActionPushVLAN = "push_vlan"
	ActionSetVLAN  = "set_vlan"
	ActionOutput   = "output"
)

// pushVLANEtherType is the 802.1Q ethertype used by push_vlan actions.
const pushVLANEtherType = 0x8100

// Action is one step of a flow's action chain.
type Action struct {
	Type      string `json:"action_type"`
	VLAN      int    `json:"vlan_id,omitempty"`
	VLANMask  int    `json:"vlan_mask,omitempty"`
	EtherType int    `json:"ethertype,omitempty"`
	Port      string `json:"port,omitempty"`
}

// Match is a flow's match criteria.
type Match struct {
	InPort   string `json:"in_port"`
	HasVLAN  bool   `json:"-"`
	VLAN     int    `json:"dl_vlan,omitempty"`
	VLANMask int    `json:"dl_vlan_mask,omitempty"`
}

// Flow is one switch flow-mod descriptor, in the shape the flow-manager
// collaborator's JSON body expects (spec.md §4.3, §6).
type Flow struct {
	SwitchID   string   `json:"-"`
	Match      Match    `json:"match"`
	Actions    []Action `json:"actions"`
	Cookie     uint64   `json:"cookie"`
	CookieMask uint64   `json:"cookie_mask,omitempty"`
	Priority   int      `json:"priority"`
	Owner      string   `json:"owner"`
	TableID    int      `json:"table_id"`
	TableGroup string   `json:"table_group"`
}

// Cookie builds the cookie for evcIDLow56 per the §3 discipline: the high
// byte 0xAA identifies mef_eline, the low 56 bits carry the EVC id.
func Cookie(evcIDLow56 uint64) uint64 {
	return CookiePrefix | (evcIDLow56 & 0x00FF_FFFF_FFFF_FFFF)
}

// DeleteCookieMatch builds the (cookie, cookie_mask) pair used to target
// every flow belonging to evcIDLow56 for a cookie-masked delete.
func DeleteCookieMatch(evcIDLow56 uint64) (uint64, uint64) {
	return Cookie(evcIDLow56), CookieMask
}

// ByMatch groups flows by switch id into the flows_by_switch shape the
// dispatcher sends (spec.md §6).
func ByMatch(flows []Flow) map[string][]Flow {
	out := map[string][]Flow{}
	for _, f := range flows {
		out[f.SwitchID] = append(out[f.SwitchID], f)
	}
	return out
}

// Merge combines any number of switch-indexed flow batches into one, used to
// submit flows that target different switches (or serve different purposes,
// e.g. a cookie-masked delete entry alongside a fresh install) through a
// single Dispatcher call (spec.md §4.6 stage 1: "one combined batch").
func Merge(batches ...map[string][]Flow) map[string][]Flow {
	out := map[string][]Flow{}
	for _, batch := range batches {
		for sw, flows := range batch {
			out[sw] = append(out[sw], flows...)
		}
	}
	return out
}

func (a Action) String() string {
	switch a.Type {
	case ActionPopVLAN:
		return "pop_vlan"
	case ActionPushVLAN:
		return fmt.Sprintf("push_vlan(%#x)", a.EtherType)
	case ActionSetVLAN:
		if a.VLANMask != 0 {
			return fmt.Sprintf("set_vlan(%d/%d)", a.VLAN, a.VLANMask)
		}
		return fmt.Sprintf("set_vlan(%d)", a.VLAN)
	case ActionOutput:
		return fmt.Sprintf("output(%s)", a.Port)
	default:
		return a.Type
	}
}
