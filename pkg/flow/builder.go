package flow

import (
	"fmt"
	"strings"

	"github.com/everoute/mef-eline/pkg/uni"
)

// PriorityConfig carries the operator-configurable default priorities of
// spec.md §6 (EPL_SB_PRIORITY, EVPL_SB_PRIORITY, ANY_SB_PRIORITY,
// UNTAGGED_SB_PRIORITY).
type PriorityConfig struct {
	EPL      int
	EVPL     int
	Any      int
	Untagged int
}

// DefaultPriorityConfig matches the values the teacher's datapath package
// uses for its own match-priority tiers, scaled to this domain's table.
var DefaultPriorityConfig = PriorityConfig{
	EPL:      100,
	EVPL:     200,
	Any:      150,
	Untagged: 120,
}

// TableGroup maps the two table_group slots an EVC's flows may land in.
type TableGroup struct {
	EVPL int
	EPL  int
}

// Endpoint is a resolved flow-builder endpoint: a switch port plus the
// customer tag carried there (empty Tag.Kind zero value means "UNI with no
// tag", i.e. EPL).
type Endpoint struct {
	SwitchID string
	Port     string
	Tag      uni.Tag
}

// Priority implements get_priority(v): None -> EPL, 0 -> UNTAGGED, "any" ->
// ANY, integer or TAGRange -> EVPL. sbPriority >= 0 overrides the table.
func Priority(t uni.Tag, sbPriority int, cfg PriorityConfig) int {
	if sbPriority >= 0 {
		return sbPriority
	}
	switch t.Kind {
	case uni.TagNone:
		return cfg.EPL
	case uni.TagUntagged:
		return cfg.Untagged
	case uni.TagAny:
		return cfg.Any
	default:
		return cfg.EVPL
	}
}

// tableGroupFor chooses "evpl" when the in_port match also carries a
// dl_vlan match, else "epl" (spec.md §4.3 "Table group is chosen per flow
// as evpl when in_port also matches dl_vlan, else epl").
func tableGroupFor(hasVLANMatch bool) string {
	if hasVLANMatch {
		return TableGroupEVPL
	}
	return TableGroupEPL
}

func tableIDFor(group string, tg TableGroup) int {
	if group == TableGroupEVPL {
		return tg.EVPL
	}
	return tg.EPL
}

// tagValue is a concrete (possibly masked) wire value used by the
// match/action case analysis; it generalizes a scalar uni.Tag and a single
// uni.MaskEntry of a TAGRange so both paths share computeActions.
type tagValue struct {
	kind uni.TagKind
	vlan int
	mask int
}

func scalarValue(t uni.Tag) tagValue {
	return tagValue{kind: t.Kind, vlan: t.VLAN}
}

func rangeValue(e uni.MaskEntry) tagValue {
	return tagValue{kind: uni.TagVLAN, vlan: e.VLAN, mask: e.Mask}
}

func (v tagValue) isSpecial() bool {
	return v.kind == uni.TagNone || v.kind == uni.TagUntagged || v.kind == uni.TagAny
}

func (v tagValue) isNoneOrUntagged() bool {
	return v.kind == uni.TagNone || v.kind == uni.TagUntagged
}

func (v tagValue) equal(o tagValue) bool {
	return v.kind == o.kind && v.vlan == o.vlan && v.mask == o.mask
}

func (v tagValue) matchVLAN() (present bool, vlan, mask int) {
	switch v.kind {
	case uni.TagNone:
		return false, 0, 0
	case uni.TagUntagged:
		return true, 0, 0
	case uni.TagAny:
		return true, 4096, 4096
	default:
		return true, v.vlan, v.mask
	}
}

// computeActions implements the §4.3 case analysis shared by intra-switch
// and NNI push/pop flows: pop on any->untagged or tagged->untagged, push on
// untagged/none->tagged, then (independently) set_vlan whenever the
// destination differs from the source and isn't itself special.
func computeActions(src, dst tagValue, outPort string) []Action {
	var actions []Action
	prepend := func(a Action) { actions = append([]Action{a}, actions...) }

	switch {
	case src.kind == uni.TagAny && dst.kind == uni.TagUntagged:
		prepend(Action{Type: ActionPopVLAN})
	case !src.isSpecial() && dst.kind == uni.TagUntagged:
		prepend(Action{Type: ActionPopVLAN})
	case src.isNoneOrUntagged() && !dst.isSpecial():
		prepend(Action{Type: ActionPushVLAN, EtherType: pushVLANEtherType})
	}

	if !dst.isSpecial() && !dst.equal(src) {
		actions = append([]Action{{Type: ActionSetVLAN, VLAN: dst.vlan, VLANMask: dst.mask}}, actions...)
	}

	actions = append(actions, Action{Type: ActionOutput, Port: outPort})
	return actions
}

func matchFor(inPort string, v tagValue) Match {
	present, vlan, mask := v.matchVLAN()
	return Match{InPort: inPort, HasVLAN: present, VLAN: vlan, VLANMask: mask}
}

// Builder produces the flow set for a deployed EVC over a chosen path.
type Builder struct {
	Priorities PriorityConfig
}

// NewBuilder constructs a Builder with the given priority table.
func NewBuilder(cfg PriorityConfig) *Builder {
	return &Builder{Priorities: cfg}
}

func (b *Builder) priority(t uni.Tag, sbPriority int) int {
	return Priority(t, sbPriority, b.Priorities)
}

// BuildIntraSwitch builds the two flows (A->Z, Z->A) for UNIs that sit on
// the same switch (spec.md §4.3 "Intra-switch").
func (b *Builder) BuildIntraSwitch(evcIDLow56 uint64, sbPriority int, tg TableGroup, a, z Endpoint) ([]Flow, error) {
	if a.SwitchID != z.SwitchID {
		return nil, fmt.Errorf("flow: BuildIntraSwitch requires both endpoints on the same switch")
	}

	az, err := b.intraFlows(evcIDLow56, sbPriority, tg, a, z)
	if err != nil {
		return nil, err
	}
	za, err := b.intraFlows(evcIDLow56, sbPriority, tg, z, a)
	if err != nil {
		return nil, err
	}
	return append(az, za...), nil
}

// intraFlows builds the flow(s) for traffic moving from src to dst on the
// same switch, expanding one flow per mask entry when src carries a
// TAGRange (spec.md "TAGRange UNIs").
func (b *Builder) intraFlows(evcIDLow56 uint64, sbPriority int, tg TableGroup, src, dst Endpoint) ([]Flow, error) {
	srcEntries, dstEntries, err := zipTagEntries(src.Tag, dst.Tag)
	if err != nil {
		return nil, err
	}

	flows := make([]Flow, 0, len(srcEntries))
	for i := range srcEntries {
		sv, dv := srcEntries[i], dstEntries[i]
		match := matchFor(src.Port, sv)
		actions := computeActions(sv, dv, dst.Port)
		group := tableGroupFor(match.HasVLAN)
		flows = append(flows, Flow{
			SwitchID:   src.SwitchID,
			Match:      match,
			Actions:    actions,
			Cookie:     Cookie(evcIDLow56),
			Priority:   b.priority(src.Tag, sbPriority),
			Owner:      Owner,
			TableID:    tableIDFor(group, tg),
			TableGroup: group,
		})
	}
	return flows, nil
}

// zipTagEntries expands both sides of a flow into element-wise compatible
// tagValue lists: non-range tags produce a single-element list repeated to
// match a ranged counterpart; two ranges must be equal length (spec.md
// "lists are required to be equal-length and element-wise compatible").
func zipTagEntries(src, dst uni.Tag) ([]tagValue, []tagValue, error) {
	srcRange := src.Kind == uni.TagRangeKind
	dstRange := dst.Kind == uni.TagRangeKind

	switch {
	case !srcRange && !dstRange:
		return []tagValue{scalarValue(src)}, []tagValue{scalarValue(dst)}, nil
	case srcRange && !dstRange:
		entries := src.MaskList()
		out := make([]tagValue, len(entries))
		dstOut := make([]tagValue, len(entries))
		dv := scalarValue(dst)
		for i, e := range entries {
			out[i] = rangeValue(e)
			dstOut[i] = dv
		}
		return out, dstOut, nil
	case !srcRange && dstRange:
		entries := dst.MaskList()
		out := make([]tagValue, len(entries))
		srcOut := make([]tagValue, len(entries))
		sv := scalarValue(src)
		for i, e := range entries {
			out[i] = rangeValue(e)
			srcOut[i] = sv
		}
		return srcOut, out, nil
	default:
		se, de := src.MaskList(), dst.MaskList()
		if len(se) != len(de) {
			return nil, nil, fmt.Errorf("flow: tag range mask lists have unequal length (%d vs %d)", len(se), len(de))
		}
		srcOut := make([]tagValue, len(se))
		dstOut := make([]tagValue, len(de))
		for i := range se {
			srcOut[i] = rangeValue(se[i])
			dstOut[i] = rangeValue(de[i])
		}
		return srcOut, dstOut, nil
	}
}

// NNIHop is one transit link of an inter-switch path: the ingress port on
// the switch where traffic arrives (carrying the path's s_vlan) and the
// egress port where it leaves towards the next hop (carrying the next
// link's s_vlan, or the destination UNI's own tag at the path's ends).
type NNIHop struct {
	SwitchID  string
	InPort    string
	InSVLAN   int
	OutPort   string
	OutSVLAN  int
	IsUNIExit bool // true on the first/last hop, where OutSVLAN is actually the opposite UNI's tag
}

// BuildInterSwitchNNI builds the push/pop flow pair for one transit hop of
// an inter-switch path (spec.md §4.3 "Inter-switch"). s_vlan in and out are
// treated as plain uni.VLANTag values for the shared case analysis.
func (b *Builder) BuildInterSwitchNNI(evcIDLow56 uint64, sbPriority int, tg TableGroup, hop NNIHop) (Flow, error) {
	inTag, err := uni.VLANTag(hop.InSVLAN)
	if err != nil {
		return Flow{}, fmt.Errorf("flow: nni hop in-vlan: %w", err)
	}
	outTag, err := uni.VLANTag(hop.OutSVLAN)
	if err != nil {
		return Flow{}, fmt.Errorf("flow: nni hop out-vlan: %w", err)
	}
	sv, dv := scalarValue(inTag), scalarValue(outTag)
	match := matchFor(hop.InPort, sv)
	actions := computeActions(sv, dv, hop.OutPort)
	group := tableGroupFor(match.HasVLAN)
	return Flow{
		SwitchID:   hop.SwitchID,
		Match:      match,
		Actions:    actions,
		Cookie:     Cookie(evcIDLow56),
		Priority:   b.priority(uni.Tag{Kind: uni.TagVLAN}, sbPriority),
		Owner:      Owner,
		TableID:    tableIDFor(group, tg),
		TableGroup: group,
	}, nil
}

// BuildUNIIngress builds the UNI-facing flow translating a customer tag
// into the path's first/last s_vlan (or vice versa), one flow per mask
// entry for TAGRange UNIs.
func (b *Builder) BuildUNIIngress(evcIDLow56 uint64, sbPriority int, tg TableGroup, uniEP Endpoint, nniPort string, sVLAN int) ([]Flow, error) {
	sTag, err := uni.VLANTag(sVLAN)
	if err != nil {
		return nil, fmt.Errorf("flow: uni ingress s_vlan: %w", err)
	}
	return b.intraFlows(evcIDLow56, sbPriority, tg, uniEP, Endpoint{SwitchID: uniEP.SwitchID, Port: nniPort, Tag: sTag})
}

// BuildUNIEgress builds the reverse of BuildUNIIngress: s_vlan arriving
// from the NNI side translated back into the customer's tag.
func (b *Builder) BuildUNIEgress(evcIDLow56 uint64, sbPriority int, tg TableGroup, nniPort string, sVLAN int, uniEP Endpoint) ([]Flow, error) {
	sTag, err := uni.VLANTag(sVLAN)
	if err != nil {
		return nil, fmt.Errorf("flow: uni egress s_vlan: %w", err)
	}
	return b.intraFlows(evcIDLow56, sbPriority, tg, Endpoint{SwitchID: uniEP.SwitchID, Port: nniPort, Tag: sTag}, uniEP)
}

// Describe renders a flow's actions for logs, e.g. "pop_vlan,output(3)".
func Describe(f Flow) string {
	parts := make([]string, 0, len(f.Actions))
	for _, a := range f.Actions {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ",")
}
