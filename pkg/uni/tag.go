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

// Package uni models a User-Network Interface and the customer VLAN tag it
// carries: a single VLAN, the untagged/any sentinels, or a TAGRange.
package uni

import (
	"fmt"
	"sort"
)

// TagKind discriminates the variants of a Tag. A TagRange can never collapse
// into the Untagged or Any kind: those are distinct wire sentinels, not
// values a [lo,hi] range can produce. See DESIGN.md Open Question decisions.
type TagKind int

const (
	// TagNone means the UNI carries no tag at all (EPL, port-based).
	TagNone TagKind = iota
	// TagUntagged is the wire vlan-0 sentinel.
	TagUntagged
	// TagAny is the wire OXM match 4096/4096 sentinel.
	TagAny
	// TagVLAN is a single VLAN in 1..4094.
	TagVLAN
	// TagRangeKind is a sorted list of non-overlapping [lo,hi] ranges.
	TagRangeKind
)

// VLANRange is an inclusive [Low, High] range of VLAN ids.
type VLANRange struct {
	Low  int
	High int
}

// MaskEntry is one vlan/mask OXM match pair.
type MaskEntry struct {
	VLAN int
	Mask int // 0 means an exact match (no mask suffix on the wire)
}

// Tag is the customer tag carried by a UNI.
type Tag struct {
	Kind   TagKind
	VLAN   int         // valid when Kind == TagVLAN
	Ranges []VLANRange // valid when Kind == TagRangeKind, sorted, non-overlapping
}

// NoneTag builds the EPL (no-tag) sentinel.
func NoneTag() Tag { return Tag{Kind: TagNone} }

// UntaggedTag builds the untagged (wire vlan 0) sentinel.
func UntaggedTag() Tag { return Tag{Kind: TagUntagged} }

// AnyTag builds the any (wire 4096/4096) sentinel.
func AnyTag() Tag { return Tag{Kind: TagAny} }

// VLANTag builds a single VLAN tag, 1..4094.
func VLANTag(vlan int) (Tag, error) {
	if vlan < 1 || vlan > 4094 {
		return Tag{}, fmt.Errorf("uni: vlan %d out of range 1..4094", vlan)
	}
	return Tag{Kind: TagVLAN, VLAN: vlan}, nil
}

// RangeTag builds a TAGRange tag from a set of (possibly unsorted,
// possibly overlapping) ranges, normalizing them into the minimal sorted,
// non-overlapping form.
func RangeTag(ranges []VLANRange) (Tag, error) {
	if len(ranges) == 0 {
		return Tag{}, fmt.Errorf("uni: empty tag range")
	}
	normalized := normalizeRanges(ranges)
	for _, r := range normalized {
		if r.Low < 1 || r.High > 4094 || r.Low > r.High {
			return Tag{}, fmt.Errorf("uni: invalid vlan range [%d,%d]", r.Low, r.High)
		}
	}
	return Tag{Kind: TagRangeKind, Ranges: normalized}, nil
}

func normalizeRanges(ranges []VLANRange) []VLANRange {
	cp := append([]VLANRange(nil), ranges...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Low < cp[j].Low })

	merged := cp[:0]
	for _, r := range cp {
		if len(merged) > 0 && r.Low <= merged[len(merged)-1].High+1 {
			if r.High > merged[len(merged)-1].High {
				merged[len(merged)-1].High = r.High
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Scalar returns the tag's single VLAN id and true when Kind == TagVLAN;
// zero and false otherwise. Used by callers that only care about the
// common single-VLAN case, e.g. seeding a data-plane trace match.
func (t Tag) Scalar() (int, bool) {
	if t.Kind != TagVLAN {
		return 0, false
	}
	return t.VLAN, true
}

// IsSpecial reports whether the tag is one of the wire sentinels {None, 0,
// "4096/4096"} used throughout the §4.3 match/action case analysis.
func (t Tag) IsSpecial() bool {
	return t.Kind == TagNone || t.Kind == TagUntagged || t.Kind == TagAny
}

// MaskList returns the minimal set of vlan/mask OXM entries covering the
// tag's ranges. Empty for non-range tags.
func (t Tag) MaskList() []MaskEntry {
	if t.Kind != TagRangeKind {
		return nil
	}
	var out []MaskEntry
	for _, r := range t.Ranges {
		out = append(out, rangeToMasks(r)...)
	}
	return out
}

// rangeToMasks implements the §4.2 algorithm: at each position p, pick the
// largest power-of-two d that both divides p and satisfies d <= end-p+1;
// emit p alone if d == 1, else p/(4096-d); advance p += d.
func rangeToMasks(r VLANRange) []MaskEntry {
	var out []MaskEntry
	p := r.Low
	for p <= r.High {
		d := largestDivisorPow2(p, r.High-p+1)
		if d == 1 {
			out = append(out, MaskEntry{VLAN: p})
		} else {
			out = append(out, MaskEntry{VLAN: p, Mask: 4096 - d})
		}
		p += d
	}
	return out
}

// largestDivisorPow2 returns the largest power of two d such that d divides
// p (or p == 0) and d <= limit. limit is always >= 1 by construction.
func largestDivisorPow2(p, limit int) int {
	d := 1
	for next := d * 2; next <= limit && p%next == 0; next *= 2 {
		d = next
	}
	return d
}

// Fields projects the tag into the doc-store wire shape (spec.md §6
// Persistence). original_source/db/models.py's TAGDoc carries an opaque
// tag_type integer whose enum mapping isn't defined anywhere in
// original_source; we spell the kind out as a string instead of guessing at
// the Python enum's values (see DESIGN.md Open Question decisions). Returns
// nil for TagNone, so a no-tag UNI round-trips without a "tag" key at all.
func (t Tag) Fields() map[string]interface{} {
	switch t.Kind {
	case TagUntagged:
		return map[string]interface{}{"tag_type": "untagged"}
	case TagAny:
		return map[string]interface{}{"tag_type": "any"}
	case TagVLAN:
		return map[string]interface{}{"tag_type": "vlan", "value": t.VLAN}
	case TagRangeKind:
		ranges := make([]interface{}, len(t.Ranges))
		for i, r := range t.Ranges {
			ranges[i] = []interface{}{r.Low, r.High}
		}
		return map[string]interface{}{"tag_type": "range", "value": ranges}
	default:
		return nil
	}
}

// TagFromFields rebuilds a Tag from the shape Fields produces. A nil,
// missing, or malformed map decodes to NoneTag rather than failing the
// whole document: a UNI persisted without a tag has no "tag" key at all.
func TagFromFields(fields map[string]interface{}) Tag {
	if fields == nil {
		return NoneTag()
	}
	switch kind, _ := fields["tag_type"].(string); kind {
	case "untagged":
		return UntaggedTag()
	case "any":
		return AnyTag()
	case "vlan":
		if v, ok := asInt(fields["value"]); ok {
			if t, err := VLANTag(v); err == nil {
				return t
			}
		}
	case "range":
		if t, ok := rangeTagFromValue(fields["value"]); ok {
			return t
		}
	}
	return NoneTag()
}

func rangeTagFromValue(value interface{}) (Tag, bool) {
	raw, ok := value.([]interface{})
	if !ok {
		return Tag{}, false
	}
	var ranges []VLANRange
	for _, item := range raw {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			continue
		}
		lo, ok1 := asInt(pair[0])
		hi, ok2 := asInt(pair[1])
		if ok1 && ok2 {
			ranges = append(ranges, VLANRange{Low: lo, High: hi})
		}
	}
	t, err := RangeTag(ranges)
	return t, err == nil
}

// asInt accepts the numeric shapes a persisted field can arrive as: a plain
// int (tests constructing doc.Fields by hand), or a float64 (every JSON
// number decoded into interface{} by encoding/json, as the HTTP doc-store
// collaborator does).
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// String renders the tag the way the §6 path finder / flow-manager JSON
// bodies expect it on the wire.
func (t Tag) String() string {
	switch t.Kind {
	case TagNone:
		return "<none>"
	case TagUntagged:
		return "0"
	case TagAny:
		return "4096/4096"
	case TagVLAN:
		return fmt.Sprintf("%d", t.VLAN)
	case TagRangeKind:
		entries := t.MaskList()
		s := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Mask == 0 {
				s = append(s, fmt.Sprintf("%d", e.VLAN))
			} else {
				s = append(s, fmt.Sprintf("%d/%d", e.VLAN, e.Mask))
			}
		}
		return fmt.Sprint(s)
	default:
		return "<unknown>"
	}
}
