package uni

import "fmt"

// UNI is a User-Network Interface: an interface-id paired with an optional
// customer tag.
type UNI struct {
	InterfaceID string
	Tag         Tag
}

// New builds a UNI. interfaceID must be non-empty; it is resolved against
// the interface registry by callers, not validated for existence here.
func New(interfaceID string, tag Tag) (UNI, error) {
	if interfaceID == "" {
		return UNI{}, fmt.Errorf("uni: empty interface id")
	}
	return UNI{InterfaceID: interfaceID, Tag: tag}, nil
}

// GetPriority implements the §4.3 get_priority table: None -> EPL, 0 ->
// UNTAGGED, "4096/4096" -> ANY, any integer or list (TAGRange) -> EVPL.
func (u UNI) GetPriority(epl, untagged, any, evpl int) int {
	switch u.Tag.Kind {
	case TagNone:
		return epl
	case TagUntagged:
		return untagged
	case TagAny:
		return any
	default: // TagVLAN, TagRangeKind
		return evpl
	}
}

// TableGroupKey reports which table_group entry ("evpl" or "epl") this UNI's
// tag selects, used when a flow's in_port match also carries a dl_vlan
// match (see flow.Builder).
func (u UNI) TableGroupKey() string {
	if u.Tag.Kind == TagNone {
		return "epl"
	}
	return "evpl"
}

// Fields projects the UNI into the doc-store wire shape (spec.md §6
// Persistence; shape grounded on original_source/db/models.py's UNIDoc).
func (u UNI) Fields() map[string]interface{} {
	f := map[string]interface{}{"interface_id": u.InterfaceID}
	if tag := u.Tag.Fields(); tag != nil {
		f["tag"] = tag
	}
	return f
}

// UNIFromFields rebuilds a UNI from the shape Fields produces.
func UNIFromFields(fields map[string]interface{}) (UNI, error) {
	interfaceID, _ := fields["interface_id"].(string)
	if interfaceID == "" {
		return UNI{}, fmt.Errorf("uni: missing interface_id")
	}
	tagFields, _ := fields["tag"].(map[string]interface{})
	return UNI{InterfaceID: interfaceID, Tag: TagFromFields(tagFields)}, nil
}
