package capability

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// Override holder types as sent by the gateway.
const (
	OverrideRole   int64 = 0
	OverrideMember int64 = 1
)

const overwritesField = "permission_overwrites"

// Override is one permission override on a channel.
type Override struct {
	ID    int64
	Type  int64
	Allow int64
	Deny  int64
}

// IsMember reports whether the override targets a member rather than a role.
func (o Override) IsMember() bool { return o.Type == OverrideMember }

// Value encodes the override in its canonical stored form.
func (o Override) Value() ir.Value {
	holder := "role"
	if o.IsMember() {
		holder = "member"
	}
	return ir.NewObject(
		ir.O("id", ir.Int(o.ID)),
		ir.O("type", ir.String(holder)),
		ir.O("allow", ir.Int(o.Allow)),
		ir.O("deny", ir.Int(o.Deny)),
	)
}

type permissionOverridable struct{}

// PermissionOverridable tracks channel permission overrides. Overrides
// reference roles and members of the source's container, so they are copied
// only within that container.
func PermissionOverridable() Facet { return permissionOverridable{} }

func (permissionOverridable) Name() string { return FacetPermissions }

func (permissionOverridable) Fields() []field.Spec {
	return []field.Spec{{Name: overwritesField, Type: ir.TypeArray, Copy: field.CopySameContainer}}
}

// ContributeCopy re-emits the overrides with role overrides first, then
// member overrides, each ordered by id. Malformed entries are dropped.
func (permissionOverridable) ContributeCopy(src entity.Snapshot, fields []*field.Descriptor, req *CopyRequest) {
	if !req.SameContainer {
		return
	}
	v, ok := src.Value(overwritesField)
	if !ok {
		return
	}
	overrides := ParseOverrides(v)

	out := make(ir.Array, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, o.Value())
	}
	req.Set(overwritesField, out)
}

// ParseOverrides decodes an overrides array, skipping malformed entries.
// The result is ordered roles first, then members, each by id.
func ParseOverrides(v ir.Value) []Override {
	arr, ok := v.(ir.Array)
	if !ok {
		return nil
	}

	out := make([]Override, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(ir.Object)
		if !ok {
			continue
		}
		id, okID := intOf(obj["id"])
		holder, okType := holderOf(obj["type"])
		if !okID || !okType {
			continue
		}
		allow, _ := intOf(obj["allow"])
		deny, _ := intOf(obj["deny"])
		out = append(out, Override{ID: id, Type: holder, Allow: allow, Deny: deny})
	}

	slices.SortFunc(out, func(a, b Override) int {
		if c := cmp.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// intOf accepts integers and decimal strings; permission bitsets and ids
// arrive as strings on the wire.
func intOf(v ir.Value) (int64, bool) {
	switch val := v.(type) {
	case ir.Int:
		return int64(val), true
	case ir.String:
		n, err := strconv.ParseInt(string(val), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func holderOf(v ir.Value) (int64, bool) {
	switch val := v.(type) {
	case ir.String:
		switch val {
		case "role":
			return OverrideRole, true
		case "member":
			return OverrideMember, true
		}
	case ir.Int:
		if val == ir.Int(OverrideRole) || val == ir.Int(OverrideMember) {
			return int64(val), true
		}
	}
	return 0, false
}
