package capability

import (
	"slices"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// CopyRequest describes a new remote entity that structurally mirrors a
// cached one. The mutation gateway turns it into a remote write.
type CopyRequest struct {
	Kind          ir.Kind      `json:"kind"`
	Source        ir.Ref       `json:"source"`
	Container     snowflake.ID `json:"container"`
	SameContainer bool         `json:"same_container"`
	Fields        ir.Object    `json:"fields"`
}

// Set records the desired value of a field.
func (r *CopyRequest) Set(name string, v ir.Value) {
	if r.Fields == nil {
		r.Fields = make(ir.Object)
	}
	r.Fields[name] = v
}

// Allows reports whether a field with the given policy belongs in this request.
func (r *CopyRequest) Allows(p field.CopyPolicy) bool {
	switch p {
	case field.CopyAlways:
		return true
	case field.CopySameContainer:
		return r.SameContainer
	default:
		return false
	}
}

// StructuralCopy builds the copy request for src into target.
//
// Base fields follow their CopyPolicy. Only facets present on the source
// contribute. Same-container fields are silently omitted when target differs
// from the source's container.
func StructuralCopy(src entity.Snapshot, base []*field.Descriptor, bindings []Binding, target snowflake.ID) CopyRequest {
	req := CopyRequest{
		Kind:          src.Ref.Kind,
		Source:        src.Ref,
		Container:     target,
		SameContainer: target == src.Container,
		Fields:        make(ir.Object),
	}

	CopyByPolicy(src, base, &req)

	for _, b := range bindings {
		if !slices.Contains(src.Facets, b.Facet.Name()) {
			continue
		}
		b.Facet.ContributeCopy(src, b.Fields, &req)
	}
	return req
}
