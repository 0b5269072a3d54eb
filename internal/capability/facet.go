package capability

import (
	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// Facet is a capability mixin.
type Facet interface {
	// Name is the facet identifier attached to entities.
	Name() string

	// Fields declares the fields the facet contributes to a kind.
	Fields() []field.Spec

	// ContributeCopy adds the facet's share of a structural copy. fields are
	// the facet's descriptors for the source entity's kind, in declaration order.
	ContributeCopy(src entity.Snapshot, fields []*field.Descriptor, req *CopyRequest)
}

// Basic is a facet whose copy contribution follows each field's CopyPolicy.
type Basic struct {
	name  string
	specs []field.Spec
}

// NewBasic creates a policy-driven facet.
func NewBasic(name string, specs ...field.Spec) *Basic {
	return &Basic{name: name, specs: specs}
}

func (b *Basic) Name() string { return b.name }

func (b *Basic) Fields() []field.Spec {
	out := make([]field.Spec, len(b.specs))
	copy(out, b.specs)
	return out
}

func (b *Basic) ContributeCopy(src entity.Snapshot, fields []*field.Descriptor, req *CopyRequest) {
	CopyByPolicy(src, fields, req)
}

// CopyByPolicy copies each present field whose policy allows it for req.
func CopyByPolicy(src entity.Snapshot, fields []*field.Descriptor, req *CopyRequest) {
	for _, d := range fields {
		if !req.Allows(d.CopyPolicy()) {
			continue
		}
		v, ok := src.Value(d.Name())
		if !ok {
			continue
		}
		req.Set(d.Name(), v)
	}
}

// Binding is a facet resolved against one kind's descriptors.
type Binding struct {
	Facet  Facet
	Fields []*field.Descriptor
}

// Built-in facet names.
const (
	FacetSlowmode       = "slowmode"
	FacetThreadSlowmode = "thread_slowmode"
	FacetNSFW           = "nsfw"
	FacetTopic          = "topic"
	FacetParented       = "parented"
	FacetPermissions    = "permission_overridable"
	FacetAudio          = "audio"
)

// Slowmode is the per-user message rate limit in seconds.
func Slowmode() Facet {
	return NewBasic(FacetSlowmode,
		field.Spec{Name: "slowmode", Type: ir.TypeInt, Copy: field.CopyAlways})
}

// ThreadSlowmode is the slowmode applied to threads created in a channel.
func ThreadSlowmode() Facet {
	return NewBasic(FacetThreadSlowmode,
		field.Spec{Name: "default_thread_slowmode", Type: ir.TypeInt, Copy: field.CopyAlways})
}

func NSFW() Facet {
	return NewBasic(FacetNSFW,
		field.Spec{Name: "nsfw", Type: ir.TypeBool, Copy: field.CopyAlways})
}

func Topic() Facet {
	return NewBasic(FacetTopic,
		field.Spec{Name: "topic", Type: ir.TypeString, Nullable: true, Copy: field.CopyAlways})
}

// Parented is membership in a parent category. The parent lives in the
// source's container, so it is copied only within that container.
func Parented() Facet {
	return NewBasic(FacetParented,
		field.Spec{Name: "parent_id", Type: ir.TypeSnowflake, Nullable: true, Copy: field.CopySameContainer})
}

// Audio covers voice-capable channels.
func Audio() Facet {
	return NewBasic(FacetAudio,
		field.Spec{Name: "bitrate", Type: ir.TypeInt, Copy: field.CopyAlways},
		field.Spec{Name: "user_limit", Type: ir.TypeInt, Copy: field.CopyAlways},
		field.Spec{Name: "rtc_region", Type: ir.TypeString, Nullable: true, Copy: field.CopyAlways})
}

// Builtins returns one instance of every built-in facet.
func Builtins() []Facet {
	return []Facet{
		Slowmode(),
		ThreadSlowmode(),
		NSFW(),
		Topic(),
		Parented(),
		PermissionOverridable(),
		Audio(),
	}
}
