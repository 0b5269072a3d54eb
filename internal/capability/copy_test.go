package capability

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

const kindText ir.Kind = "text_channel"

// bindAll registers base specs and every facet for kindText.
func bindAll(t *testing.T, base []field.Spec, facets ...Facet) ([]*field.Descriptor, []Binding) {
	t.Helper()
	reg := field.NewRegistry()

	var baseDescs []*field.Descriptor
	for _, s := range base {
		d, err := reg.Register(kindText, s.Name, s.Type, s.Options()...)
		require.NoError(t, err)
		baseDescs = append(baseDescs, d)
	}

	var bindings []Binding
	for _, f := range facets {
		b := Binding{Facet: f}
		for _, s := range f.Fields() {
			opts := append(s.Options(), field.FromFacet(f.Name()))
			d, err := reg.Register(kindText, s.Name, s.Type, opts...)
			require.NoError(t, err)
			b.Fields = append(b.Fields, d)
		}
		bindings = append(bindings, b)
	}
	return baseDescs, bindings
}

func sourceSnapshot(container snowflake.ID, facets []string, values ir.Object) entity.Snapshot {
	return entity.Snapshot{
		Ref:       ir.Ref{Kind: kindText, ID: 42},
		Container: container,
		Facets:    facets,
		Values:    values,
		Seeded:    true,
	}
}

func textChannelValues() ir.Object {
	return ir.NewObject(
		ir.O("name", ir.String("general")),
		ir.O("position", ir.Int(3)),
		ir.O("slowmode", ir.Int(5)),
		ir.O("nsfw", ir.Bool(true)),
		ir.O("topic", ir.String("chat")),
		ir.O("parent_id", ir.Int(900)),
		ir.O("permission_overwrites", ir.NewArray(
			ir.NewObject(ir.O("id", ir.String("7")), ir.O("type", ir.Int(1)), ir.O("allow", ir.String("1024")), ir.O("deny", ir.String("0"))),
			ir.NewObject(ir.O("id", ir.String("5")), ir.O("type", ir.Int(0)), ir.O("allow", ir.String("0")), ir.O("deny", ir.String("2048"))),
		)),
	)
}

func textChannelBase() []field.Spec {
	return []field.Spec{
		{Name: "name", Type: ir.TypeString, Copy: field.CopyAlways},
		{Name: "position", Type: ir.TypeInt},
	}
}

func TestStructuralCopySameContainer(t *testing.T) {
	base, bindings := bindAll(t, textChannelBase(), Slowmode(), NSFW(), Topic(), Parented(), PermissionOverridable())
	src := sourceSnapshot(100, []string{FacetSlowmode, FacetNSFW, FacetTopic, FacetParented, FacetPermissions}, textChannelValues())

	req := StructuralCopy(src, base, bindings, 100)

	assert.True(t, req.SameContainer)
	assert.Equal(t, kindText, req.Kind)
	assert.Equal(t, ir.String("general"), req.Fields["name"])
	assert.NotContains(t, req.Fields, "position", "position has no copy policy")
	assert.Equal(t, ir.Int(5), req.Fields["slowmode"])
	assert.Equal(t, ir.Bool(true), req.Fields["nsfw"])
	assert.Equal(t, ir.String("chat"), req.Fields["topic"])
	assert.Equal(t, ir.Int(900), req.Fields["parent_id"])

	overrides := ParseOverrides(req.Fields["permission_overwrites"])
	require.Len(t, overrides, 2)
	assert.Equal(t, Override{ID: 5, Type: OverrideRole, Allow: 0, Deny: 2048}, overrides[0])
	assert.Equal(t, Override{ID: 7, Type: OverrideMember, Allow: 1024, Deny: 0}, overrides[1])
}

func TestStructuralCopyOtherContainerOmitsContainerFields(t *testing.T) {
	base, bindings := bindAll(t, textChannelBase(), Slowmode(), NSFW(), Topic(), Parented(), PermissionOverridable())
	src := sourceSnapshot(100, []string{FacetSlowmode, FacetNSFW, FacetTopic, FacetParented, FacetPermissions}, textChannelValues())

	req := StructuralCopy(src, base, bindings, 200)

	assert.False(t, req.SameContainer)
	assert.Equal(t, snowflake.ID(200), req.Container)
	assert.NotContains(t, req.Fields, "parent_id")
	assert.NotContains(t, req.Fields, "permission_overwrites")
	assert.Equal(t, ir.Int(5), req.Fields["slowmode"])
	assert.Equal(t, ir.String("general"), req.Fields["name"])
}

func TestStructuralCopyOnlyPresentFacetsContribute(t *testing.T) {
	base, bindings := bindAll(t, textChannelBase(), Slowmode(), NSFW())
	// Source carries a slowmode value but not the slowmode facet.
	src := sourceSnapshot(100, []string{FacetNSFW}, textChannelValues())

	req := StructuralCopy(src, base, bindings, 100)

	assert.NotContains(t, req.Fields, "slowmode")
	assert.Contains(t, req.Fields, "nsfw")
}

func TestStructuralCopySkipsUnsetFields(t *testing.T) {
	base, bindings := bindAll(t, textChannelBase(), Topic())
	src := sourceSnapshot(100, []string{FacetTopic}, ir.NewObject(ir.O("name", ir.String("quiet"))))

	req := StructuralCopy(src, base, bindings, 100)
	assert.Equal(t, ir.NewObject(ir.O("name", ir.String("quiet"))), req.Fields)
}

func TestParseOverridesDropsMalformed(t *testing.T) {
	v := ir.NewArray(
		ir.NewObject(ir.O("id", ir.Int(1)), ir.O("type", ir.String("member"))),
		ir.NewObject(ir.O("id", ir.String("nope")), ir.O("type", ir.Int(0))),
		ir.NewObject(ir.O("id", ir.Int(2)), ir.O("type", ir.Int(9))),
		ir.String("garbage"),
	)

	got := ParseOverrides(v)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsMember())
	assert.Nil(t, ParseOverrides(ir.Int(1)))
}

func TestBuiltinsHaveUniqueNames(t *testing.T) {
	seen := map[string]bool{}
	for _, f := range Builtins() {
		assert.False(t, seen[f.Name()], "duplicate facet %s", f.Name())
		seen[f.Name()] = true
		assert.NotEmpty(t, f.Fields())
	}
}
