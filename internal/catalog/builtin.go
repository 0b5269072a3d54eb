package catalog

import (
	"sync"

	"github.com/roach88/snowmirror/internal/capability"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
)

// Built-in kinds.
const (
	KindGuild          ir.Kind = "guild"
	KindTextChannel    ir.Kind = "text_channel"
	KindVoiceChannel   ir.Kind = "voice_channel"
	KindCategory       ir.Kind = "category"
	KindThread         ir.Kind = "thread"
	KindMember         ir.Kind = "member"
	KindUser           ir.Kind = "user"
	KindRole           ir.Kind = "role"
	KindEmoji          ir.Kind = "emoji"
	KindSticker        ir.Kind = "sticker"
	KindScheduledEvent ir.Kind = "scheduled_event"
	KindStageInstance  ir.Kind = "stage_instance"
)

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the shared frozen built-in catalog.
func Default() *Catalog {
	defaultOnce.Do(func() {
		defaultCat = Builtin()
		defaultCat.Freeze()
	})
	return defaultCat
}

func str(name string, p field.CopyPolicy) field.Spec {
	return field.Spec{Name: name, Type: ir.TypeString, Copy: p}
}

func optStr(name string, p field.CopyPolicy) field.Spec {
	return field.Spec{Name: name, Type: ir.TypeString, Nullable: true, Copy: p}
}

func num(name string, p field.CopyPolicy) field.Spec {
	return field.Spec{Name: name, Type: ir.TypeInt, Copy: p}
}

func flag(name string, p field.CopyPolicy) field.Spec {
	return field.Spec{Name: name, Type: ir.TypeBool, Copy: p}
}

// Builtin returns a fresh, unfrozen catalog of Discord-like kinds. Callers
// may define additional kinds before freezing it.
func Builtin() *Catalog {
	c := New(field.NewRegistry(), capability.Builtins()...)

	never, always, local := field.CopyNever, field.CopyAlways, field.CopySameContainer

	c.MustDefine(KindDef{
		Kind:      KindGuild,
		Container: true,
		Fields: []field.Spec{
			str("name", always),
			optStr("icon", always),
			optStr("description", always),
			{Name: "owner_id", Type: ir.TypeSnowflake},
			num("verification_level", always),
			num("afk_timeout", always),
			num("premium_tier", never),
			num("member_count", never),
		},
	})

	c.MustDefine(KindDef{
		Kind:   KindTextChannel,
		Fields: []field.Spec{str("name", always), num("position", never)},
		Facets: []string{
			capability.FacetSlowmode,
			capability.FacetThreadSlowmode,
			capability.FacetNSFW,
			capability.FacetTopic,
			capability.FacetParented,
			capability.FacetPermissions,
		},
	})

	c.MustDefine(KindDef{
		Kind:   KindVoiceChannel,
		Fields: []field.Spec{str("name", always), num("position", never)},
		Facets: []string{
			capability.FacetAudio,
			capability.FacetSlowmode,
			capability.FacetNSFW,
			capability.FacetParented,
			capability.FacetPermissions,
		},
	})

	c.MustDefine(KindDef{
		Kind:   KindCategory,
		Fields: []field.Spec{str("name", always), num("position", never)},
		Facets: []string{capability.FacetNSFW, capability.FacetPermissions},
	})

	c.MustDefine(KindDef{
		Kind: KindThread,
		Fields: []field.Spec{
			str("name", always),
			{Name: "owner_id", Type: ir.TypeSnowflake},
			flag("archived", never),
			flag("locked", never),
			num("message_count", never),
			num("auto_archive_duration", always),
		},
		Facets: []string{capability.FacetSlowmode, capability.FacetParented},
	})

	c.MustDefine(KindDef{
		Kind: KindMember,
		Fields: []field.Spec{
			{Name: "nick", Type: ir.TypeString, Nullable: true, RequiresBaseline: true},
			optStr("avatar", never),
			{Name: "roles", Type: ir.TypeArray},
			{Name: "joined_at", Type: ir.TypeTimestamp},
			{Name: "communication_disabled_until", Type: ir.TypeTimestamp, Nullable: true},
			flag("pending", never),
		},
	})

	c.MustDefine(KindDef{
		Kind: KindUser,
		Fields: []field.Spec{
			str("name", never),
			optStr("global_name", never),
			optStr("avatar", never),
			flag("bot", never),
		},
	})

	c.MustDefine(KindDef{
		Kind: KindRole,
		Fields: []field.Spec{
			str("name", always),
			num("color", always),
			flag("hoist", always),
			num("position", never),
			num("permissions", always),
			flag("mentionable", always),
			flag("managed", never),
		},
	})

	c.MustDefine(KindDef{
		Kind: KindEmoji,
		Fields: []field.Spec{
			str("name", always),
			flag("animated", never),
			flag("available", never),
			{Name: "roles", Type: ir.TypeArray, Copy: local},
		},
	})

	c.MustDefine(KindDef{
		Kind: KindSticker,
		Fields: []field.Spec{
			str("name", always),
			optStr("description", always),
			str("tags", always),
			flag("available", never),
		},
	})

	c.MustDefine(KindDef{
		Kind: KindScheduledEvent,
		Fields: []field.Spec{
			str("name", always),
			optStr("description", always),
			{Name: "start_time", Type: ir.TypeTimestamp, Copy: always},
			{Name: "end_time", Type: ir.TypeTimestamp, Nullable: true, Copy: always},
			num("status", never),
			num("entity_type", always),
			{Name: "channel_id", Type: ir.TypeSnowflake, Nullable: true, Copy: local},
		},
	})

	c.MustDefine(KindDef{
		Kind: KindStageInstance,
		Fields: []field.Spec{
			{Name: "channel_id", Type: ir.TypeSnowflake, Copy: local},
			num("privacy_level", always),
		},
		Facets: []string{capability.FacetTopic},
	})

	return c
}
