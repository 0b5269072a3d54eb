// Package capability implements capability facets and structural copy.
//
// A Facet is an optional structural aspect of an entity kind: it contributes
// extra tracked fields, and it contributes to structural copies that build a
// new remote entity mirroring a cached one. Facets are bound to a kind once,
// when the kind is defined; entities never gain or lose facets afterwards.
//
// A structural copy produces a CopyRequest describing the desired fields of
// the new entity. Turning that request into a remote write belongs to the
// mutation gateway, not to this package.
package capability
