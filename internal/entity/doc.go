// Package entity implements the mutable mirror of remote objects.
//
// An Entity is owned by exactly one Store and is identified by a Ref
// (kind + snowflake id). Field values are read and written through the
// entity's exclusive section, so readers never observe a half-applied
// update. Capability facets are attached at construction and never change.
//
// The Store has no eviction policy: entities live until an explicit removal
// signal, or until their container is removed.
package entity
