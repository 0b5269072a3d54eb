// Package field defines field descriptors and the registry that owns them.
//
// A Descriptor identifies one trackable attribute of one entity kind. Exactly
// one Descriptor exists per (kind, name) pair for the process lifetime:
// descriptors are registered at startup, never mutated, and compared by
// identity afterwards. Callers hold on to the *Descriptor returned by Register.
//
// The registry is written during startup and read-only once Freeze is called.
package field
