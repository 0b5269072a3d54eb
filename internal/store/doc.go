// Package store provides the SQLite-backed journal of the mirror.
//
// The journal is append-only and holds:
//   - Payloads: every inbound fragment or removal signal, in receive order
//   - Envelopes: every change notification, linked to the payload that caused it
//   - Mutations: structural copy requests handed to the mutation gateway (outbox)
//
// All queries order by seq, the logical clock value, so a replay of the
// payload log reproduces the envelope log exactly.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Record IDs are content addresses computed in internal/ir/hash.go.
package store
