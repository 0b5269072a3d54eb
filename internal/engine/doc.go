// Package engine wires the mirror together: it receives decoded payloads,
// resolves the cached entity, diffs the fragment against it and hands the
// resulting change records to the dispatcher.
//
// ARCHITECTURE:
//
// Payload Flow:
//  1. The transport calls Mirror.OnPayload directly, or Enqueue for the
//     single-writer Run loop
//  2. The payload is stamped with a receive sequence and journaled
//  3. Removal signals evict the entity (and, for containers, everything
//     scoped to it)
//  4. Updates resolve the entity and run diff.Engine.ApplyAndDiff under the
//     entity's exclusive section
//  5. The entity lock is released, then the changes are published and the
//     resulting envelopes journaled
//
// Errors never stop the stream. Unknown fields, malformed fields and
// duplicate removals are returned to the caller of OnPayload and logged by
// the Run loop, which moves on to the next payload ("log and continue").
//
// Structural copies go the other way: Mirror.Copy builds a copy request from
// a cached entity and submits it to a MutationGateway. The mirror never
// performs the remote write itself.
package engine
