// Package harness runs YAML conformance scenarios against a Mirror.
//
// # Scenario Format
//
//	name: slowmode_update
//	description: "Slowmode changes produce one envelope"
//	catalog: ./catalog        # optional CUE catalog dir, default is the built-in catalog
//	session: session-1        # optional, default "harness"
//	strict_atomicity: false
//	setup:
//	  - kind: text_channel
//	    id: 42
//	    container: 1
//	    fragment: { name: general, slowmode: 0 }
//	flow:
//	  - payload:
//	      kind: text_channel
//	      id: 42
//	      container: 1
//	      fragment: { slowmode: 5 }
//	    expect:
//	      envelopes:
//	        - { field: slowmode, old: 0, new: 5 }
//	  - copy: { kind: text_channel, id: 42, target: 2 }
//	    expect:
//	      fields: { name: general, slowmode: 5 }
//	assertions:
//	  - type: trace_contains
//	    kind: text_channel
//	    id: 42
//	    field: slowmode
//	    new: 5
//	  - type: final_state
//	    kind: text_channel
//	    id: 42
//	    expect: { slowmode: 5 }
//
// # Assertion Types
//
//   - trace_contains: an envelope for the entity and field, optionally with old/new
//   - trace_order: envelope fields appear in the given order
//   - trace_count: number of envelopes, optionally filtered by kind and field
//   - final_state: cached field values of an entity, or its absence
//   - journal_count: rows in the journal's payload, envelope or mutation table
//
// # Deterministic Testing
//
// Every scenario runs against a fresh in-memory journal with a fixed session
// token and fresh sequence clocks, so traces are reproducible and can be
// compared with golden files in testdata/golden.
package harness
