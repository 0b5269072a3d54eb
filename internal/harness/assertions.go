package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/engine"
	"github.com/roach88/snowmirror/internal/ir"
	"github.com/roach88/snowmirror/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Envelopes for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nEnvelopes:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s/%d %s: %s -> %s\n",
				ev.Seq, ev.Kind, ev.EntityID, ev.Field, describeOrNull(ev.Old), describeOrNull(ev.New))
		}
	}
	return buf.String()
}

func describeOrNull(v ir.Value) string {
	if v == nil {
		return "null"
	}
	return describe(v)
}

// assertTraceContains checks for an envelope of the entity and field whose
// old and new values match when the assertion sets them.
func assertTraceContains(envs []TraceEvent, a Assertion) error {
	for _, ev := range envs {
		if string(ev.Kind) != a.Kind || ev.EntityID != a.ID || ev.Field != a.Field {
			continue
		}
		if a.Old != nil && compareValue(a.Old, ev.Old) != "" {
			continue
		}
		if a.New != nil && compareValue(a.New, ev.New) != "" {
			continue
		}
		return nil
	}

	expected := fmt.Sprintf("envelope %s/%d %s", a.Kind, a.ID, a.Field)
	if a.Old != nil {
		expected += fmt.Sprintf(" old=%v", a.Old)
	}
	if a.New != nil {
		expected += fmt.Sprintf(" new=%v", a.New)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    envs,
	}
}

// assertTraceOrder checks that the first envelope of each field appears in
// the given order. Intervening envelopes are allowed.
func assertTraceOrder(envs []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range envs {
		if _, seen := positions[ev.Field]; !seen {
			positions[ev.Field] = i + 1 // 1-indexed for readability
		}
	}

	for _, f := range a.Fields {
		if positions[f] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all fields present: %v", a.Fields),
				Actual:   fmt.Sprintf("missing field: %s", f),
				Trace:    envs,
			}
		}
	}

	for i := 1; i < len(a.Fields); i++ {
		prev, curr := a.Fields[i-1], a.Fields[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("fields in order: %v", a.Fields),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: envs,
			}
		}
	}
	return nil
}

// assertTraceCount counts envelopes, filtered by kind and field when set.
func assertTraceCount(envs []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range envs {
		if a.Kind != "" && string(ev.Kind) != a.Kind {
			continue
		}
		if a.Field != "" && ev.Field != a.Field {
			continue
		}
		count++
	}

	if count != a.Count {
		what := "envelopes"
		if a.Field != "" {
			what = a.Field + " envelopes"
		}
		if a.Kind != "" {
			what += " of " + a.Kind
		}
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s", a.Count, what),
			Actual:   fmt.Sprintf("%d", count),
			Trace:    envs,
		}
	}
	return nil
}

// assertFinalState checks the entity's cached values (subset match) or its
// absence from the cache.
func assertFinalState(m *engine.Mirror, a Assertion) error {
	e, ok := m.Entities().Get(ir.Kind(a.Kind), snowflake.ID(a.ID))
	ref := fmt.Sprintf("%s/%d", a.Kind, a.ID)

	if a.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: ref + " not cached",
				Actual:   "entity is cached",
			}
		}
		return nil
	}
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: ref + " cached",
			Actual:   "entity not found",
		}
	}

	snap := e.Snapshot()
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		actual, exists := snap.Value(key)
		if !exists {
			actual = ir.Null{}
		}
		if msg := compareValue(a.Expect[key], actual); msg != "" {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s field %q = %v", ref, key, a.Expect[key]),
				Actual:   msg,
			}
		}
	}
	return nil
}

// assertJournalCount counts rows in a journal table.
func assertJournalCount(ctx context.Context, st *store.Store, a Assertion) error {
	var (
		count int
		err   error
	)
	switch a.Table {
	case TablePayloads:
		var recs []store.PayloadRecord
		recs, err = st.ReadPayloads(ctx)
		count = len(recs)
	case TableEnvelopes:
		var recs []store.EnvelopeRecord
		recs, err = st.ReadEnvelopes(ctx, store.EnvelopeFilter{})
		count = len(recs)
	case TableMutations:
		var recs []store.MutationRecord
		recs, err = st.ReadMutations(ctx, "")
		count = len(recs)
	default:
		return fmt.Errorf("unknown journal table %q", a.Table)
	}
	if err != nil {
		return &AssertionError{
			Type:     AssertJournalCount,
			Expected: fmt.Sprintf("read %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	if count != a.Count {
		return &AssertionError{
			Type:     AssertJournalCount,
			Expected: fmt.Sprintf("%d rows in %s", a.Count, a.Table),
			Actual:   fmt.Sprintf("%d rows", count),
		}
	}
	return nil
}

// AssertionContext provides the mirror and journal for state assertions.
type AssertionContext struct {
	Mirror *engine.Mirror
	Store  *store.Store
	Ctx    context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string
	envs := result.Envelopes()

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(envs, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(envs, assertion)
		case AssertTraceCount:
			err = assertTraceCount(envs, assertion)
		case AssertFinalState:
			if actx == nil || actx.Mirror == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a mirror", i)
			} else {
				err = assertFinalState(actx.Mirror, assertion)
			}
		case AssertJournalCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: journal_count requires a journal", i)
			} else {
				err = assertJournalCount(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
