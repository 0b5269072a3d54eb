package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/catalog"
	"github.com/roach88/snowmirror/internal/diff"
	"github.com/roach88/snowmirror/internal/engine"
	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
	"github.com/roach88/snowmirror/internal/store"
	"github.com/roach88/snowmirror/internal/testutil"
)

// DefaultSession is the session token used when a scenario sets none.
const DefaultSession = "harness"

// Harness executes one scenario against a fresh mirror.
type Harness struct {
	store      *store.Store
	mirror     *engine.Mirror
	recorder   *testutil.RecordingSubscriber
	logger     *slog.Logger
	payloadSeq int64
	copySeq    int64
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory journal. Execution flow:
//  1. Load the catalog (built-in or CUE)
//  2. Apply setup payloads, which must not report errors
//  3. Execute flow steps, checking expect clauses
//  4. Evaluate assertions
//
// The returned error reports a scenario that could not be executed; failed
// expectations are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	cat := catalog.Default()
	if scenario.Catalog != "" {
		defs, err := catalog.LoadCUE(scenario.Catalog)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
		if cat, err = catalog.FromDefs(defs); err != nil {
			return nil, fmt.Errorf("failed to build catalog: %w", err)
		}
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	gateway, err := engine.NewOutboxGateway(ctx, st)
	if err != nil {
		return nil, err
	}

	session := scenario.Session
	if session == "" {
		session = DefaultSession
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &Harness{
		store:    st,
		recorder: &testutil.RecordingSubscriber{},
		logger:   logger,
		mirror: engine.New(cat,
			engine.WithJournal(st),
			engine.WithGateway(gateway),
			engine.WithLogger(logger),
			engine.WithSession(testutil.NewFixedSessionGenerator(session)),
			engine.WithStrictAtomicity(scenario.StrictAtomicity),
		),
	}
	h.mirror.Subscribe("harness", h.recorder)

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		Mirror: h.mirror,
		Store:  st,
		Ctx:    ctx,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeSetup applies the setup payloads. Setup establishes the baseline,
// so any reported error aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []PayloadStep, result *Result) error {
	for i, step := range setup {
		codes, _, err := h.applyPayload(ctx, step, result)
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
		if len(codes) > 0 {
			return fmt.Errorf("setup step %d: payload reported %v", i, codes)
		}
	}
	return nil
}

// executeFlow runs the flow steps and checks their expect clauses.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		if step.Copy != nil {
			if err := h.executeCopy(ctx, i, step, result); err != nil {
				return err
			}
			continue
		}

		codes, envs, err := h.applyPayload(ctx, *step.Payload, result)
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
		if step.Expect != nil {
			for _, msg := range checkPayloadExpect(i, step.Expect, codes, envs) {
				result.AddError(msg)
			}
		}

		h.logger.Info("flow step completed",
			"step", i,
			"kind", step.Payload.Kind,
			"id", step.Payload.ID,
			"envelopes", len(envs),
			"errors", codes)
	}
	return nil
}

// applyPayload feeds one payload to the mirror and traces it together with
// the envelopes it produced. The returned error is a harness failure; the
// mirror's own report is returned as error codes.
func (h *Harness) applyPayload(ctx context.Context, step PayloadStep, result *Result) ([]string, []TraceEvent, error) {
	fragment, err := ir.ObjectFromDecoded(step.Fragment)
	if err != nil {
		return nil, nil, fmt.Errorf("fragment: %w", err)
	}

	before := len(h.recorder.Envelopes())
	payloadErr := h.mirror.OnPayload(ctx, engine.Payload{
		Kind:      ir.Kind(step.Kind),
		ID:        snowflake.ID(step.ID),
		Container: snowflake.ID(step.Container),
		Fragment:  fragment,
		Removed:   step.Removed,
	})
	if engine.IsJournalError(payloadErr) {
		return nil, nil, payloadErr
	}
	if err := h.mirror.Flush(ctx); err != nil {
		return nil, nil, fmt.Errorf("deliver envelopes: %w", err)
	}
	codes := ErrorCodes(payloadErr)

	h.payloadSeq++
	result.Trace = append(result.Trace, TraceEvent{
		Type:      EventPayload,
		Seq:       h.payloadSeq,
		Kind:      ir.Kind(step.Kind),
		EntityID:  step.ID,
		Container: step.Container,
		Removed:   step.Removed,
		Errors:    codes,
	})

	var envs []TraceEvent
	for _, env := range h.recorder.Envelopes()[before:] {
		ev := TraceEvent{
			Type:     EventEnvelope,
			Seq:      env.Seq,
			Kind:     env.Ref.Kind,
			EntityID: env.Ref.ID.Int64(),
			Field:    env.Identifier(),
			Old:      env.Old,
			New:      env.New,
		}
		envs = append(envs, ev)
		result.Trace = append(result.Trace, ev)
	}
	return codes, envs, nil
}

func (h *Harness) executeCopy(ctx context.Context, index int, step FlowStep, result *Result) error {
	c := step.Copy
	req, err := h.mirror.Copy(ctx, ir.Kind(c.Kind), snowflake.ID(c.ID), snowflake.ID(c.Target))
	codes := ErrorCodes(err)

	h.copySeq++
	result.Trace = append(result.Trace, TraceEvent{
		Type:          EventCopy,
		Seq:           h.copySeq,
		Kind:          ir.Kind(c.Kind),
		EntityID:      c.ID,
		Container:     c.Target,
		Fields:        req.Fields,
		SameContainer: req.SameContainer,
		Errors:        codes,
	})

	if step.Expect == nil {
		return nil
	}
	msgs, err := checkCopyExpect(index, step.Expect, codes, req.Fields, req.SameContainer)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		result.AddError(msg)
	}
	return nil
}

func checkPayloadExpect(index int, expect *ExpectClause, codes []string, envs []TraceEvent) []string {
	var msgs []string
	if !slices.Equal(normalizeCodes(expect.Errors), codes) {
		msgs = append(msgs, fmt.Sprintf("flow[%d]: expected errors %v, got %v", index, expect.Errors, codes))
	}

	if len(expect.Envelopes) != len(envs) {
		got := make([]string, len(envs))
		for i, ev := range envs {
			got[i] = ev.Field
		}
		return append(msgs, fmt.Sprintf("flow[%d]: expected %d envelopes, got %d %v",
			index, len(expect.Envelopes), len(envs), got))
	}

	for i, want := range expect.Envelopes {
		got := envs[i]
		if want.Field != got.Field {
			msgs = append(msgs, fmt.Sprintf("flow[%d].envelopes[%d]: expected field %q, got %q", index, i, want.Field, got.Field))
			continue
		}
		if msg := compareValue(want.Old, got.Old); msg != "" {
			msgs = append(msgs, fmt.Sprintf("flow[%d].envelopes[%d] %s old: %s", index, i, got.Field, msg))
		}
		if msg := compareValue(want.New, got.New); msg != "" {
			msgs = append(msgs, fmt.Sprintf("flow[%d].envelopes[%d] %s new: %s", index, i, got.Field, msg))
		}
	}
	return msgs
}

func checkCopyExpect(index int, expect *ExpectClause, codes []string, fields ir.Object, same bool) ([]string, error) {
	var msgs []string
	if !slices.Equal(normalizeCodes(expect.Errors), codes) {
		msgs = append(msgs, fmt.Sprintf("flow[%d]: expected errors %v, got %v", index, expect.Errors, codes))
	}
	if expect.SameContainer != nil && *expect.SameContainer != same {
		msgs = append(msgs, fmt.Sprintf("flow[%d]: expected same_container=%t", index, *expect.SameContainer))
	}
	if expect.Fields == nil {
		return msgs, nil
	}

	want, err := ir.ObjectFromDecoded(expect.Fields)
	if err != nil {
		return nil, fmt.Errorf("flow step %d: expected fields: %w", index, err)
	}
	if fields == nil {
		fields = ir.Object{}
	}
	if !ir.Equal(want, fields) {
		msgs = append(msgs, fmt.Sprintf("flow[%d]: expected copy fields %v, got %v",
			index, want.SortedKeys(), fields.SortedKeys()))
	}
	return msgs, nil
}

// compareValue compares an expected decoded YAML value with an actual one.
// It returns a description of the mismatch, or "".
func compareValue(expected any, actual ir.Value) string {
	want, err := ir.FromDecoded(expected)
	if err != nil {
		return fmt.Sprintf("bad expectation: %v", err)
	}
	if actual == nil {
		actual = ir.Null{}
	}
	if !ir.Equal(want, actual) {
		return fmt.Sprintf("expected %s, got %s", describe(want), describe(actual))
	}
	return ""
}

func describe(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// ErrorCodes lists the distinct machine-readable codes in err's tree,
// sorted. Errors without a code are reported as ERROR.
func ErrorCodes(err error) []string {
	if err == nil {
		return nil
	}
	seen := make(map[string]bool)
	collectCodes(err, seen)

	codes := make([]string, 0, len(seen))
	for c := range seen {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	return codes
}

func collectCodes(err error, seen map[string]bool) {
	if err == nil {
		return
	}
	switch e := err.(type) {
	case *field.UnknownFieldError:
		seen[field.CodeUnknownField] = true
		return
	case *diff.MalformedFragmentError:
		seen[diff.CodeMalformedFragment] = true
		return
	case *entity.EntityNotFoundError:
		seen[entity.CodeEntityNotFound] = true
		return
	case *catalog.UnknownKindError:
		seen[catalog.CodeUnknownKind] = true
		return
	case *engine.RuntimeError:
		seen[string(e.Code)] = true
		return
	}

	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			collectCodes(inner, seen)
		}
	case interface{ Unwrap() error }:
		collectCodes(u.Unwrap(), seen)
	default:
		seen["ERROR"] = true
	}
}

func normalizeCodes(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	out := slices.Clone(codes)
	slices.Sort(out)
	return slices.Compact(out)
}
