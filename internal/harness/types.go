package harness

import "github.com/roach88/snowmirror/internal/ir"

// Trace event types.
const (
	EventPayload  = "payload"
	EventEnvelope = "envelope"
	EventCopy     = "copy"
)

// TraceEvent is one entry of a scenario trace: an inbound payload, an
// envelope it produced, or a copy request.
type TraceEvent struct {
	Type          string    `json:"type"`
	Seq           int64     `json:"seq"`
	Kind          ir.Kind   `json:"kind"`
	EntityID      int64     `json:"entity_id"`
	Container     int64     `json:"container,omitempty"`
	Removed       bool      `json:"removed,omitempty"`
	Field         string    `json:"field,omitempty"`
	Old           ir.Value  `json:"old,omitempty"`
	New           ir.Value  `json:"new,omitempty"`
	Fields        ir.Object `json:"fields,omitempty"`
	SameContainer bool      `json:"same_container,omitempty"`
	Errors        []string  `json:"errors,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds payloads, envelopes and copies in execution order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Envelopes returns the envelope events of the trace.
func (r *Result) Envelopes() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventEnvelope {
			out = append(out, ev)
		}
	}
	return out
}
