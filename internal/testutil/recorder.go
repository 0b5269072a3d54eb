package testutil

import (
	"context"
	"sync"

	"github.com/roach88/snowmirror/internal/capability"
	"github.com/roach88/snowmirror/internal/dispatch"
)

// RecordingSubscriber records every envelope it receives.
//
// Thread-safety: safe for concurrent use.
type RecordingSubscriber struct {
	mu   sync.Mutex
	envs []dispatch.Envelope

	// Err, if set, is returned from every Handle call after recording.
	Err error
}

func (r *RecordingSubscriber) Handle(env dispatch.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return r.Err
}

// Envelopes returns a copy of the recorded envelopes in delivery order.
func (r *RecordingSubscriber) Envelopes() []dispatch.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.Envelope(nil), r.envs...)
}

// Identifiers returns the field identifiers of the recorded envelopes.
func (r *RecordingSubscriber) Identifiers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, env := range r.envs {
		out[i] = env.Identifier()
	}
	return out
}

// Reset drops everything recorded so far.
func (r *RecordingSubscriber) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = nil
}

// RecordingGateway records copy requests instead of performing them.
//
// Implements engine.MutationGateway.
type RecordingGateway struct {
	mu   sync.Mutex
	reqs []capability.CopyRequest

	// Err, if set, is returned from Submit after recording.
	Err error
}

func (g *RecordingGateway) Submit(_ context.Context, req capability.CopyRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	return g.Err
}

// Requests returns a copy of the submitted requests.
func (g *RecordingGateway) Requests() []capability.CopyRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]capability.CopyRequest(nil), g.reqs...)
}
