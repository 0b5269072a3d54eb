package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/snowmirror/internal/catalog"
	"github.com/roach88/snowmirror/internal/dispatch"
	"github.com/roach88/snowmirror/internal/ir"
	"github.com/roach88/snowmirror/internal/store"
)

// Replay rebuilds a mirror from a payload log and returns the envelopes it
// regenerates.
//
// Each journal session started from an empty entity store, so the mirror is
// reset whenever the session token changes while the sequence clock carries
// on. With the same catalog and atomicity option, replaying a journal
// written by the Run loop regenerates its envelope log exactly.
func Replay(ctx context.Context, cat *catalog.Catalog, payloads []store.PayloadRecord, opts ...Option) (*Mirror, []dispatch.Envelope, error) {
	var envs []dispatch.Envelope
	d := dispatch.NewDispatcher(dispatch.WithFaultReporter(dispatch.LogReporter{Logger: slog.Default()}))
	d.Subscribe("replay", dispatch.SubscriberFunc(func(env dispatch.Envelope) error {
		envs = append(envs, env)
		return nil
	}))

	var (
		m       *Mirror
		session string
	)
	for _, p := range payloads {
		if err := ctx.Err(); err != nil {
			return m, nil, err
		}
		if m == nil || p.Session != session {
			session = p.Session
			mirrorOpts := append(append([]Option{}, opts...),
				WithDispatcher(d),
				WithSession(NewFixedGenerator(session)),
				WithPayloadSeq(p.Seq-1))
			m = New(cat, mirrorOpts...)
		}

		// Per-payload errors were already reported when the payload was
		// first applied; they recur identically here.
		_ = m.OnPayload(ctx, Payload{
			Kind:      p.Kind,
			ID:        p.EntityID,
			Container: p.Container,
			Fragment:  p.Fragment,
			Removed:   p.Removed,
		})
	}
	if m == nil {
		m = New(cat, append(opts, WithDispatcher(d))...)
	}
	if err := d.Flush(ctx); err != nil {
		return m, nil, err
	}
	return m, envs, nil
}

// Mismatch is one position where the regenerated and journaled envelope
// logs disagree. An empty ID means the envelope is missing on that side.
type Mismatch struct {
	Seq         int64  `json:"seq"`
	JournaledID string `json:"journaled_id"`
	ReplayedID  string `json:"replayed_id"`
}

// ReplayResult summarises a replay verification.
type ReplayResult struct {
	Payloads   int        `json:"payloads"`
	Journaled  int        `json:"journaled"`
	Replayed   int        `json:"replayed"`
	Mismatches []Mismatch `json:"mismatches"`
}

// Identical reports whether the replay regenerated the journal exactly.
func (r *ReplayResult) Identical() bool { return len(r.Mismatches) == 0 }

// Verify replays the journal's payload log and compares the regenerated
// envelopes with the journaled ones by content address.
func Verify(ctx context.Context, cat *catalog.Catalog, s *store.Store, opts ...Option) (*ReplayResult, error) {
	payloads, err := s.ReadPayloads(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	journaled, err := s.ReadEnvelopes(ctx, store.EnvelopeFilter{})
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	_, replayed, err := Replay(ctx, cat, payloads, opts...)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	result := &ReplayResult{
		Payloads:   len(payloads),
		Journaled:  len(journaled),
		Replayed:   len(replayed),
		Mismatches: []Mismatch{},
	}
	for i := 0; i < max(len(journaled), len(replayed)); i++ {
		var mm Mismatch
		if i < len(journaled) {
			mm.Seq = journaled[i].Seq
			mm.JournaledID = journaled[i].ID
		}
		if i < len(replayed) {
			env := replayed[i]
			id, err := ir.EnvelopeID(env.Seq, env.Ref, env.Identifier(), env.Old, env.New)
			if err != nil {
				return nil, fmt.Errorf("verify: envelope %d: %w", env.Seq, err)
			}
			mm.ReplayedID = id
			if mm.Seq == 0 {
				mm.Seq = env.Seq
			}
		}
		if mm.JournaledID != mm.ReplayedID {
			result.Mismatches = append(result.Mismatches, mm)
		}
	}
	return result, nil
}

// Resume returns the options that continue the journal in s: payloads and
// envelopes are written to s and both sequence clocks pick up after the
// last journaled record. dispatchOpts configure the resumed dispatcher.
func Resume(ctx context.Context, s *store.Store, dispatchOpts ...dispatch.Option) ([]Option, error) {
	lastEnv, err := s.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	lastPayload, err := s.LastPayloadSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	dispatchOpts = append(dispatchOpts, dispatch.WithClock(dispatch.NewClockAt(lastEnv)))
	return []Option{
		WithJournal(s),
		WithDispatcher(dispatch.NewDispatcher(dispatchOpts...)),
		WithPayloadSeq(lastPayload),
	}, nil
}
