package engine

import (
	"context"
	"fmt"

	"github.com/roach88/snowmirror/internal/capability"
	"github.com/roach88/snowmirror/internal/dispatch"
	"github.com/roach88/snowmirror/internal/ir"
	"github.com/roach88/snowmirror/internal/store"
)

// OutboxGateway is a MutationGateway that parks copy requests in the
// journal's mutation outbox for an external writer to pick up.
//
// Requests are content-addressed, so submitting the same copy twice leaves
// one outbox entry.
type OutboxGateway struct {
	store *store.Store
	clock *dispatch.Clock
}

// NewOutboxGateway creates a gateway over s, resuming the outbox sequence.
func NewOutboxGateway(ctx context.Context, s *store.Store) (*OutboxGateway, error) {
	muts, err := s.ReadMutations(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("outbox gateway: %w", err)
	}
	var last int64
	for _, m := range muts {
		last = max(last, m.Seq)
	}
	return &OutboxGateway{store: s, clock: dispatch.NewClockAt(last)}, nil
}

// Submit writes req to the outbox as pending.
func (g *OutboxGateway) Submit(ctx context.Context, req capability.CopyRequest) error {
	id, err := ir.MutationID(req.Kind, req.Container.Int64(), req.Source.ID.Int64(), req.Fields)
	if err != nil {
		return fmt.Errorf("outbox gateway: %w", err)
	}
	return g.store.WriteMutation(ctx, store.MutationRecord{
		ID:            id,
		Seq:           g.clock.Next(),
		Kind:          req.Kind,
		SourceID:      req.Source.ID,
		Container:     req.Container,
		SameContainer: req.SameContainer,
		Fields:        req.Fields,
	})
}
