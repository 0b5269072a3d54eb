package store

import (
	"context"
	"fmt"
)

// WritePayload appends an inbound payload to the journal.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
func (s *Store) WritePayload(ctx context.Context, p PayloadRecord) error {
	fragJSON, err := marshalObject(p.Fragment)
	if err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payloads
		(id, seq, session, kind, entity_id, container, fragment, removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		p.ID,
		p.Seq,
		p.Session,
		string(p.Kind),
		p.EntityID.Int64(),
		p.Container.Int64(),
		fragJSON,
		boolToInt(p.Removed),
	)
	if err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// WriteEnvelope appends a change notification to the journal.
// The payload referenced by PayloadID must exist (foreign key constraint).
func (s *Store) WriteEnvelope(ctx context.Context, e EnvelopeRecord) error {
	oldJSON, err := marshalValue(e.Old)
	if err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	newJSON, err := marshalValue(e.New)
	if err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO envelopes
		(id, seq, payload_id, kind, entity_id, field, old_value, new_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.Seq,
		e.PayloadID,
		string(e.Kind),
		e.EntityID.Int64(),
		e.Field,
		oldJSON,
		newJSON,
	)
	if err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// WriteEnvelopes appends a batch of envelopes in one transaction.
func (s *Store) WriteEnvelopes(ctx context.Context, envs []EnvelopeRecord) error {
	if len(envs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write envelopes: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO envelopes
		(id, seq, payload_id, kind, entity_id, field, old_value, new_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write envelopes: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range envs {
		oldJSON, err := marshalValue(e.Old)
		if err != nil {
			return fmt.Errorf("write envelopes: %w", err)
		}
		newJSON, err := marshalValue(e.New)
		if err != nil {
			return fmt.Errorf("write envelopes: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Seq, e.PayloadID, string(e.Kind), e.EntityID.Int64(), e.Field, oldJSON, newJSON,
		); err != nil {
			return fmt.Errorf("write envelopes: seq %d: %w", e.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write envelopes: commit: %w", err)
	}
	return nil
}

// WriteMutation places a structural copy request in the outbox with
// MutationPending status unless Status is set.
func (s *Store) WriteMutation(ctx context.Context, m MutationRecord) error {
	fieldsJSON, err := marshalObject(m.Fields)
	if err != nil {
		return fmt.Errorf("write mutation: %w", err)
	}
	status := m.Status
	if status == "" {
		status = MutationPending
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mutations
		(id, seq, kind, source_id, container, same_container, fields, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		m.ID,
		m.Seq,
		string(m.Kind),
		m.SourceID.Int64(),
		m.Container.Int64(),
		boolToInt(m.SameContainer),
		fieldsJSON,
		status,
	)
	if err != nil {
		return fmt.Errorf("write mutation: %w", err)
	}
	return nil
}

// MarkMutation updates the outbox status of a mutation.
func (s *Store) MarkMutation(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mutations SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("mark mutation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark mutation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark mutation: %s not found", id)
	}
	return nil
}
