package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/ir"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// ReadPayloads returns every journaled payload ordered by seq.
// Used for replay. Returns an empty slice (not nil) for an empty journal.
func (s *Store) ReadPayloads(ctx context.Context) ([]PayloadRecord, error) {
	return s.ReadPayloadsAfter(ctx, 0)
}

// ReadPayloadsAfter returns payloads with seq > after, ordered by seq.
func (s *Store) ReadPayloadsAfter(ctx context.Context, after int64) ([]PayloadRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, session, kind, entity_id, container, fragment, removed
		FROM payloads
		WHERE seq > ?
		ORDER BY seq ASC
	`, after)
	if err != nil {
		return nil, fmt.Errorf("query payloads: %w", err)
	}
	defer rows.Close()

	payloads := []PayloadRecord{}
	for rows.Next() {
		p, err := scanPayload(rows)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payloads: %w", err)
	}
	return payloads, nil
}

// ReadPayload retrieves one payload by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadPayload(ctx context.Context, id string) (PayloadRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seq, session, kind, entity_id, container, fragment, removed
		FROM payloads
		WHERE id = ?
	`, id)
	return scanPayload(row)
}

func scanPayload(row rowScanner) (PayloadRecord, error) {
	var (
		p                   PayloadRecord
		kind, fragJSON      string
		entityID, container int64
		removed             int
	)
	if err := row.Scan(&p.ID, &p.Seq, &p.Session, &kind, &entityID, &container, &fragJSON, &removed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan payload: %w", err)
	}

	frag, err := unmarshalObject(fragJSON)
	if err != nil {
		return p, fmt.Errorf("payload %s: %w", p.ID, err)
	}
	p.Kind = ir.Kind(kind)
	p.EntityID = snowflake.ID(entityID)
	p.Container = snowflake.ID(container)
	p.Fragment = frag
	p.Removed = removed != 0
	return p, nil
}

// ReadEnvelopes returns journaled envelopes matching f, ordered by seq.
func (s *Store) ReadEnvelopes(ctx context.Context, f EnvelopeFilter) ([]EnvelopeRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.EntityID != 0 {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID.Int64())
	}
	if f.Field != "" {
		where = append(where, "field = ?")
		args = append(args, f.Field)
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	var q strings.Builder
	q.WriteString(`SELECT id, seq, payload_id, kind, entity_id, field, old_value, new_value FROM envelopes`)
	if len(where) > 0 {
		q.WriteString(" WHERE ")
		q.WriteString(strings.Join(where, " AND "))
	}
	q.WriteString(" ORDER BY seq ASC")
	if f.Limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query envelopes: %w", err)
	}
	defer rows.Close()

	envs := []EnvelopeRecord{}
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return envs, nil
}

// ReadPayloadEnvelopes returns the envelopes caused by one payload.
func (s *Store) ReadPayloadEnvelopes(ctx context.Context, payloadID string) ([]EnvelopeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, payload_id, kind, entity_id, field, old_value, new_value
		FROM envelopes
		WHERE payload_id = ?
		ORDER BY seq ASC
	`, payloadID)
	if err != nil {
		return nil, fmt.Errorf("query payload envelopes: %w", err)
	}
	defer rows.Close()

	envs := []EnvelopeRecord{}
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payload envelopes: %w", err)
	}
	return envs, nil
}

func scanEnvelope(row rowScanner) (EnvelopeRecord, error) {
	var (
		e                EnvelopeRecord
		kind             string
		entityID         int64
		oldJSON, newJSON string
	)
	if err := row.Scan(&e.ID, &e.Seq, &e.PayloadID, &kind, &entityID, &e.Field, &oldJSON, &newJSON); err != nil {
		return e, fmt.Errorf("scan envelope: %w", err)
	}

	var err error
	if e.Old, err = unmarshalValue(oldJSON); err != nil {
		return e, fmt.Errorf("envelope %d old: %w", e.Seq, err)
	}
	if e.New, err = unmarshalValue(newJSON); err != nil {
		return e, fmt.Errorf("envelope %d new: %w", e.Seq, err)
	}
	e.Kind = ir.Kind(kind)
	e.EntityID = snowflake.ID(entityID)
	return e, nil
}

// ReadMutations returns outbox entries with the given status ordered by seq.
// An empty status returns every entry.
func (s *Store) ReadMutations(ctx context.Context, status string) ([]MutationRecord, error) {
	query := `
		SELECT id, seq, kind, source_id, container, same_container, fields, status
		FROM mutations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY seq ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	muts := []MutationRecord{}
	for rows.Next() {
		var (
			m                   MutationRecord
			kind, fieldsJSON    string
			sourceID, container int64
			sameContainer       int
		)
		if err := rows.Scan(&m.ID, &m.Seq, &kind, &sourceID, &container, &sameContainer, &fieldsJSON, &m.Status); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		fields, err := unmarshalObject(fieldsJSON)
		if err != nil {
			return nil, fmt.Errorf("mutation %s: %w", m.ID, err)
		}
		m.Kind = ir.Kind(kind)
		m.SourceID = snowflake.ID(sourceID)
		m.Container = snowflake.ID(container)
		m.SameContainer = sameContainer != 0
		m.Fields = fields
		muts = append(muts, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return muts, nil
}

// LastSeq returns the highest journaled envelope sequence number, or 0.
// Used to resume the dispatcher clock.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM envelopes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last envelope seq: %w", err)
	}
	return seq.Int64, nil
}

// LastPayloadSeq returns the highest journaled payload sequence number, or 0.
func (s *Store) LastPayloadSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM payloads`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last payload seq: %w", err)
	}
	return seq.Int64, nil
}
