package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/snowflake"

	"github.com/roach88/snowmirror/internal/capability"
	"github.com/roach88/snowmirror/internal/catalog"
	"github.com/roach88/snowmirror/internal/diff"
	"github.com/roach88/snowmirror/internal/dispatch"
	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/ir"
	"github.com/roach88/snowmirror/internal/store"
)

// Payload is one decoded inbound record. In JSON, ids are decimal strings
// as on the wire.
type Payload struct {
	Kind      ir.Kind      `json:"kind"`
	ID        snowflake.ID `json:"id"`
	Container snowflake.ID `json:"container,omitempty"`
	Fragment  ir.Object    `json:"fragment,omitempty"`
	Removed   bool         `json:"removed,omitempty"`
}

// Ref returns the entity reference the payload targets.
func (p Payload) Ref() ir.Ref { return ir.Ref{Kind: p.Kind, ID: p.ID} }

// SessionTokenGenerator generates the token stamped on journaled payloads.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type SessionTokenGenerator interface {
	Generate() string
}

// MutationGateway turns copy requests into remote writes. It is the only
// outbound collaborator of the mirror.
type MutationGateway interface {
	Submit(ctx context.Context, req capability.CopyRequest) error
}

// Mirror is the local mirror of server-authoritative entities.
//
// Thread-safety model:
//   - OnPayload(): safe from any goroutine; payloads for one entity must be
//     delivered in order by the caller
//   - Enqueue(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Copy(), Entities(): safe from any goroutine
type Mirror struct {
	catalog    *catalog.Catalog
	entities   *entity.Store
	diff       *diff.Engine
	dispatcher *dispatch.Dispatcher
	journal    *store.Store
	gateway    MutationGateway
	metrics    *Metrics
	logger     *slog.Logger

	session      string
	payloadClock *dispatch.Clock
	queue        *payloadQueue
	queueHint    int
	strict       bool
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithJournal journals payloads and envelopes to s.
func WithJournal(s *store.Store) Option {
	return func(m *Mirror) { m.journal = s }
}

// WithGateway sets the collaborator that receives copy requests.
func WithGateway(g MutationGateway) Option {
	return func(m *Mirror) { m.gateway = g }
}

// WithDispatcher replaces the default dispatcher, e.g. to resume its clock
// or attach metrics.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(m *Mirror) { m.dispatcher = d }
}

// WithMetrics records payload outcomes and store size.
func WithMetrics(mt *Metrics) Option {
	return func(m *Mirror) { m.metrics = mt }
}

// WithLogger sets the mirror's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) { m.logger = l }
}

// WithSession sets the session token generator. Defaults to UUIDv7Generator.
func WithSession(g SessionTokenGenerator) Option {
	return func(m *Mirror) { m.session = g.Generate() }
}

// WithPayloadSeq resumes the payload receive sequence after last.
func WithPayloadSeq(last int64) Option {
	return func(m *Mirror) { m.payloadClock = dispatch.NewClockAt(last) }
}

// WithStrictAtomicity makes a malformed field reject its whole fragment.
func WithStrictAtomicity(strict bool) Option {
	return func(m *Mirror) { m.strict = strict }
}

// WithQueueCapacity pre-sizes the Run loop's queue.
func WithQueueCapacity(n int) Option {
	return func(m *Mirror) { m.queueHint = n }
}

// New creates a mirror over the kinds in cat.
func New(cat *catalog.Catalog, opts ...Option) *Mirror {
	m := &Mirror{
		catalog:      cat,
		logger:       slog.Default(),
		payloadClock: dispatch.NewClock(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.session == "" {
		m.session = UUIDv7Generator{}.Generate()
	}
	if m.dispatcher == nil {
		m.dispatcher = dispatch.NewDispatcher(dispatch.WithFaultReporter(dispatch.LogReporter{Logger: m.logger}))
	}

	diffOpts := []diff.Option{diff.WithLogger(m.logger)}
	if m.strict {
		diffOpts = append(diffOpts, diff.WithStrictAtomicity())
	}
	m.diff = diff.New(cat, diffOpts...)
	m.entities = entity.NewStore(entity.WithFactory(cat.NewEntity))
	m.queue = newPayloadQueue(m.queueHint)
	return m
}

// Entities returns the entity store for read access.
func (m *Mirror) Entities() *entity.Store { return m.entities }

// Dispatcher returns the dispatcher subscribers register with.
func (m *Mirror) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

func (m *Mirror) Catalog() *catalog.Catalog { return m.catalog }

// Session returns the token stamped on this mirror's journaled payloads.
func (m *Mirror) Session() string { return m.session }

// Subscribe is shorthand for Dispatcher().Subscribe.
func (m *Mirror) Subscribe(name string, s dispatch.Subscriber) (unsubscribe func()) {
	return m.dispatcher.Subscribe(name, s)
}

// OnPayload applies one payload and publishes the resulting envelopes.
// It returns once the envelopes are queued for delivery; use Flush to wait
// for subscribers.
//
// The returned error is informational: it reports unknown or malformed
// fields, removal of an entity that is not cached, an undefined kind, or a
// journal failure. Every field that could be applied has been applied and
// published regardless. When the payload itself could not be journaled, its
// envelopes are published but not journaled.
func (m *Mirror) OnPayload(ctx context.Context, p Payload) error {
	ref := p.Ref()
	seq := m.payloadClock.Next()

	payloadID, err := ir.PayloadID(ref, p.Container.Int64(), p.Fragment, p.Removed, seq)
	if err != nil {
		return fmt.Errorf("payload %s: %w", ref, err)
	}

	var journalErr error
	if m.journal != nil {
		rec := store.PayloadRecord{
			ID:        payloadID,
			Seq:       seq,
			Session:   m.session,
			Kind:      p.Kind,
			EntityID:  p.ID,
			Container: p.Container,
			Fragment:  p.Fragment,
			Removed:   p.Removed,
		}
		if err := m.journal.WritePayload(ctx, rec); err != nil {
			journalErr = journalError(ref, "write payload", err)
		}
	}

	outcome, err := m.apply(ctx, p, seq, payloadID, journalErr == nil)
	if journalErr != nil {
		outcome = outcomeError
	}
	m.metrics.payload(p.Kind, outcome)
	return errors.Join(err, journalErr)
}

// apply runs p through the mirror and reports its outcome. Envelopes are
// journaled only with journalEnvelopes set, as they reference the payload row.
func (m *Mirror) apply(ctx context.Context, p Payload, seq int64, payloadID string, journalEnvelopes bool) (string, error) {
	ref := p.Ref()
	schema, err := m.catalog.Schema(p.Kind)
	if err != nil {
		return outcomeRejected, err
	}

	if p.Removed {
		return m.remove(ref, schema)
	}

	e, created := m.entities.Resolve(p.Kind, p.ID, p.Container)
	if created {
		m.logger.Debug("entity created", "ref", ref.String(), "container", p.Container.Int64())
		m.metrics.entities(m.entities.Len())
	}

	changes, diffErr := m.diff.ApplyAndDiff(e, p.Fragment)
	if diffErr != nil {
		m.logger.Warn("fragment partially applied",
			"ref", ref.String(),
			"seq", seq,
			"error", diffErr)
	}

	// The entity lock is released and delivery happens on the dispatcher's
	// goroutine, so slow subscribers hold up neither this call nor others.
	envs := m.dispatcher.Publish(ref, changes)

	if m.journal != nil && journalEnvelopes && len(envs) > 0 {
		if err := m.journal.WriteEnvelopes(ctx, envelopeRecords(payloadID, envs)); err != nil {
			return outcomeError, errors.Join(diffErr, journalError(ref, "write envelopes", err))
		}
	}
	if diffErr != nil {
		return outcomePartial, diffErr
	}
	return outcomeApplied, nil
}

func (m *Mirror) remove(ref ir.Ref, schema *catalog.Schema) (string, error) {
	e, err := m.entities.Remove(ref.Kind, ref.ID)
	if err != nil {
		// Duplicate or late removal signals are expected.
		m.logger.Info("removal of uncached entity ignored", "ref", ref.String())
		return outcomeRejected, err
	}

	if schema.IsContainer() {
		evicted := m.entities.RemoveContainer(e.ID())
		m.logger.Debug("container removed", "ref", ref.String(), "evicted", len(evicted))
	}
	m.metrics.entities(m.entities.Len())
	return outcomeRemoved, nil
}

// Flush waits until every envelope published so far has been delivered to
// all subscribers, or ctx is done.
func (m *Mirror) Flush(ctx context.Context) error {
	return m.dispatcher.Flush(ctx)
}

func envelopeRecords(payloadID string, envs []dispatch.Envelope) []store.EnvelopeRecord {
	recs := make([]store.EnvelopeRecord, 0, len(envs))
	for _, env := range envs {
		id, err := ir.EnvelopeID(env.Seq, env.Ref, env.Identifier(), env.Old, env.New)
		if err != nil {
			// Values passed through Coerce always encode.
			panic(fmt.Sprintf("envelope %d: %v", env.Seq, err))
		}
		recs = append(recs, store.EnvelopeRecord{
			ID:        id,
			Seq:       env.Seq,
			PayloadID: payloadID,
			Kind:      env.Ref.Kind,
			EntityID:  env.Ref.ID,
			Field:     env.Identifier(),
			Old:       env.Old,
			New:       env.New,
		})
	}
	return recs
}

// Copy builds a structural copy of a cached entity for creation in the
// target container and submits it to the gateway, if one is configured.
// The request is returned even when the gateway fails.
func (m *Mirror) Copy(ctx context.Context, kind ir.Kind, id, target snowflake.ID) (capability.CopyRequest, error) {
	ref := ir.Ref{Kind: kind, ID: id}
	e, ok := m.entities.Get(kind, id)
	if !ok {
		return capability.CopyRequest{}, &entity.EntityNotFoundError{Ref: ref}
	}

	req, err := m.catalog.Copy(e, target)
	if err != nil {
		return capability.CopyRequest{}, err
	}

	if m.gateway != nil {
		if err := m.gateway.Submit(ctx, req); err != nil {
			return req, &RuntimeError{Code: ErrCodeGatewayFailed, Message: "submit copy", Ref: ref, Err: err}
		}
	}
	m.logger.Info("copy requested",
		"source", ref.String(),
		"target_container", target.Int64(),
		"fields", len(req.Fields))
	return req, nil
}

// Enqueue submits a payload for processing by the Run loop.
// Returns ErrStopped once the mirror has been stopped.
func (m *Mirror) Enqueue(p Payload) error {
	if !m.queue.Enqueue(p) {
		return ErrStopped
	}
	return nil
}

// Pending returns the number of payloads waiting for the Run loop.
func (m *Mirror) Pending() int { return m.queue.Len() }

// Run starts the single-writer payload loop.
// Blocks until context is cancelled or Stop() is called; payloads enqueued
// before Stop are drained first, and their envelopes delivered, before Run
// returns.
//
// ERROR HANDLING: a payload error is logged with the payload's identity and
// processing continues. Retrying would reorder the stream for that entity.
func (m *Mirror) Run(ctx context.Context) error {
	m.logger.Info("mirror starting", "session", m.session)

	for {
		p, ok := m.queue.TryDequeue()
		if ok {
			if err := m.OnPayload(ctx, p); err != nil {
				m.logPayloadError(p, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			m.logger.Info("mirror stopping: context cancelled")
			m.queue.Close()
			return ctx.Err()

		case <-m.queue.Wait():
			// The signal channel closes when the queue is closed, which
			// fires this case immediately.
			if m.queue.Len() == 0 && m.stopped() {
				m.logger.Info("mirror stopping: queue closed")
				return m.Flush(ctx)
			}
		}
	}
}

func (m *Mirror) stopped() bool {
	m.queue.mu.Lock()
	defer m.queue.mu.Unlock()
	return m.queue.closed
}

// Stop closes the queue. Run returns once the queue is drained and its
// envelopes delivered.
func (m *Mirror) Stop() {
	m.queue.Close()
}

// logPayloadError logs a payload failure with enough context to find the
// payload in the journal.
func (m *Mirror) logPayloadError(p Payload, err error) {
	level := slog.LevelWarn
	if IsJournalError(err) {
		level = slog.LevelError
	}
	m.logger.Log(context.Background(), level, "payload processing failed",
		"error", err,
		"kind", string(p.Kind),
		"id", p.ID.Int64(),
		"removed", p.Removed,
		"pending", m.queue.Len())
}
