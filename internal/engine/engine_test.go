package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snowmirror/internal/catalog"
	"github.com/roach88/snowmirror/internal/diff"
	"github.com/roach88/snowmirror/internal/dispatch"
	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/field"
	"github.com/roach88/snowmirror/internal/ir"
	"github.com/roach88/snowmirror/internal/store"
	"github.com/roach88/snowmirror/internal/testutil"
)

const guildID snowflake.ID = 1

func newTestMirror(t *testing.T, opts ...Option) (*Mirror, *testutil.RecordingSubscriber) {
	t.Helper()
	opts = append([]Option{WithSession(testutil.NewFixedSessionGenerator("session-1"))}, opts...)
	m := New(catalog.Default(), opts...)
	rec := &testutil.RecordingSubscriber{}
	m.Subscribe("recorder", rec)
	return m, rec
}

// flush waits until every envelope published so far has been delivered.
func flush(t *testing.T, m *Mirror) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func channel(id snowflake.ID, pairs ...ir.Pair) Payload {
	return Payload{Kind: catalog.KindTextChannel, ID: id, Container: guildID, Fragment: ir.NewObject(pairs...)}
}

func TestMirror_SlowmodeScenario(t *testing.T) {
	m, rec := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("name", ir.String("general")), ir.O("slowmode", ir.Int(0)))))
	flush(t, m)
	assert.Empty(t, rec.Envelopes(), "first payload seeds silently")

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("slowmode", ir.Int(5)))))
	flush(t, m)
	envs := rec.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "slowmode", envs[0].Identifier())
	assert.Equal(t, ir.Int(0), envs[0].Old)
	assert.Equal(t, ir.Int(5), envs[0].New)
	assert.Equal(t, int64(1), envs[0].Seq)
	assert.Equal(t, ir.Ref{Kind: catalog.KindTextChannel, ID: 42}, envs[0].Ref)

	e, ok := m.Entities().Get(catalog.KindTextChannel, 42)
	require.True(t, ok)
	snap := e.Snapshot()
	assert.Equal(t, ir.String("general"), snap.Values["name"])
	assert.Equal(t, ir.Int(5), snap.Values["slowmode"])

	// Unchanged name: nothing.
	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("name", ir.String("general")))))
	flush(t, m)
	assert.Len(t, rec.Envelopes(), 1)
}

func TestMirror_RemovalScenario(t *testing.T) {
	m, rec := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("name", ir.String("general")))))
	require.NoError(t, m.OnPayload(ctx, channel(43, ir.O("name", ir.String("random")))))

	require.NoError(t, m.OnPayload(ctx, Payload{Kind: catalog.KindTextChannel, ID: 42, Removed: true}))
	_, ok := m.Entities().Get(catalog.KindTextChannel, 42)
	assert.False(t, ok)

	err := m.OnPayload(ctx, Payload{Kind: catalog.KindTextChannel, ID: 42, Removed: true})
	require.Error(t, err)
	assert.True(t, entity.IsNotFound(err))

	// Unrelated entities keep flowing.
	require.NoError(t, m.OnPayload(ctx, channel(43, ir.O("name", ir.String("off-topic")))))
	flush(t, m)
	assert.Equal(t, []string{"name"}, rec.Identifiers())
	assert.Equal(t, snowflake.ID(43), rec.Envelopes()[0].Ref.ID)
}

func TestMirror_ContainerCascade(t *testing.T) {
	m, _ := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, Payload{Kind: catalog.KindGuild, ID: guildID, Fragment: ir.NewObject(ir.O("name", ir.String("g")))}))
	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("name", ir.String("general")))))
	require.NoError(t, m.OnPayload(ctx, Payload{Kind: catalog.KindRole, ID: 50, Container: guildID, Fragment: ir.NewObject(ir.O("name", ir.String("mod")))}))
	require.NoError(t, m.OnPayload(ctx, Payload{Kind: catalog.KindUser, ID: 60, Fragment: ir.NewObject(ir.O("name", ir.String("neo")))}))
	assert.Equal(t, 4, m.Entities().Len())

	require.NoError(t, m.OnPayload(ctx, Payload{Kind: catalog.KindGuild, ID: guildID, Removed: true}))
	assert.Equal(t, 1, m.Entities().Len())
	_, ok := m.Entities().Get(catalog.KindUser, 60)
	assert.True(t, ok, "global entities survive a container removal")
}

func TestMirror_PartialFragment(t *testing.T) {
	m, rec := newTestMirror(t)
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("name", ir.String("a")), ir.O("slowmode", ir.Int(0)))))

	err := m.OnPayload(ctx, channel(42,
		ir.O("name", ir.String("b")),
		ir.O("slowmode", ir.String("fast")),
		ir.O("nonsense", ir.Int(1)),
	))
	require.Error(t, err)
	assert.True(t, diff.IsMalformed(err))
	assert.True(t, field.IsUnknownField(err))
	flush(t, m)
	assert.Equal(t, []string{"name"}, rec.Identifiers())
}

func TestMirror_StrictAtomicity(t *testing.T) {
	m, rec := newTestMirror(t, WithStrictAtomicity(true))
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("name", ir.String("a")), ir.O("slowmode", ir.Int(0)))))
	err := m.OnPayload(ctx, channel(42, ir.O("name", ir.String("b")), ir.O("slowmode", ir.String("fast"))))
	require.Error(t, err)
	flush(t, m)
	assert.Empty(t, rec.Envelopes())
}

func TestMirror_UnknownKind(t *testing.T) {
	m, _ := newTestMirror(t)
	err := m.OnPayload(context.Background(), Payload{Kind: "webhook", ID: 1, Fragment: ir.Object{}})
	assert.True(t, catalog.IsUnknownKind(err))
	assert.Equal(t, 0, m.Entities().Len())
}

func TestMirror_FacetFieldsDiffed(t *testing.T) {
	m, rec := newTestMirror(t)
	ctx := context.Background()

	voice := func(pairs ...ir.Pair) Payload {
		return Payload{Kind: catalog.KindVoiceChannel, ID: 70, Container: guildID, Fragment: ir.NewObject(pairs...)}
	}
	require.NoError(t, m.OnPayload(ctx, voice(ir.O("name", ir.String("voice")), ir.O("bitrate", ir.Int(64000)))))
	require.NoError(t, m.OnPayload(ctx, voice(
		ir.O("rtc_region", ir.String("rotterdam")),
		ir.O("bitrate", ir.Int(96000)),
		ir.O("name", ir.String("Voice")),
	)))
	flush(t, m)
	assert.Equal(t, []string{"name", "bitrate", "rtc_region"}, rec.Identifiers())

	// text channels have no audio facet
	err := m.OnPayload(ctx, channel(42, ir.O("bitrate", ir.Int(1))))
	assert.True(t, field.IsUnknownField(err))
}

func TestMirror_FaultySubscriberDoesNotBlockIngestion(t *testing.T) {
	m, rec := newTestMirror(t)
	m.Subscribe("broken", dispatch.SubscriberFunc(func(dispatch.Envelope) error { panic("boom") }))
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("slowmode", ir.Int(0)))))
	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("slowmode", ir.Int(1)))))
	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("slowmode", ir.Int(2)))))
	flush(t, m)
	assert.Len(t, rec.Envelopes(), 2)
}

func TestMirror_ConcurrentPayloadsForDistinctEntities(t *testing.T) {
	m, rec := newTestMirror(t)
	ctx := context.Background()

	const channels = 32
	var wg sync.WaitGroup
	for i := 0; i < channels; i++ {
		wg.Add(1)
		go func(id snowflake.ID) {
			defer wg.Done()
			assert.NoError(t, m.OnPayload(ctx, channel(id, ir.O("slowmode", ir.Int(0)))))
			assert.NoError(t, m.OnPayload(ctx, channel(id, ir.O("slowmode", ir.Int(10)))))
		}(snowflake.ID(100 + i))
	}
	wg.Wait()
	flush(t, m)

	envs := rec.Envelopes()
	require.Len(t, envs, channels)
	for i, env := range envs {
		assert.Equal(t, int64(i+1), env.Seq, "delivery follows sequence order")
	}
	assert.Equal(t, channels, m.Entities().Len())
}

func TestMirror_StalledSubscriberDoesNotBlockOtherEntities(t *testing.T) {
	m, rec := newTestMirror(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("slowmode", ir.Int(0)))))
	require.NoError(t, m.OnPayload(ctx, channel(43, ir.O("slowmode", ir.Int(0)))))

	release := make(chan struct{})
	var once sync.Once
	m.Subscribe("stalled", dispatch.SubscriberFunc(func(env dispatch.Envelope) error {
		if env.Ref.ID == 42 {
			once.Do(func() { <-release })
		}
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.NoError(t, m.Enqueue(channel(42, ir.O("slowmode", ir.Int(1)))))
	require.NoError(t, m.Enqueue(channel(43, ir.O("slowmode", ir.Int(9)))))

	e43, ok := m.Entities().Get(catalog.KindTextChannel, 43)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return m.Pending() == 0 && ir.Equal(ir.Int(9), e43.Snapshot().Values["slowmode"])
	}, time.Second, time.Millisecond, "the Run loop moves on while 42 is being delivered")

	direct := make(chan error, 1)
	go func() { direct <- m.OnPayload(ctx, channel(43, ir.O("slowmode", ir.Int(10)))) }()
	select {
	case err := <-direct:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnPayload waited for a stalled subscriber")
	}
	assert.Equal(t, ir.Int(10), e43.Snapshot().Values["slowmode"])

	close(release)
	m.Stop()
	require.NoError(t, <-done)

	var seqs []int64
	for _, env := range rec.Envelopes() {
		seqs = append(seqs, env.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs, "delivery still follows sequence order")
}

func TestMirror_PayloadJournalFailureStillApplies(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Close())

	reg := prometheus.NewRegistry()
	mt := NewMetrics(reg)
	m, rec := newTestMirror(t, WithJournal(s), WithMetrics(mt))
	ctx := context.Background()

	err := m.OnPayload(ctx, channel(42, ir.O("name", ir.String("general")), ir.O("slowmode", ir.Int(0))))
	require.Error(t, err)
	assert.True(t, IsJournalError(err))

	err = m.OnPayload(ctx, channel(42, ir.O("slowmode", ir.Int(5))))
	require.Error(t, err)
	assert.True(t, IsJournalError(err))

	e, ok := m.Entities().Get(catalog.KindTextChannel, 42)
	require.True(t, ok, "the update is applied even though it was not journaled")
	assert.Equal(t, ir.Int(5), e.Snapshot().Values["slowmode"])

	flush(t, m)
	assert.Equal(t, []string{"slowmode"}, rec.Identifiers())
	assert.Equal(t, float64(2), promtest.ToFloat64(mt.Payloads.WithLabelValues(string(catalog.KindTextChannel), outcomeError)))
}

func TestMirror_Journal(t *testing.T) {
	s := createTestStore(t)
	m, _ := newTestMirror(t, WithJournal(s))
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("name", ir.String("a")), ir.O("slowmode", ir.Int(0)))))
	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("slowmode", ir.Int(5)), ir.O("name", ir.String("b")))))
	require.Error(t, m.OnPayload(ctx, Payload{Kind: catalog.KindTextChannel, ID: 99, Removed: true}))

	payloads, err := s.ReadPayloads(ctx)
	require.NoError(t, err)
	require.Len(t, payloads, 3, "every payload is journaled, including rejected ones")
	assert.Equal(t, "session-1", payloads[0].Session)
	assert.True(t, payloads[2].Removed)

	envs, err := s.ReadPayloadEnvelopes(ctx, payloads[1].ID)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "name", envs[0].Field)
	assert.Equal(t, "slowmode", envs[1].Field)
	assert.Equal(t, ir.Int(5), envs[1].New)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestMirror_RunLoop(t *testing.T) {
	m, rec := newTestMirror(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, m.Enqueue(channel(42, ir.O("slowmode", ir.Int(0)))))
	require.NoError(t, m.Enqueue(channel(42, ir.O("slowmode", ir.Int(3)))))
	require.NoError(t, m.Enqueue(Payload{Kind: catalog.KindTextChannel, ID: 7, Removed: true})) // logged, not fatal
	require.NoError(t, m.Enqueue(channel(42, ir.O("slowmode", ir.Int(4)))))
	m.Stop()

	assert.True(t, IsStopped(m.Enqueue(channel(42))))

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, []string{"slowmode", "slowmode"}, rec.Identifiers())
}

func TestMirror_RunStopsOnCancel(t *testing.T) {
	m, _ := newTestMirror(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.NoError(t, m.Enqueue(channel(42, ir.O("name", ir.String("a")))))
	require.Eventually(t, func() bool {
		_, ok := m.Entities().Get(catalog.KindTextChannel, 42)
		return ok
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMirror_Copy(t *testing.T) {
	gw := &testutil.RecordingGateway{}
	m, _ := newTestMirror(t, WithGateway(gw))
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, channel(42,
		ir.O("name", ir.String("general")),
		ir.O("position", ir.Int(2)),
		ir.O("slowmode", ir.Int(5)),
		ir.O("nsfw", ir.Bool(true)),
		ir.O("parent_id", ir.String("900")),
		ir.O("permission_overwrites", ir.NewArray(
			ir.NewObject(ir.O("id", ir.String("7")), ir.O("type", ir.Int(1)), ir.O("allow", ir.String("1024")), ir.O("deny", ir.String("0"))),
		)),
	)))

	same, err := m.Copy(ctx, catalog.KindTextChannel, 42, guildID)
	require.NoError(t, err)
	assert.True(t, same.SameContainer)
	assert.Equal(t, ir.Int(900), same.Fields["parent_id"])
	assert.Contains(t, same.Fields, "permission_overwrites")
	assert.NotContains(t, same.Fields, "position")

	other, err := m.Copy(ctx, catalog.KindTextChannel, 42, 2)
	require.NoError(t, err)
	assert.False(t, other.SameContainer)
	assert.NotContains(t, other.Fields, "parent_id")
	assert.NotContains(t, other.Fields, "permission_overwrites")
	assert.Equal(t, ir.Int(5), other.Fields["slowmode"])
	assert.Equal(t, ir.Bool(true), other.Fields["nsfw"])

	assert.Len(t, gw.Requests(), 2)

	_, err = m.Copy(ctx, catalog.KindTextChannel, 404, guildID)
	assert.True(t, entity.IsNotFound(err))
}

func TestMirror_CopyGatewayFailure(t *testing.T) {
	gw := &testutil.RecordingGateway{Err: errors.New("rate limited")}
	m, _ := newTestMirror(t, WithGateway(gw))
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("name", ir.String("general")))))
	req, err := m.Copy(ctx, catalog.KindTextChannel, 42, guildID)
	require.Error(t, err)
	assert.True(t, IsGatewayError(err))
	assert.Equal(t, ir.String("general"), req.Fields["name"])
}

func TestOutboxGateway(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	gw, err := NewOutboxGateway(ctx, s)
	require.NoError(t, err)

	m, _ := newTestMirror(t, WithGateway(gw))
	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("name", ir.String("general")), ir.O("topic", ir.String("hi")))))

	_, err = m.Copy(ctx, catalog.KindTextChannel, 42, 2)
	require.NoError(t, err)
	_, err = m.Copy(ctx, catalog.KindTextChannel, 42, 2)
	require.NoError(t, err)

	pending, err := s.ReadMutations(ctx, store.MutationPending)
	require.NoError(t, err)
	require.Len(t, pending, 1, "identical requests share one outbox entry")
	assert.Equal(t, snowflake.ID(42), pending[0].SourceID)
	assert.Equal(t, ir.String("hi"), pending[0].Fields["topic"])

	resumed, err := NewOutboxGateway(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resumed.clock.Current())
}

func TestMirror_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := NewMetrics(reg)
	m, _ := newTestMirror(t, WithMetrics(mt))
	ctx := context.Background()

	require.NoError(t, m.OnPayload(ctx, channel(42, ir.O("slowmode", ir.Int(0)))))
	require.Error(t, m.OnPayload(ctx, channel(42, ir.O("slowmode", ir.Bool(true)))))
	require.NoError(t, m.OnPayload(ctx, Payload{Kind: catalog.KindTextChannel, ID: 42, Removed: true}))
	require.Error(t, m.OnPayload(ctx, Payload{Kind: catalog.KindTextChannel, ID: 42, Removed: true}))

	kind := string(catalog.KindTextChannel)
	assert.Equal(t, float64(1), promtest.ToFloat64(mt.Payloads.WithLabelValues(kind, outcomeApplied)))
	assert.Equal(t, float64(1), promtest.ToFloat64(mt.Payloads.WithLabelValues(kind, outcomePartial)))
	assert.Equal(t, float64(1), promtest.ToFloat64(mt.Payloads.WithLabelValues(kind, outcomeRemoved)))
	assert.Equal(t, float64(1), promtest.ToFloat64(mt.Payloads.WithLabelValues(kind, outcomeRejected)))
	assert.Equal(t, float64(0), promtest.ToFloat64(mt.Entities))
}
