package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snowmirror/internal/catalog"
	"github.com/roach88/snowmirror/internal/ir"
	"github.com/roach88/snowmirror/internal/store"
	"github.com/roach88/snowmirror/internal/testutil"
)

// runSession feeds payloads through a mirror that continues the journal in s.
func runSession(t *testing.T, s *store.Store, session string, payloads ...Payload) {
	t.Helper()
	ctx := context.Background()

	opts, err := Resume(ctx, s)
	require.NoError(t, err)
	opts = append(opts, WithSession(testutil.NewFixedSessionGenerator(session)))
	m := New(catalog.Default(), opts...)

	for _, p := range payloads {
		require.NoError(t, m.Enqueue(p))
	}
	m.Stop()
	require.NoError(t, m.Run(ctx))
}

func TestResume_ContinuesSequences(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	runSession(t, s, "session-1",
		channel(42, ir.O("slowmode", ir.Int(0))),
		channel(42, ir.O("slowmode", ir.Int(1))),
	)
	runSession(t, s, "session-2",
		channel(42, ir.O("slowmode", ir.Int(1))), // seeds the fresh session
		channel(42, ir.O("slowmode", ir.Int(2))),
	)

	payloads, err := s.ReadPayloads(ctx)
	require.NoError(t, err)
	require.Len(t, payloads, 4)
	for i, p := range payloads {
		assert.Equal(t, int64(i+1), p.Seq)
	}
	assert.Equal(t, "session-2", payloads[3].Session)

	envs, err := s.ReadEnvelopes(ctx, store.EnvelopeFilter{})
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, int64(1), envs[0].Seq)
	assert.Equal(t, int64(2), envs[1].Seq)
	assert.Equal(t, ir.Int(2), envs[1].New)
}

func TestReplay_RebuildsState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	runSession(t, s, "session-1",
		Payload{Kind: catalog.KindGuild, ID: guildID, Fragment: ir.NewObject(ir.O("name", ir.String("g")))},
		channel(42, ir.O("name", ir.String("general")), ir.O("slowmode", ir.Int(0))),
		channel(42, ir.O("slowmode", ir.Int(5))),
		channel(43, ir.O("name", ir.String("random"))),
		Payload{Kind: catalog.KindTextChannel, ID: 43, Removed: true},
	)

	payloads, err := s.ReadPayloads(ctx)
	require.NoError(t, err)

	m, envs, err := Replay(ctx, catalog.Default(), payloads)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "slowmode", envs[0].Identifier())

	e, ok := m.Entities().Get(catalog.KindTextChannel, 42)
	require.True(t, ok)
	assert.Equal(t, ir.Int(5), e.Snapshot().Values["slowmode"])
	_, ok = m.Entities().Get(catalog.KindTextChannel, 43)
	assert.False(t, ok)
	assert.Equal(t, "session-1", m.Session())
}

func TestReplay_Empty(t *testing.T) {
	m, envs, err := Replay(context.Background(), catalog.Default(), nil)
	require.NoError(t, err)
	assert.Empty(t, envs)
	assert.Equal(t, 0, m.Entities().Len())
}

func TestReplay_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payloads := []store.PayloadRecord{{Seq: 1, Session: "s", Kind: catalog.KindUser, EntityID: 1}}
	_, _, err := Replay(ctx, catalog.Default(), payloads)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerify_IdenticalAcrossSessions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	runSession(t, s, "session-1",
		channel(42, ir.O("name", ir.String("general")), ir.O("slowmode", ir.Int(0))),
		channel(42, ir.O("slowmode", ir.Int(5)), ir.O("nsfw", ir.Bool(true))),
		channel(42, ir.O("slowmode", ir.String("bad")), ir.O("name", ir.String("chat"))),
	)
	runSession(t, s, "session-2",
		channel(42, ir.O("name", ir.String("chat"))),
		channel(42, ir.O("name", ir.String("lounge"))),
		Payload{Kind: catalog.KindTextChannel, ID: 42, Removed: true},
		Payload{Kind: catalog.KindTextChannel, ID: 42, Removed: true},
	)

	result, err := Verify(ctx, catalog.Default(), s)
	require.NoError(t, err)
	assert.True(t, result.Identical(), "mismatches: %+v", result.Mismatches)
	assert.Equal(t, 7, result.Payloads)
	assert.Equal(t, 4, result.Journaled)
	assert.Equal(t, 4, result.Replayed)
}

func TestVerify_DetectsDivergence(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	runSession(t, s, "session-1",
		channel(42, ir.O("name", ir.String("general")), ir.O("slowmode", ir.Int(0))),
		channel(42, ir.O("name", ir.String("chat")), ir.O("slowmode", ir.String("bad"))),
	)

	// Under strict atomicity the second fragment is rejected as a whole.
	result, err := Verify(ctx, catalog.Default(), s, WithStrictAtomicity(true))
	require.NoError(t, err)
	assert.False(t, result.Identical())
	require.Len(t, result.Mismatches, 1)
	assert.Equal(t, int64(1), result.Mismatches[0].Seq)
	assert.NotEmpty(t, result.Mismatches[0].JournaledID)
	assert.Empty(t, result.Mismatches[0].ReplayedID)
}
