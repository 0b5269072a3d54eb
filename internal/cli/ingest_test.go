package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snowmirror/internal/store"
)

func openFixtureStore(t *testing.T, dbPath string) *store.Store {
	t.Helper()
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestIngest_JournalsPayloadsAndEnvelopes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snowmirror.db")

	out, err := execute(t, "ingest", "--db", dbPath, "--format", "json", payloadsFile)
	require.NoError(t, err)

	var result IngestResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.Session)
	assert.Equal(t, resp.Session, result.Session)
	assert.Equal(t, 8, result.Payloads)
	assert.Equal(t, int64(3), result.Envelopes)
	assert.Equal(t, 1, result.Entities, "channel 43 was removed")
	assert.Equal(t, []OutcomeCount{
		{Kind: "text_channel", Outcome: "applied", Count: 5},
		{Kind: "text_channel", Outcome: "partial", Count: 1},
		{Kind: "text_channel", Outcome: "rejected", Count: 1},
		{Kind: "text_channel", Outcome: "removed", Count: 1},
	}, result.Outcomes)

	st := openFixtureStore(t, dbPath)
	ctx := context.Background()
	payloads, err := st.ReadPayloads(ctx)
	require.NoError(t, err)
	assert.Len(t, payloads, 8)

	envs, err := st.ReadEnvelopes(ctx, store.EnvelopeFilter{})
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, "slowmode", envs[0].Field)
	assert.Equal(t, "name", envs[1].Field)
	assert.Equal(t, "nsfw", envs[2].Field, "base fields precede facet fields")
}

func TestIngest_TextOutput(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snowmirror.db")

	out, err := execute(t, "ingest", "--db", dbPath, payloadsFile)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Ingested 8 payload(s)")
	assert.Contains(t, out, "Envelopes: 3")
	assert.Contains(t, out, "Entities:  1")
	assert.Contains(t, out, "partial")
}

func TestIngest_ResumesSequences(t *testing.T) {
	dbPath := ingestFixture(t)

	_, err := execute(t, "ingest", "--db", dbPath, payloadsFile)
	require.NoError(t, err)

	st := openFixtureStore(t, dbPath)
	ctx := context.Background()

	lastPayload, err := st.LastPayloadSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(16), lastPayload)

	// The second session starts from an empty mirror, so it regenerates the
	// same three envelopes with later sequence numbers.
	lastEnv, err := st.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), lastEnv)

	payloads, err := st.ReadPayloads(ctx)
	require.NoError(t, err)
	require.Len(t, payloads, 16)
	assert.NotEqual(t, payloads[0].Session, payloads[8].Session, "each run is its own session")
}

func TestIngest_Stdin(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snowmirror.db")
	input := strings.Join([]string{
		`{"kind":"guild","id":"1","fragment":{"name":"home"}}`,
		`{"kind":"guild","id":"1","fragment":{"name":"away"}}`,
	}, "\n")

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(input))
	cmd.SetArgs([]string{"ingest", "--db", dbPath, "-"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "✓ Ingested 2 payload(s)")
	assert.Contains(t, out.String(), "Envelopes: 1")
}

func TestIngest_Follow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snowmirror.db")

	out, err := execute(t, "ingest", "--db", dbPath, "--follow", payloadsFile)
	require.NoError(t, err)
	assert.Contains(t, out, "[1] text_channel:42 slowmode: 0 -> 5")
	assert.Contains(t, out, `[2] text_channel:43 name: "random" -> "off-topic"`)
	assert.Contains(t, out, "[3] text_channel:43 nsfw: false -> true")
}

func TestIngest_FollowJSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snowmirror.db")

	out, err := execute(t, "ingest", "--db", dbPath, "--follow", "--format", "json", payloadsFile)
	require.NoError(t, err)

	lines := strings.SplitN(out, "\n", 4)
	require.Len(t, lines, 4)
	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &env))
	assert.Equal(t, "slowmode", env["field_identifier"])
	assert.Equal(t, float64(1), env["sequence_number"])
	assert.Equal(t, float64(5), env["new_value"])
}

func TestIngest_StrictRejectsWholeFragment(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snowmirror.db")
	file := filepath.Join(t.TempDir(), "payloads.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(strings.Join([]string{
		`{"kind":"text_channel","id":"42","container":"1","fragment":{"name":"general","slowmode":0}}`,
		`{"kind":"text_channel","id":"42","fragment":{"name":"renamed","slowmode":"fast"}}`,
	}, "\n")), 0o644))

	out, err := execute(t, "ingest", "--db", dbPath, "--strict", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Envelopes: 0")

	out, err = execute(t, "ingest", "--db", filepath.Join(t.TempDir(), "lenient.db"), file)
	require.NoError(t, err)
	assert.Contains(t, out, "Envelopes: 1", "the well-formed name applies without --strict")
}

func TestIngest_MalformedLine(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snowmirror.db")
	file := filepath.Join(t.TempDir(), "payloads.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(strings.Join([]string{
		`{"kind":"guild","id":"1","fragment":{"name":"home"}}`,
		`{"kind":"guild","id":1}`,
	}, "\n")), 0o644))

	_, err := execute(t, "ingest", "--db", dbPath, file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	// Payloads before the bad line were still applied and journaled.
	st := openFixtureStore(t, dbPath)
	payloads, err := st.ReadPayloads(context.Background())
	require.NoError(t, err)
	assert.Len(t, payloads, 1)
}

func TestIngest_MissingKind(t *testing.T) {
	file := filepath.Join(t.TempDir(), "payloads.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(`{"id":"1","fragment":{}}`), 0o644))

	_, err := execute(t, "ingest", "--db", filepath.Join(t.TempDir(), "snowmirror.db"), file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing kind")
}

func TestIngest_MissingFile(t *testing.T) {
	_, err := execute(t, "ingest", "--db", filepath.Join(t.TempDir(), "snowmirror.db"), "/nonexistent/payloads.jsonl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open payload file")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestIngest_CustomCatalog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snowmirror.db")
	file := filepath.Join(t.TempDir(), "payloads.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(strings.Join([]string{
		`{"kind":"forum","id":"5","container":"1","fragment":{"name":"help","tags":["go"]}}`,
		`{"kind":"forum","id":"5","fragment":{"tags":["go","sqlite"]}}`,
		`{"kind":"text_channel","id":"6","fragment":{"name":"general"}}`,
	}, "\n")), 0o644))

	out, err := execute(t, "ingest", "--db", dbPath, "--catalog", "../../testdata/catalog", "--format", "json", file)
	require.NoError(t, err)

	var result IngestResult
	decodeResponse(t, out, &result)
	assert.Equal(t, int64(1), result.Envelopes)
	assert.Contains(t, result.Outcomes, OutcomeCount{Kind: "text_channel", Outcome: "rejected", Count: 1},
		"text_channel is not declared in the custom catalog")
}
