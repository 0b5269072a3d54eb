package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payloadsFile = "testdata/payloads.jsonl"

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// ingestFixture ingests the shared payload file into a fresh database and
// returns its path.
func ingestFixture(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "snowmirror.db")
	_, err := execute(t, "ingest", "--db", dbPath, payloadsFile)
	require.NoError(t, err)
	return dbPath
}

// decodeResponse unmarshals a JSON CLI response, decoding data into v.
func decodeResponse(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var raw struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), "output: %s", out)
	if v != nil {
		require.NoError(t, json.Unmarshal(raw.Data, v))
	}
	return raw.CLIResponse
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "snowmirror", cmd.Use)
	assert.Contains(t, cmd.Long, "snowflake ids")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"ingest", "trace", "replay", "catalog", "copy", "test"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestCopyCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	copyCmd, _, err := cmd.Find([]string{"copy"})
	require.NoError(t, err)

	for _, name := range []string{"db", "catalog", "strict", "kind", "id", "target"} {
		assert.NotNil(t, copyCmd.Flags().Lookup(name), "flag %s", name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "catalog")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigFileSetsFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snowmirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte("format: json\n"), 0o644))

	out, err := execute(t, "--config", path, "catalog", "--kind", "guild")
	require.NoError(t, err)

	var kinds []CatalogKind
	resp := decodeResponse(t, out, &kinds)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, kinds, 1)
	assert.Equal(t, "guild", kinds[0].Kind)
}

func TestFormatFlagOverridesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snowmirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte("format: json\n"), 0o644))

	out, err := execute(t, "--config", path, "--format", "text", "catalog", "--kind", "guild")
	require.NoError(t, err)
	assert.Contains(t, out, "guild (container)")
}

func TestConfigFileSetsDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "from-config.db")
	path := filepath.Join(dir, "snowmirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: "+dbPath+"\n"), 0o644))

	_, err := execute(t, "--config", path, "ingest", payloadsFile)
	require.NoError(t, err)
	assert.FileExists(t, dbPath)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", "/nonexistent/snowmirror.yaml", "catalog")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMissingDatabase(t *testing.T) {
	// Built directly, the command has no config to fall back on.
	cmd := NewTraceCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
