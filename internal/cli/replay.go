package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/snowmirror/internal/engine"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database   string
	CatalogDir string
	Strict     bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the payload log and verify the envelope log",
		Long: `Rebuild the mirror from the journaled payloads and check that it
regenerates the journaled envelopes exactly, compared by content id.

Replay must use the catalog and atomicity mode the payloads were
ingested with.

Exit codes:
  0 - Replay regenerated the envelope log exactly
  1 - Replay diverged from the envelope log
  2 - Command error (database not found, bad catalog, etc.)

Examples:
  snowmirror replay --db ./snowmirror.db
  snowmirror replay --db ./snowmirror.db --catalog ./catalog --strict
  snowmirror replay --db ./snowmirror.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.CatalogDir, "catalog", "", "directory of CUE kind declarations (default: built-in catalog)")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "replay with strict fragment atomicity")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	dbPath, err := opts.database(opts.Database)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(opts.catalogDir(opts.CatalogDir))
	if err != nil {
		return err
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	opts.formatter(cmd).VerboseLog("replaying %s", dbPath)

	// Payload errors were logged when the payloads were ingested.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	result, err := engine.Verify(ctx, cat, st,
		engine.WithStrictAtomicity(opts.Strict || opts.Config.StrictAtomicity),
		engine.WithLogger(quiet))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay journal", err)
	}

	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result)
}

func outputReplayJSON(cmd *cobra.Command, result *engine.ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if !result.Identical() {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_REPLAY_DIVERGED",
			Message: fmt.Sprintf("replay diverged at %d position(s)", len(result.Mismatches)),
		}
	}

	if err := writeJSON(cmd.OutOrStdout(), response); err != nil {
		return err
	}
	if !result.Identical() {
		return NewExitError(ExitFailure, response.Error.Message)
	}
	return nil
}

func outputReplayText(cmd *cobra.Command, result *engine.ReplayResult) error {
	w := cmd.OutOrStdout()

	if result.Payloads == 0 && result.Journaled == 0 {
		fmt.Fprintln(w, "No payloads found in database.")
		return nil
	}

	fmt.Fprintf(w, "Payloads:  %d\n", result.Payloads)
	fmt.Fprintf(w, "Envelopes: %d journaled, %d replayed\n", result.Journaled, result.Replayed)

	if result.Identical() {
		fmt.Fprintln(w, "✓ Replay is identical")
		return nil
	}

	fmt.Fprintf(w, "✗ Replay diverged at %d position(s)\n", len(result.Mismatches))
	for _, mm := range result.Mismatches {
		fmt.Fprintf(w, "  seq %d: journaled %s, replayed %s\n", mm.Seq, orMissing(mm.JournaledID), orMissing(mm.ReplayedID))
	}
	return NewExitError(ExitFailure, fmt.Sprintf("replay diverged at %d position(s)", len(result.Mismatches)))
}

func orMissing(id string) string {
	if id == "" {
		return "(missing)"
	}
	return id
}
