package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"

	"github.com/roach88/snowmirror/internal/capability"
	"github.com/roach88/snowmirror/internal/engine"
	"github.com/roach88/snowmirror/internal/entity"
	"github.com/roach88/snowmirror/internal/ir"
)

// CopyOptions holds flags for the copy command.
type CopyOptions struct {
	*RootOptions
	Database   string
	CatalogDir string
	Strict     bool
	Kind       string
	EntityID   int64
	Target     int64
}

// CopyResult describes the copy request parked in the outbox.
type CopyResult struct {
	Kind          string         `json:"kind"`
	Source        int64          `json:"source"`
	Container     int64          `json:"container"`
	SameContainer bool           `json:"same_container"`
	Fields        map[string]any `json:"fields"`
}

// NewCopyCommand creates the copy command.
func NewCopyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CopyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Queue a structural copy of a mirrored entity",
		Long: `Rebuild the mirror from the journal, then build a structural copy of
one entity into a target container and park it in the mutation outbox.

Fields scoped to the source's container (parent category, permission
overrides) are only copied when the target is the same container.

Exit codes:
  0 - Copy request queued
  1 - The entity is not in the rebuilt mirror
  2 - Command error (database not found, unknown kind, etc.)

Examples:
  snowmirror copy --db ./snowmirror.db --kind text_channel --id 42 --target 1
  snowmirror copy --db ./snowmirror.db --kind voice_channel --id 7 --target 99 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCopy(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.CatalogDir, "catalog", "", "directory of CUE kind declarations (default: built-in catalog)")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "rebuild with strict fragment atomicity")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "kind of the source entity (required)")
	_ = cmd.MarkFlagRequired("kind")
	cmd.Flags().Int64Var(&opts.EntityID, "id", 0, "id of the source entity (required)")
	_ = cmd.MarkFlagRequired("id")
	cmd.Flags().Int64Var(&opts.Target, "target", 0, "container to create the copy in (required)")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runCopy(opts *CopyOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	dbPath, err := opts.database(opts.Database)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(opts.catalogDir(opts.CatalogDir))
	if err != nil {
		return err
	}
	if _, err := cat.Schema(ir.Kind(opts.Kind)); err != nil {
		return WrapExitError(ExitCommandError, "unknown kind", err)
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	gateway, err := engine.NewOutboxGateway(ctx, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open outbox", err)
	}
	payloads, err := st.ReadPayloads(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read payloads", err)
	}

	opts.formatter(cmd).VerboseLog("rebuilding mirror from %d payload(s)", len(payloads))
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, _, err := engine.Replay(ctx, cat, payloads,
		engine.WithGateway(gateway),
		engine.WithStrictAtomicity(opts.Strict || opts.Config.StrictAtomicity),
		engine.WithLogger(quiet))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to rebuild mirror", err)
	}

	req, err := m.Copy(ctx, ir.Kind(opts.Kind), snowflake.ID(opts.EntityID), snowflake.ID(opts.Target))
	switch {
	case entity.IsNotFound(err):
		return WrapExitError(ExitFailure, "entity not mirrored", err)
	case err != nil:
		return WrapExitError(ExitCommandError, "failed to queue copy", err)
	}
	opts.logger().Debug("copy queued", "source", req.Source.String(), "target", opts.Target)

	result := copyResult(req)
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result, Session: m.Session()})
	}
	return outputCopyText(cmd, result, req.Fields)
}

func copyResult(req capability.CopyRequest) CopyResult {
	fields, _ := decodedValue(req.Fields).(map[string]any)
	if fields == nil {
		fields = map[string]any{}
	}
	return CopyResult{
		Kind:          string(req.Kind),
		Source:        req.Source.ID.Int64(),
		Container:     req.Container.Int64(),
		SameContainer: req.SameContainer,
		Fields:        fields,
	}
}

func outputCopyText(cmd *cobra.Command, result CopyResult, fields ir.Object) error {
	w := cmd.OutOrStdout()

	scope := "other container"
	if result.SameContainer {
		scope = "same container"
	}
	fmt.Fprintf(w, "✓ Queued copy of %s:%d into %d (%s)\n", result.Kind, result.Source, result.Container, scope)
	for _, name := range fields.SortedKeys() {
		fmt.Fprintf(w, "  %s = %s\n", name, describeValue(fields[name]))
	}
	return nil
}
