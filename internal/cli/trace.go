package cli

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cobra"

	"github.com/roach88/snowmirror/internal/ir"
	"github.com/roach88/snowmirror/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Kind     string
	EntityID int64
	Field    string
	After    int64
	Limit    int
}

// TraceEntry is one journaled envelope.
type TraceEntry struct {
	Seq       int64  `json:"seq"`
	ID        string `json:"id"`
	PayloadID string `json:"payload_id"`
	Kind      string `json:"kind"`
	EntityID  int64  `json:"entity_id"`
	Field     string `json:"field"`
	Old       any    `json:"old"`
	New       any    `json:"new"`
}

// TraceResult holds the trace output.
type TraceResult struct {
	Envelopes []TraceEntry `json:"envelopes"`
	Stats     TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Envelopes int   `json:"envelopes"`
	Entities  int   `json:"entities"`
	FirstSeq  int64 `json:"first_seq,omitempty"`
	LastSeq   int64 `json:"last_seq,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Query the journaled envelope log",
		Long: `Query the envelopes journaled by ingest, in sequence order.

Filters combine: --kind and --id select one entity, --field one field
identifier, --after skips everything up to and including a sequence
number and --limit caps the number of envelopes returned.

Examples:
  snowmirror trace --db ./snowmirror.db
  snowmirror trace --db ./snowmirror.db --kind text_channel --id 42
  snowmirror trace --db ./snowmirror.db --field slowmode --after 100 --limit 20 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to one entity kind")
	cmd.Flags().Int64Var(&opts.EntityID, "id", 0, "filter to one entity id")
	cmd.Flags().StringVar(&opts.Field, "field", "", "filter to one field identifier")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only envelopes with a greater sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of envelopes (0 = all)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	dbPath, err := opts.database(opts.Database)
	if err != nil {
		return err
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	records, err := st.ReadEnvelopes(ctx, store.EnvelopeFilter{
		Kind:     ir.Kind(opts.Kind),
		EntityID: snowflake.ID(opts.EntityID),
		Field:    opts.Field,
		AfterSeq: opts.After,
		Limit:    opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read envelopes", err)
	}

	result := buildTrace(records)
	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result})
	}
	return outputTraceText(cmd, records, result.Stats)
}

func buildTrace(records []store.EnvelopeRecord) TraceResult {
	result := TraceResult{Envelopes: make([]TraceEntry, 0, len(records))}
	entities := make(map[ir.Ref]struct{})
	for _, rec := range records {
		result.Envelopes = append(result.Envelopes, TraceEntry{
			Seq:       rec.Seq,
			ID:        rec.ID,
			PayloadID: rec.PayloadID,
			Kind:      string(rec.Kind),
			EntityID:  rec.EntityID.Int64(),
			Field:     rec.Field,
			Old:       decodedValue(rec.Old),
			New:       decodedValue(rec.New),
		})
		entities[rec.Ref()] = struct{}{}
	}

	result.Stats = TraceStats{
		Envelopes: len(records),
		Entities:  len(entities),
	}
	if len(records) > 0 {
		result.Stats.FirstSeq = records[0].Seq
		result.Stats.LastSeq = records[len(records)-1].Seq
	}
	return result
}

func outputTraceText(cmd *cobra.Command, records []store.EnvelopeRecord, stats TraceStats) error {
	w := cmd.OutOrStdout()

	if len(records) == 0 {
		fmt.Fprintln(w, "No envelopes found.")
		return nil
	}

	for _, rec := range records {
		fmt.Fprintf(w, "[%d] %s %s: %s -> %s\n",
			rec.Seq, rec.Ref(), rec.Field, describeValue(rec.Old), describeValue(rec.New))
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d envelope(s) across %d entities, seq %d..%d\n",
		stats.Envelopes, stats.Entities, stats.FirstSeq, stats.LastSeq)
	return nil
}
