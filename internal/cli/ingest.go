package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/roach88/snowmirror/internal/dispatch"
	"github.com/roach88/snowmirror/internal/engine"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Database   string
	CatalogDir string
	Strict     bool
	Follow     bool // print envelopes as they are published
}

// OutcomeCount is the number of payloads of one kind that ended with one outcome.
type OutcomeCount struct {
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Count   int64  `json:"count"`
}

// IngestResult summarises one ingest run.
type IngestResult struct {
	Session   string         `json:"session"`
	Payloads  int            `json:"payloads"`
	Envelopes int64          `json:"envelopes"`
	Entities  int            `json:"entities"`
	Outcomes  []OutcomeCount `json:"outcomes"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest [payloads.jsonl]",
		Short: "Apply decoded payloads to the mirror and journal the changes",
		Long: `Read decoded payloads, one JSON object per line, and run them through
the mirror. Each payload and every envelope it produces is journaled.

A payload line looks like:
  {"kind":"text_channel","id":"42","container":"1","fragment":{"slowmode":5}}
  {"kind":"text_channel","id":"42","removed":true}

Ids are decimal strings. Reads stdin when no file (or "-") is given.
Sequence numbers continue from whatever the database already holds; the
in-memory mirror always starts empty.

Examples:
  snowmirror ingest --db ./snowmirror.db payloads.jsonl
  cat payloads.jsonl | snowmirror ingest --db ./snowmirror.db --follow
  snowmirror ingest --db ./snowmirror.db --catalog ./catalog --strict payloads.jsonl`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(opts, cmd, args)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.CatalogDir, "catalog", "", "directory of CUE kind declarations (default: built-in catalog)")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "reject a whole fragment when any field is malformed")
	cmd.Flags().BoolVar(&opts.Follow, "follow", false, "print envelopes as they are published")

	return cmd
}

func runIngest(opts *IngestOptions, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dbPath, err := opts.database(opts.Database)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(opts.catalogDir(opts.CatalogDir))
	if err != nil {
		return err
	}

	input := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open payload file", err)
		}
		defer f.Close()
		input = f
	}

	st, err := openStore(dbPath)
	if err != nil {
		return err
	}
	defer opts.closeStore(st)

	logger := opts.logger()
	reg := prometheus.NewRegistry()
	resume, err := engine.Resume(ctx, st,
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
		dispatch.WithFaultReporter(dispatch.LogReporter{Logger: logger}))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resume journal", err)
	}

	mirrorOpts := append(resume,
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithLogger(logger),
		engine.WithStrictAtomicity(opts.Strict || opts.Config.StrictAtomicity),
	)
	if hint := opts.Config.QueueCapacityHint; hint > 0 {
		mirrorOpts = append(mirrorOpts, engine.WithQueueCapacity(hint))
	}
	m := engine.New(cat, mirrorOpts...)
	opts.formatter(cmd).VerboseLog("ingesting into %s (session %s)", dbPath, m.Session())

	var envelopes atomic.Int64
	m.Subscribe("ingest", dispatch.SubscriberFunc(func(env dispatch.Envelope) error {
		envelopes.Add(1)
		return nil
	}))
	if opts.Follow {
		m.Subscribe("follow", followSubscriber(cmd.OutOrStdout(), opts.Format))
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- m.Run(ctx)
	}()

	count, readErr := enqueuePayloads(input, m)
	m.Stop()
	if err := <-runErr; err != nil {
		return WrapExitError(ExitFailure, "mirror error", err)
	}
	if readErr != nil {
		return WrapExitError(ExitCommandError, "failed to read payloads", readErr)
	}

	families, err := reg.Gather()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to gather metrics", err)
	}
	result := IngestResult{
		Session:   m.Session(),
		Payloads:  count,
		Envelopes: envelopes.Load(),
		Entities:  m.Entities().Len(),
		Outcomes:  payloadOutcomes(families),
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result, Session: result.Session})
	}
	return outputIngestText(cmd.OutOrStdout(), result)
}

// enqueuePayloads decodes one payload per non-blank line and hands it to
// the mirror. It stops at the first undecodable line.
func enqueuePayloads(r io.Reader, m *engine.Mirror) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	count, line := 0, 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var p engine.Payload
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		if p.Kind == "" {
			return count, fmt.Errorf("line %d: missing kind", line)
		}
		if err := m.Enqueue(p); err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		count++
	}
	return count, scanner.Err()
}

// followSubscriber writes each envelope as it is published: a JSON line in
// json format, a one-line summary otherwise.
func followSubscriber(w io.Writer, format string) dispatch.Subscriber {
	return dispatch.SubscriberFunc(func(env dispatch.Envelope) error {
		if format == "json" {
			data, err := env.MarshalJSON()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, string(data))
			return err
		}
		_, err := fmt.Fprintf(w, "[%d] %s %s: %s -> %s\n",
			env.Seq, env.Ref, env.Identifier(), describeValue(env.Old), describeValue(env.New))
		return err
	})
}

// payloadOutcomes reads the per-kind payload outcome counters out of a
// gathered registry, sorted by kind then outcome.
func payloadOutcomes(families []*dto.MetricFamily) []OutcomeCount {
	outcomes := []OutcomeCount{}
	for _, mf := range families {
		if mf.GetName() != "snowmirror_payloads_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var oc OutcomeCount
			for _, label := range metric.GetLabel() {
				switch label.GetName() {
				case "kind":
					oc.Kind = label.GetValue()
				case "outcome":
					oc.Outcome = label.GetValue()
				}
			}
			oc.Count = int64(metric.GetCounter().GetValue())
			outcomes = append(outcomes, oc)
		}
	}
	slices.SortFunc(outcomes, func(a, b OutcomeCount) int {
		if c := strings.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return strings.Compare(a.Outcome, b.Outcome)
	})
	return outcomes
}

func outputIngestText(w io.Writer, result IngestResult) error {
	fmt.Fprintf(w, "✓ Ingested %d payload(s) (session %s)\n", result.Payloads, result.Session)
	fmt.Fprintf(w, "  Envelopes: %d\n", result.Envelopes)
	fmt.Fprintf(w, "  Entities:  %d\n", result.Entities)
	for _, oc := range result.Outcomes {
		fmt.Fprintf(w, "  %-20s %-10s %d\n", oc.Kind, oc.Outcome, oc.Count)
	}
	return nil
}
