package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/normalize"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database   string
	BatchID    string // optional - without it every batch is summarized
	Collection string // optional - restrict to one collection
}

// TraceDocument is one document last written by a propagation batch.
type TraceDocument struct {
	Path         string    `json:"path"`
	UpdateTime   time.Time `json:"update_time"`
	Dependencies []string  `json:"dependencies,omitempty"`
}

// TraceResult holds the documents stamped with one batch id.
type TraceResult struct {
	BatchID   string          `json:"batch_id"`
	Documents []TraceDocument `json:"documents"`
	Stats     TraceStats      `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Documents   int       `json:"documents"`
	Collections int       `json:"collections"`
	First       time.Time `json:"first,omitempty"`
	Last        time.Time `json:"last,omitempty"`
}

// BatchSummary summarizes one batch when no --batch is given.
type BatchSummary struct {
	BatchID   string    `json:"batch_id"`
	Documents int       `json:"documents"`
	First     time.Time `json:"first"`
	Last      time.Time `json:"last"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the documents written by a propagation batch",
		Long: `Show which documents a propagation batch wrote.

Every materialized document carries the propagationBatchID of the
cascade that last wrote it, so all documents touched by one source
change share an id. With --batch the documents of that batch are listed
in write order; without it every batch still visible in the store is
summarized, most recent first.

Examples:
  denorm trace --db ./docs.db
  denorm trace --db ./docs.db --batch 0190a5c4-...
  denorm trace --db ./docs.db --batch 0190a5c4-... --collection placesView --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.BatchID, "batch", "", "propagation batch id to trace")
	cmd.Flags().StringVar(&opts.Collection, "collection", "", "restrict to one collection path")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	formatter := newFormatter(cmd, opts.RootOptions)

	if opts.BatchID == "" {
		summaries, err := summarizeBatches(ctx, st, opts.Collection)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read store", err)
		}
		return formatter.Emit(summaries, func(w io.Writer) { outputBatchSummaries(w, summaries) })
	}

	result, err := traceBatch(ctx, st, opts.BatchID, opts.Collection)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read store", err)
	}
	return formatter.EmitBatch(result.BatchID, result, func(w io.Writer) { outputTraceText(w, result) })
}

// traceBatch collects the documents stamped with batchID, oldest write
// first.
func traceBatch(ctx context.Context, st docstore.Lister, batchID, collection string) (TraceResult, error) {
	snaps, err := st.List(ctx, collection)
	if err != nil {
		return TraceResult{}, err
	}

	result := TraceResult{BatchID: batchID, Documents: []TraceDocument{}}
	collections := map[string]bool{}
	for _, s := range snaps {
		if batchOf(s.Data) != batchID {
			continue
		}
		result.Documents = append(result.Documents, TraceDocument{
			Path:         s.Path,
			UpdateTime:   s.UpdateTime,
			Dependencies: dependenciesOf(s.Data),
		})
		collections[collectionOf(s.Path)] = true
	}
	slices.SortFunc(result.Documents, func(a, b TraceDocument) int {
		if c := a.UpdateTime.Compare(b.UpdateTime); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})

	result.Stats.Documents = len(result.Documents)
	result.Stats.Collections = len(collections)
	if n := len(result.Documents); n > 0 {
		result.Stats.First = result.Documents[0].UpdateTime
		result.Stats.Last = result.Documents[n-1].UpdateTime
	}
	return result, nil
}

// summarizeBatches groups the stamped documents by batch id, most recent
// batch first.
func summarizeBatches(ctx context.Context, st docstore.Lister, collection string) ([]BatchSummary, error) {
	snaps, err := st.List(ctx, collection)
	if err != nil {
		return nil, err
	}

	byID := map[string]*BatchSummary{}
	for _, s := range snaps {
		id := batchOf(s.Data)
		if id == "" {
			continue
		}
		b, ok := byID[id]
		if !ok {
			b = &BatchSummary{BatchID: id, First: s.UpdateTime, Last: s.UpdateTime}
			byID[id] = b
		}
		b.Documents++
		if s.UpdateTime.Before(b.First) {
			b.First = s.UpdateTime
		}
		if s.UpdateTime.After(b.Last) {
			b.Last = s.UpdateTime
		}
	}

	out := make([]BatchSummary, 0, len(byID))
	for _, b := range byID {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b BatchSummary) int {
		if c := b.Last.Compare(a.Last); c != 0 {
			return c
		}
		return strings.Compare(a.BatchID, b.BatchID)
	})
	return out, nil
}

func batchOf(data ir.IRObject) string {
	s, _ := data[normalize.KeyBatchID].(ir.IRString)
	return string(s)
}

func dependenciesOf(data ir.IRObject) []string {
	arr, _ := data[normalize.KeyDependencies].(ir.IRArray)
	var deps []string
	for _, v := range arr {
		if s, ok := v.(ir.IRString); ok {
			deps = append(deps, string(s))
		}
	}
	return deps
}

func collectionOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

func outputTraceText(w io.Writer, result TraceResult) {
	if len(result.Documents) == 0 {
		fmt.Fprintf(w, "No documents found for batch: %s\n", result.BatchID)
		return
	}

	fmt.Fprintf(w, "Batch: %s\n\n", result.BatchID)
	for _, d := range result.Documents {
		fmt.Fprintf(w, "  %s  %s\n", d.UpdateTime.UTC().Format(time.RFC3339Nano), d.Path)
		if len(d.Dependencies) > 0 {
			fmt.Fprintf(w, "      depends on: %s\n", strings.Join(d.Dependencies, ", "))
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d document(s) in %d collection(s), %s elapsed\n",
		result.Stats.Documents, result.Stats.Collections, result.Stats.Last.Sub(result.Stats.First))
}

func outputBatchSummaries(w io.Writer, summaries []BatchSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No propagation batches found.")
		return
	}
	for _, b := range summaries {
		fmt.Fprintf(w, "%s  %d document(s)  last write %s\n",
			b.BatchID, b.Documents, b.Last.UTC().Format(time.RFC3339Nano))
	}
}
