package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/engine"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/normalize"
	"github.com/roach88/denorm/internal/pathtmpl"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	EngineOptions
	Query   string // optional - replay one query only
	Check   bool   // exit 1 when replay changed a document
	Timeout time.Duration
}

// ReplayQueryResult holds the replay result for a single query.
type ReplayQueryResult struct {
	Query   string `json:"query"`
	Sources int    `json:"sources"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Queries       []ReplayQueryResult `json:"queries"`
	TotalSources  int                 `json:"total_sources"`
	Changed       []string            `json:"changed"`
	Consistent    bool                `json:"consistent"`
	TriggerErrors []string            `json:"trigger_errors,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <config-dir>",
		Short: "Re-run joins over stored sources and report drift",
		Long: `Re-run every join over the source documents already in the store.

Each source document is handled as if it had just been written; the
resulting writes propagate as usual. Documents whose content differs
afterwards are reported: on a consistent store nothing changes. Use it
to backfill targets after adding a query, or with --check to verify that
materialized documents match their sources.

Exit codes:
  0 - Replay finished (with --check: nothing changed)
  1 - With --check, documents changed; or triggers failed
  2 - Command error (database not found, invalid config, etc.)

Examples:
  denorm replay --db ./docs.db ./config
  denorm replay --db ./docs.db ./config --query placesView
  denorm replay --db ./docs.db ./config --check --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Query, "query", "", "replay specific query only")
	cmd.Flags().BoolVar(&opts.Check, "check", false, "fail when replay changed any document")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", DefaultSettleTimeout, "how long to wait for propagation")
	opts.addFlags(cmd)

	return cmd
}

func runReplay(opts *ReplayOptions, configDir string, cmd *cobra.Command) error {
	ctx := context.Background()
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	queries, err := compileQueries(configDir, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile queries", err)
	}
	selected := queries
	if opts.Query != "" {
		idx := slices.IndexFunc(queries, func(q join.Query) bool { return q.Name == opts.Query })
		if idx < 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("query not found: %s", opts.Query))
		}
		selected = queries[idx : idx+1]
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	before, err := snapshotStore(ctx, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read store", err)
	}

	// Propagation of the replayed writes runs through the engine; the
	// join triggers themselves are invoked directly.
	bg, err := startEngine(ctx, st, queries, &opts.EngineOptions, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build triggers", err)
	}
	joins, err := engine.Join(st, selected, nil, nil, opts.triggerOptions(logger)...)
	if err != nil {
		_ = bg.Stop()
		return WrapExitError(ExitCommandError, "failed to build triggers", err)
	}

	result := ReplayResult{Queries: make([]ReplayQueryResult, 0, len(joins))}
	var handlerErrs []string
	for _, t := range joins {
		n, errs := replayTrigger(ctx, st, t, logger)
		handlerErrs = append(handlerErrs, errs...)
		result.Queries = append(result.Queries, ReplayQueryResult{Query: t.Queries[0], Sources: n})
		result.TotalSources += n
	}

	settleErr := bg.Settle(ctx, opts.Timeout)
	for _, f := range bg.Failures() {
		handlerErrs = append(handlerErrs, f.Error())
	}
	if err := bg.Stop(); err != nil {
		logger.Error("engine error", "error", err)
	}
	if settleErr != nil {
		return WrapExitError(ExitFailure, "engine did not settle", settleErr)
	}
	result.TriggerErrors = handlerErrs

	after, err := snapshotStore(ctx, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read store", err)
	}
	result.Changed = changedPaths(before, after)
	result.Consistent = len(result.Changed) == 0

	formatter := newFormatter(cmd, opts.RootOptions)
	if err := formatter.Emit(result, func(w io.Writer) { outputReplayText(w, result) }); err != nil {
		return err
	}

	if len(result.TriggerErrors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d trigger error(s)", len(result.TriggerErrors)))
	}
	if opts.Check && !result.Consistent {
		return NewExitError(ExitFailure, fmt.Sprintf("%d document(s) changed", len(result.Changed)))
	}
	return nil
}

// replayTrigger hands every stored source of a join trigger to its
// handler as an unchanged update.
func replayTrigger(ctx context.Context, st docstore.Lister, t engine.Trigger, logger *slog.Logger) (int, []string) {
	sources, err := st.List(ctx, pathtmpl.Parent(t.Template))
	if err != nil {
		return 0, []string{fmt.Sprintf("%s: listing sources: %v", t.Name, err)}
	}

	var errs []string
	for _, src := range sources {
		params := pathtmpl.Match(src.Path, t.Template)
		logger.Debug("replaying source", "trigger", t.Name, "source_path", src.Path)
		change := docstore.Change{Path: src.Path, Before: src, After: src}
		if err := t.Handle(ctx, change, params); err != nil {
			errs = append(errs, fmt.Sprintf("%s on %s: %v", t.Name, src.Path, err))
		}
	}
	return len(sources), errs
}

// snapshotStore reads every document of the store.
func snapshotStore(ctx context.Context, st docstore.Lister) (map[string]ir.IRObject, error) {
	snaps, err := st.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]ir.IRObject, len(snaps))
	for _, s := range snaps {
		out[s.Path] = s.Data
	}
	return out, nil
}

// changedPaths lists, sorted, the documents created, deleted or changed
// in content between two snapshots. Timestamps and batch ids are ignored.
func changedPaths(before, after map[string]ir.IRObject) []string {
	changed := []string{}
	for path, a := range after {
		b, ok := before[path]
		if !ok || normalize.IsChanged(b, a) || dependenciesChanged(b, a) {
			changed = append(changed, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			changed = append(changed, path)
		}
	}
	slices.Sort(changed)
	return changed
}

func dependenciesChanged(before, after ir.IRObject) bool {
	return normalize.IsChanged(
		ir.IRObject{"d": sortedDependencies(before)},
		ir.IRObject{"d": sortedDependencies(after)},
	)
}

func sortedDependencies(data ir.IRObject) ir.IRArray {
	arr, _ := data[normalize.KeyDependencies].(ir.IRArray)
	deps := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(ir.IRString); ok {
			deps = append(deps, string(s))
		}
	}
	slices.Sort(deps)
	return ir.StringArray(deps...)
}

func outputReplayText(w io.Writer, result ReplayResult) {
	fmt.Fprintf(w, "Replayed %d query(ies) over %d source document(s)\n", len(result.Queries), result.TotalSources)
	for _, q := range result.Queries {
		fmt.Fprintf(w, "  %s: %d source(s)\n", q.Query, q.Sources)
	}
	fmt.Fprintln(w)

	for _, e := range result.TriggerErrors {
		fmt.Fprintf(w, "✗ %s\n", e)
	}

	if result.Consistent {
		fmt.Fprintln(w, "✓ Store consistent: no document changed")
		return
	}
	fmt.Fprintf(w, "⚠ %d document(s) changed:\n", len(result.Changed))
	for _, p := range result.Changed {
		fmt.Fprintf(w, "  %s\n", p)
	}
}
