package cli

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/compiler"
	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/engine"
	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/propagate"
	"github.com/roach88/denorm/internal/store"
	"github.com/roach88/denorm/internal/writer"
)

// DefaultSettleTimeout bounds how long a command waits for the engine to
// finish the cascades caused by its own writes.
const DefaultSettleTimeout = 30 * time.Second

// EngineOptions holds the runtime flags shared by commands that start
// the engine.
type EngineOptions struct {
	Database      string
	Concurrency   int
	MaxAttempts   int
	MaxSteps      int
	MaxDependents int
	PruneSources  bool

	// BatchIDs allows overriding the propagationBatchID generator (for
	// testing). If nil, defaults to UUIDv7Generator.
	BatchIDs engine.BatchIDGenerator
}

func (o *EngineOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.Concurrency, "concurrency", writer.DefaultConcurrency, "max concurrent dependent writes per propagation wave")
	cmd.Flags().IntVar(&o.MaxAttempts, "max-attempts", writer.DefaultMaxAttempts, "attempts per write when the store is unavailable")
	cmd.Flags().IntVar(&o.MaxSteps, "max-steps", engine.DefaultMaxSteps, "changes one propagation batch may cause (0 disables)")
	cmd.Flags().IntVar(&o.MaxDependents, "max-dependents", propagate.DefaultMaxDependents, "dependents one propagation wave may patch")
	cmd.Flags().BoolVar(&o.PruneSources, "prune-sources", false, "remove deleted reference ids from join source documents")
}

func (o *EngineOptions) triggerOptions(logger *slog.Logger) []engine.TriggerOption {
	w := writer.New()
	w.Concurrency = o.Concurrency
	w.MaxAttempts = o.MaxAttempts
	w.Logger = logger

	opts := []engine.TriggerOption{
		engine.WithWriter(w),
		engine.WithMaxDependents(o.MaxDependents),
		engine.WithSourcePruning(o.PruneSources),
		engine.WithTriggerLogger(logger),
	}
	if o.BatchIDs != nil {
		opts = append(opts, engine.WithBatchIDGenerator(o.BatchIDs))
	}
	return opts
}

// compileQueries loads and validates the queries in dir. Cycle warnings
// are logged, not returned.
func compileQueries(dir string, logger *slog.Logger) ([]join.Query, error) {
	loadResult, loadErrors := LoadQueries(dir, LoadModeFailFast)
	if len(loadErrors) > 0 {
		return nil, loadErrors[0]
	}
	if verrs := compiler.ValidateAll(loadResult.Queries); len(verrs) > 0 {
		return nil, verrs[0]
	}
	for _, w := range compiler.AnalyzeCycles(loadResult.Queries) {
		logger.Warn("query cycle", "queries", w.Path, "message", w.Message)
	}
	return loadResult.Queries, nil
}

// openStore opens the SQLite store at path, creating it if it doesn't exist.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "--db is required")
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// backgroundEngine runs an engine in its own goroutine and collects the
// trigger failures it reports.
type backgroundEngine struct {
	engine *engine.Engine
	cancel context.CancelFunc
	done   chan error

	mu       sync.Mutex
	failures []error
}

// startEngine builds the join and propagation triggers of queries and
// starts handling the changes of st. Changes committed after it returns
// are never missed.
func startEngine(ctx context.Context, st docstore.Store, queries []join.Query, opts *EngineOptions, logger *slog.Logger) (*backgroundEngine, error) {
	triggers, err := engine.Resolve(st, queries, engine.Handlers{}, opts.triggerOptions(logger)...)
	if err != nil {
		return nil, err
	}

	b := &backgroundEngine{done: make(chan error, 1)}
	b.engine = engine.New(st, triggers,
		engine.WithLogger(logger),
		engine.WithMaxSteps(opts.MaxSteps),
		engine.WithErrorHandler(b.record),
	)

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go func() { b.done <- b.engine.Run(runCtx) }()
	return b, nil
}

func (b *backgroundEngine) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, err)
}

// Failures returns the trigger failures reported so far.
func (b *backgroundEngine) Failures() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.failures...)
}

// Settle waits until every cascade has finished or timeout passes.
func (b *backgroundEngine) Settle(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.engine.Settle(ctx)
}

// Stop cancels the engine and waits for Run to return.
func (b *backgroundEngine) Stop() error {
	b.cancel()
	err := <-b.done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
