package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/docstore"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	EngineOptions
	Input   string        // JSON lines of DocOp, "-" for stdin
	Timeout time.Duration // settle timeout after the input is exhausted
}

// InputSummary reports a run over an input stream.
type InputSummary struct {
	Applied       int      `json:"applied"`
	Failed        int      `json:"failed"`
	TriggerErrors []string `json:"trigger_errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <config-dir>",
		Short: "Start engine with compiled queries",
		Long: `Start the denorm engine over a SQLite document store.

The engine compiles the join queries in the config directory, opens the
database (creating it if it doesn't exist), and keeps every materialized
document up to date until interrupted.

Only writes made through this process are observed. With --input the
engine applies a stream of JSON lines, one write per line, waits until
every cascade has finished and exits:

  {"op": "set", "path": "companies/c1", "data": {"name": "ACME"}}
  {"op": "delete", "path": "tags/t1"}

Example:
  denorm run --db ./docs.db ./config
  denorm run --db ./docs.db ./config --prune-sources --verbose
  denorm run --db ./docs.db ./config --input writes.jsonl`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Input, "input", "", "apply JSON-lines writes from a file (- for stdin) and exit")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", DefaultSettleTimeout, "how long to wait for propagation after --input")
	opts.addFlags(cmd)

	return cmd
}

func runEngine(opts *RunOptions, configDir string, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	logger.Info("compiling queries", "dir", configDir)
	queries, err := compileQueries(configDir, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile queries", err)
	}
	logger.Info("queries compiled", "queries", len(queries))

	logger.Info("opening database", "path", opts.Database)
	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	bg, err := startEngine(ctx, st, queries, &opts.EngineOptions, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build triggers", err)
	}

	logger.Info("engine started", "db", opts.Database, "config_dir", configDir)
	if opts.Input != "" {
		return runInput(ctx, opts, st, bg, cmd, logger)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Watching document changes...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	<-ctx.Done()
	if err := bg.Stop(); err != nil && err != context.DeadlineExceeded {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("engine stopped gracefully", "trigger_errors", len(bg.Failures()))
	return nil
}

// runInput applies every write of the input stream, then waits for the
// engine to settle. A failing write is logged and skipped.
func runInput(ctx context.Context, opts *RunOptions, st docstore.Store, bg *backgroundEngine, cmd *cobra.Command, logger *slog.Logger) error {
	var r io.Reader = cmd.InOrStdin()
	if opts.Input != "-" {
		f, err := os.Open(opts.Input)
		if err != nil {
			_ = bg.Stop()
			return WrapExitError(ExitCommandError, "failed to open input", err)
		}
		defer f.Close()
		r = f
	}

	var summary InputSummary
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var op DocOp
		err := dec.Decode(&op)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = bg.Stop()
			return WrapExitError(ExitCommandError, fmt.Sprintf("reading input record %d", line), err)
		}
		if err := op.Apply(ctx, st); err != nil {
			logger.Error("write failed", "op", op.name(), "path", op.Path, "error", err)
			summary.Failed++
			continue
		}
		logger.Debug("write applied", "op", op.name(), "path", op.Path)
		summary.Applied++
	}

	settleErr := bg.Settle(ctx, opts.Timeout)
	for _, f := range bg.Failures() {
		summary.TriggerErrors = append(summary.TriggerErrors, f.Error())
	}
	if err := bg.Stop(); err != nil {
		logger.Error("engine error", "error", err)
	}
	if settleErr != nil {
		return WrapExitError(ExitFailure, "engine did not settle", settleErr)
	}

	err := newFormatter(cmd, opts.RootOptions).Emit(summary, func(w io.Writer) {
		fmt.Fprintf(w, "Applied %d write(s), %d failed, %d trigger error(s)\n",
			summary.Applied, summary.Failed, len(summary.TriggerErrors))
	})
	if err != nil {
		return err
	}

	if summary.Failed > 0 || len(summary.TriggerErrors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d write(s) failed, %d trigger error(s)", summary.Failed, len(summary.TriggerErrors)))
	}
	return nil
}
