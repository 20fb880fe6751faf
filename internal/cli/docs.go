package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/pathtmpl"
)

// Document write operations.
const (
	OpSet    = "set"
	OpUpdate = "update"
	OpDelete = "delete"
)

// DocOp is one document write. It is the unit of put/delete and of the
// JSON lines read by run --input.
type DocOp struct {
	Op    string      `json:"op,omitempty"` // set (default), update or delete
	Path  string      `json:"path"`
	Data  ir.IRObject `json:"data,omitempty"`
	Merge bool        `json:"merge,omitempty"`
}

// Apply executes the write against st.
func (o DocOp) Apply(ctx context.Context, st docstore.Store) error {
	if err := docstore.CheckDocumentPath(o.Path); err != nil {
		return err
	}
	switch o.Op {
	case "", OpSet:
		if o.Data == nil {
			return fmt.Errorf("data is required for set")
		}
		return st.Set(ctx, o.Path, o.Data, o.Merge)
	case OpUpdate:
		if o.Merge {
			return fmt.Errorf("merge is only valid for set")
		}
		return st.Update(ctx, o.Path, o.Data)
	case OpDelete:
		return st.Delete(ctx, o.Path)
	default:
		return fmt.Errorf("unknown op %q", o.Op)
	}
}

func (o DocOp) name() string {
	if o.Op == "" {
		return OpSet
	}
	return o.Op
}

// WriteOptions holds flags for the put and delete commands.
type WriteOptions struct {
	*RootOptions
	EngineOptions
	Config  string
	Wait    bool
	Timeout time.Duration
	Update  bool
	Merge   bool
}

// WriteResult reports a document write.
type WriteResult struct {
	Op            string   `json:"op"`
	Path          string   `json:"path"`
	Settled       bool     `json:"settled"`
	TriggerErrors []string `json:"trigger_errors,omitempty"`
}

func newWriteCommand(rootOpts *RootOptions, use, short, long string, args cobra.PositionalArgs, build func(opts *WriteOptions, args []string) (DocOp, error)) (*cobra.Command, *WriteOptions) {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Long:          long,
		Args:          args,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := build(opts, args)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid document", err)
			}
			return runWrite(opts, op, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Config, "config", "", "query config directory (required with --wait)")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "run the engine until the write has fully propagated")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", DefaultSettleTimeout, "how long --wait may take")
	opts.addFlags(cmd)

	return cmd, opts
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	cmd, opts := newWriteCommand(rootOpts,
		"put <path> <json>",
		"Write a document",
		`Write a JSON object at a document path.

With --wait the join and propagation triggers of --config run until every
materialized document affected by the write is up to date. Tagged values
are accepted: {"$time": "2024-01-01T00:00:00Z"}, {"$ref": "companies/c1"}.

Examples:
  denorm put --db ./docs.db companies/c1 '{"name": "ACME"}'
  denorm put --db ./docs.db --merge places/p1 '{"rating": 5}'
  denorm put --db ./docs.db --config ./config --wait places/p1 '{"companyID": "c1"}'`,
		cobra.ExactArgs(2),
		func(opts *WriteOptions, args []string) (DocOp, error) {
			var data ir.IRObject
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return DocOp{}, fmt.Errorf("parsing document JSON: %w", err)
			}
			op := DocOp{Op: OpSet, Path: args[0], Data: data, Merge: opts.Merge}
			if opts.Update {
				op.Op = OpUpdate
			}
			return op, nil
		},
	)
	cmd.Flags().BoolVar(&opts.Merge, "merge", false, "merge top-level fields into the stored document")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "update fields of an existing document (fails when missing)")
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd, _ := newWriteCommand(rootOpts,
		"delete <path>",
		"Delete a document",
		`Delete the document at a path. Deleting a missing document is a no-op.

With --wait, materialized copies of the document are removed from their
dependents, and materialized targets of a deleted join source are deleted.

Example:
  denorm delete --db ./docs.db --config ./config --wait companies/c1`,
		cobra.ExactArgs(1),
		func(_ *WriteOptions, args []string) (DocOp, error) {
			return DocOp{Op: OpDelete, Path: args[0]}, nil
		},
	)
	return cmd
}

func runWrite(opts *WriteOptions, op DocOp, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.RootOptions)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	if opts.Wait && opts.Config == "" {
		return NewExitError(ExitCommandError, "--wait requires --config")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	var bg *backgroundEngine
	if opts.Wait {
		queries, err := compileQueries(opts.Config, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to compile queries", err)
		}
		// The engine must watch the store before the write commits.
		bg, err = startEngine(ctx, st, queries, &opts.EngineOptions, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to build triggers", err)
		}
	}

	writeErr := op.Apply(ctx, st)

	result := WriteResult{Op: op.name(), Path: pathtmpl.Clean(op.Path)}
	if bg != nil {
		settleErr := bg.Settle(ctx, opts.Timeout)
		result.Settled = settleErr == nil
		for _, f := range bg.Failures() {
			result.TriggerErrors = append(result.TriggerErrors, f.Error())
		}
		if err := bg.Stop(); err != nil {
			logger.Error("engine error", "error", err)
		}
		if settleErr != nil && writeErr == nil {
			return WrapExitError(ExitFailure, "engine did not settle", settleErr)
		}
	}

	if writeErr != nil {
		_ = formatter.Error(ErrCodeStore, writeErr.Error(), nil)
		return WrapExitError(ExitFailure, fmt.Sprintf("%s %s", result.Op, result.Path), writeErr)
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "✓ %s %s\n", result.Op, result.Path)
		if result.Settled {
			fmt.Fprintln(formatter.Writer, "  propagation settled")
		}
		for _, e := range result.TriggerErrors {
			fmt.Fprintf(formatter.Writer, "  trigger error: %s\n", e)
		}
	}

	if len(result.TriggerErrors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d trigger error(s)", len(result.TriggerErrors)))
	}
	return nil
}

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	Database string
}

// DocumentView is the output form of a stored document.
type DocumentView struct {
	Path       string      `json:"path"`
	Data       ir.IRObject `json:"data"`
	UpdateTime time.Time   `json:"update_time"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a document or list a collection",
		Long: `Print the document at a path, or every document directly under a
collection path. Collection paths may be templates:
"localized/{locale}/places" lists the places of every locale.

Examples:
  denorm get --db ./docs.db placesView/p1
  denorm get --db ./docs.db placesView --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runGet(opts *GetOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.RootOptions)
	ctx := context.Background()

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(st)

	if pathtmpl.IsCollection(path) {
		snaps, err := st.List(ctx, path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list collection", err)
		}
		views := make([]DocumentView, len(snaps))
		for i, s := range snaps {
			views[i] = toView(s)
		}
		slog.Debug("listed collection", "collection", path, "documents", len(views))
		return outputDocuments(formatter, views)
	}

	snap, err := st.Get(ctx, path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read document", err)
	}
	if !snap.Exists {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("document not found: %s", pathtmpl.Clean(path)), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("document not found: %s", pathtmpl.Clean(path)))
	}

	view := toView(snap)
	if opts.Format == "json" {
		return formatter.Success(view)
	}
	return writeDocumentText(formatter, view)
}

func toView(s docstore.Snapshot) DocumentView {
	data := s.Data
	if data == nil {
		data = ir.IRObject{}
	}
	return DocumentView{Path: s.Path, Data: data, UpdateTime: s.UpdateTime.UTC()}
}

func outputDocuments(formatter *OutputFormatter, views []DocumentView) error {
	if formatter.Format == "json" {
		return formatter.Success(views)
	}
	if len(views) == 0 {
		fmt.Fprintln(formatter.Writer, "No documents found.")
		return nil
	}
	for _, v := range views {
		if err := writeDocumentText(formatter, v); err != nil {
			return err
		}
	}
	return nil
}

func writeDocumentText(formatter *OutputFormatter, v DocumentView) error {
	body, err := json.MarshalIndent(v.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering %s: %w", v.Path, err)
	}
	fmt.Fprintf(formatter.Writer, "%s\n%s\n", v.Path, body)
	return nil
}
