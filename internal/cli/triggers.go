package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/engine"
	"github.com/roach88/denorm/internal/memstore"
)

// TriggerView describes one generated trigger.
type TriggerView struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Template string   `json:"template"`
	Queries  []string `json:"queries"`
}

// NewTriggersCommand creates the triggers command.
func NewTriggersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers <config-dir>",
		Short: "List the triggers generated for the queries",
		Long: `List the join and propagation triggers generated for a config.

Each join query gets one trigger on its source template ("j-" names);
each distinct referenced collection gets one propagation trigger ("p-"
names) serving every query that embeds it. Names are built from the
collection segments of the template; collections that appear in several
templates are shortened to five characters.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTriggers(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runTriggers(opts *RootOptions, configDir string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts)
	logger := newLogger(opts, cmd.ErrOrStderr())

	queries, err := compileQueries(configDir, logger)
	if err != nil {
		code, message := parseCompileError(err)
		_ = formatter.Error(code, message, nil)
		return WrapExitError(ExitCommandError, "failed to compile queries", err)
	}

	// Triggers are only listed, never run, so an empty store serves.
	st := memstore.New()
	defer st.Close()
	triggers, err := engine.Resolve(st, queries, engine.Handlers{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build triggers", err)
	}

	views := make([]TriggerView, len(triggers))
	for i, t := range triggers {
		views[i] = TriggerView{
			Name:     t.Name,
			Kind:     string(t.Kind),
			Template: t.Template,
			Queries:  t.Queries,
		}
	}

	if opts.Format == "json" {
		return formatter.Success(views)
	}
	return writeTriggerTable(formatter.Writer, views)
}

func writeTriggerTable(w io.Writer, views []TriggerView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tTEMPLATE\tQUERIES")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Name, v.Kind, v.Template, strings.Join(v.Queries, ","))
	}
	return tw.Flush()
}
