package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/compiler"
	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/propagate"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// QueryView is the serialized form of a compiled join query.
type QueryView struct {
	Name       string          `json:"name"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	References []ReferenceView `json:"references"`
	Group      *GroupView      `json:"group,omitempty"`
}

// ReferenceView is the serialized form of a reference binding.
type ReferenceView struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Collection string   `json:"collection"`
	Fields     []string `json:"fields,omitempty"`
}

// GroupView is the serialized form of a parameter group.
type GroupView struct {
	Parameter string   `json:"parameter"`
	Values    []string `json:"values"`
}

// TargetView is one propagation target under the trigger that feeds it.
type TargetView struct {
	Trigger         string `json:"trigger"`
	Query           string `json:"query"`
	To              string `json:"to"`
	Field           string `json:"field"`
	DocumentIDField string `json:"document_id_field"`
}

// CompilationResult holds the compiled queries and what they imply.
type CompilationResult struct {
	Queries []QueryView             `json:"queries"`
	Targets []TargetView            `json:"targets"`
	Cycles  []compiler.CycleWarning `json:"cycles,omitempty"`
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	QueryCount     int
	ReferenceCount int
	GroupedCount   int
	TriggerCount   int
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <config-dir>",
		Short: "Compile CUE queries and show their propagation targets",
		Long: `Compile the CUE join queries of a config directory.

The compiler parses the CUE files, validates every query, derives the
deduplicated propagation targets per foreign collection and reports
possible propagation cycles.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, configDir string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.RootOptions)

	loadResult, loadErrors := LoadQueries(configDir, LoadModeCollectAll)

	// Handle load errors (directory not found, no files, etc.)
	if loadResult == nil && len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputCompileError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputCompileError(formatter, ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, configDir)
	for _, q := range loadResult.Queries {
		formatter.VerboseLog("Compiled query: %s", q.Name)
	}

	errs := loadErrors
	for _, verr := range compiler.ValidateAll(loadResult.Queries) {
		errs = append(errs, verr)
	}
	if len(errs) > 0 {
		return outputCompileErrors(formatter, errs)
	}

	targets, err := propagate.BuildTargets(loadResult.Queries)
	if err != nil {
		return outputCompileError(formatter, ErrCodeGeneric, err.Error(), nil)
	}

	result := &CompilationResult{
		Queries: queryViews(loadResult.Queries),
		Targets: targetViews(targets),
		Cycles:  compiler.AnalyzeCycles(loadResult.Queries),
	}
	stats := calculateStats(loadResult.Queries, targets)

	if opts.Output != "" {
		if err := writeResultToFile(result, opts.Output); err != nil {
			return outputCompileError(formatter, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	return outputCompileSuccess(formatter, result, stats, opts.Output)
}

func queryViews(queries []join.Query) []QueryView {
	out := make([]QueryView, len(queries))
	for i, q := range queries {
		v := QueryView{Name: q.Name, From: q.From, To: q.To, References: []ReferenceView{}}
		for _, ref := range q.References {
			v.References = append(v.References, ReferenceView{
				Source:     ref.SourceField,
				Target:     ref.TargetField,
				Collection: ref.Collection,
				Fields:     ref.Fields,
			})
		}
		if q.Group != nil {
			v.Group = &GroupView{Parameter: q.Group.Parameter, Values: q.Group.Values}
		}
		out[i] = v
	}
	return out
}

// targetViews flattens targets in trigger template order.
func targetViews(targets map[string][]propagate.Target) []TargetView {
	out := []TargetView{}
	for _, trigger := range propagate.Triggers(targets) {
		for _, t := range targets[trigger] {
			out = append(out, TargetView{
				Trigger:         trigger,
				Query:           t.Query,
				To:              t.To,
				Field:           t.Field,
				DocumentIDField: t.DocumentIDField,
			})
		}
	}
	return out
}

// calculateStats computes summary statistics from the compiled queries.
func calculateStats(queries []join.Query, targets map[string][]propagate.Target) CompilationStats {
	stats := CompilationStats{
		QueryCount:   len(queries),
		TriggerCount: len(queries) + len(targets),
	}
	for _, q := range queries {
		stats.ReferenceCount += len(q.References)
		if q.Group != nil {
			stats.GroupedCount++
		}
	}
	return stats
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, stats CompilationStats, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d query(ies), %d reference(s), %d trigger(s)\n\n",
		stats.QueryCount, stats.ReferenceCount, stats.TriggerCount)

	fmt.Fprintln(w, "Queries:")
	for _, q := range result.Queries {
		fmt.Fprintf(w, "  %s: %s → %s\n", q.Name, q.From, q.To)
		for _, ref := range q.References {
			fmt.Fprintf(w, "    %s → %s (%s)", ref.Source, ref.Target, ref.Collection)
			if len(ref.Fields) > 0 {
				fmt.Fprintf(w, " [%s]", strings.Join(ref.Fields, " "))
			}
			fmt.Fprintln(w)
		}
		if q.Group != nil {
			fmt.Fprintf(w, "    group %s: %s\n", q.Group.Parameter, strings.Join(q.Group.Values, ", "))
		}
	}
	fmt.Fprintln(w)

	if len(result.Targets) > 0 {
		fmt.Fprintln(w, "Propagation:")
		for _, t := range result.Targets {
			fmt.Fprintf(w, "  %s → %s.%s\n", t.Trigger, t.To, t.Field)
		}
		fmt.Fprintln(w)
	}

	writeCycleWarnings(w, result.Cycles)

	if outputFile != "" {
		fmt.Fprintf(w, "Wrote compiled queries to %s\n", outputFile)
	}

	return nil
}

// outputCompileError outputs a single compilation error.
func outputCompileError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	// Compilation errors are command-level errors (exit code 2)
	return WrapExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message), nil)
}

// outputCompileErrors outputs multiple compilation errors.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	if formatter.Format == "json" {
		cliErrors := make([]CLIError, len(errs))
		for i, err := range errs {
			code, message := parseCompileError(err)
			cliErrors[i] = CLIError{Code: code, Message: message}
		}

		if err := formatter.Report(CLIResponse{
			Status: statusError,
			Error:  &cliErrors[0],
			Data:   cliErrors, // Include all errors in data
		}); err != nil {
			return err
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		code, message := parseCompileError(err)
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
				loadErr.Pos.Filename(),
				loadErr.Pos.Line(),
				loadErr.Pos.Column())
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", code, message)
	}

	return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
}

// parseCompileError extracts error code and message from an error.
func parseCompileError(err error) (string, string) {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	var verr compiler.ValidationError
	if errors.As(err, &verr) {
		if verr.Query != "" {
			return verr.Code, fmt.Sprintf("query.%s.%s: %s", verr.Query, verr.Field, verr.Message)
		}
		return verr.Code, fmt.Sprintf("%s: %s", verr.Field, verr.Message)
	}
	return ErrCodeGeneric, err.Error()
}

// writeResultToFile writes the compilation result as indented JSON.
func writeResultToFile(result *CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling queries: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}

	return nil
}
