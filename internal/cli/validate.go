package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/denorm/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.CycleWarning    `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config-dir>",
		Short: "Validate queries without printing them",
		Long: `Validate the CUE join queries of a config directory.

Performs syntax checking, query validation (templates, placeholders,
references, groups) and static cycle analysis. Cycles are reported as
warnings: a cascade stops once a write changes nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, configDir string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts)

	loadResult, loadErrors := LoadQueries(configDir, LoadModeCollectAll)

	// Handle load errors (directory not found, no files, etc.)
	if loadResult == nil && len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message, nil)
		}
		return outputValidateError(formatter, ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, configDir)

	result := validateQueries(loadResult, loadErrors, formatter)
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// validateQueries turns compile errors into validation errors and runs
// query validation and cycle analysis on the compiled queries.
func validateQueries(loadResult *LoadResult, loadErrors []error, formatter *OutputFormatter) ValidationResult {
	var errs []compiler.ValidationError
	for _, err := range loadErrors {
		code, message := parseCompileError(err)
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			message = fmt.Sprintf("%s:%d: %s", loadErr.Pos.Filename(), loadErr.Pos.Line(), message)
		}
		errs = append(errs, compiler.ValidationError{
			Field:   "load",
			Message: message,
			Code:    code,
		})
	}

	for _, q := range loadResult.Queries {
		formatter.VerboseLog("Validating query: %s", q.Name)
	}
	errs = append(errs, compiler.ValidateAll(loadResult.Queries)...)

	return ValidationResult{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: compiler.AnalyzeCycles(loadResult.Queries),
	}
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintln(formatter.Writer, "✓ All queries valid")
	if len(result.Warnings) > 0 {
		fmt.Fprintln(formatter.Writer)
		writeCycleWarnings(formatter.Writer, result.Warnings)
	}
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	// Unreadable config is a command-level error (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		if err := formatter.Report(CLIResponse{
			Status: statusError,
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s\n", err.Error())
	}
	fmt.Fprintln(formatter.Writer)

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}

func writeCycleWarnings(w io.Writer, warnings []compiler.CycleWarning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(w, "Cycles:")
	for _, c := range warnings {
		fmt.Fprintf(w, "  ⚠ %s\n", c.Message)
	}
	fmt.Fprintln(w)
}

// ValidateConfigDir validates all queries in a directory.
// This is a helper function for external callers.
func ValidateConfigDir(configDir string) ([]compiler.ValidationError, error) {
	loadResult, loadErrors := LoadQueries(configDir, LoadModeCollectAll)
	if loadResult == nil && len(loadErrors) > 0 {
		return nil, loadErrors[0]
	}

	silent := &OutputFormatter{Format: "text", Writer: io.Discard}
	return validateQueries(loadResult, loadErrors, silent).Errors, nil
}
