package harness

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/denorm/internal/compiler"
	"github.com/roach88/denorm/internal/join"
)

// loadQueries compiles the scenario's query files and inline declarations
// into one CUE value and appends the result to extra. Every compile and
// validation error is reported; cycle warnings are only logged.
func loadQueries(s *Scenario, extra []join.Query, logger *slog.Logger) ([]join.Query, error) {
	files, err := cueFiles(s.Queries)
	if err != nil {
		return nil, err
	}

	queries := append([]join.Query(nil), extra...)
	if len(files) > 0 || s.Inline != "" {
		ctx := cuecontext.New()
		v := ctx.CompileString("{}")
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("failed to read query file: %w", err)
			}
			v = v.Unify(ctx.CompileBytes(data, cue.Filename(f)))
		}
		if s.Inline != "" {
			v = v.Unify(ctx.CompileString(s.Inline, cue.Filename(s.Name+".inline.cue")))
		}
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("building queries: %w", err)
		}

		compiled, errs := compiler.CompileQueries(v)
		if len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		queries = append(queries, compiled...)
	}

	if len(queries) == 0 {
		return nil, fmt.Errorf("scenario declares no queries")
	}
	if verrs := compiler.ValidateAll(queries); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, e := range verrs {
			errs[i] = e
		}
		return nil, errors.Join(errs...)
	}
	for _, w := range compiler.AnalyzeCycles(queries) {
		logger.Warn("query cycle", "queries", w.Path, "message", w.Message)
	}
	return queries, nil
}

// cueFiles expands directories to the .cue files they contain, sorted.
func cueFiles(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("query path: %w", err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.cue"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}
