package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/denorm/internal/join"
)

// CompileQuery parses a CUE value into a join.Query.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the query struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`query: placesView: { from: "places/{placeID}", ... }`)
//	q, err := CompileQuery(v.LookupPath(cue.ParsePath("query.placesView")))
//
// The query name is the struct label.
func CompileQuery(v cue.Value) (*join.Query, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	q := &join.Query{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		q.Name = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	var err error
	if q.From, err = requiredString(v, "from"); err != nil {
		return nil, err
	}
	if q.To, err = requiredString(v, "to"); err != nil {
		return nil, err
	}

	// An empty reference list is a plain copy from source to target.
	if refsVal := v.LookupPath(cue.ParsePath("references")); refsVal.Exists() {
		q.References, err = parseReferences(refsVal)
		if err != nil {
			return nil, err
		}
	}

	if groupVal := v.LookupPath(cue.ParsePath("group")); groupVal.Exists() {
		g, err := parseGroup(groupVal)
		if err != nil {
			return nil, err
		}
		q.Group = g
	}

	return q, nil
}

// CompileQueries compiles every query under the top-level "query" struct in
// declaration order. All compile errors are collected; queries that fail
// are left out of the result.
func CompileQueries(v cue.Value) ([]join.Query, []error) {
	queriesVal := v.LookupPath(cue.ParsePath("query"))
	if !queriesVal.Exists() {
		return nil, nil
	}

	iter, err := queriesVal.Fields()
	if err != nil {
		return nil, []error{formatCUEError(err)}
	}

	var (
		out  []join.Query
		errs []error
	)
	for iter.Next() {
		q, err := CompileQuery(iter.Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("query.%s: %w", iter.Label(), err))
			continue
		}
		out = append(out, *q)
	}
	return out, errs
}

func parseReferences(v cue.Value) ([]join.Reference, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var refs []join.Reference
	for i := 0; iter.Next(); i++ {
		item := iter.Value()
		if item.IncompleteKind() != cue.StructKind {
			return nil, &CompileError{
				Field:   fmt.Sprintf("references[%d]", i),
				Message: "reference must be a struct with source, target and collection",
				Pos:     item.Pos(),
			}
		}

		var ref join.Reference
		if ref.SourceField, err = requiredString(item, "source"); err != nil {
			return nil, err
		}
		if ref.TargetField, err = requiredString(item, "target"); err != nil {
			return nil, err
		}
		if ref.Collection, err = requiredString(item, "collection"); err != nil {
			return nil, err
		}
		if fieldsVal := item.LookupPath(cue.ParsePath("fields")); fieldsVal.Exists() {
			if ref.Fields, err = stringList(fieldsVal, "fields"); err != nil {
				return nil, err
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func parseGroup(v cue.Value) (*join.Group, error) {
	param, err := requiredString(v, "parameter")
	if err != nil {
		return nil, err
	}
	valuesVal := v.LookupPath(cue.ParsePath("values"))
	if !valuesVal.Exists() {
		return nil, &CompileError{
			Field:   "group.values",
			Message: "group values are required",
			Pos:     v.Pos(),
		}
	}
	values, err := stringList(valuesVal, "group.values")
	if err != nil {
		return nil, err
	}
	return &join.Group{Parameter: param, Values: values}, nil
}

// requiredString reads the concrete string field of v.
func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: field + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", &CompileError{
			Field:   field,
			Message: fmt.Sprintf("%s must be a string: %v", field, err),
			Pos:     fv.Pos(),
		}
	}
	return s, nil
}

func stringList(v cue.Value, field string) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, &CompileError{
			Field:   field,
			Message: field + " must be a list of strings",
			Pos:     v.Pos(),
		}
	}
	out := []string{}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{
				Field:   field,
				Message: field + " must be a list of strings",
				Pos:     iter.Value().Pos(),
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
