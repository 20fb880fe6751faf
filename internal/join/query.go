// Package join materializes target documents by resolving the foreign
// references of a source document and embedding the referenced records.
package join

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/pathtmpl"
	"github.com/roach88/denorm/internal/projection"
)

// Reference binds a source field holding one id or a list of ids to the
// foreign collection those ids live in.
type Reference struct {
	// SourceField is read from the source document.
	SourceField string
	// TargetField receives the resolved record(s) on the target.
	TargetField string
	// Collection is a collection path template. It may use the source's
	// placeholders and the group parameter.
	Collection string
	// Fields optionally restricts the embedded record to JSONPath
	// selections of the foreign document.
	Fields []string
}

// Group fans one source document out to several targets, binding
// Parameter to each value in turn.
type Group struct {
	Parameter string
	Values    []string
}

// Query declares one join: documents matching From are materialized at To
// with every Reference resolved.
type Query struct {
	Name       string
	From       string
	To         string
	References []Reference
	Group      *Group
}

// ResolveContext describes the branch a handler is running for.
type ResolveContext struct {
	Query      string
	SourcePath string
	TargetPath string
	Params     pathtmpl.Params
	// GroupValue is empty when the query has no group.
	GroupValue string
}

// ShouldRun gates a branch before any read or write.
type ShouldRun func(rc ResolveContext, source docstore.Snapshot) bool

// DataHandler builds the record embedded for a foreign document.
type DataHandler func(rc ResolveContext, foreign docstore.Snapshot) ir.IRObject

// AlwaysRun is the default ShouldRun.
func AlwaysRun(ResolveContext, docstore.Snapshot) bool { return true }

// FullDocument is the default DataHandler: the whole foreign document plus
// its id.
func FullDocument(_ ResolveContext, foreign docstore.Snapshot) ir.IRObject {
	return projection.Full(foreign)
}

// ReservedParam is the placeholder propagation binds to the id of a changed
// foreign document. Queries cannot use it.
const ReservedParam = "documentID"

// Validate checks the structural rules every query must satisfy.
func (q Query) Validate() error {
	var errs []error
	if strings.TrimSpace(q.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !pathtmpl.IsDocument(q.From) {
		errs = append(errs, fmt.Errorf("from %q must address a document", q.From))
	}
	if !pathtmpl.IsDocument(q.To) {
		errs = append(errs, fmt.Errorf("to %q must address a document", q.To))
	}

	for _, tmpl := range []string{q.From, q.To} {
		if slices.Contains(pathtmpl.ExtractPlaceholders(tmpl), ReservedParam) {
			errs = append(errs, fmt.Errorf("%q uses the reserved placeholder {%s}", tmpl, ReservedParam))
		}
	}
	available := make(map[string]bool)
	for _, name := range pathtmpl.ExtractPlaceholders(q.From) {
		available[name] = true
	}
	if q.Group != nil {
		if q.Group.Parameter == "" {
			errs = append(errs, errors.New("group parameter is required"))
		}
		if q.Group.Parameter == ReservedParam {
			errs = append(errs, fmt.Errorf("group parameter {%s} is reserved", ReservedParam))
		}
		if len(q.Group.Values) == 0 {
			errs = append(errs, errors.New("group values must not be empty"))
		}
		available[q.Group.Parameter] = true
	}
	for _, name := range pathtmpl.ExtractPlaceholders(q.To) {
		if !available[name] {
			errs = append(errs, fmt.Errorf("to placeholder {%s} is not bound by from or group", name))
		}
	}

	targets := make(map[string]bool, len(q.References))
	for i, ref := range q.References {
		if ref.SourceField == "" || ref.TargetField == "" {
			errs = append(errs, fmt.Errorf("references[%d]: source and target fields are required", i))
		}
		if targets[ref.TargetField] {
			errs = append(errs, fmt.Errorf("references[%d]: target field %q used twice", i, ref.TargetField))
		}
		targets[ref.TargetField] = true
		if ref.TargetField != "" && ref.TargetField == ref.SourceField {
			errs = append(errs, fmt.Errorf("references[%d]: target field %q replaces the ids it is resolved from", i, ref.TargetField))
		}
		if !pathtmpl.IsCollection(ref.Collection) {
			errs = append(errs, fmt.Errorf("references[%d]: collection %q must address a collection", i, ref.Collection))
		}
		for _, name := range pathtmpl.ExtractPlaceholders(ref.Collection) {
			if name == ReservedParam {
				errs = append(errs, fmt.Errorf("references[%d]: collection uses the reserved placeholder {%s}", i, name))
				continue
			}
			if !available[name] {
				errs = append(errs, fmt.Errorf("references[%d]: collection placeholder {%s} is not bound", i, name))
			}
		}
		if err := projection.Validate(ref.Fields); err != nil {
			errs = append(errs, fmt.Errorf("references[%d]: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("query %q: %w", q.Name, errors.Join(errs...))
	}
	return nil
}

// branch is one resolved fan-out of a query for a concrete source path.
type branch struct {
	params pathtmpl.Params
	rc     ResolveContext
}

func (q Query) branches(sourcePath string, params pathtmpl.Params) []branch {
	if q.Group == nil {
		return []branch{q.branch(sourcePath, params, "")}
	}
	out := make([]branch, 0, len(q.Group.Values))
	for _, v := range q.Group.Values {
		out = append(out, q.branch(sourcePath, params.With(q.Group.Parameter, v), v))
	}
	return out
}

func (q Query) branch(sourcePath string, params pathtmpl.Params, groupValue string) branch {
	return branch{
		params: params,
		rc: ResolveContext{
			Query:      q.Name,
			SourcePath: sourcePath,
			TargetPath: pathtmpl.Resolve(q.To, params),
			Params:     params,
			GroupValue: groupValue,
		},
	}
}

// classify inspects a reference field. A string is a single id, a list
// made only of strings is many ids, anything else resolves to null. An id
// that cannot name one document (it holds a separator or a placeholder
// brace) makes the whole field resolve to null.
func classify(v ir.IRValue) (one string, many []string, kind refKind) {
	if s, ok := v.(ir.IRString); ok {
		if !isID(string(s)) {
			return "", nil, refInvalid
		}
		return string(s), nil, refOne
	}
	ids, ok := stringList(v)
	if !ok {
		return "", nil, refInvalid
	}
	for _, id := range ids {
		if !isID(id) {
			return "", nil, refInvalid
		}
	}
	return "", ids, refMany
}

// stringList returns the elements of an array made only of strings.
func stringList(v ir.IRValue) ([]string, bool) {
	arr, ok := v.(ir.IRArray)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(ir.IRString)
		if !ok {
			return nil, false
		}
		out = append(out, string(s))
	}
	return out, true
}

func isID(id string) bool {
	return !strings.ContainsAny(id, "/{}")
}

type refKind int

const (
	refInvalid refKind = iota
	refOne
	refMany
)
