package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/normalize"
	"github.com/roach88/denorm/internal/pathtmpl"
	"github.com/roach88/denorm/internal/projection"
)

// Validation error codes (E200-E299)
const (
	// Query shape errors (E201-E209)
	ErrQueryNameEmpty     = "E201" // name is required
	ErrFromNotDocument    = "E202" // from must address a document
	ErrToNotDocument      = "E203" // to must address a document
	ErrUnboundPlaceholder = "E204" // to/collection placeholder not bound
	ErrDuplicateQuery     = "E205" // duplicate query name
	ErrReservedParam      = "E206" // placeholder reserved for propagation

	// Reference errors (E210-E219)
	ErrReferenceIncomplete    = "E210" // source/target missing
	ErrDuplicateTargetField   = "E211" // target field used twice
	ErrNotCollection          = "E212" // collection must address a collection
	ErrInvalidProjection      = "E213" // fields selector rejected
	ErrReservedTargetField    = "E214" // target field is a bookkeeping key
	ErrTargetOverwritesSource = "E215" // target field replaces the id field it is read from

	// Group errors (E220-E229)
	ErrGroupParameterEmpty = "E220" // group parameter missing
	ErrGroupValuesEmpty    = "E221" // group values missing or duplicated
	ErrGroupShadowsFrom    = "E222" // group parameter also bound by from
)

// reservedFields are written by the engine itself.
var reservedFields = []string{
	normalize.KeyDependencies,
	normalize.KeyBatchID,
	normalize.KeyCorrelationID,
	normalize.KeyCreatedAt,
	normalize.KeyUpdatedAt,
	normalize.KeyID,
}

// ValidationError represents a schema validation error.
type ValidationError struct {
	Query   string `json:"query,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Query, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidateAll validates every query and the set as a whole.
// Returns all errors found (does not fail-fast).
func ValidateAll(queries []join.Query) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool, len(queries))
	for _, q := range queries {
		if q.Name != "" && seen[q.Name] {
			errs = append(errs, ValidationError{
				Query:   q.Name,
				Field:   "name",
				Message: fmt.Sprintf("duplicate query name: %q", q.Name),
				Code:    ErrDuplicateQuery,
			})
		}
		seen[q.Name] = true
		errs = append(errs, Validate(q)...)
	}
	return errs
}

// Validate validates one compiled query.
func Validate(q join.Query) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			Query:   q.Name,
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
		})
	}

	// E201: name is required
	if strings.TrimSpace(q.Name) == "" {
		add("name", ErrQueryNameEmpty, "query name is required")
	}

	// E202/E203: both ends address documents
	if !pathtmpl.IsDocument(q.From) {
		add("from", ErrFromNotDocument, "%q must address a document", q.From)
	}
	if !pathtmpl.IsDocument(q.To) {
		add("to", ErrToNotDocument, "%q must address a document", q.To)
	}

	bound := make(map[string]bool)
	for _, name := range pathtmpl.ExtractPlaceholders(q.From) {
		bound[name] = true
	}

	if q.Group != nil {
		if strings.TrimSpace(q.Group.Parameter) == "" {
			add("group.parameter", ErrGroupParameterEmpty, "group parameter is required")
		}
		if bound[q.Group.Parameter] {
			add("group.parameter", ErrGroupShadowsFrom, "{%s} is already bound by from", q.Group.Parameter)
		}
		if len(q.Group.Values) == 0 {
			add("group.values", ErrGroupValuesEmpty, "group values must not be empty")
		}
		seen := make(map[string]bool, len(q.Group.Values))
		for i, v := range q.Group.Values {
			if v == "" || seen[v] {
				add(fmt.Sprintf("group.values[%d]", i), ErrGroupValuesEmpty, "group value %q is empty or duplicated", v)
			}
			seen[v] = true
		}
		bound[q.Group.Parameter] = true
	}

	// E206: the propagation trigger placeholder is off limits
	if slices.Contains(pathtmpl.ExtractPlaceholders(q.From), join.ReservedParam) {
		add("from", ErrReservedParam, "placeholder {%s} is reserved", join.ReservedParam)
	}
	if slices.Contains(pathtmpl.ExtractPlaceholders(q.To), join.ReservedParam) {
		add("to", ErrReservedParam, "placeholder {%s} is reserved", join.ReservedParam)
	}
	if q.Group != nil && q.Group.Parameter == join.ReservedParam {
		add("group.parameter", ErrReservedParam, "placeholder {%s} is reserved", join.ReservedParam)
	}

	// E204: every placeholder of to must be bound
	for _, name := range pathtmpl.ExtractPlaceholders(q.To) {
		if !bound[name] {
			add("to", ErrUnboundPlaceholder, "placeholder {%s} is not bound by from or group", name)
		}
	}

	targets := make(map[string]bool, len(q.References))
	for i, ref := range q.References {
		field := fmt.Sprintf("references[%d]", i)

		if ref.SourceField == "" || ref.TargetField == "" {
			add(field, ErrReferenceIncomplete, "source and target fields are required")
		}
		if ref.TargetField != "" && targets[ref.TargetField] {
			add(field+".target", ErrDuplicateTargetField, "target field %q used twice", ref.TargetField)
		}
		targets[ref.TargetField] = true
		if slices.Contains(reservedFields, ref.TargetField) {
			add(field+".target", ErrReservedTargetField, "%q is written by the engine", ref.TargetField)
		}
		if ref.TargetField != "" && ref.TargetField == ref.SourceField {
			add(field+".target", ErrTargetOverwritesSource, "target field %q replaces the ids it is resolved from", ref.TargetField)
		}

		if !pathtmpl.IsCollection(ref.Collection) {
			add(field+".collection", ErrNotCollection, "%q must address a collection", ref.Collection)
		}
		for _, name := range pathtmpl.ExtractPlaceholders(ref.Collection) {
			if name == join.ReservedParam {
				add(field+".collection", ErrReservedParam, "placeholder {%s} is reserved", name)
				continue
			}
			if !bound[name] {
				add(field+".collection", ErrUnboundPlaceholder, "placeholder {%s} is not bound", name)
			}
		}

		if err := projection.Validate(ref.Fields); err != nil {
			add(field+".fields", ErrInvalidProjection, "%v", err)
		}
	}

	return errs
}
