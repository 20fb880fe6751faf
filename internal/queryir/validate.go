package queryir

import (
	"fmt"

	"github.com/roach88/denorm/internal/ir"
)

// ValidationResult lists the problems found in a query. A query with
// problems must not be compiled.
type ValidationResult struct {
	Valid    bool
	Problems []string
}

// Validate checks that q only references known columns, keys membership
// by scalars, and carries no empty path sets.
func Validate(q Query) ValidationResult {
	v := &validator{problems: []string{}}
	v.validateQuery(q)
	return ValidationResult{
		Valid:    len(v.problems) == 0,
		Problems: v.problems,
	}
}

type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case Select:
		v.validateSelect(query)
	case *Select:
		if query == nil {
			v.addProblem("nil query")
			return
		}
		v.validateSelect(*query)
	case nil:
		v.addProblem("nil query")
	default:
		v.addProblem("unknown query type: %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	if sel.Limit < 0 {
		v.addProblem("negative limit %d", sel.Limit)
	}
	if sel.Filter != nil {
		v.validatePredicate(sel.Filter)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.validateEquals(pred)
	case *Equals:
		v.validateEquals(*pred)
	case Contains:
		v.validateContains(pred)
	case *Contains:
		v.validateContains(*pred)
	case PathIn:
		v.validatePathIn(pred)
	case *PathIn:
		v.validatePathIn(*pred)
	case And:
		v.validateAnd(pred)
	case *And:
		v.validateAnd(*pred)
	default:
		v.addProblem("unknown predicate type: %T", p)
	}
}

func (v *validator) validateEquals(eq Equals) {
	switch eq.Column {
	case ColumnPath, ColumnCollection, ColumnDocID:
	default:
		v.addProblem("unknown column %q", eq.Column)
	}
	if _, ok := eq.Value.(ir.IRString); !ok {
		v.addProblem("column %q compared to %T, want string", eq.Column, eq.Value)
	}
}

func (v *validator) validateContains(c Contains) {
	if c.Field == "" {
		v.addProblem("membership on empty field")
	}
	switch c.Value.(type) {
	case ir.IRString, ir.IRInt, ir.IRBool, ir.IRRef, ir.IRFloat:
	default:
		v.addProblem("field %q: membership value %T is not a scalar", c.Field, c.Value)
	}
}

func (v *validator) validatePathIn(p PathIn) {
	if len(p.Paths) == 0 {
		v.addProblem("empty path set")
	}
}

func (v *validator) validateAnd(and And) {
	for _, sub := range and.Predicates {
		v.validatePredicate(sub)
	}
}
