// Package querysql compiles queryir reads to parameterized SQLite SQL
// over the document store schema.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/queryir"
)

// Columns is the projection every compiled query returns, in scan order.
const Columns = "d.path, d.body, d.create_time, d.update_time"

// SQLCompiler compiles queryir reads to SQL.
//
// Every query ends in ORDER BY path so results are deterministic, and
// every value is bound as a parameter, never interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts q to SQL and its parameters. Invalid queries are
// rejected before any SQL is produced.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if res := queryir.Validate(q); !res.Valid {
		return "", nil, fmt.Errorf("invalid query: %s", strings.Join(res.Problems, "; "))
	}

	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(query)
	case *queryir.Select:
		return c.compileSelect(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	var b strings.Builder
	b.WriteString("SELECT " + Columns + " FROM documents d")

	var params []any
	if q.Filter != nil {
		where, filterParams, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		b.WriteString(" WHERE " + where)
		params = filterParams
	}

	b.WriteString(" ORDER BY d.path ASC COLLATE BINARY")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, q.Limit)
	}
	return b.String(), params, nil
}

func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		return c.compileEquals(pred)
	case *queryir.Equals:
		return c.compileEquals(*pred)
	case queryir.Contains:
		return c.compileContains(pred)
	case *queryir.Contains:
		return c.compileContains(*pred)
	case queryir.PathIn:
		return c.compilePathIn(pred)
	case *queryir.PathIn:
		return c.compilePathIn(*pred)
	case queryir.And:
		return c.compileAnd(pred)
	case *queryir.And:
		return c.compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// compileEquals only ever sees a validated column name, so the column is
// safe to splice.
func (c *SQLCompiler) compileEquals(eq queryir.Equals) (string, []any, error) {
	param, err := irValueToParam(eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("column %s: %w", eq.Column, err)
	}
	return "d." + eq.Column + " = ?", []any{param}, nil
}

// compileContains probes the membership index. Members are stored under
// their canonical encoding, so the value is keyed the same way.
func (c *SQLCompiler) compileContains(ct queryir.Contains) (string, []any, error) {
	member, ok := docstore.MemberKey(ct.Value)
	if !ok {
		return "", nil, fmt.Errorf("field %s: unsupported membership value %T", ct.Field, ct.Value)
	}
	sql := "EXISTS (SELECT 1 FROM array_members m WHERE m.path = d.path AND m.field = ? AND m.member = ?)"
	return sql, []any{ct.Field, member}, nil
}

func (c *SQLCompiler) compilePathIn(p queryir.PathIn) (string, []any, error) {
	params := make([]any, len(p.Paths))
	for i, path := range p.Paths {
		params[i] = path
	}
	return "d.path IN (?" + strings.Repeat(", ?", len(p.Paths)-1) + ")", params, nil
}

func (c *SQLCompiler) compileAnd(and queryir.And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil
	}

	parts := make([]string, 0, len(and.Predicates))
	var params []any
	for _, pred := range and.Predicates {
		sql, predParams, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, predParams...)
	}
	return strings.Join(parts, " AND "), params, nil
}

func irValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRBool:
		return bool(val), nil
	default:
		return nil, fmt.Errorf("unsupported value type for SQL parameter: %T", v)
	}
}
