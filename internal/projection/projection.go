// Package projection shapes foreign documents into embedded records.
//
// A projection is a list of JSONPath selectors. Each selector contributes one
// field to the record, keyed by the selector's final name segment. The
// foreign document's id is always included.
package projection

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/roach88/denorm/internal/docstore"
	"github.com/roach88/denorm/internal/ir"
)

// Func builds the embedded record for a foreign document snapshot.
type Func func(snap docstore.Snapshot) ir.IRObject

// Full embeds the whole document plus its id.
func Full(snap docstore.Snapshot) ir.IRObject {
	out := snap.Data.Copy()
	if out == nil {
		out = ir.IRObject{}
	}
	out["id"] = ir.IRString(snap.ID())
	return out
}

type selector struct {
	key  string
	expr jp.Expr
}

// Compile parses fields into a projection. An empty list yields Full.
func Compile(fields []string) (Func, error) {
	if len(fields) == 0 {
		return Full, nil
	}

	sels := make([]selector, 0, len(fields))
	seen := make(map[string]string, len(fields))
	for _, f := range fields {
		expr, err := jp.ParseString(f)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f, err)
		}
		key, err := keyOf(expr)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f, err)
		}
		if prev, dup := seen[key]; dup {
			return nil, fmt.Errorf("field %q: key %q already produced by %q", f, key, prev)
		}
		seen[key] = f
		sels = append(sels, selector{key: key, expr: expr})
	}

	return func(snap docstore.Snapshot) ir.IRObject {
		out := ir.IRObject{"id": ir.IRString(snap.ID())}
		if snap.Data == nil {
			return out
		}
		data := ir.ToAny(snap.Data)
		for _, s := range sels {
			if v, ok := pick(s.expr, data); ok {
				out[s.key] = v
			}
		}
		return out
	}, nil
}

// MustCompile is Compile for selectors known to be valid.
func MustCompile(fields ...string) Func {
	fn, err := Compile(fields)
	if err != nil {
		panic(err)
	}
	return fn
}

// Validate reports whether every selector parses and yields a distinct key.
func Validate(fields []string) error {
	_, err := Compile(fields)
	return err
}

func keyOf(expr jp.Expr) (string, error) {
	if len(expr) == 0 {
		return "", fmt.Errorf("empty selector")
	}
	child, ok := expr[len(expr)-1].(jp.Child)
	if !ok || strings.TrimSpace(string(child)) == "" {
		return "", fmt.Errorf("selector must end in a field name")
	}
	if string(child) == "id" {
		return "", fmt.Errorf("id is always embedded")
	}
	return string(child), nil
}

func pick(expr jp.Expr, data any) (ir.IRValue, bool) {
	results := expr.Get(data)
	switch len(results) {
	case 0:
		return nil, false
	case 1:
		v, err := ir.FromAny(results[0])
		if err != nil {
			return nil, false
		}
		return v, true
	default:
		arr := make(ir.IRArray, 0, len(results))
		for _, r := range results {
			v, err := ir.FromAny(r)
			if err != nil {
				continue
			}
			arr = append(arr, v)
		}
		return arr, true
	}
}
