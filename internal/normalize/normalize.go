// Package normalize produces comparison-safe copies of documents.
//
// Normalization never mutates its input: every function returns a fresh
// tree, so snapshots can be shared across concurrent resolution branches.
package normalize

import (
	"github.com/google/go-cmp/cmp"

	"github.com/roach88/denorm/internal/ir"
)

// Reserved document keys written by the engine.
const (
	KeyDependencies  = "dependencies"
	KeyBatchID       = "propagationBatchID"
	KeyCorrelationID = "__UUID"
	KeyCreatedAt     = "createdAt"
	KeyUpdatedAt     = "updatedAt"
	KeyID            = "id"
)

var bookkeeping = map[string]bool{
	KeyDependencies:  true,
	KeyBatchID:       true,
	KeyCorrelationID: true,
}

var timestamps = map[string]bool{
	KeyCreatedAt: true,
	KeyUpdatedAt: true,
}

// Normalize returns a deep copy of obj with bookkeeping keys removed at
// every depth and store timestamps converted to plain times.
func Normalize(obj ir.IRObject) ir.IRObject {
	if obj == nil {
		return ir.IRObject{}
	}
	return walk(obj, bookkeeping, true).(ir.IRObject)
}

// Clean returns a deep copy of obj with bookkeeping keys removed at every
// depth. Values are otherwise untouched.
func Clean(obj ir.IRObject) ir.IRObject {
	if obj == nil {
		return ir.IRObject{}
	}
	return walk(obj, bookkeeping, false).(ir.IRObject)
}

// Value normalizes an arbitrary value the way Normalize treats fields.
func Value(v ir.IRValue) ir.IRValue {
	return walk(v, bookkeeping, true)
}

// Comparable returns the form used by IsChanged: normalized, with createdAt
// and updatedAt removed at every depth.
func Comparable(v ir.IRValue) ir.IRValue {
	return walk(v, comparisonKeys, true)
}

var comparisonKeys = func() map[string]bool {
	m := make(map[string]bool, len(bookkeeping)+len(timestamps))
	for k := range bookkeeping {
		m[k] = true
	}
	for k := range timestamps {
		m[k] = true
	}
	return m
}()

// IsChanged reports whether before and after differ once both are reduced
// to their comparable form.
func IsChanged(before, after ir.IRValue) bool {
	return !cmp.Equal(Comparable(before), Comparable(after))
}

// Diff returns a human-readable diff of the comparable forms, empty when
// IsChanged would report false.
func Diff(before, after ir.IRValue) string {
	return cmp.Diff(Comparable(before), Comparable(after))
}

func walk(v ir.IRValue, drop map[string]bool, convertTimes bool) ir.IRValue {
	switch val := v.(type) {
	case nil:
		return ir.IRNull{}
	case ir.IRObject:
		out := make(ir.IRObject, len(val))
		for k, e := range val {
			if drop[k] {
				continue
			}
			out[k] = walk(e, drop, convertTimes)
		}
		return out
	case ir.IRArray:
		out := make(ir.IRArray, len(val))
		for i, e := range val {
			out[i] = walk(e, drop, convertTimes)
		}
		return out
	case ir.IRTimestamp:
		if convertTimes {
			return ir.NewIRTime(val.Time())
		}
		return val
	default:
		// Scalars, plain times and refs. Refs are opaque: never descended.
		return val
	}
}
