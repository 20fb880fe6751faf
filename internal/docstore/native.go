package docstore

import (
	"bytes"

	"github.com/roach88/denorm/internal/ir"
	"github.com/roach88/denorm/internal/pathtmpl"
)

// ToNative returns a copy of data with every IRTime converted to the
// store-native IRTimestamp. Refs are kept as-is.
func ToNative(data ir.IRObject) ir.IRObject {
	return toNative(data).(ir.IRObject)
}

func toNative(v ir.IRValue) ir.IRValue {
	switch val := v.(type) {
	case ir.IRTime:
		return ir.NewIRTimestamp(val.Std())
	case ir.IRObject:
		out := make(ir.IRObject, len(val))
		for k, e := range val {
			out[k] = toNative(e)
		}
		return out
	case ir.IRArray:
		out := make(ir.IRArray, len(val))
		for i, e := range val {
			out[i] = toNative(e)
		}
		return out
	case nil:
		return ir.IRNull{}
	default:
		return v
	}
}

// Merge applies a top-level merge of patch over base and returns the result.
func Merge(base, patch ir.IRObject) ir.IRObject {
	out := make(ir.IRObject, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// MemberKey returns the index key of a scalar array element, and false for
// values that cannot be matched by a membership query.
func MemberKey(v ir.IRValue) (string, bool) {
	switch v.(type) {
	case ir.IRString, ir.IRInt, ir.IRBool, ir.IRRef, ir.IRFloat:
		b, err := ir.MarshalCanonical(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	default:
		return "", false
	}
}

// MemberKeys returns field -> member keys for every top-level array field.
func MemberKeys(data ir.IRObject) map[string][]string {
	out := make(map[string][]string)
	for field, v := range data {
		arr, ok := v.(ir.IRArray)
		if !ok {
			continue
		}
		seen := make(map[string]bool, len(arr))
		for _, elem := range arr {
			key, ok := MemberKey(elem)
			if !ok || seen[key] {
				continue
			}
			seen[key] = true
			out[field] = append(out[field], key)
		}
	}
	return out
}

func isDocumentPath(path string) bool {
	return pathtmpl.IsDocument(path) && pathtmpl.IsConcrete(path)
}

// EqualData reports whether a and b have identical canonical encodings.
func EqualData(a, b ir.IRObject) bool {
	ab, err := ir.MarshalCanonical(a)
	if err != nil {
		return false
	}
	bb, err := ir.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
