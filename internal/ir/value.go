package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
	"unicode/utf16"
)

// IRValue is a sealed interface over document values.
type IRValue interface {
	irValue()
}

// IRNull represents an explicit null field.
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString represents a string value.
type IRString string

func (IRString) irValue() {}

// IRInt represents an integer value.
type IRInt int64

func (IRInt) irValue() {}

// IRFloat represents a non-integral number.
type IRFloat float64

func (IRFloat) irValue() {}

// IRBool represents a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray represents an ordered list of values.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject represents a map of field names to values.
// Use SortedKeys() for deterministic iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// IRTimestamp is the store-native timestamp form.
type IRTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

func (IRTimestamp) irValue() {}

// NewIRTimestamp converts t into the store-native form.
func NewIRTimestamp(t time.Time) IRTimestamp {
	return IRTimestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time returns the timestamp as a UTC time.Time.
func (ts IRTimestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

// IRTime is a plain point in time, the form application data carries after
// normalization.
type IRTime time.Time

func (IRTime) irValue() {}

// NewIRTime wraps t, dropping the monotonic clock reading.
func NewIRTime(t time.Time) IRTime {
	return IRTime(t.Round(0).UTC())
}

// Std returns the underlying time.Time.
func (t IRTime) Std() time.Time {
	return time.Time(t)
}

// Equal reports whether both values denote the same instant.
func (t IRTime) Equal(o IRTime) bool {
	return time.Time(t).Equal(time.Time(o))
}

// IRRef is an opaque reference to another document by path.
type IRRef string

func (IRRef) irValue() {}

// NewIRString creates an IRString value.
func NewIRString(s string) IRString {
	return IRString(s)
}

// NewIRInt creates an IRInt value.
func NewIRInt(n int64) IRInt {
	return IRInt(n)
}

// NewIRBool creates an IRBool value.
func NewIRBool(b bool) IRBool {
	return IRBool(b)
}

// NewIRArray creates an IRArray from values.
func NewIRArray(vals ...IRValue) IRArray {
	return IRArray(vals)
}

// StringArray builds an IRArray of strings.
func StringArray(ss ...string) IRArray {
	arr := make(IRArray, len(ss))
	for i, s := range ss {
		arr[i] = IRString(s)
	}
	return arr
}

// IRPair represents a key-value pair for IRObject construction.
type IRPair struct {
	Key   string
	Value IRValue
}

// O is a shorthand for IRPair.
// Example: NewIRObjectFromPairs(O("name", NewIRString("acme")), O("size", NewIRInt(5)))
func O(key string, value IRValue) IRPair {
	return IRPair{Key: key, Value: value}
}

// NewIRObjectFromPairs creates an IRObject from key-value pairs.
func NewIRObjectFromPairs(pairs ...IRPair) IRObject {
	obj := make(IRObject, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// String returns the string stored at key, or "" when absent or not a string.
func (obj IRObject) String(key string) string {
	s, _ := obj[key].(IRString)
	return string(s)
}

// Copy returns a shallow copy of obj.
func (obj IRObject) Copy() IRObject {
	out := make(IRObject, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// compareKeysRFC8785 orders strings by UTF-16 code units. Go compares
// strings by UTF-8 bytes, which differs for characters outside the BMP.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// Clone returns a deep copy of v. Refs and scalars are returned as-is.
func Clone(v IRValue) IRValue {
	switch val := v.(type) {
	case IRObject:
		out := make(IRObject, len(val))
		for k, e := range val {
			out[k] = Clone(e)
		}
		return out
	case IRArray:
		out := make(IRArray, len(val))
		for i, e := range val {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// UnmarshalJSON implements json.Unmarshaler for IRObject.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(IRObject)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for IRArray.
func (arr *IRArray) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return err
	}
	a, ok := v.(IRArray)
	if !ok {
		return fmt.Errorf("expected JSON array, got %T", v)
	}
	*arr = a
	return nil
}

// MarshalJSON implements json.Marshaler for IRObject with sorted keys.
// This is not canonical output; use MarshalCanonical for snapshots.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := MarshalIRValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalIRValue marshals an IRValue to JSON bytes. Timestamps, times and
// refs use the tagged object forms understood by UnmarshalIRValue.
func MarshalIRValue(v IRValue) ([]byte, error) {
	switch val := v.(type) {
	case nil, IRNull:
		return []byte("null"), nil
	case IRString:
		return json.Marshal(string(val))
	case IRInt:
		return json.Marshal(int64(val))
	case IRFloat:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("unsupported float value: %v", f)
		}
		return json.Marshal(f)
	case IRBool:
		return json.Marshal(bool(val))
	case IRTimestamp:
		return json.Marshal(map[string]IRTimestamp{tagTimestamp: val})
	case IRTime:
		return json.Marshal(map[string]string{tagTime: val.Std().Format(time.RFC3339Nano)})
	case IRRef:
		return json.Marshal(map[string]string{tagRef: string(val)})
	case IRArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := MarshalIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case IRObject:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown IRValue type: %T", v)
	}
}

// Tagged object keys used to carry non-JSON values through JSON and YAML.
const (
	tagRef       = "$ref"
	tagTime      = "$time"
	tagTimestamp = "$timestamp"
)

// UnmarshalIRValue decodes JSON into an IRValue. Integral numbers become
// IRInt, other numbers IRFloat.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// FromAny converts a decoded Go value (JSON, YAML, BSON or JSONPath result)
// into an IRValue.
func FromAny(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case bool:
		return IRBool(val), nil
	case string:
		return IRString(val), nil
	case int:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return IRInt(val), nil
	case float32:
		return IRFloat(val), nil
	case float64:
		return IRFloat(val), nil
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return IRInt(n), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return IRFloat(f), nil
	case time.Time:
		return NewIRTime(val), nil
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			e, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		if tagged, ok, err := fromTagged(val); ok || err != nil {
			return tagged, err
		}
		obj := make(IRObject, len(val))
		for k, elem := range val {
			e, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = e
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromTagged recognizes single-key tagged objects ({"$ref": ...} and friends).
func fromTagged(m map[string]any) (IRValue, bool, error) {
	if len(m) != 1 {
		return nil, false, nil
	}
	if ref, ok := m[tagRef].(string); ok {
		return IRRef(ref), true, nil
	}
	if s, ok := m[tagTime].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, true, fmt.Errorf("%s: %w", tagTime, err)
		}
		return NewIRTime(t), true, nil
	}
	if raw, ok := m[tagTimestamp].(map[string]any); ok {
		secs, err := FromAny(raw["seconds"])
		if err != nil {
			return nil, true, err
		}
		nanos, err := FromAny(raw["nanos"])
		if err != nil {
			return nil, true, err
		}
		s, sok := secs.(IRInt)
		n, nok := nanos.(IRInt)
		if !sok || (!nok && raw["nanos"] != nil) {
			return nil, true, fmt.Errorf("%s: seconds and nanos must be integers", tagTimestamp)
		}
		return IRTimestamp{Seconds: int64(s), Nanos: int32(n)}, true, nil
	}
	return nil, false, nil
}

// ToAny converts v into plain Go values (map[string]any, []any, string,
// int64, float64, bool, nil, time.Time). Refs and store timestamps are
// returned unchanged so callers can recognize them.
func ToAny(v IRValue) any {
	switch val := v.(type) {
	case nil, IRNull:
		return nil
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRFloat:
		return float64(val)
	case IRBool:
		return bool(val)
	case IRTime:
		return val.Std()
	case IRArray:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToAny(e)
		}
		return out
	case IRObject:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToAny(e)
		}
		return out
	default:
		return v
	}
}
