package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf16"
)

// Value is a sealed interface representing constrained value types.
// Only Null, String, Int, Bool, List and Record implement it.
// There is no Float: floats break deterministic comparison and hashing.
type Value interface {
	irValue() // Sealed - only these types implement it
}

// Null is the absent value. It is a real type so that a nil interface never
// has to stand in for "no value".
type Null struct{}

func (Null) irValue() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String represents a string value.
type String string

func (String) irValue() {}

// Int represents an integer value. Always int64.
type Int int64

func (Int) irValue() {}

// Bool represents a boolean value.
type Bool bool

func (Bool) irValue() {}

// List is an ordered sequence of values. Used as the single operand of
// In/NotIn leaves.
type List []Value

func (List) irValue() {}

// Record is one retrieved row keyed by property name. A loaded association
// appears as a nested Record under the association's property name.
// Use SortedKeys() for deterministic iteration.
type Record map[string]Value

func (Record) irValue() {}

// Get walks path through nested records and returns the terminal value.
// The second result is false when any hop is missing or is not a Record.
func (r Record) Get(path ...string) (Value, bool) {
	if len(path) == 0 {
		return r, true
	}
	v, ok := r[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return v, true
	}
	nested, ok := v.(Record)
	if !ok {
		return nil, false
	}
	return nested.Get(path[1:]...)
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneValue returns a deep copy of v. Scalars are returned as is.
func CloneValue(v Value) Value { return cloneValue(v) }

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Record:
		return val.Clone()
	case List:
		out := make(List, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 byte order, which differs for some code points.
func (r Record) SortedKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler for Record with sorted keys.
// NOTE: This is NOT canonical marshaling. Use MarshalCanonical for hashing.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := MarshalValue(r[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalValue marshals a Value to JSON bytes.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case List:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := MarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Record:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
}

// FromAny converts a Go-native value (as decoded from YAML, JSON or a SQL
// driver) into a Value. Floats are rejected unless they are integral, which
// is how YAML and JSON decoders hand back whole numbers.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case []byte:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are forbidden: %v", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are forbidden: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case time.Time:
		return String(val.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			iv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = iv
		}
		return out, nil
	case []string:
		out := make(List, len(val))
		for i, elem := range val {
			out[i] = String(elem)
		}
		return out, nil
	case map[string]any:
		out := make(Record, len(val))
		for k, elem := range val {
			iv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = iv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// MustFromAny is like FromAny but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFromAny(v any) Value {
	iv, err := FromAny(v)
	if err != nil {
		panic(err)
	}
	return iv
}

// Values converts a list of Go-native arguments into Values.
func Values(args ...any) ([]Value, error) {
	out := make([]Value, len(args))
	for i, a := range args {
		v, err := FromAny(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// ToAny converts a Value back to a Go-native value suitable for a SQL
// driver parameter or for YAML/JSON encoding.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Record:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// IsNull reports whether v is absent.
func IsNull(v Value) bool {
	switch v.(type) {
	case nil, Null:
		return true
	}
	return false
}

// Compare orders two scalar values. Null sorts before everything else.
// The second result is false when the values are of different kinds and
// cannot be ordered.
func Compare(a, b Value) (int, bool) {
	if IsNull(a) || IsNull(b) {
		switch {
		case IsNull(a) && IsNull(b):
			return 0, true
		case IsNull(a):
			return -1, true
		default:
			return 1, true
		}
	}
	switch x := a.(type) {
	case Int:
		y, ok := b.(Int)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case String:
		y, ok := b.(String)
		if !ok {
			return 0, false
		}
		return strings.Compare(string(x), string(y)), true
	case Bool:
		y, ok := b.(Bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !bool(x):
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// Equal reports deep equality of two values.
func Equal(a, b Value) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	switch x := a.(type) {
	case List:
		y, ok := b.(List)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case Record:
		y, ok := b.(Record)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			if !Equal(v, y[k]) {
				return false
			}
		}
		return true
	}
	c, ok := Compare(a, b)
	return ok && c == 0
}
