package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Value is a schema-less payload value: a scalar, an ordered list or a
// string-keyed map. The set of implementations is closed.
type Value interface {
	isValue()
}

type Null struct{}
type String string
type Int int64
type Float float64
type Bool bool
type List []Value
type Map map[string]Value

func (Null) isValue()   {}
func (String) isValue() {}
func (Int) isValue()    {}
func (Float) isValue()  {}
func (Bool) isValue()   {}
func (List) isValue()   {}
func (Map) isValue()    {}

// ValueOf converts a plain Go value (as produced by encoding/json or written
// by hand) into a Value. Strings and map keys must be valid UTF-8 and are
// normalized to NFC. Maps need string keys; channels, funcs, complex and
// non-finite numbers are rejected.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return normalizeValue(x)
	case string:
		return stringValue(x)
	case bool:
		return Bool(x), nil
	case int:
		return Int(x), nil
	case int8:
		return Int(x), nil
	case int16:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(x), nil
	case uint16:
		return Int(x), nil
	case uint32:
		return Int(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, &ValidationError{Msg: fmt.Sprintf("integer %d overflows int64", x)}
		}
		return Int(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, &ValidationError{Msg: fmt.Sprintf("integer %d overflows int64", x)}
		}
		return Int(x), nil
	case float32:
		return floatValue(float64(x))
	case float64:
		return floatValue(x)
	case json.Number:
		return numberValue(string(x))
	case []any:
		list := make(List, len(x))
		for i, e := range x {
			ev, err := ValueOf(e)
			if err != nil {
				return nil, err
			}
			list[i] = ev
		}
		return list, nil
	case []string:
		list := make(List, len(x))
		for i, e := range x {
			ev, err := stringValue(e)
			if err != nil {
				return nil, err
			}
			list[i] = ev
		}
		return list, nil
	case map[string]any:
		m := make(Map, len(x))
		for k, e := range x {
			ev, err := ValueOf(e)
			if err != nil {
				return nil, err
			}
			if err := m.put(k, ev); err != nil {
				return nil, err
			}
		}
		return m, nil
	case map[string]string:
		m := make(Map, len(x))
		for k, e := range x {
			ev, err := stringValue(e)
			if err != nil {
				return nil, err
			}
			if err := m.put(k, ev); err != nil {
				return nil, err
			}
		}
		return m, nil
	default:
		return reflectValue(reflect.ValueOf(v))
	}
}

var jsonMarshaler = reflect.TypeFor[json.Marshaler]()

// reflectValue converts the structured shapes not covered by ValueOf: named
// scalars, typed slices, arrays and maps, pointers and structs.
func reflectValue(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Invalid:
		return Null{}, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null{}, nil
		}
		if rv.Type().Implements(jsonMarshaler) {
			return marshaledValue(rv)
		}
		return reflectValue(rv.Elem())
	case reflect.String:
		return stringValue(rv.String())
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, &ValidationError{Msg: fmt.Sprintf("integer %d overflows int64", u)}
		}
		return Int(u), nil
	case reflect.Float32, reflect.Float64:
		return floatValue(rv.Float())
	case reflect.Slice, reflect.Array:
		list := make(List, rv.Len())
		for i := range list {
			ev, err := elemValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = ev
		}
		return list, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &ValidationError{Msg: fmt.Sprintf("unsupported map key type %s", rv.Type().Key())}
		}
		m := make(Map, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ev, err := elemValue(iter.Value())
			if err != nil {
				return nil, err
			}
			if err := m.put(iter.Key().String(), ev); err != nil {
				return nil, err
			}
		}
		return m, nil
	case reflect.Struct:
		return structValue(rv)
	default:
		return nil, &ValidationError{Msg: fmt.Sprintf("unsupported payload type %s", rv.Type())}
	}
}

func elemValue(rv reflect.Value) (Value, error) {
	if rv.CanInterface() {
		return ValueOf(rv.Interface())
	}
	return reflectValue(rv)
}

// structValue maps exported fields to keys named the way encoding/json names
// them. Types with their own JSON encoding or embedded fields go through
// encoding/json.
func structValue(rv reflect.Value) (Value, error) {
	t := rv.Type()
	if t.Implements(jsonMarshaler) || reflect.PointerTo(t).Implements(jsonMarshaler) {
		return marshaledValue(rv)
	}
	m := make(Map, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Anonymous {
			return marshaledValue(rv)
		}
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" && opts == "" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := rv.Field(i)
		if strings.Contains(opts, "omitempty") && emptyValue(fv) {
			continue
		}
		ev, err := elemValue(fv)
		if err != nil {
			return nil, err
		}
		if err := m.put(name, ev); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func emptyValue(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	case reflect.Struct:
		return false
	default:
		return rv.IsZero()
	}
}

func marshaledValue(rv reflect.Value) (Value, error) {
	data, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("unsupported payload type %s: %v", rv.Type(), err)}
	}
	v, err := UnmarshalValue(data)
	if err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("unsupported payload type %s: %v", rv.Type(), err)}
	}
	return v, nil
}

// stringValue rejects invalid UTF-8 and normalizes s to NFC.
func stringValue(s string) (Value, error) {
	if !utf8.ValidString(s) {
		return nil, &ValidationError{Msg: fmt.Sprintf("invalid UTF-8 in %q", s)}
	}
	return String(norm.NFC.String(s)), nil
}

// PayloadOf converts v into a record payload. A nil payload is an empty map;
// anything that is not a map is rejected.
func PayloadOf(v any) (Map, error) {
	if v == nil {
		return Map{}, nil
	}
	val, err := ValueOf(v)
	if err != nil {
		return nil, err
	}
	m, ok := val.(Map)
	if !ok {
		return nil, &ValidationError{Msg: fmt.Sprintf("payload must be a map, got %T", v)}
	}
	if m == nil {
		m = Map{}
	}
	return m, nil
}

func (m Map) put(k string, v Value) error {
	if !utf8.ValidString(k) {
		return &ValidationError{Msg: fmt.Sprintf("invalid UTF-8 in key %q", k)}
	}
	nk := norm.NFC.String(k)
	if _, dup := m[nk]; dup {
		return &ValidationError{Msg: fmt.Sprintf("duplicate key %q after normalization", k)}
	}
	m[nk] = v
	return nil
}

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of m.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch x := v.(type) {
	case List:
		out := make(List, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case Map:
		return x.Clone()
	default:
		return v
	}
}

func normalizeValue(v Value) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case String:
		return stringValue(string(x))
	case Float:
		return floatValue(float64(x))
	case List:
		out := make(List, len(x))
		for i, e := range x {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case Map:
		out := make(Map, len(x))
		for k, e := range x {
			ne, err := normalizeValue(e)
			if err != nil {
				return nil, err
			}
			if err := out.put(k, ne); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return v, nil
	}
}

func floatValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &ValidationError{Msg: fmt.Sprintf("non-finite number %v", f)}
	}
	return Float(f), nil
}

func numberValue(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("invalid number %q", s)}
	}
	return floatValue(f)
}

// ToAny converts v back into plain Go values (map[string]any, []any, string,
// int64, float64, bool, nil).
func ToAny(v Value) any {
	switch x := v.(type) {
	case String:
		return string(x)
	case Int:
		return int64(x)
	case Float:
		return float64(x)
	case Bool:
		return bool(x)
	case List:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = ToAny(e)
		}
		return out
	case Map:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = ToAny(e)
		}
		return out
	default:
		return nil
	}
}

// MarshalValue encodes v as canonical JSON: map keys sorted, no insignificant
// whitespace, and floats always carrying a fraction or exponent so that they
// decode back as floats.
func MarshalValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal reports whether a and b have the same canonical encoding.
func Equal(a, b Value) bool {
	ab, err := MarshalValue(a)
	if err != nil {
		return false
	}
	bb, err := MarshalValue(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch x := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(x)))
	case Int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case Float:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &ValidationError{Msg: fmt.Sprintf("non-finite number %v", f)}
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		buf.WriteString(s)
	case String:
		encodeString(buf, string(x))
	case List:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Map:
		buf.WriteByte('{')
		for i, k := range x.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encodeValue(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &ValidationError{Msg: fmt.Sprintf("unsupported value type %T", v)}
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	// drop the newline Encode appends
	buf.Truncate(buf.Len() - 1)
}

// UnmarshalValue decodes JSON into a Value. Numbers without a fraction or
// exponent become Int, all others Float.
func UnmarshalValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("failed to decode value: trailing data")
	}
	return ValueOf(raw)
}

// UnmarshalPayload decodes a JSON object into a payload map.
func UnmarshalPayload(data []byte) (Map, error) {
	v, err := UnmarshalValue(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(Map)
	if !ok {
		return nil, fmt.Errorf("payload is not an object")
	}
	return m, nil
}
