package common

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Kind identifies the concrete type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTimestamp
	KindUUID
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTimestamp:
		return "timestamp"
	case KindUUID:
		return "uuid"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a closed tagged representation of a Postgres column value.
// Timestamps are normalized to UTC with microsecond precision. Arrays and
// objects carry decoded json/jsonb payloads opaquely.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	t    time.Time
	arr  []Value
	obj  map[string]Value
}

// RowMap maps column names to values.
type RowMap map[string]Value

func Null() Value                     { return Value{kind: KindNull} }
func Bool(b bool) Value               { return Value{kind: KindBool, b: b} }
func Int(i int64) Value               { return Value{kind: KindInt, i: i} }
func Float(f float64) Value           { return Value{kind: KindFloat, f: f} }
func String(s string) Value           { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value            { return Value{kind: KindBytes, raw: b} }
func UUID(s string) Value             { return Value{kind: KindUUID, s: s} }
func Array(vs []Value) Value          { return Value{kind: KindArray, arr: vs} }
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }

// Timestamp builds a timestamp value truncated to microseconds in UTC.
func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, t: t.UTC().Truncate(time.Microsecond)}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

func (v Value) AsInt() (int64, bool) {
	if v.kind == KindInt {
		return v.i, true
	}
	return 0, false
}

// AsFloat widens ints so numeric comparisons do not depend on the
// decoder's int/float choice.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) {
	if v.kind == KindString || v.kind == KindUUID {
		return v.s, true
	}
	return "", false
}

func (v Value) AsBytes() ([]byte, bool) {
	if v.kind == KindBytes {
		return v.raw, true
	}
	return nil, false
}

func (v Value) AsTime() (time.Time, bool) {
	if v.kind == KindTimestamp {
		return v.t, true
	}
	return time.Time{}, false
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind == KindArray {
		return v.arr, true
	}
	return nil, false
}

func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind == KindObject {
		return v.obj, true
	}
	return nil, false
}

// Equal reports deep equality. Int and float compare numerically across
// kinds; all other cross-kind comparisons are false.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		vf, vok := v.AsFloat()
		of, ook := o.AsFloat()
		if vok && ook {
			return vf == of
		}
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString, KindUUID:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindTimestamp:
		return v.t.Equal(o.t)
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, vv := range v.obj {
			ov, ok := o.obj[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// ToJSON converts to the plain interface{} shape encoding/json produces.
// Bytes become base64 strings, timestamps RFC3339 with microseconds.
func (v Value) ToJSON() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString, KindUUID:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.raw)
	case KindTimestamp:
		return v.t.Format("2006-01-02T15:04:05.999999Z07:00")
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToJSON()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.ToJSON()
		}
		return out
	}
	return nil
}

// FromJSON builds a Value from a decoded interface{} tree. Numbers that fit
// an int64 exactly become ints, everything else floats.
func FromJSON(in any) Value {
	switch x := in.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case int64:
		return Int(x)
	case int:
		return Int(int64(x))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return Int(int64(x))
		}
		return Float(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i)
		}
		if f, err := x.Float64(); err == nil {
			return Float(f)
		}
		return Null()
	case string:
		return String(x)
	case []any:
		arr := make([]Value, len(x))
		for i, e := range x {
			arr[i] = FromJSON(e)
		}
		return Array(arr)
	case map[string]any:
		obj := make(map[string]Value, len(x))
		for k, e := range x {
			obj[k] = FromJSON(e)
		}
		return Object(obj)
	}
	return Null()
}

// MarshalJSON encodes the value in its plain JSON shape.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToJSON())
}

// UnmarshalJSON decodes from the plain JSON shape. Typed kinds (bytes,
// timestamp, uuid) round-trip as strings; decoders that need them typed
// re-coerce using the column type.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromJSON(raw)
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString, KindUUID:
		return v.s
	case KindBytes:
		return fmt.Sprintf("\\x%x", v.raw)
	case KindTimestamp:
		return v.t.Format(time.RFC3339Nano)
	default:
		b, _ := v.MarshalJSON()
		return string(b)
	}
}

// ToJSONMap converts a row to its plain JSON shape.
func (r RowMap) ToJSONMap() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.ToJSON()
	}
	return out
}

// RowFromJSON builds a row from a decoded JSON object.
func RowFromJSON(in map[string]any) RowMap {
	out := make(RowMap, len(in))
	for k, v := range in {
		out[k] = FromJSON(v)
	}
	return out
}
