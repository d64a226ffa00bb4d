package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindServerTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindVector
	KindMap
)

var kindNames = [...]string{
	KindNull:            "null",
	KindBoolean:         "boolean",
	KindInteger:         "integer",
	KindDouble:          "double",
	KindTimestamp:       "timestamp",
	KindServerTimestamp: "serverTimestamp",
	KindString:          "string",
	KindBytes:           "bytes",
	KindReference:       "reference",
	KindGeoPoint:        "geoPoint",
	KindArray:           "array",
	KindVector:          "vector",
	KindMap:             "map",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// typeOrder groups kinds for cross-type ordering. Integers and doubles share
// a slot so that they compare numerically.
func typeOrder(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBoolean:
		return 1
	case KindInteger, KindDouble:
		return 2
	case KindTimestamp:
		return 3
	case KindServerTimestamp:
		return 4
	case KindString:
		return 5
	case KindBytes:
		return 6
	case KindReference:
		return 7
	case KindGeoPoint:
		return 8
	case KindArray:
		return 9
	case KindVector:
		return 10
	case KindMap:
		return 11
	}
	panic(fmt.Sprintf("unknown value kind %d", int(k)))
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Value is an immutable document field value. The set of variants is closed;
// switch on Kind to handle each one.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	d     float64
	s     string
	bytes []byte
	ts    Timestamp
	geo   GeoPoint
	arr   []Value
	vec   []float64
	m     map[string]Value
	prev  *Value
}

func Null() Value { return Value{kind: KindNull} }
func Bool(b bool) Value { return Value{kind: KindBoolean, b: b} }
func Int(i int64) Value { return Value{kind: KindInteger, i: i} }
func Double(d float64) Value { return Value{kind: KindDouble, d: d} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func TimestampValue(t Timestamp) Value { return Value{kind: KindTimestamp, ts: t} }
func GeoPointValue(lat, lng float64) Value {
	return Value{kind: KindGeoPoint, geo: GeoPoint{Latitude: lat, Longitude: lng}}
}

// Bytes copies b into a bytes value.
func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: bytes.Clone(b)} }

// Reference points at another document.
func Reference(key DocumentKey) Value { return Value{kind: KindReference, s: key.String()} }

// Array copies elems into an array value.
func Array(elems ...Value) Value { return Value{kind: KindArray, arr: slices.Clone(elems)} }

// Vector copies dims into a vector value.
func Vector(dims ...float64) Value { return Value{kind: KindVector, vec: slices.Clone(dims)} }

// Map copies fields into a map value. Nested values are shared, which is
// safe because values are immutable.
func Map(fields map[string]Value) Value {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return Value{kind: KindMap, m: m}
}

// ServerTimestamp is the local placeholder for a server-assigned timestamp
// that has not been acknowledged yet. previous is the value the field held
// before the write, if any.
func ServerTimestamp(localWriteTime Timestamp, previous *Value) Value {
	v := Value{kind: KindServerTimestamp, ts: localWriteTime}
	if previous != nil {
		p := *previous
		if p.kind == KindServerTimestamp {
			// Chained server timestamps keep the oldest real value.
			p = p.PreviousValue()
		}
		v.prev = &p
	}
	return v
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) IsNumber() bool { return v.kind == KindInteger || v.kind == KindDouble }
func (v Value) IsNaN() bool { return v.kind == KindDouble && math.IsNaN(v.d) }
func (v Value) BoolValue() bool { return v.b }
func (v Value) IntValue() int64 { return v.i }
func (v Value) DoubleValue() float64 { return v.d }
func (v Value) StringValue() string { return v.s }
func (v Value) BytesValue() []byte { return bytes.Clone(v.bytes) }
func (v Value) TimestampValue() Timestamp { return v.ts }
func (v Value) GeoPointValue() GeoPoint { return v.geo }
func (v Value) ArrayValue() []Value { return slices.Clone(v.arr) }
func (v Value) VectorValue() []float64 { return slices.Clone(v.vec) }
func (v Value) Len() int { return len(v.arr) }
func (v Value) Index(i int) Value { return v.arr[i] }

// ReferenceValue returns the referenced document key.
func (v Value) ReferenceValue() DocumentKey { return DocumentKey{path: v.s} }

// Number returns the numeric value as a float64.
func (v Value) Number() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.d
}

// MapValue returns a copy of the top-level fields of a map value.
func (v Value) MapValue() map[string]Value {
	out := make(map[string]Value, len(v.m))
	for k, f := range v.m {
		out[k] = f
	}
	return out
}

// Field returns a direct child of a map value.
func (v Value) Field(name string) (Value, bool) {
	f, ok := v.m[name]
	return f, ok
}

// PreviousValue returns the value a server timestamp replaced, or null.
func (v Value) PreviousValue() Value {
	if v.prev == nil {
		return Null()
	}
	return *v.prev
}

// Contains reports whether an array value holds an element equal to e.
func (v Value) Contains(e Value) bool {
	for _, a := range v.arr {
		if a.Equal(e) {
			return true
		}
	}
	return false
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	}
	// At least one side is NaN, which sorts below every other number.
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	}
	return 1
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareNumbers(a, b Value) int {
	if a.kind == KindInteger && b.kind == KindInteger {
		return compareInts(a.i, b.i)
	}
	return compareFloats(a.Number(), b.Number())
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Compare implements the total order used for sorting query results.
func (v Value) Compare(o Value) int {
	lt, rt := typeOrder(v.kind), typeOrder(o.kind)
	if lt != rt {
		return compareInts(int64(lt), int64(rt))
	}
	switch v.kind {
	case KindNull:
		return 0
	case KindBoolean:
		switch {
		case v.b == o.b:
			return 0
		case !v.b:
			return -1
		}
		return 1
	case KindInteger, KindDouble:
		return compareNumbers(v, o)
	case KindTimestamp, KindServerTimestamp:
		return v.ts.Compare(o.ts)
	case KindString:
		return strings.Compare(v.s, o.s)
	case KindBytes:
		return bytes.Compare(v.bytes, o.bytes)
	case KindReference:
		return CompareKeys(DocumentKey{path: v.s}, DocumentKey{path: o.s})
	case KindGeoPoint:
		if c := compareFloats(v.geo.Latitude, o.geo.Latitude); c != 0 {
			return c
		}
		return compareFloats(v.geo.Longitude, o.geo.Longitude)
	case KindArray:
		for i := 0; i < len(v.arr) && i < len(o.arr); i++ {
			if c := v.arr[i].Compare(o.arr[i]); c != 0 {
				return c
			}
		}
		return compareInts(int64(len(v.arr)), int64(len(o.arr)))
	case KindVector:
		if c := compareInts(int64(len(v.vec)), int64(len(o.vec))); c != 0 {
			return c
		}
		for i := range v.vec {
			if c := compareFloats(v.vec[i], o.vec[i]); c != 0 {
				return c
			}
		}
		return 0
	case KindMap:
		lk, rk := sortedKeys(v.m), sortedKeys(o.m)
		for i := 0; i < len(lk) && i < len(rk); i++ {
			if c := strings.Compare(lk[i], rk[i]); c != 0 {
				return c
			}
			if c := v.m[lk[i]].Compare(o.m[rk[i]]); c != 0 {
				return c
			}
		}
		return compareInts(int64(len(lk)), int64(len(rk)))
	}
	panic(fmt.Sprintf("unknown value kind %d", int(v.kind)))
}

// Equal reports strict equality. Unlike Compare, an integer never equals a
// double and -0.0 differs from 0.0.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBoolean:
		return v.b == o.b
	case KindInteger:
		return v.i == o.i
	case KindDouble:
		if math.IsNaN(v.d) || math.IsNaN(o.d) {
			return math.IsNaN(v.d) && math.IsNaN(o.d)
		}
		return v.d == o.d && math.Signbit(v.d) == math.Signbit(o.d)
	case KindTimestamp:
		return v.ts == o.ts
	case KindServerTimestamp:
		return v.ts == o.ts
	case KindString, KindReference:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.bytes, o.bytes)
	case KindGeoPoint:
		return v.geo == o.geo
	case KindArray:
		return slices.EqualFunc(v.arr, o.arr, Value.Equal)
	case KindVector:
		return slices.Equal(v.vec, o.vec)
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, f := range v.m {
			g, ok := o.m[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	}
	return false
}

func formatDouble(d float64) string {
	switch {
	case math.IsNaN(d):
		return "NaN"
	case math.IsInf(d, 1):
		return "Infinity"
	case math.IsInf(d, -1):
		return "-Infinity"
	}
	s := strconv.FormatFloat(d, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// CanonicalString returns a stable textual form. Two values have the same
// canonical string exactly when they are Equal.
func (v Value) CanonicalString() string {
	var sb strings.Builder
	v.writeCanonical(&sb)
	return sb.String()
}

func (v Value) writeCanonical(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBoolean:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindInteger:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindDouble:
		sb.WriteString(formatDouble(v.d))
	case KindTimestamp:
		fmt.Fprintf(sb, "time(%d,%d)", v.ts.Seconds, v.ts.Nanos)
	case KindServerTimestamp:
		fmt.Fprintf(sb, "serverTimestamp(%d,%d)", v.ts.Seconds, v.ts.Nanos)
	case KindString:
		sb.WriteString(strconv.Quote(v.s))
	case KindBytes:
		sb.WriteString("bytes(" + base64.StdEncoding.EncodeToString(v.bytes) + ")")
	case KindReference:
		sb.WriteString("ref(" + v.s + ")")
	case KindGeoPoint:
		fmt.Fprintf(sb, "geo(%s,%s)", formatDouble(v.geo.Latitude), formatDouble(v.geo.Longitude))
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			e.writeCanonical(sb)
		}
		sb.WriteByte(']')
	case KindVector:
		sb.WriteString("vector[")
		for i, d := range v.vec {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(formatDouble(d))
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, k := range sortedKeys(v.m) {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			v.m[k].writeCanonical(sb)
		}
		sb.WriteByte('}')
	}
}

func (v Value) String() string { return v.CanonicalString() }

type jsonServerTimestamp struct {
	LocalWriteTime Timestamp `json:"localWriteTime"`
	PreviousValue  *Value    `json:"previousValue,omitempty"`
}

type jsonArray struct {
	Values []Value `json:"values"`
}

type jsonMap struct {
	Fields map[string]Value `json:"fields"`
}

// jsonValue is the tagged wire representation. Exactly one field is set.
type jsonValue struct {
	NullValue            *string              `json:"nullValue,omitempty"`
	BooleanValue         *bool                `json:"booleanValue,omitempty"`
	IntegerValue         *string              `json:"integerValue,omitempty"`
	DoubleValue          json.RawMessage      `json:"doubleValue,omitempty"`
	TimestampValue       *Timestamp           `json:"timestampValue,omitempty"`
	ServerTimestampValue *jsonServerTimestamp `json:"serverTimestampValue,omitempty"`
	StringValue          *string              `json:"stringValue,omitempty"`
	BytesValue           *string              `json:"bytesValue,omitempty"`
	ReferenceValue       *string              `json:"referenceValue,omitempty"`
	GeoPointValue        *GeoPoint            `json:"geoPointValue,omitempty"`
	ArrayValue           *jsonArray           `json:"arrayValue,omitempty"`
	VectorValue          *[]float64           `json:"vectorValue,omitempty"`
	MapValue             *jsonMap             `json:"mapValue,omitempty"`
}

// MarshalJSON encodes the value in its tagged form.
func (v Value) MarshalJSON() ([]byte, error) {
	var j jsonValue
	switch v.kind {
	case KindNull:
		s := "NULL_VALUE"
		j.NullValue = &s
	case KindBoolean:
		j.BooleanValue = &v.b
	case KindInteger:
		s := strconv.FormatInt(v.i, 10)
		j.IntegerValue = &s
	case KindDouble:
		switch {
		case math.IsNaN(v.d) || math.IsInf(v.d, 0):
			j.DoubleValue = json.RawMessage(strconv.Quote(formatDouble(v.d)))
		default:
			j.DoubleValue = json.RawMessage(strconv.FormatFloat(v.d, 'g', -1, 64))
		}
	case KindTimestamp:
		j.TimestampValue = &v.ts
	case KindServerTimestamp:
		j.ServerTimestampValue = &jsonServerTimestamp{LocalWriteTime: v.ts, PreviousValue: v.prev}
	case KindString:
		j.StringValue = &v.s
	case KindBytes:
		s := base64.StdEncoding.EncodeToString(v.bytes)
		j.BytesValue = &s
	case KindReference:
		j.ReferenceValue = &v.s
	case KindGeoPoint:
		j.GeoPointValue = &v.geo
	case KindArray:
		j.ArrayValue = &jsonArray{Values: v.arr}
		if j.ArrayValue.Values == nil {
			j.ArrayValue.Values = []Value{}
		}
	case KindVector:
		vec := v.vec
		if vec == nil {
			vec = []float64{}
		}
		j.VectorValue = &vec
	case KindMap:
		j.MapValue = &jsonMap{Fields: v.m}
		if j.MapValue.Fields == nil {
			j.MapValue.Fields = map[string]Value{}
		}
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(b []byte) error {
	var j jsonValue
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	switch {
	case j.NullValue != nil:
		*v = Null()
	case j.BooleanValue != nil:
		*v = Bool(*j.BooleanValue)
	case j.IntegerValue != nil:
		i, err := strconv.ParseInt(*j.IntegerValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value %q: %w", *j.IntegerValue, err)
		}
		*v = Int(i)
	case j.DoubleValue != nil:
		var s string
		if err := json.Unmarshal(j.DoubleValue, &s); err == nil {
			switch s {
			case "NaN":
				*v = Double(math.NaN())
			case "Infinity":
				*v = Double(math.Inf(1))
			case "-Infinity":
				*v = Double(math.Inf(-1))
			default:
				return fmt.Errorf("invalid double value %q", s)
			}
			return nil
		}
		var d float64
		if err := json.Unmarshal(j.DoubleValue, &d); err != nil {
			return fmt.Errorf("invalid double value: %w", err)
		}
		*v = Double(d)
	case j.TimestampValue != nil:
		*v = TimestampValue(*j.TimestampValue)
	case j.ServerTimestampValue != nil:
		*v = ServerTimestamp(j.ServerTimestampValue.LocalWriteTime, j.ServerTimestampValue.PreviousValue)
	case j.StringValue != nil:
		*v = String(*j.StringValue)
	case j.BytesValue != nil:
		raw, err := base64.StdEncoding.DecodeString(*j.BytesValue)
		if err != nil {
			return fmt.Errorf("invalid bytes value: %w", err)
		}
		*v = Value{kind: KindBytes, bytes: raw}
	case j.ReferenceValue != nil:
		*v = Value{kind: KindReference, s: *j.ReferenceValue}
	case j.GeoPointValue != nil:
		*v = Value{kind: KindGeoPoint, geo: *j.GeoPointValue}
	case j.ArrayValue != nil:
		*v = Value{kind: KindArray, arr: j.ArrayValue.Values}
	case j.VectorValue != nil:
		*v = Value{kind: KindVector, vec: *j.VectorValue}
	case j.MapValue != nil:
		m := j.MapValue.Fields
		if m == nil {
			m = map[string]Value{}
		}
		*v = Value{kind: KindMap, m: m}
	default:
		return fmt.Errorf("value has no recognised variant: %s", string(b))
	}
	return nil
}
