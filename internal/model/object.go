package model

import (
	"encoding/json"
	"slices"
	"strings"
)

// ObjectValue is the mutable root of a document's field tree. Nested maps are
// replaced copy-on-write, so Clone is cheap and clones never alias each
// other's updates.
type ObjectValue struct {
	fields map[string]Value
}

// NewObjectValue returns an empty object.
func NewObjectValue() *ObjectValue {
	return &ObjectValue{fields: map[string]Value{}}
}

// ObjectValueOf wraps a copy of fields.
func ObjectValueOf(fields map[string]Value) *ObjectValue {
	return &ObjectValue{fields: Map(fields).m}
}

// Value returns the object as a map value.
func (o *ObjectValue) Value() Value { return Value{kind: KindMap, m: o.fields} }

// Fields returns a copy of the top-level fields.
func (o *ObjectValue) Fields() map[string]Value { return o.Value().MapValue() }

// Clone returns an independent copy.
func (o *ObjectValue) Clone() *ObjectValue {
	return &ObjectValue{fields: o.fields}
}

// Equal reports whether both objects hold equal fields.
func (o *ObjectValue) Equal(other *ObjectValue) bool {
	return o.Value().Equal(other.Value())
}

// Field returns the value at path. The empty path returns the whole object.
func (o *ObjectValue) Field(path FieldPath) (Value, bool) {
	if path.IsEmpty() {
		return o.Value(), true
	}
	cur := o.Value()
	for _, seg := range path.segments {
		if cur.kind != KindMap {
			return Value{}, false
		}
		next, ok := cur.m[seg]
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

func setIn(m map[string]Value, segs []string, v Value) map[string]Value {
	out := make(map[string]Value, len(m)+1)
	for k, f := range m {
		out[k] = f
	}
	if len(segs) == 1 {
		out[segs[0]] = v
		return out
	}
	var child map[string]Value
	if cur, ok := m[segs[0]]; ok && cur.kind == KindMap {
		child = cur.m
	}
	out[segs[0]] = Value{kind: KindMap, m: setIn(child, segs[1:], v)}
	return out
}

func deleteIn(m map[string]Value, segs []string) (map[string]Value, bool) {
	cur, ok := m[segs[0]]
	if !ok {
		return m, false
	}
	out := make(map[string]Value, len(m))
	for k, f := range m {
		out[k] = f
	}
	if len(segs) == 1 {
		delete(out, segs[0])
		return out, true
	}
	if cur.kind != KindMap {
		return m, false
	}
	child, changed := deleteIn(cur.m, segs[1:])
	if !changed {
		return m, false
	}
	out[segs[0]] = Value{kind: KindMap, m: child}
	return out, true
}

// Set stores v at path, creating intermediate maps as needed. Setting the
// empty path replaces the whole object with v, which must be a map.
func (o *ObjectValue) Set(path FieldPath, v Value) {
	if path.IsEmpty() {
		o.fields = v.m
		if o.fields == nil {
			o.fields = map[string]Value{}
		}
		return
	}
	o.fields = setIn(o.fields, path.segments, v)
}

// Delete removes the value at path. Missing paths are ignored.
func (o *ObjectValue) Delete(path FieldPath) {
	if path.IsEmpty() {
		return
	}
	o.fields, _ = deleteIn(o.fields, path.segments)
}

// FieldValue pairs a path with a value. A nil Value deletes the field.
type FieldValue struct {
	Path  FieldPath
	Value *Value
}

// SetAll applies a list of sets and deletes in order.
func (o *ObjectValue) SetAll(updates []FieldValue) {
	for _, u := range updates {
		if u.Value == nil {
			o.Delete(u.Path)
		} else {
			o.Set(u.Path, *u.Value)
		}
	}
}

// FieldMask returns the paths of every leaf in the object. Empty nested
// maps count as leaves.
func (o *ObjectValue) FieldMask() FieldMask {
	var paths []FieldPath
	var walk func(prefix FieldPath, m map[string]Value)
	walk = func(prefix FieldPath, m map[string]Value) {
		for k, v := range m {
			p := prefix.Child(k)
			if v.kind == KindMap && len(v.m) > 0 {
				walk(p, v.m)
				continue
			}
			paths = append(paths, p)
		}
	}
	walk(FieldPath{}, o.fields)
	return NewFieldMask(paths...)
}

func (o *ObjectValue) MarshalJSON() ([]byte, error) { return json.Marshal(o.Value()) }

func (o *ObjectValue) UnmarshalJSON(b []byte) error {
	var v Value
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	o.fields = v.m
	if o.fields == nil {
		o.fields = map[string]Value{}
	}
	return nil
}

// FieldMask is a sorted, de-duplicated set of field paths.
type FieldMask struct {
	fields []FieldPath
}

// NewFieldMask builds a mask from paths.
func NewFieldMask(paths ...FieldPath) FieldMask {
	fields := slices.Clone(paths)
	slices.SortFunc(fields, FieldPath.Compare)
	fields = slices.CompactFunc(fields, FieldPath.Equal)
	return FieldMask{fields: fields}
}

func (m FieldMask) Fields() []FieldPath { return slices.Clone(m.fields) }
func (m FieldMask) Len() int { return len(m.fields) }

// Covers reports whether some path in the mask is a prefix of path.
func (m FieldMask) Covers(path FieldPath) bool {
	for _, f := range m.fields {
		if f.IsPrefixOf(path) {
			return true
		}
	}
	return false
}

// Union returns a mask holding the paths of both masks.
func (m FieldMask) Union(o FieldMask) FieldMask {
	return NewFieldMask(append(slices.Clone(m.fields), o.fields...)...)
}

// Add returns a mask with path added.
func (m FieldMask) Add(path FieldPath) FieldMask {
	return NewFieldMask(append(slices.Clone(m.fields), path)...)
}

func (m FieldMask) Equal(o FieldMask) bool {
	return slices.EqualFunc(m.fields, o.fields, FieldPath.Equal)
}

func (m FieldMask) String() string {
	parts := make([]string, len(m.fields))
	for i, f := range m.fields {
		parts[i] = f.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (m FieldMask) MarshalJSON() ([]byte, error) {
	paths := make([][]string, len(m.fields))
	for i, f := range m.fields {
		paths[i] = f.segments
	}
	return json.Marshal(paths)
}

func (m *FieldMask) UnmarshalJSON(b []byte) error {
	var paths [][]string
	if err := json.Unmarshal(b, &paths); err != nil {
		return err
	}
	fields := make([]FieldPath, len(paths))
	for i, p := range paths {
		fields[i] = NewFieldPath(p...)
	}
	*m = NewFieldMask(fields...)
	return nil
}
