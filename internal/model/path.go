package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	numericIDPattern   = regexp.MustCompile(`^__id-?\d+__$`)
	simpleFieldPattern = regexp.MustCompile(`^[_a-zA-Z][_a-zA-Z0-9]*$`)
)

// numericID reports whether seg is a reserved numeric id segment and returns
// its value.
func numericID(seg string) (int64, bool) {
	if !strings.HasPrefix(seg, "__id") || !numericIDPattern.MatchString(seg) {
		return 0, false
	}
	n, err := strconv.ParseInt(seg[4:len(seg)-2], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// CompareSegments orders two path segments. Numeric id segments sort before
// all other segments and compare numerically among themselves; everything
// else compares by UTF-8 bytes, which is code point order.
func CompareSegments(a, b string) int {
	an, aNum := numericID(a)
	bn, bNum := numericID(b)
	switch {
	case aNum && !bNum:
		return -1
	case !aNum && bNum:
		return 1
	case aNum && bNum:
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func compareSegmentLists(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareSegments(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// ResourcePath is an immutable slash separated path to a collection or
// document.
type ResourcePath struct {
	segments []string
}

// NewResourcePath builds a path from segments. The slice is copied.
func NewResourcePath(segments ...string) ResourcePath {
	return ResourcePath{segments: append([]string(nil), segments...)}
}

// ParseResourcePath splits a slash separated path, ignoring empty segments.
func ParseResourcePath(s string) ResourcePath {
	var segs []string
	for _, seg := range strings.Split(s, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return ResourcePath{segments: segs}
}

func (p ResourcePath) Len() int { return len(p.segments) }
func (p ResourcePath) IsEmpty() bool { return len(p.segments) == 0 }
func (p ResourcePath) Segment(i int) string { return p.segments[i] }
func (p ResourcePath) Segments() []string { return append([]string(nil), p.segments...) }
func (p ResourcePath) String() string { return strings.Join(p.segments, "/") }
func (p ResourcePath) Compare(o ResourcePath) int { return compareSegmentLists(p.segments, o.segments) }
func (p ResourcePath) Equal(o ResourcePath) bool { return p.Compare(o) == 0 }

// LastSegment returns the final segment, or "" for the empty path.
func (p ResourcePath) LastSegment() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Child returns p with extra segments appended.
func (p ResourcePath) Child(segments ...string) ResourcePath {
	out := make([]string, 0, len(p.segments)+len(segments))
	out = append(out, p.segments...)
	return ResourcePath{segments: append(out, segments...)}
}

// Parent returns p without its last segment.
func (p ResourcePath) Parent() ResourcePath {
	if len(p.segments) == 0 {
		return p
	}
	return ResourcePath{segments: p.segments[:len(p.segments)-1:len(p.segments)-1]}
}

// IsPrefixOf reports whether p is a (non-strict) prefix of o.
func (p ResourcePath) IsPrefixOf(o ResourcePath) bool {
	if len(p.segments) > len(o.segments) {
		return false
	}
	for i, seg := range p.segments {
		if o.segments[i] != seg {
			return false
		}
	}
	return true
}

// IsImmediateParentOf reports whether o is exactly one segment below p.
func (p ResourcePath) IsImmediateParentOf(o ResourcePath) bool {
	return len(p.segments)+1 == len(o.segments) && p.IsPrefixOf(o)
}

// FieldPath addresses a (possibly nested) field inside a document.
type FieldPath struct {
	segments []string
}

const keyFieldName = "__name__"

// NewFieldPath builds a field path from segments.
func NewFieldPath(segments ...string) FieldPath {
	return FieldPath{segments: append([]string(nil), segments...)}
}

// ParseFieldPath splits a dotted field path. Backtick quoting is not
// supported; use NewFieldPath for segments containing dots.
func ParseFieldPath(s string) FieldPath {
	if s == "" {
		return FieldPath{}
	}
	return FieldPath{segments: strings.Split(s, ".")}
}

// KeyFieldPath is the special path that refers to a document's key.
func KeyFieldPath() FieldPath { return FieldPath{segments: []string{keyFieldName}} }

func (f FieldPath) Len() int { return len(f.segments) }
func (f FieldPath) IsEmpty() bool { return len(f.segments) == 0 }
func (f FieldPath) Segment(i int) string { return f.segments[i] }
func (f FieldPath) Segments() []string { return append([]string(nil), f.segments...) }
func (f FieldPath) IsKeyField() bool { return len(f.segments) == 1 && f.segments[0] == keyFieldName }
func (f FieldPath) Compare(o FieldPath) int { return compareSegmentLists(f.segments, o.segments) }
func (f FieldPath) Equal(o FieldPath) bool { return f.Compare(o) == 0 }

// Child returns f with one more segment.
func (f FieldPath) Child(seg string) FieldPath {
	out := make([]string, 0, len(f.segments)+1)
	out = append(out, f.segments...)
	return FieldPath{segments: append(out, seg)}
}

// Parent returns f without its last segment.
func (f FieldPath) Parent() FieldPath {
	if len(f.segments) == 0 {
		return f
	}
	return FieldPath{segments: f.segments[:len(f.segments)-1 : len(f.segments)-1]}
}

// IsPrefixOf reports whether f is a (non-strict) prefix of o.
func (f FieldPath) IsPrefixOf(o FieldPath) bool {
	if len(f.segments) > len(o.segments) {
		return false
	}
	for i, seg := range f.segments {
		if o.segments[i] != seg {
			return false
		}
	}
	return true
}

// String returns the canonical dotted form, quoting segments that are not
// plain identifiers with backticks.
func (f FieldPath) String() string {
	parts := make([]string, len(f.segments))
	for i, seg := range f.segments {
		if simpleFieldPattern.MatchString(seg) {
			parts[i] = seg
			continue
		}
		seg = strings.ReplaceAll(seg, `\`, `\\`)
		seg = strings.ReplaceAll(seg, "`", "\\`")
		parts[i] = "`" + seg + "`"
	}
	return strings.Join(parts, ".")
}

// DocumentKey identifies exactly one document. It is comparable and can be
// used as a Go map key.
type DocumentKey struct {
	path string
}

// NewDocumentKey validates that p names a document (even segment count).
func NewDocumentKey(p ResourcePath) (DocumentKey, error) {
	if p.Len() == 0 || p.Len()%2 != 0 {
		return DocumentKey{}, fmt.Errorf("invalid document path %q: expected an even number of segments", p.String())
	}
	return DocumentKey{path: p.String()}, nil
}

// ParseDocumentKey parses a slash separated document path.
func ParseDocumentKey(s string) (DocumentKey, error) {
	return NewDocumentKey(ParseResourcePath(s))
}

// MustDocumentKey is like ParseDocumentKey but panics on invalid input.
// Intended for literals and tests.
func MustDocumentKey(s string) DocumentKey {
	k, err := ParseDocumentKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Path returns the key as a resource path.
func (k DocumentKey) Path() ResourcePath { return ParseResourcePath(k.path) }

func (k DocumentKey) String() string { return k.path }
func (k DocumentKey) IsZero() bool { return k.path == "" }

// ID returns the last path segment.
func (k DocumentKey) ID() string {
	i := strings.LastIndexByte(k.path, '/')
	return k.path[i+1:]
}

// CollectionPath returns the path of the parent collection.
func (k DocumentKey) CollectionPath() ResourcePath { return k.Path().Parent() }

// CollectionGroup returns the id of the parent collection.
func (k DocumentKey) CollectionGroup() string {
	p := k.Path()
	return p.Segment(p.Len() - 2)
}

// HasCollectionID reports whether the parent collection id is id.
func (k DocumentKey) HasCollectionID(id string) bool { return k.CollectionGroup() == id }

// Compare orders keys by path.
func (k DocumentKey) Compare(o DocumentKey) int { return CompareKeys(k, o) }

// CompareKeys orders document keys segment by segment without allocating.
func CompareKeys(a, b DocumentKey) int {
	as, bs := a.path, b.path
	for as != "" && bs != "" {
		var aseg, bseg string
		aseg, as, _ = strings.Cut(as, "/")
		bseg, bs, _ = strings.Cut(bs, "/")
		if c := CompareSegments(aseg, bseg); c != 0 {
			return c
		}
	}
	switch {
	case as == "" && bs == "":
		return 0
	case as == "":
		return -1
	}
	return 1
}

// MarshalText implements encoding.TextMarshaler so keys can be used as
// JSON map keys.
func (k DocumentKey) MarshalText() ([]byte, error) { return []byte(k.path), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DocumentKey) UnmarshalText(b []byte) error {
	parsed, err := ParseDocumentKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (f FieldPath) MarshalJSON() ([]byte, error) {
	if f.segments == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(f.segments)
}

func (f *FieldPath) UnmarshalJSON(b []byte) error {
	var segs []string
	if err := json.Unmarshal(b, &segs); err != nil {
		return err
	}
	*f = NewFieldPath(segs...)
	return nil
}

func (p ResourcePath) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *ResourcePath) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*p = ParseResourcePath(s)
	return nil
}
