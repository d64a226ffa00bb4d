// Package query describes which documents a listener is interested in and
// how they are ordered.
//
// A Query is what callers listen to. A Target is the server-side shape of a
// query: limit-to-last queries are sent with flipped ordering and swapped
// bounds, and the view reverses the result locally. Canonical ids give both
// a stable string identity used as a cache key.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/steveyegge/docsync/internal/model"
)

// LimitType says which end of the ordered result a limit keeps.
type LimitType int

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

// OrderBy sorts results by one field.
type OrderBy struct {
	Field      model.FieldPath `json:"field"`
	Descending bool            `json:"descending,omitempty"`
}

func (o OrderBy) String() string {
	if o.Descending {
		return o.Field.String() + "desc"
	}
	return o.Field.String() + "asc"
}

// Bound is a cursor position in the normalized ordering. Inclusive bounds
// include documents equal to the position.
type Bound struct {
	Position  []model.Value `json:"position"`
	Inclusive bool          `json:"inclusive"`
}

// compareToDocument compares the bound position against doc using the
// first len(Position) orderings.
func (b *Bound) compareToDocument(orderBy []OrderBy, doc *model.Document) int {
	c := 0
	for i, pos := range b.Position {
		ob := orderBy[i]
		if ob.Field.IsKeyField() {
			c = model.CompareKeys(pos.ReferenceValue(), doc.Key())
		} else {
			v, _ := doc.Field(ob.Field)
			c = pos.Compare(v)
		}
		if ob.Descending {
			c = -c
		}
		if c != 0 {
			break
		}
	}
	return c
}

func (b *Bound) sortsBefore(orderBy []OrderBy, doc *model.Document) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c <= 0
	}
	return c < 0
}

func (b *Bound) sortsAfter(orderBy []OrderBy, doc *model.Document) bool {
	c := b.compareToDocument(orderBy, doc)
	if b.Inclusive {
		return c >= 0
	}
	return c > 0
}

func (b *Bound) canonical() string {
	parts := make([]string, len(b.Position))
	for i, v := range b.Position {
		parts[i] = v.CanonicalString()
	}
	return strings.Join(parts, ",")
}

// Query selects documents from one collection, a collection group, or a
// single document path.
type Query struct {
	Path            model.ResourcePath `json:"path"`
	CollectionGroup string             `json:"collectionGroup,omitempty"`
	Filters         []Filter           `json:"filters,omitempty"`
	OrderBy         []OrderBy          `json:"orderBy,omitempty"`
	Limit           int                `json:"limit,omitempty"`
	LimitType       LimitType          `json:"limitType,omitempty"`
	StartAt         *Bound             `json:"startAt,omitempty"`
	EndAt           *Bound             `json:"endAt,omitempty"`
}

// NewCollectionQuery returns a query for every document directly inside the
// collection at path.
func NewCollectionQuery(path string) *Query {
	return &Query{Path: model.ParseResourcePath(path)}
}

// NewCollectionGroupQuery returns a query over every collection named id.
func NewCollectionGroupQuery(id string) *Query {
	return &Query{CollectionGroup: id}
}

// NewDocumentQuery returns a query matching exactly one document.
func NewDocumentQuery(key model.DocumentKey) *Query {
	return &Query{Path: key.Path()}
}

func (q *Query) clone() *Query {
	c := *q
	c.Filters = append([]Filter(nil), q.Filters...)
	c.OrderBy = append([]OrderBy(nil), q.OrderBy...)
	return &c
}

// Where returns a copy of q with filter added.
func (q *Query) Where(f Filter) *Query {
	c := q.clone()
	c.Filters = append(c.Filters, f)
	return c
}

// OrderedBy returns a copy of q with an extra ordering.
func (q *Query) OrderedBy(field string, descending bool) *Query {
	c := q.clone()
	c.OrderBy = append(c.OrderBy, OrderBy{Field: model.ParseFieldPath(field), Descending: descending})
	return c
}

// LimitedToFirst returns a copy of q keeping the first n results.
func (q *Query) LimitedToFirst(n int) *Query {
	c := q.clone()
	c.Limit, c.LimitType = n, LimitToFirst
	return c
}

// LimitedToLast returns a copy of q keeping the last n results.
func (q *Query) LimitedToLast(n int) *Query {
	c := q.clone()
	c.Limit, c.LimitType = n, LimitToLast
	return c
}

// StartingAt returns a copy of q with a lower bound.
func (q *Query) StartingAt(b Bound) *Query {
	c := q.clone()
	c.StartAt = &b
	return c
}

// EndingAt returns a copy of q with an upper bound.
func (q *Query) EndingAt(b Bound) *Query {
	c := q.clone()
	c.EndAt = &b
	return c
}

// AsCollectionQueryAtPath turns a collection group query into a query on
// the collection at path.
func (q *Query) AsCollectionQueryAtPath(path model.ResourcePath) *Query {
	c := q.clone()
	c.Path = path
	c.CollectionGroup = ""
	return c
}

// HasLimit reports whether q keeps a bounded number of results.
func (q *Query) HasLimit() bool { return q.Limit > 0 }

// IsDocumentQuery reports whether q targets a single document by path.
func (q *Query) IsDocumentQuery() bool {
	return q.CollectionGroup == "" && q.Path.Len() > 0 && q.Path.Len()%2 == 0 && len(q.Filters) == 0
}

// IsCollectionGroupQuery reports whether q spans collections.
func (q *Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

// MatchesAllDocuments reports whether q returns its whole collection in key
// order.
func (q *Query) MatchesAllDocuments() bool {
	if len(q.Filters) > 0 || q.HasLimit() || q.StartAt != nil || q.EndAt != nil {
		return false
	}
	return len(q.OrderBy) == 0 || (len(q.OrderBy) == 1 && q.OrderBy[0].Field.IsKeyField())
}

// InequalityFields returns the fields constrained by inequality filters in
// field order.
func (q *Query) InequalityFields() []model.FieldPath {
	var out []model.FieldPath
	seen := map[string]bool{}
	for _, f := range q.Filters {
		for _, ff := range f.FieldFilters() {
			if ff.Op.IsInequality() && !seen[ff.Field.String()] {
				seen[ff.Field.String()] = true
				out = append(out, ff.Field)
			}
		}
	}
	sortFieldPaths(out)
	return out
}

func sortFieldPaths(paths []model.FieldPath) {
	for i := 1; i < len(paths); i++ {
		for j := i; j > 0 && paths[j].Compare(paths[j-1]) < 0; j-- {
			paths[j], paths[j-1] = paths[j-1], paths[j]
		}
	}
}

// NormalizedOrderBy returns the explicit orderings followed by an implicit
// ordering for every inequality field not already ordered, and finally the
// document key. Implicit orderings take the direction of the last explicit
// one.
func (q *Query) NormalizedOrderBy() []OrderBy {
	out := append([]OrderBy(nil), q.OrderBy...)
	seen := map[string]bool{}
	for _, o := range q.OrderBy {
		seen[o.Field.String()] = true
	}
	descending := len(q.OrderBy) > 0 && q.OrderBy[len(q.OrderBy)-1].Descending
	for _, f := range q.InequalityFields() {
		if !seen[f.String()] && !f.IsKeyField() {
			seen[f.String()] = true
			out = append(out, OrderBy{Field: f, Descending: descending})
		}
	}
	if !seen[model.KeyFieldPath().String()] {
		out = append(out, OrderBy{Field: model.KeyFieldPath(), Descending: descending})
	}
	return out
}

func (q *Query) matchesPath(key model.DocumentKey) bool {
	path := key.Path()
	switch {
	case q.CollectionGroup != "":
		return key.HasCollectionID(q.CollectionGroup) && q.Path.IsPrefixOf(path)
	case q.IsDocumentQuery():
		return q.Path.Equal(path)
	}
	return q.Path.IsImmediateParentOf(path)
}

// Matches reports whether doc belongs to the (unlimited) result of q.
func (q *Query) Matches(doc *model.Document) bool {
	if !doc.IsFoundDocument() || !q.matchesPath(doc.Key()) {
		return false
	}
	orderBy := q.NormalizedOrderBy()
	for _, o := range orderBy {
		if o.Field.IsKeyField() {
			continue
		}
		if _, ok := doc.Field(o.Field); !ok {
			return false
		}
	}
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	if q.StartAt != nil && !q.StartAt.sortsBefore(orderBy, doc) {
		return false
	}
	if q.EndAt != nil && !q.EndAt.sortsAfter(orderBy, doc) {
		return false
	}
	return true
}

// Comparator returns the ordering of q's results.
func (q *Query) Comparator() model.DocumentComparator {
	orderBy := q.NormalizedOrderBy()
	return func(a, b *model.Document) int {
		for _, o := range orderBy {
			var c int
			if o.Field.IsKeyField() {
				c = model.CompareKeys(a.Key(), b.Key())
			} else {
				av, _ := a.Field(o.Field)
				bv, _ := b.Field(o.Field)
				c = av.Compare(bv)
			}
			if o.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}

// ToTarget converts q into the shape sent to the server.
func (q *Query) ToTarget() *Target {
	t := &Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		Filters:         q.Filters,
		OrderBy:         q.NormalizedOrderBy(),
		Limit:           q.Limit,
		StartAt:         q.StartAt,
		EndAt:           q.EndAt,
	}
	if q.LimitType == LimitToLast {
		for i := range t.OrderBy {
			t.OrderBy[i].Descending = !t.OrderBy[i].Descending
		}
		t.StartAt, t.EndAt = q.EndAt, q.StartAt
	}
	return t
}

// CanonicalID identifies queries that produce the same results.
func (q *Query) CanonicalID() string {
	return q.ToTarget().CanonicalID() + "|lt:" + strconv.Itoa(int(q.LimitType))
}

func (q *Query) String() string {
	return fmt.Sprintf("Query(%s)", q.CanonicalID())
}

// Target is a query as the server evaluates it.
type Target struct {
	Path            model.ResourcePath `json:"path"`
	CollectionGroup string             `json:"collectionGroup,omitempty"`
	Filters         []Filter           `json:"filters,omitempty"`
	OrderBy         []OrderBy          `json:"orderBy,omitempty"`
	Limit           int                `json:"limit,omitempty"`
	StartAt         *Bound             `json:"startAt,omitempty"`
	EndAt           *Bound             `json:"endAt,omitempty"`
}

// IsDocumentTarget reports whether t names a single document.
func (t *Target) IsDocumentTarget() bool {
	return t.CollectionGroup == "" && t.Path.Len() > 0 && t.Path.Len()%2 == 0 && len(t.Filters) == 0
}

// AsQuery returns a limit-to-first query with t's exact ordering and bounds.
func (t *Target) AsQuery() *Query {
	return &Query{
		Path:            t.Path,
		CollectionGroup: t.CollectionGroup,
		Filters:         t.Filters,
		OrderBy:         t.OrderBy,
		Limit:           t.Limit,
		StartAt:         t.StartAt,
		EndAt:           t.EndAt,
	}
}

// CanonicalID identifies targets that produce the same results.
func (t *Target) CanonicalID() string {
	var sb strings.Builder
	sb.WriteString(t.Path.String())
	if t.CollectionGroup != "" {
		sb.WriteString("|cg:" + t.CollectionGroup)
	}
	sb.WriteString("|f:")
	for i, f := range t.Filters {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(f.CanonicalID())
	}
	sb.WriteString("|ob:")
	for i, o := range t.OrderBy {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(o.String())
	}
	if t.Limit > 0 {
		sb.WriteString("|l:" + strconv.Itoa(t.Limit))
	}
	if t.StartAt != nil {
		sb.WriteString("|lb:")
		if t.StartAt.Inclusive {
			sb.WriteString("b:")
		} else {
			sb.WriteString("a:")
		}
		sb.WriteString(t.StartAt.canonical())
	}
	if t.EndAt != nil {
		sb.WriteString("|ub:")
		if t.EndAt.Inclusive {
			sb.WriteString("a:")
		} else {
			sb.WriteString("b:")
		}
		sb.WriteString(t.EndAt.canonical())
	}
	return sb.String()
}
