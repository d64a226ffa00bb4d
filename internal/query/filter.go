package query

import (
	"strings"

	"github.com/steveyegge/docsync/internal/model"
)

// Operator is a filter operator. And and Or combine nested filters; the
// rest compare one field against a value.
type Operator string

const (
	LessThan         Operator = "<"
	LessThanOrEqual  Operator = "<="
	Equal            Operator = "=="
	NotEqual         Operator = "!="
	GreaterThanEqual Operator = ">="
	GreaterThan      Operator = ">"
	ArrayContains    Operator = "array-contains"
	ArrayContainsAny Operator = "array-contains-any"
	In               Operator = "in"
	NotIn            Operator = "not-in"
	And              Operator = "and"
	Or               Operator = "or"
)

// IsInequality reports whether op constrains a range rather than a point.
func (op Operator) IsInequality() bool {
	switch op {
	case LessThan, LessThanOrEqual, GreaterThan, GreaterThanEqual, NotEqual, NotIn:
		return true
	}
	return false
}

func (op Operator) isComposite() bool { return op == And || op == Or }

// Filter is either a field comparison (Field, Op, Value) or a composite
// (Op is And or Or, Filters holds the operands).
type Filter struct {
	Field   model.FieldPath `json:"field,omitempty"`
	Op      Operator        `json:"op"`
	Value   *model.Value    `json:"value,omitempty"`
	Filters []Filter        `json:"filters,omitempty"`
}

// Where builds a field filter.
func Where(field string, op Operator, v model.Value) Filter {
	return Filter{Field: model.ParseFieldPath(field), Op: op, Value: &v}
}

// AllOf builds a conjunction.
func AllOf(filters ...Filter) Filter { return Filter{Op: And, Filters: filters} }

// AnyOf builds a disjunction.
func AnyOf(filters ...Filter) Filter { return Filter{Op: Or, Filters: filters} }

// IsComposite reports whether f combines nested filters.
func (f Filter) IsComposite() bool { return f.Op.isComposite() }

func matchesComparison(op Operator, c int) bool {
	switch op {
	case LessThan:
		return c < 0
	case LessThanOrEqual:
		return c <= 0
	case Equal:
		return c == 0
	case NotEqual:
		return c != 0
	case GreaterThan:
		return c > 0
	case GreaterThanEqual:
		return c >= 0
	}
	return false
}

// Matches reports whether doc satisfies f.
func (f Filter) Matches(doc *model.Document) bool {
	switch f.Op {
	case And:
		for _, sub := range f.Filters {
			if !sub.Matches(doc) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range f.Filters {
			if sub.Matches(doc) {
				return true
			}
		}
		return len(f.Filters) == 0
	}
	if f.Field.IsKeyField() {
		return f.matchesKey(doc.Key())
	}

	other, ok := doc.Field(f.Field)
	value := *f.Value
	switch f.Op {
	case ArrayContains:
		return ok && other.Kind() == model.KindArray && other.Contains(value)
	case ArrayContainsAny:
		if !ok || other.Kind() != model.KindArray {
			return false
		}
		for _, e := range value.ArrayValue() {
			if other.Contains(e) {
				return true
			}
		}
		return false
	case In:
		return ok && value.Contains(other)
	case NotIn:
		if value.Contains(model.Null()) {
			return false
		}
		return ok && !other.IsNull() && !value.Contains(other)
	case NotEqual:
		// Types need not match, but the field must be present and non-null.
		return ok && !other.IsNull() && matchesComparison(f.Op, other.Compare(value))
	}
	// Only values of the same type order are comparable.
	if !ok || !sameTypeOrder(other, value) {
		return false
	}
	return matchesComparison(f.Op, other.Compare(value))
}

func sameTypeOrder(a, b model.Value) bool {
	return (a.IsNumber() && b.IsNumber()) || a.Kind() == b.Kind()
}

func (f Filter) matchesKey(key model.DocumentKey) bool {
	value := *f.Value
	switch f.Op {
	case In, NotIn:
		found := false
		for _, e := range value.ArrayValue() {
			if e.Kind() == model.KindReference && e.ReferenceValue() == key {
				found = true
				break
			}
		}
		return found == (f.Op == In)
	}
	if value.Kind() != model.KindReference {
		return false
	}
	return matchesComparison(f.Op, model.CompareKeys(key, value.ReferenceValue()))
}

// FieldFilters returns every field filter nested in f.
func (f Filter) FieldFilters() []Filter {
	if !f.IsComposite() {
		return []Filter{f}
	}
	var out []Filter
	for _, sub := range f.Filters {
		out = append(out, sub.FieldFilters()...)
	}
	return out
}

// CanonicalID returns a stable string form of f.
func (f Filter) CanonicalID() string {
	if f.IsComposite() {
		parts := make([]string, len(f.Filters))
		for i, sub := range f.Filters {
			parts[i] = sub.CanonicalID()
		}
		return string(f.Op) + "(" + strings.Join(parts, ",") + ")"
	}
	return f.Field.String() + string(f.Op) + f.Value.CanonicalString()
}
