package mutation

import (
	"errors"
	"fmt"

	"github.com/steveyegge/docsync/internal/model"
)

// Precondition restricts when a mutation may be applied. The zero value
// means no precondition.
type Precondition struct {
	Exists     *bool                  `json:"exists,omitempty"`
	UpdateTime *model.SnapshotVersion `json:"updateTime,omitempty"`
}

// NoPrecondition always holds.
func NoPrecondition() Precondition { return Precondition{} }

// ExistsPrecondition requires the document to exist (or not).
func ExistsPrecondition(exists bool) Precondition { return Precondition{Exists: &exists} }

// UpdateTimePrecondition requires the document to exist at version v.
func UpdateTimePrecondition(v model.SnapshotVersion) Precondition {
	return Precondition{UpdateTime: &v}
}

func (p Precondition) IsNone() bool { return p.Exists == nil && p.UpdateTime == nil }

// IsValidFor reports whether doc satisfies p.
func (p Precondition) IsValidFor(doc *model.Document) bool {
	if p.UpdateTime != nil {
		return doc.IsFoundDocument() && doc.Version().Equal(*p.UpdateTime)
	}
	if p.Exists != nil {
		return *p.Exists == doc.IsFoundDocument()
	}
	return true
}

func (p Precondition) Equal(o Precondition) bool {
	if (p.Exists == nil) != (o.Exists == nil) || (p.UpdateTime == nil) != (o.UpdateTime == nil) {
		return false
	}
	if p.Exists != nil && *p.Exists != *o.Exists {
		return false
	}
	return p.UpdateTime == nil || p.UpdateTime.Equal(*o.UpdateTime)
}

// Type selects the kind of write.
type Type int

const (
	// Set replaces the whole document.
	Set Type = iota + 1
	// Patch updates the fields named by the mask.
	Patch
	// Delete removes the document.
	Delete
	// Verify only checks the precondition on the server.
	Verify
)

func (t Type) String() string {
	switch t {
	case Set:
		return "set"
	case Patch:
		return "patch"
	case Delete:
		return "delete"
	case Verify:
		return "verify"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Mutation is one write to one document.
type Mutation struct {
	Type         Type               `json:"type"`
	Key          model.DocumentKey  `json:"key"`
	Value        *model.ObjectValue `json:"value,omitempty"`
	Mask         model.FieldMask    `json:"mask"`
	Precondition Precondition       `json:"precondition"`
	Transforms   []FieldTransform   `json:"transforms,omitempty"`
}

// NewSet returns a mutation that overwrites key with value.
func NewSet(key model.DocumentKey, value *model.ObjectValue, transforms ...FieldTransform) *Mutation {
	return &Mutation{Type: Set, Key: key, Value: value, Transforms: transforms}
}

// NewPatch returns a mutation that writes the masked fields of value. Masked
// fields absent from value are deleted. Patches require the document to
// exist unless another precondition is given.
func NewPatch(key model.DocumentKey, value *model.ObjectValue, mask model.FieldMask, transforms ...FieldTransform) *Mutation {
	return &Mutation{
		Type:         Patch,
		Key:          key,
		Value:        value,
		Mask:         mask,
		Precondition: ExistsPrecondition(true),
		Transforms:   transforms,
	}
}

// NewDelete returns a mutation that removes key.
func NewDelete(key model.DocumentKey) *Mutation {
	return &Mutation{Type: Delete, Key: key}
}

// NewVerify returns a mutation that only checks p on the server.
func NewVerify(key model.DocumentKey, p Precondition) *Mutation {
	return &Mutation{Type: Verify, Key: key, Precondition: p}
}

// FieldTransformPaths returns the fields touched by transforms.
func (m *Mutation) FieldTransformPaths() []model.FieldPath {
	paths := make([]model.FieldPath, len(m.Transforms))
	for i, t := range m.Transforms {
		paths[i] = t.Field
	}
	return paths
}

func (m *Mutation) patchValues() []model.FieldValue {
	var out []model.FieldValue
	for _, path := range m.Mask.Fields() {
		if path.IsEmpty() {
			continue
		}
		u := model.FieldValue{Path: path}
		if v, ok := m.Value.Field(path); ok {
			u.Value = &v
		}
		out = append(out, u)
	}
	return out
}

func (m *Mutation) localTransformResults(doc *model.Document, localWriteTime model.Timestamp) []model.FieldValue {
	out := make([]model.FieldValue, len(m.Transforms))
	for i, t := range m.Transforms {
		var prev *model.Value
		if v, ok := doc.Field(t.Field); ok {
			prev = &v
		}
		res := t.Op.applyToLocalView(prev, localWriteTime)
		out[i] = model.FieldValue{Path: t.Field, Value: &res}
	}
	return out
}

func (m *Mutation) serverTransformResults(doc *model.Document, results []model.Value) ([]model.FieldValue, error) {
	if len(results) != len(m.Transforms) {
		return nil, fmt.Errorf("server returned %d transform results for %d transforms", len(results), len(m.Transforms))
	}
	out := make([]model.FieldValue, len(m.Transforms))
	for i, t := range m.Transforms {
		var prev *model.Value
		if v, ok := doc.Field(t.Field); ok {
			prev = &v
		}
		res := t.Op.applyToRemoteDocument(prev, results[i])
		out[i] = model.FieldValue{Path: t.Field, Value: &res}
	}
	return out, nil
}

// ApplyToLocalView applies m to doc as a pending local write.
//
// previousMask is the set of fields already changed by earlier writes in the
// same replay; nil means the whole document was replaced. The returned mask
// accumulates the fields m changed. A failed precondition leaves doc
// untouched and returns previousMask unchanged.
func (m *Mutation) ApplyToLocalView(doc *model.Document, previousMask *model.FieldMask, localWriteTime model.Timestamp) *model.FieldMask {
	if doc.Key() != m.Key {
		panic(fmt.Sprintf("mutation for %s applied to %s", m.Key, doc.Key()))
	}
	if !m.Precondition.IsValidFor(doc) {
		return previousMask
	}
	switch m.Type {
	case Set:
		data := m.Value.Clone()
		data.SetAll(m.localTransformResults(doc, localWriteTime))
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		return nil
	case Patch:
		transformed := m.localTransformResults(doc, localWriteTime)
		data := doc.Data().Clone()
		data.SetAll(m.patchValues())
		data.SetAll(transformed)
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		mask := previousMask.Union(m.Mask).Union(model.NewFieldMask(m.FieldTransformPaths()...))
		return &mask
	case Delete:
		doc.ConvertToNoDocument(doc.Version()).SetHasLocalMutations()
		return nil
	}
	return previousMask
}

// ApplyToRemoteDocument applies the server-acknowledged result of m to doc.
func (m *Mutation) ApplyToRemoteDocument(doc *model.Document, result Result) error {
	if doc.Key() != m.Key {
		return fmt.Errorf("mutation for %s applied to %s", m.Key, doc.Key())
	}
	switch m.Type {
	case Set:
		transformed, err := m.serverTransformResults(doc, result.TransformResults)
		if err != nil {
			return err
		}
		data := m.Value.Clone()
		data.SetAll(transformed)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case Patch:
		if !m.Precondition.IsValidFor(doc) {
			// The server accepted the patch, so the document exists; we just
			// do not have the version it was applied to.
			doc.ConvertToUnknownDocument(result.Version)
			return nil
		}
		transformed, err := m.serverTransformResults(doc, result.TransformResults)
		if err != nil {
			return err
		}
		data := doc.Data().Clone()
		data.SetAll(m.patchValues())
		data.SetAll(transformed)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case Delete:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	}
	return nil
}

// ErrPreconditionFailed is returned by Commit when the document does not
// satisfy the mutation's precondition.
var ErrPreconditionFailed = errors.New("precondition failed")

// Commit applies m to doc the way the backend does at commitVersion and
// returns the result the write is acknowledged with. On a failed
// precondition doc is left untouched.
func (m *Mutation) Commit(doc *model.Document, commitVersion model.SnapshotVersion) (Result, error) {
	if !m.Precondition.IsValidFor(doc) {
		return Result{}, fmt.Errorf("%w: %s", ErrPreconditionFailed, m.Key)
	}
	result := Result{Version: commitVersion}
	for _, t := range m.Transforms {
		if t.Op.Kind == TransformServerTimestamp {
			result.TransformResults = append(result.TransformResults, model.TimestampValue(commitVersion.Timestamp()))
			continue
		}
		var prev *model.Value
		if v, ok := doc.Field(t.Field); ok {
			prev = &v
		}
		result.TransformResults = append(result.TransformResults, t.Op.applyToLocalView(prev, commitVersion.Timestamp()))
	}
	if m.Type == Verify {
		return result, nil
	}
	if err := m.ApplyToRemoteDocument(doc, result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// ExtractBaseValue returns the pre-read values that transforms of m depend
// on, or nil when m has no such transforms. Replaying m on top of its base
// value keeps non-idempotent transforms stable when the server sends a
// document that already reflects the write.
func (m *Mutation) ExtractBaseValue(doc *model.Document) *model.ObjectValue {
	var base *model.ObjectValue
	for _, t := range m.Transforms {
		var prev *model.Value
		if v, ok := doc.Field(t.Field); ok {
			prev = &v
		}
		if v := t.Op.baseValue(prev); v != nil {
			if base == nil {
				base = model.NewObjectValue()
			}
			base.Set(t.Field, *v)
		}
	}
	return base
}

// BaseMutation wraps the base value of m, if any, in a patch that only
// applies to existing documents.
func (m *Mutation) BaseMutation(doc *model.Document) *Mutation {
	base := m.ExtractBaseValue(doc)
	if base == nil {
		return nil
	}
	return NewPatch(m.Key, base, base.FieldMask())
}

// Equal reports whether both mutations describe the same write.
func (m *Mutation) Equal(o *Mutation) bool {
	if m.Type != o.Type || m.Key != o.Key || !m.Precondition.Equal(o.Precondition) || !m.Mask.Equal(o.Mask) {
		return false
	}
	if (m.Value == nil) != (o.Value == nil) || (m.Value != nil && !m.Value.Equal(o.Value)) {
		return false
	}
	if len(m.Transforms) != len(o.Transforms) {
		return false
	}
	for i := range m.Transforms {
		if !m.Transforms[i].Field.Equal(o.Transforms[i].Field) || !m.Transforms[i].Op.Equal(o.Transforms[i].Op) {
			return false
		}
	}
	return true
}

func (m *Mutation) String() string {
	return fmt.Sprintf("%s(%s)", m.Type, m.Key)
}

// Result is the server's answer for one mutation.
type Result struct {
	// Version is the commit version, or the document's update time when the
	// server reports it.
	Version          model.SnapshotVersion `json:"version"`
	TransformResults []model.Value         `json:"transformResults,omitempty"`
}

// CalculateOverlayMutation returns the single mutation that turns the
// remote version of doc into its current local view, given the mask of
// fields changed by local writes. It returns nil when there is nothing to
// overlay.
func CalculateOverlayMutation(doc *model.Document, mask *model.FieldMask) *Mutation {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return nil
	}
	if mask == nil {
		if doc.IsNoDocument() {
			return NewDelete(doc.Key())
		}
		return NewSet(doc.Key(), doc.Data().Clone())
	}

	patch := model.NewObjectValue()
	var paths []model.FieldPath
	seen := map[string]bool{}
	for _, path := range mask.Fields() {
		if seen[path.String()] {
			continue
		}
		v, ok := doc.Field(path)
		// A deleted nested field may have created its parents implicitly;
		// patch the parent so the parent survives.
		if !ok && path.Len() > 1 {
			path = path.Parent()
			v, ok = doc.Field(path)
		}
		if seen[path.String()] {
			continue
		}
		if ok {
			patch.Set(path, v)
		} else {
			patch.Delete(path)
		}
		seen[path.String()] = true
		paths = append(paths, path)
	}
	m := NewPatch(doc.Key(), patch, model.NewFieldMask(paths...))
	m.Precondition = NoPrecondition()
	return m
}
