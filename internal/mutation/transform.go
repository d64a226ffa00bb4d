package mutation

import (
	"math"

	"github.com/steveyegge/docsync/internal/model"
)

// TransformKind selects a field transform.
type TransformKind int

const (
	TransformServerTimestamp TransformKind = iota + 1
	TransformArrayUnion
	TransformArrayRemove
	TransformIncrement
)

func (k TransformKind) String() string {
	switch k {
	case TransformServerTimestamp:
		return "serverTimestamp"
	case TransformArrayUnion:
		return "arrayUnion"
	case TransformArrayRemove:
		return "arrayRemove"
	case TransformIncrement:
		return "increment"
	}
	return "unknown"
}

// TransformOperation is a field update whose result depends on the value
// the field holds when the write is applied.
type TransformOperation struct {
	Kind     TransformKind `json:"kind"`
	Elements []model.Value `json:"elements,omitempty"`
	Operand  *model.Value  `json:"operand,omitempty"`
}

// ServerTimestampOp sets the field to the commit time.
func ServerTimestampOp() TransformOperation {
	return TransformOperation{Kind: TransformServerTimestamp}
}

// ArrayUnionOp appends elements not already present.
func ArrayUnionOp(elements ...model.Value) TransformOperation {
	return TransformOperation{Kind: TransformArrayUnion, Elements: elements}
}

// ArrayRemoveOp removes every occurrence of elements.
func ArrayRemoveOp(elements ...model.Value) TransformOperation {
	return TransformOperation{Kind: TransformArrayRemove, Elements: elements}
}

// IncrementOp adds operand, which must be a number.
func IncrementOp(operand model.Value) TransformOperation {
	return TransformOperation{Kind: TransformIncrement, Operand: &operand}
}

// FieldTransform applies op to the value at Field.
type FieldTransform struct {
	Field model.FieldPath    `json:"field"`
	Op    TransformOperation `json:"op"`
}

func coercedArray(prev *model.Value) []model.Value {
	if prev != nil && prev.Kind() == model.KindArray {
		return prev.ArrayValue()
	}
	return nil
}

func applyArrayUnion(op TransformOperation, prev *model.Value) model.Value {
	values := coercedArray(prev)
	for _, e := range op.Elements {
		if !model.Array(values...).Contains(e) {
			values = append(values, e)
		}
	}
	return model.Array(values...)
}

func applyArrayRemove(op TransformOperation, prev *model.Value) model.Value {
	var out []model.Value
	remove := model.Array(op.Elements...)
	for _, v := range coercedArray(prev) {
		if !remove.Contains(v) {
			out = append(out, v)
		}
	}
	return model.Array(out...)
}

func saturatingAdd(a, b int64) int64 {
	sum := a + b
	// Overflow happens only when both operands share a sign the sum lacks.
	if (a >= 0) == (b >= 0) && (sum >= 0) != (a >= 0) {
		if a >= 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return sum
}

// baseValue returns the value op reads from the document before it is
// applied, or nil when op does not depend on prior state in a way that
// must be pinned.
func (op TransformOperation) baseValue(prev *model.Value) *model.Value {
	if op.Kind != TransformIncrement {
		return nil
	}
	if prev != nil && prev.IsNumber() {
		v := *prev
		return &v
	}
	zero := model.Int(0)
	return &zero
}

func (op TransformOperation) applyToLocalView(prev *model.Value, localWriteTime model.Timestamp) model.Value {
	switch op.Kind {
	case TransformServerTimestamp:
		return model.ServerTimestamp(localWriteTime, prev)
	case TransformArrayUnion:
		return applyArrayUnion(op, prev)
	case TransformArrayRemove:
		return applyArrayRemove(op, prev)
	case TransformIncrement:
		base := *op.baseValue(prev)
		operand := *op.Operand
		if base.Kind() == model.KindInteger && operand.Kind() == model.KindInteger {
			return model.Int(saturatingAdd(base.IntValue(), operand.IntValue()))
		}
		return model.Double(base.Number() + operand.Number())
	}
	return model.Null()
}

func (op TransformOperation) applyToRemoteDocument(prev *model.Value, result model.Value) model.Value {
	switch op.Kind {
	case TransformArrayUnion:
		return applyArrayUnion(op, prev)
	case TransformArrayRemove:
		return applyArrayRemove(op, prev)
	}
	return result
}

func (op TransformOperation) Equal(o TransformOperation) bool {
	if op.Kind != o.Kind || len(op.Elements) != len(o.Elements) {
		return false
	}
	for i := range op.Elements {
		if !op.Elements[i].Equal(o.Elements[i]) {
			return false
		}
	}
	if (op.Operand == nil) != (o.Operand == nil) {
		return false
	}
	return op.Operand == nil || op.Operand.Equal(*o.Operand)
}
