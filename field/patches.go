package field

import (
	"fmt"

	"github.com/SkyatSpace/RapidCFD-dev/tensor"
)

type patchBase struct {
	name   string
	points []int
}

func (pb patchBase) Name() string { return pb.name }

func (pb patchBase) MeshPoints() []int { return pb.points }

// ZeroGradient is a derived patch that leaves the internal field alone
type ZeroGradient[T any] struct {
	patchBase
}

func NewZeroGradient[T any](name string, points []int) *ZeroGradient[T] {
	return &ZeroGradient[T]{patchBase{name: name, points: points}}
}

func (zg *ZeroGradient[T]) Evaluate(PointField[T]) {}

// FixedValue is a stored-value patch. Evaluate imposes the stored values on
// the internal field.
type FixedValue[T any] struct {
	patchBase
	values []T
}

// NewFixedValue creates a fixed value patch; values align with points
func NewFixedValue[T any](name string, points []int, values []T) *FixedValue[T] {
	if len(points) != len(values) {
		panic(fmt.Sprintf("field: fixed value patch %s has %d values for %d points",
			name, len(values), len(points)))
	}
	stored := make([]T, len(values))
	copy(stored, values)
	return &FixedValue[T]{patchBase: patchBase{name: name, points: points}, values: stored}
}

// NewUniformFixedValue creates a fixed value patch holding v everywhere
func NewUniformFixedValue[T any](name string, points []int, v T) *FixedValue[T] {
	values := make([]T, len(points))
	for i := range values {
		values[i] = v
	}
	return &FixedValue[T]{patchBase: patchBase{name: name, points: points}, values: values}
}

func (fv *FixedValue[T]) Evaluate(internal PointField[T]) {
	internal.SetInInternalField(fv.points, fv.values)
}

func (fv *FixedValue[T]) HasStoredValue() bool { return true }

func (fv *FixedValue[T]) StoreValue(values []T) {
	if len(values) != len(fv.points) {
		panic(fmt.Sprintf("field: %d values stored into patch %s of %d points",
			len(values), fv.name, len(fv.points)))
	}
	copy(fv.values, values)
}

func (fv *FixedValue[T]) StoredValues() []T { return fv.values }

// ConstraintPatch is implemented by patches that constrain the motion of the
// points they cover to a surface. Corner tables are built from these normals.
type ConstraintPatch interface {
	Name() string
	MeshPoints() []int
	// ConstraintNormal returns the unit normal at the i-th patch point
	ConstraintNormal(i int) tensor.Vector
}

// SymmetryPlane is a derived constraint patch with one normal. Evaluate
// removes the normal component at its points.
type SymmetryPlane[T tensor.Value[T]] struct {
	patchBase
	normal    tensor.Vector
	transform tensor.Tensor
}

func NewSymmetryPlane[T tensor.Value[T]](name string, points []int, normal tensor.Vector) *SymmetryPlane[T] {
	n := normal.Unit()
	if n.MagSqr() == 0 {
		panic(fmt.Sprintf("field: symmetry plane %s has a zero normal", name))
	}
	return &SymmetryPlane[T]{
		patchBase: patchBase{name: name, points: points},
		normal:    n,
		transform: tensor.I.Sub(tensor.Outer(n, n)),
	}
}

func (sp *SymmetryPlane[T]) Evaluate(internal PointField[T]) {
	for _, p := range sp.points {
		internal[p] = internal[p].Transform(sp.transform)
	}
}

func (sp *SymmetryPlane[T]) ConstraintNormal(int) tensor.Vector { return sp.normal }

// Slip is a derived constraint patch with a normal per point
type Slip[T tensor.Value[T]] struct {
	patchBase
	normals []tensor.Vector
}

func NewSlip[T tensor.Value[T]](name string, points []int, normals []tensor.Vector) *Slip[T] {
	if len(points) != len(normals) {
		panic(fmt.Sprintf("field: slip patch %s has %d normals for %d points",
			name, len(normals), len(points)))
	}
	unit := make([]tensor.Vector, len(normals))
	for i, n := range normals {
		unit[i] = n.Unit()
		if unit[i].MagSqr() == 0 {
			panic(fmt.Sprintf("field: slip patch %s has a zero normal at point %d", name, points[i]))
		}
	}
	return &Slip[T]{patchBase: patchBase{name: name, points: points}, normals: unit}
}

func (sl *Slip[T]) Evaluate(internal PointField[T]) {
	for i, p := range sl.points {
		n := sl.normals[i]
		internal[p] = internal[p].Transform(tensor.I.Sub(tensor.Outer(n, n)))
	}
}

func (sl *Slip[T]) ConstraintNormal(i int) tensor.Vector { return sl.normals[i] }
