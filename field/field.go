// Package field holds point fields and the boundary patch views over them.
//
// A patch is either derived, recomputing its values from the internal field on
// every Evaluate, or stored-value, keeping its own authoritative copy which
// callers may read directly. The split is expressed as an optional capability
// interface rather than a type hierarchy: every patch implements PatchField,
// and only stored-value patches also implement StoredValuePatch.
package field

import (
	"fmt"
)

// PointField is a dense array of values, one per local mesh point
type PointField[T any] []T

// NewPointField allocates a point field of n points
func NewPointField[T any](n int) PointField[T] {
	return make(PointField[T], n)
}

// PatchInternalField gathers the internal values at the given points
func (pf PointField[T]) PatchInternalField(points []int) []T {
	out := make([]T, len(points))
	for i, p := range points {
		out[i] = pf[p]
	}
	return out
}

// SetInInternalField writes values at the given points
func (pf PointField[T]) SetInInternalField(points []int, values []T) {
	if len(points) != len(values) {
		panic(fmt.Sprintf("field: %d values for %d points", len(values), len(points)))
	}
	for i, p := range points {
		pf[p] = values[i]
	}
}

// Clone returns a copy of the field
func (pf PointField[T]) Clone() PointField[T] {
	out := make(PointField[T], len(pf))
	copy(out, pf)
	return out
}

// PatchField is the capability every boundary patch shares
type PatchField[T any] interface {
	Name() string
	// MeshPoints returns the local point ids covered by the patch
	MeshPoints() []int
	// Evaluate recomputes the patch contribution from, and into, the
	// internal field
	Evaluate(internal PointField[T])
}

// StoredValuePatch is implemented by patches keeping their own copy of their
// values
type StoredValuePatch[T any] interface {
	PatchField[T]
	HasStoredValue() bool
	// StoreValue replaces the stored copy; values are aligned with MeshPoints
	StoreValue(values []T)
	StoredValues() []T
}

// AsStoredValue queries a patch for the stored-value capability
func AsStoredValue[T any](p PatchField[T]) (StoredValuePatch[T], bool) {
	sv, ok := p.(StoredValuePatch[T])
	if !ok || !sv.HasStoredValue() {
		return nil, false
	}
	return sv, true
}

// GeometricField couples an internal point field with its boundary patches
type GeometricField[T any] struct {
	Name     string
	Internal PointField[T]
	Boundary []PatchField[T]
}

// NewGeometricField creates a field over n points with the given patches. Patch
// points are checked against the internal field size.
func NewGeometricField[T any](name string, n int, patches ...PatchField[T]) (*GeometricField[T], error) {
	for _, p := range patches {
		for _, pt := range p.MeshPoints() {
			if pt < 0 || pt >= n {
				return nil, fmt.Errorf("patch %s references point %d outside field of %d points",
					p.Name(), pt, n)
			}
		}
	}
	return &GeometricField[T]{
		Name:     name,
		Internal: NewPointField[T](n),
		Boundary: patches,
	}, nil
}

// CorrectBoundaryConditions evaluates every patch in order
func (gf *GeometricField[T]) CorrectBoundaryConditions() {
	for _, p := range gf.Boundary {
		p.Evaluate(gf.Internal)
	}
}

// Patch returns the named patch
func (gf *GeometricField[T]) Patch(name string) (PatchField[T], bool) {
	for _, p := range gf.Boundary {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}
