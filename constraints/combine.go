package constraints

import (
	"cmp"

	"github.com/SkyatSpace/RapidCFD-dev/tensor"
)

// CombineOp reduces two copies of a shared point value to one. Operators
// passed to SyncUntransformedData must be commutative and associative, and
// must return x unchanged when combining x with itself. None of these can be
// checked at runtime.
type CombineOp[T any] func(a, b T) T

// MaxMagSqr picks the value of larger squared magnitude. Equal magnitudes are
// resolved by component order so the result does not depend on fold order.
func MaxMagSqr[T tensor.Value[T]]() CombineOp[T] {
	return func(a, b T) T {
		ma, mb := a.MagSqr(), b.MagSqr()
		switch {
		case mb > ma:
			return b
		case ma > mb:
			return a
		case tensor.Compare(b, a) > 0:
			return b
		}
		return a
	}
}

// MinMagSqr picks the value of smaller squared magnitude, with the same tie
// rule as MaxMagSqr
func MinMagSqr[T tensor.Value[T]]() CombineOp[T] {
	return func(a, b T) T {
		ma, mb := a.MagSqr(), b.MagSqr()
		switch {
		case mb < ma:
			return b
		case ma < mb:
			return a
		case tensor.Compare(b, a) < 0:
			return b
		}
		return a
	}
}

// MaxEq picks the larger of two ordered values
func MaxEq[T cmp.Ordered]() CombineOp[T] {
	return func(a, b T) T { return max(a, b) }
}

// MinEq picks the smaller of two ordered values
func MinEq[T cmp.Ordered]() CombineOp[T] {
	return func(a, b T) T { return min(a, b) }
}

// ByName returns the magnitude based operator registered under name
func ByName[T tensor.Value[T]](name string) (CombineOp[T], bool) {
	switch name {
	case "", "maxMagSqr":
		return MaxMagSqr[T](), true
	case "minMagSqr":
		return MinMagSqr[T](), true
	}
	return nil, false
}
