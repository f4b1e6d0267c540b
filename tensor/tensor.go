// Package tensor holds the point value types carried by point fields and the
// rank-aware transform used to apply constraint tensors to them.
package tensor

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Rank identifies the tensorial rank of a point value
type Rank uint8

const (
	RankScalar Rank = iota
	RankVector
	RankTensor
)

// Value is the constraint satisfied by every point value type. T is the
// concrete type itself, so Transform can return it without boxing.
type Value[T any] interface {
	// Transform applies the constraint tensor t to the value using the
	// bilinear map for its rank: identity, t·v or t·V·tᵀ
	Transform(t Tensor) T
	MagSqr() float64
	// Components returns the value's components in a fixed order
	Components() []float64
	Rank() Rank
}

// Scalar is a rank 0 point value
type Scalar float64

// Vector is a rank 1 point value in 3 dimensions
type Vector [3]float64

// Tensor is a rank 2 point value stored row-major
type Tensor [9]float64

var (
	// I is the identity tensor
	I = Tensor{1, 0, 0, 0, 1, 0, 0, 0, 1}
	// Zero is the zero tensor
	Zero = Tensor{}
)

func (s Scalar) Transform(Tensor) Scalar { return s }
func (s Scalar) MagSqr() float64 { return float64(s) * float64(s) }
func (s Scalar) Components() []float64 { return []float64{float64(s)} }
func (s Scalar) Rank() Rank { return RankScalar }

// Transform returns t·v
func (v Vector) Transform(t Tensor) Vector {
	var out Vector
	res := mat.NewVecDense(3, out[:])
	res.MulVec(t.Dense(), mat.NewVecDense(3, v[:]))
	return out
}

func (v Vector) MagSqr() float64 { return floats.Dot(v[:], v[:]) }
func (v Vector) Components() []float64 { return v[:] }
func (v Vector) Rank() Rank { return RankVector }

// R3 converts to the gonum spatial vector
func (v Vector) R3() r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }

// FromR3 converts a gonum spatial vector
func FromR3(p r3.Vec) Vector { return Vector{p.X, p.Y, p.Z} }

// Dot returns v·w
func (v Vector) Dot(w Vector) float64 { return r3.Dot(v.R3(), w.R3()) }

// Cross returns v×w
func (v Vector) Cross(w Vector) Vector { return FromR3(r3.Cross(v.R3(), w.R3())) }

// Sub returns v-w
func (v Vector) Sub(w Vector) Vector { return FromR3(r3.Sub(v.R3(), w.R3())) }

// Add returns v+w
func (v Vector) Add(w Vector) Vector { return FromR3(r3.Add(v.R3(), w.R3())) }

// Scale returns f*v
func (v Vector) Scale(f float64) Vector { return FromR3(r3.Scale(f, v.R3())) }

// Mag returns |v|
func (v Vector) Mag() float64 { return r3.Norm(v.R3()) }

// Unit returns v/|v|; the zero vector is returned unchanged
func (v Vector) Unit() Vector {
	if v.MagSqr() == 0 {
		return v
	}
	return FromR3(r3.Unit(v.R3()))
}

// Transform returns m·t·mᵀ
func (t Tensor) Transform(m Tensor) Tensor {
	var (
		mt  mat.Dense
		out Tensor
	)
	md := m.Dense()
	mt.Mul(md, t.Dense())
	res := mat.NewDense(3, 3, out[:])
	res.Mul(&mt, md.T())
	return out
}

func (t Tensor) MagSqr() float64 { return floats.Dot(t[:], t[:]) }
func (t Tensor) Components() []float64 { return t[:] }
func (t Tensor) Rank() Rank { return RankTensor }

// Dense returns a 3×3 gonum matrix backed by a copy of t
func (t Tensor) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, t[:])
	return mat.NewDense(3, 3, data)
}

// FromDense copies a 3×3 matrix into a Tensor
func FromDense(m mat.Matrix) Tensor {
	var t Tensor
	r, c := m.Dims()
	if r != 3 || c != 3 {
		panic("tensor: FromDense requires a 3x3 matrix")
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[3*i+j] = m.At(i, j)
		}
	}
	return t
}

// Outer returns the dyadic product a⊗b
func Outer(a, b Vector) Tensor {
	var t Tensor
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[3*i+j] = a[i] * b[j]
		}
	}
	return t
}

// Sub returns t-u
func (t Tensor) Sub(u Tensor) Tensor {
	var out Tensor
	floats.SubTo(out[:], t[:], u[:])
	return out
}

// Mul returns the matrix product t·u
func (t Tensor) Mul(u Tensor) Tensor {
	var m mat.Dense
	m.Mul(t.Dense(), u.Dense())
	return FromDense(&m)
}

// T returns the transpose of t
func (t Tensor) T() Tensor {
	return FromDense(t.Dense().T())
}

// Compare orders two values lexicographically by component. It is used to
// break magnitude ties so combine operators stay commutative.
func Compare[T Value[T]](a, b T) int {
	ac, bc := a.Components(), b.Components()
	for i := range ac {
		switch {
		case ac[i] < bc[i]:
			return -1
		case ac[i] > bc[i]:
			return 1
		}
	}
	return 0
}
