package pose

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Normalize scales q to unit length. A zero quaternion is returned unchanged.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return q
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the sandwich product q ⊗ (0, v) ⊗ q⁻¹.
func Rotate(v r3.Vector, q quat.Number) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Inv(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Relative expresses target in the frame of reference.
//
// The orientation is conj(target) ⊗ reference. This composition order is
// what recorded datasets were produced with and must not be swapped. The
// position is the offset from reference rotated by the inverse reference
// orientation. A camera reference returns target unchanged.
func Relative(reference, target Pose) Pose {
	if reference.IsIdentityReference() {
		return target
	}

	qTarget := Normalize(target.Orientation)
	qRef := Normalize(reference.Orientation)

	return Pose{
		ID:          target.ID,
		Position:    Rotate(target.Position.Sub(reference.Position), quat.Inv(qRef)),
		Orientation: Normalize(quat.Mul(quat.Conj(qTarget), qRef)),
		Timestamp:   target.Timestamp,
		Frame:       target.Frame,
		Kind:        target.Kind,
	}
}
