package registration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingularMatrix is returned when a transform cannot be inverted.
var ErrSingularMatrix = errors.New("matrix is singular or near-singular")

// singularRatio is the smallest |det| accepted relative to the product of the
// row norms (Hadamard bound), so the test does not depend on the matrix scale.
const singularRatio = 1e-12

// TransformPoint applies a homogeneous transform to a point
func TransformPoint(m Matrix4, p Vec3) Vec3 {
	return Vec3{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// TransformPoints applies a transform to multiple points
func TransformPoints(m Matrix4, points []Vec3) []Vec3 {
	result := make([]Vec3, len(points))
	for i, p := range points {
		result[i] = TransformPoint(m, p)
	}
	return result
}

// TransformDirection applies only the linear part of a transform
func TransformDirection(m Matrix4, d Vec3) Vec3 {
	return Vec3{
		X: m[0]*d.X + m[1]*d.Y + m[2]*d.Z,
		Y: m[4]*d.X + m[5]*d.Y + m[6]*d.Z,
		Z: m[8]*d.X + m[9]*d.Y + m[10]*d.Z,
	}
}

// Multiply composes two transforms: result = a * b
// Applying result is equivalent to applying b first, then a
func Multiply(a, b Matrix4) Matrix4 {
	var out Matrix4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[r*4+k] * b[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Invert computes the inverse of a transform.
// Unlike an affine shortcut this never falls back to identity: a singular or
// badly conditioned matrix yields ErrSingularMatrix.
func Invert(m Matrix4) (Matrix4, error) {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Identity(), ErrSingularMatrix
		}
	}

	a := mat.NewDense(4, 4, m[:])
	if hadamardRatio(m, mat.Det(a)) < singularRatio {
		return Identity(), ErrSingularMatrix
	}

	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return Identity(), ErrSingularMatrix
	}

	var out Matrix4
	copy(out[:], inv.RawMatrix().Data)
	return out, nil
}

// hadamardRatio is |det| divided by the product of the row norms. It is 1 for
// orthogonal rows and 0 for a singular matrix. For an affine transform the
// rows of the linear block are used so translation does not skew the ratio.
func hadamardRatio(m Matrix4, det float64) float64 {
	bound := 1.0
	if m[12] == 0 && m[13] == 0 && m[14] == 0 {
		for r := 0; r < 3; r++ {
			bound *= math.Sqrt(m[r*4]*m[r*4] + m[r*4+1]*m[r*4+1] + m[r*4+2]*m[r*4+2])
		}
		bound *= math.Abs(m[15])
	} else {
		for r := 0; r < 4; r++ {
			row := m[r*4 : r*4+4]
			bound *= math.Sqrt(row[0]*row[0] + row[1]*row[1] + row[2]*row[2] + row[3]*row[3])
		}
	}
	if bound == 0 {
		return 0
	}
	return math.Abs(det) / bound
}

// Translation creates a translation-only transform
func Translation(t Vec3) Matrix4 {
	m := Identity()
	m[3], m[7], m[11] = t.X, t.Y, t.Z
	return m
}

// Position returns the translation part of a transform
func (m Matrix4) Position() Vec3 {
	return Vec3{X: m[3], Y: m[7], Z: m[11]}
}

// Rotation3 returns the upper-left 3x3 block in row-major order
func (m Matrix4) Rotation3() [9]float64 {
	return [9]float64{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// WithoutRotation replaces the rotation block with identity, keeping translation
func (m Matrix4) WithoutRotation() Matrix4 {
	return Translation(m.Position())
}

// Approx reports whether every element of a and b differs by at most tol
func Approx(a, b Matrix4, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// FromRotationTranslation builds a transform from a row-major 3x3 block and a translation
func FromRotationTranslation(r [9]float64, t Vec3) Matrix4 {
	return Matrix4{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

// RotationAxisAngle creates a rotation about axis (normalized internally) by angle radians
func RotationAxisAngle(axis Vec3, angle float64) Matrix4 {
	a := axis.Normalize()
	half := angle / 2
	s := math.Sin(half)
	q := Quaternion{W: math.Cos(half), X: a.X * s, Y: a.Y * s, Z: a.Z * s}
	return FromRotationTranslation(q.RotationMatrix(), Vec3{})
}

// Normalize returns the unit quaternion
func (q Quaternion) Normalize() Quaternion {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n == 0 {
		return IdentityQuaternion()
	}
	return Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// RotationMatrix converts a (normalized) quaternion into a row-major 3x3 rotation
func (q Quaternion) RotationMatrix() [9]float64 {
	q = q.Normalize()
	w, x, y, z := q.W, q.X, q.Y, q.Z

	ww, xx, yy, zz := w*w, x*x, y*y, z*z
	wx, wy, wz := w*x, w*y, w*z
	xy, xz, yz := x*y, x*z, y*z

	return [9]float64{
		ww + xx - yy - zz, 2 * (xy - wz), 2 * (xz + wy),
		2 * (xy + wz), ww - xx + yy - zz, 2 * (yz - wx),
		2 * (xz - wy), 2 * (yz + wx), ww - xx - yy + zz,
	}
}

// det3 returns the determinant of a row-major 3x3 matrix
func det3(r [9]float64) float64 {
	return r[0]*(r[4]*r[8]-r[5]*r[7]) -
		r[1]*(r[3]*r[8]-r[5]*r[6]) +
		r[2]*(r[3]*r[7]-r[4]*r[6])
}
