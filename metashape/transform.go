package metashape

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Matrix3 is a row-major 3x3 matrix, used for rotation and rotation-scale
// blocks of chunk and camera transforms.
type Matrix3 [9]float64

// Matrix4 is a row-major 4x4 affine transform. The last row is expected to
// be [0 0 0 1]; similarity transforms fold scale into the upper 3x3 block.
type Matrix4 [16]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Matrix3 {
	return Matrix3{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
}

// Identity4 returns the 4x4 identity transform.
func Identity4() Matrix4 {
	return Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Mul composes two 3x3 matrices: result = m * o.
func (m Matrix3) Mul(o Matrix3) Matrix3 {
	var r Matrix3
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			r[row*3+col] = m[row*3]*o[col] + m[row*3+1]*o[3+col] + m[row*3+2]*o[6+col]
		}
	}
	return r
}

// Transposed returns the transpose of m.
func (m Matrix3) Transposed() Matrix3 {
	return Matrix3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Apply multiplies m by the column vector v.
func (m Matrix3) Apply(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Det returns the determinant of m.
func (m Matrix3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// Scaled returns m with every element multiplied by s.
func (m Matrix3) Scaled(s float64) Matrix3 {
	var r Matrix3
	for i, v := range m {
		r[i] = v * s
	}
	return r
}

// RotationZ returns a rotation about the Z axis by the given angle in radians.
func RotationZ(rad float64) Matrix3 {
	c, s := math.Cos(rad), math.Sin(rad)
	return Matrix3{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	}
}

// Compose builds a 4x4 transform from a linear block and a translation.
func Compose(linear Matrix3, translation r3.Vec) Matrix4 {
	return Matrix4{
		linear[0], linear[1], linear[2], translation.X,
		linear[3], linear[4], linear[5], translation.Y,
		linear[6], linear[7], linear[8], translation.Z,
		0, 0, 0, 1,
	}
}

// TranslationMatrix returns a pure translation transform.
func TranslationMatrix(t r3.Vec) Matrix4 {
	return Compose(Identity3(), t)
}

// Linear returns the upper 3x3 block of m (rotation times scale for a
// similarity transform).
func (m Matrix4) Linear() Matrix3 {
	return Matrix3{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	}
}

// Translation returns the translation column of m.
func (m Matrix4) Translation() r3.Vec {
	return r3.Vec{X: m[3], Y: m[7], Z: m[11]}
}

// Mul composes two transforms: result = m * o.
// Applying result is equivalent to applying o first, then m.
func (m Matrix4) Mul(o Matrix4) Matrix4 {
	var r Matrix4
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += m[row*4+k] * o[k*4+col]
			}
			r[row*4+col] = sum
		}
	}
	return r
}

// ApplyPoint transforms a point (homogeneous w = 1).
func (m Matrix4) ApplyPoint(p r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3],
		Y: m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7],
		Z: m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11],
	}
}

// ApplyDir transforms a direction (no translation).
func (m Matrix4) ApplyDir(d r3.Vec) r3.Vec {
	return m.Linear().Apply(d)
}

// Scale returns the uniform scale factor of a similarity transform,
// the cube root of the linear block's determinant.
func (m Matrix4) Scale() float64 {
	return math.Cbrt(m.Linear().Det())
}

// Inverse computes the inverse of an affine transform.
// Returns identity if the linear block is singular (determinant ~= 0).
func (m Matrix4) Inverse() Matrix4 {
	l := m.Linear()
	det := l.Det()
	if math.Abs(det) < 1e-12 {
		return Identity4()
	}

	invDet := 1.0 / det
	inv := Matrix3{
		(l[4]*l[8] - l[5]*l[7]) * invDet,
		(l[2]*l[7] - l[1]*l[8]) * invDet,
		(l[1]*l[5] - l[2]*l[4]) * invDet,
		(l[5]*l[6] - l[3]*l[8]) * invDet,
		(l[0]*l[8] - l[2]*l[6]) * invDet,
		(l[2]*l[3] - l[0]*l[5]) * invDet,
		(l[3]*l[7] - l[4]*l[6]) * invDet,
		(l[1]*l[6] - l[0]*l[7]) * invDet,
		(l[0]*l[4] - l[1]*l[3]) * invDet,
	}
	t := m.Translation()
	return Compose(inv, r3.Scale(-1, inv.Apply(t)))
}

// Orthonormalized returns m with its linear block replaced by the nearest
// pure rotation (Gram-Schmidt on the rows, scale removed). Translation is
// preserved. Camera poses must stay rigid after a similarity is applied.
func (m Matrix4) Orthonormalized() Matrix4 {
	l := m.Linear()
	r0 := r3.Unit(r3.Vec{X: l[0], Y: l[1], Z: l[2]})
	r1 := r3.Vec{X: l[3], Y: l[4], Z: l[5]}
	r1 = r3.Unit(r3.Sub(r1, r3.Scale(r3.Dot(r1, r0), r0)))
	r2 := r3.Cross(r0, r1)
	rot := Matrix3{
		r0.X, r0.Y, r0.Z,
		r1.X, r1.Y, r1.Z,
		r2.X, r2.Y, r2.Z,
	}
	return Compose(rot, m.Translation())
}

// IsRigid reports whether m is a rotation plus translation within tol:
// orthonormal linear block with determinant 1 and a [0 0 0 1] last row.
func (m Matrix4) IsRigid(tol float64) bool {
	if math.Abs(m[12]) > tol || math.Abs(m[13]) > tol || math.Abs(m[14]) > tol || math.Abs(m[15]-1) > tol {
		return false
	}
	l := m.Linear()
	if math.Abs(l.Det()-1) > tol {
		return false
	}
	ident := l.Mul(l.Transposed())
	want := Identity3()
	for i := range ident {
		if math.Abs(ident[i]-want[i]) > tol {
			return false
		}
	}
	return true
}

// EulerZYX decomposes the rotation block into yaw, pitch, roll in degrees
// (Z-Y-X convention). The linear block is orthonormalized first so the
// decomposition holds for similarity transforms too.
func (m Matrix4) EulerZYX() (yaw, pitch, roll float64) {
	l := m.Orthonormalized().Linear()
	// Rounding can push the sine a few ulps outside [-1, 1]; Asin would NaN.
	sp := math.Max(-1, math.Min(1, -l[6]))
	pitch = math.Asin(sp)
	if math.Abs(sp) < 1-1e-9 {
		yaw = math.Atan2(l[3], l[0])
		roll = math.Atan2(l[7], l[8])
	} else {
		// Gimbal lock: roll folded into yaw.
		yaw = math.Atan2(-l[1], l[4])
		roll = 0
	}
	const deg = 180 / math.Pi
	return yaw * deg, pitch * deg, roll * deg
}

// FitSimilarity solves the similarity transform (rotation, uniform scale,
// translation) that best maps src onto dst in the least-squares sense, the
// Kabsch-Umeyama method. At least three non-collinear point pairs are
// required for a stable rotation.
func FitSimilarity(src, dst []r3.Vec) (Matrix4, error) {
	if len(src) != len(dst) {
		return Identity4(), fmt.Errorf("fit similarity: %d source vs %d destination points", len(src), len(dst))
	}
	if len(src) < 3 {
		return Identity4(), fmt.Errorf("fit similarity: need at least 3 point pairs, got %d", len(src))
	}

	n := float64(len(src))
	var muS, muD r3.Vec
	for i := range src {
		muS = r3.Add(muS, src[i])
		muD = r3.Add(muD, dst[i])
	}
	muS = r3.Scale(1/n, muS)
	muD = r3.Scale(1/n, muD)

	// Cross-covariance of the centered sets, and total source variance.
	h := mat.NewDense(3, 3, nil)
	var varS float64
	for i := range src {
		s := r3.Sub(src[i], muS)
		d := r3.Sub(dst[i], muD)
		varS += r3.Norm2(s)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for row := 0; row < 3; row++ {
			for col := 0; col < 3; col++ {
				h.Set(row, col, h.At(row, col)+dv[row]*sv[col])
			}
		}
	}
	if varS == 0 {
		return Identity4(), fmt.Errorf("fit similarity: source points are coincident")
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return Identity4(), fmt.Errorf("fit similarity: SVD did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sigma := svd.Values(nil)

	// Reflection guard: force a proper rotation.
	d := 1.0
	var uvt mat.Dense
	uvt.Mul(&u, v.T())
	if mat.Det(&uvt) < 0 {
		d = -1
	}

	var rot Matrix3
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			sum := u.At(row, 0)*v.At(col, 0) + u.At(row, 1)*v.At(col, 1) + d*u.At(row, 2)*v.At(col, 2)
			rot[row*3+col] = sum
		}
	}

	scale := (sigma[0] + sigma[1] + d*sigma[2]) / varS
	t := r3.Sub(muD, rot.Scaled(scale).Apply(muS))
	return Compose(rot.Scaled(scale), t), nil
}
