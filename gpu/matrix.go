package gpu

import "math"

// Matrix is a row-major 3x3 affine transform in normalized device
// coordinates, where both axes span [-1, 1] across the frame.
type Matrix [9]float64

// Identity returns the identity transform.
func Identity() Matrix {
	return Matrix{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// ScaleMatrix returns a transform scaling x and y.
func ScaleMatrix(sx, sy float64) Matrix {
	return Matrix{sx, 0, 0, 0, sy, 0, 0, 0, 1}
}

// RotateMatrix returns a clockwise rotation by degrees.
func RotateMatrix(degrees float64) Matrix {
	rad := degrees * math.Pi / 180
	c := roundTiny(math.Cos(rad))
	s := roundTiny(math.Sin(rad))
	return Matrix{c, -s, 0, s, c, 0, 0, 0, 1}
}

// roundTiny removes floating point residue so quarter turns stay exact.
func roundTiny(v float64) float64 {
	if math.Abs(v) < 1e-12 {
		return 0
	}
	return v
}

// Multiply returns m*o: the transform that applies o first, then m.
func (m Matrix) Multiply(o Matrix) Matrix {
	var r Matrix
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += m[row*3+k] * o[k*3+col]
			}
			r[row*3+col] = sum
		}
	}
	return r
}

// Apply transforms the point (x, y).
func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

// IsIdentity reports whether m leaves every point unchanged.
func (m Matrix) IsIdentity() bool {
	return m == Identity()
}

// Invert returns the inverse transform. ok is false for singular matrices.
func (m Matrix) Invert() (inv Matrix, ok bool) {
	det := m[0]*m[4] - m[1]*m[3]
	if math.Abs(det) < 1e-12 {
		return Matrix{}, false
	}
	inv[0] = m[4] / det
	inv[1] = -m[1] / det
	inv[3] = -m[3] / det
	inv[4] = m[0] / det
	inv[2] = -(inv[0]*m[2] + inv[1]*m[5])
	inv[5] = -(inv[3]*m[2] + inv[4]*m[5])
	inv[8] = 1
	return inv, true
}
