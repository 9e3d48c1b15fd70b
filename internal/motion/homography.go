package motion

import "math"

// Mat3 is a row-major 3x3 matrix.
type Mat3 [9]float64

// Identity3 is the 3x3 identity.
var Identity3 = Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Mul returns m·o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = m[i*3]*o[j] + m[i*3+1]*o[3+j] + m[i*3+2]*o[6+j]
		}
	}
	return r
}

func (m Mat3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// Inverse returns the inverse and false when m is singular or not finite.
func (m Mat3) Inverse() (Mat3, bool) {
	det := m.Det()
	if math.Abs(det) < 1e-12 || math.IsNaN(det) || math.IsInf(det, 0) {
		return Identity3, false
	}
	inv := 1 / det
	r := Mat3{
		(m[4]*m[8] - m[5]*m[7]) * inv,
		(m[2]*m[7] - m[1]*m[8]) * inv,
		(m[1]*m[5] - m[2]*m[4]) * inv,
		(m[5]*m[6] - m[3]*m[8]) * inv,
		(m[0]*m[8] - m[2]*m[6]) * inv,
		(m[2]*m[3] - m[0]*m[5]) * inv,
		(m[3]*m[7] - m[4]*m[6]) * inv,
		(m[1]*m[6] - m[0]*m[7]) * inv,
		(m[0]*m[4] - m[1]*m[3]) * inv,
	}
	for _, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Identity3, false
		}
	}
	return r, true
}

// Homography maps target-frame coordinates to reference-frame coordinates.
// The zero value is not valid; use Identity.
type Homography struct {
	M Mat3
}

// Identity is the neutral element of composition.
func Identity() Homography { return Homography{M: Identity3} }

// Translation builds a pure shift.
func Translation(dx, dy float64) Homography {
	return Homography{M: Mat3{1, 0, dx, 0, 1, dy, 0, 0, 1}}
}

// Compose returns h·o: apply o first, then h.
func (h Homography) Compose(o Homography) Homography {
	return Homography{M: h.M.Mul(o.M)}
}

// Inverse returns the inverse transform, or the identity when h is degenerate.
func (h Homography) Inverse() Homography {
	inv, _ := h.M.Inverse()
	return Homography{M: inv}
}

// Invertible reports whether h has a usable inverse.
func (h Homography) Invertible() bool {
	_, ok := h.M.Inverse()
	return ok
}

// Apply maps (x,y). Points sent to infinity are returned unchanged.
func (h Homography) Apply(x, y float64) (float64, float64) {
	m := h.M
	w := m[6]*x + m[7]*y + m[8]
	if math.Abs(w) < 1e-12 {
		return x, y
	}
	px := (m[0]*x + m[1]*y + m[2]) / w
	py := (m[3]*x + m[4]*y + m[5]) / w
	if math.IsNaN(px) || math.IsNaN(py) || math.IsInf(px, 0) || math.IsInf(py, 0) {
		return x, y
	}
	return px, py
}

// IsFinite reports whether every entry is a finite number.
func (h Homography) IsFinite() bool {
	for _, v := range h.M {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Sanitize returns h, or the identity when h is not finite or not invertible.
func (h Homography) Sanitize() Homography {
	if !h.IsFinite() || !h.Invertible() {
		return Identity()
	}
	return h
}

// TranslationAt is the displacement h applies to the point (x,y).
func (h Homography) TranslationAt(x, y float64) (float64, float64) {
	px, py := h.Apply(x, y)
	return px - x, py - y
}
