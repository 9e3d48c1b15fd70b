package motion

import (
	"math"

	"burstfuse/internal/burst"
)

// SmallAngleThreshold is the total rotation below which the first-order
// rotation approximation is used.
const SmallAngleThreshold = 0.1

// Intrinsics describes a pinhole camera. Values are given for a reference
// resolution and rescaled to the actual frame size.
type Intrinsics struct {
	FocalPx   float64 `json:"focal_px"`
	Cx        float64 `json:"cx"`
	Cy        float64 `json:"cy"`
	RefWidth  int     `json:"ref_width"`
	RefHeight int     `json:"ref_height"`
}

// K builds the intrinsic matrix for a width x height frame. A zero focal
// length falls back to 0.8 of the long side; a zero principal point is the
// frame centre.
func (in Intrinsics) K(width, height int) Mat3 {
	sx, sy := 1.0, 1.0
	if in.RefWidth > 0 && in.RefHeight > 0 {
		sx = float64(width) / float64(in.RefWidth)
		sy = float64(height) / float64(in.RefHeight)
	}
	f := in.FocalPx * sx
	if in.FocalPx <= 0 {
		f = 0.8 * float64(max(width, height))
	}
	cx, cy := in.Cx*sx, in.Cy*sy
	if in.Cx == 0 && in.Cy == 0 {
		cx, cy = float64(width)/2, float64(height)/2
	}
	fy := f
	if in.FocalPx > 0 {
		fy = in.FocalPx * sy
	}
	return Mat3{f, 0, cx, 0, fy, cy, 0, 0, 1}
}

// Angles is an integrated rotation about the three device axes, in radians.
type Angles struct {
	X, Y, Z float64
}

func (a Angles) Norm() float64 { return math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z) }

// Integrate applies the trapezoidal rule to angular velocity over [t0,t1].
// Samples outside the interval are linearly interpolated to its edges.
// With no samples the rotation is zero; with one, its rate is held constant.
func Integrate(samples []burst.MotionSample, t0, t1 int64) Angles {
	if len(samples) == 0 || t1 <= t0 {
		return Angles{}
	}
	if len(samples) == 1 {
		dt := float64(t1-t0) * 1e-9
		s := samples[0]
		return Angles{s.X * dt, s.Y * dt, s.Z * dt}
	}
	var out Angles
	for i := 1; i < len(samples); i++ {
		a, b := samples[i-1], samples[i]
		lo, hi := max(a.Timestamp, t0), min(b.Timestamp, t1)
		if hi <= lo || b.Timestamp <= a.Timestamp {
			continue
		}
		va := lerpSample(a, b, lo)
		vb := lerpSample(a, b, hi)
		dt := float64(hi-lo) * 1e-9
		out.X += 0.5 * (va.X + vb.X) * dt
		out.Y += 0.5 * (va.Y + vb.Y) * dt
		out.Z += 0.5 * (va.Z + vb.Z) * dt
	}
	return out
}

func lerpSample(a, b burst.MotionSample, t int64) Angles {
	span := float64(b.Timestamp - a.Timestamp)
	u := float64(t-a.Timestamp) / span
	return Angles{
		X: a.X + (b.X-a.X)*u,
		Y: a.Y + (b.Y-a.Y)*u,
		Z: a.Z + (b.Z-a.Z)*u,
	}
}

// AngularSpeed is the time-weighted mean norm of angular velocity over the
// samples, in rad/s.
func AngularSpeed(samples []burst.MotionSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	if len(samples) == 1 {
		s := samples[0]
		return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
	}
	var acc, total float64
	for i := 1; i < len(samples); i++ {
		a, b := samples[i-1], samples[i]
		dt := float64(b.Timestamp-a.Timestamp) * 1e-9
		if dt <= 0 {
			continue
		}
		na := math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z)
		nb := math.Sqrt(b.X*b.X + b.Y*b.Y + b.Z*b.Z)
		acc += 0.5 * (na + nb) * dt
		total += dt
	}
	if total == 0 {
		return 0
	}
	return acc / total
}

// Rotation converts integrated angles into a rotation matrix, using the
// skew-symmetric approximation below SmallAngleThreshold and Rodrigues'
// formula above it.
func Rotation(a Angles) Mat3 {
	theta := a.Norm()
	if theta == 0 {
		return Identity3
	}
	if theta < SmallAngleThreshold {
		return Mat3{
			1, -a.Z, a.Y,
			a.Z, 1, -a.X,
			-a.Y, a.X, 1,
		}
	}
	kx, ky, kz := a.X/theta, a.Y/theta, a.Z/theta
	s, c := math.Sin(theta), math.Cos(theta)
	v := 1 - c
	return Mat3{
		c + kx*kx*v, kx*ky*v - kz*s, kx*kz*v + ky*s,
		ky*kx*v + kz*s, c + ky*ky*v, ky*kz*v - kx*s,
		kz*kx*v - ky*s, kz*ky*v + kx*s, c + kz*kz*v,
	}
}

// FromRotation projects a camera rotation into the image plane: H = K·R·K⁻¹.
func FromRotation(r Mat3, k Mat3) Homography {
	kinv, ok := k.Inverse()
	if !ok {
		return Identity()
	}
	return Homography{M: k.Mul(r).Mul(kinv)}.Sanitize()
}

// Estimator turns motion samples into per-frame homographies.
type Estimator struct {
	Intrinsics Intrinsics
}

// Between is the homography mapping the frame at t1 onto the frame at t0.
func (e Estimator) Between(samples []burst.MotionSample, t0, t1 int64, width, height int) Homography {
	if len(samples) == 0 {
		return Identity()
	}
	return FromRotation(Rotation(Integrate(samples, t0, t1)), e.Intrinsics.K(width, height))
}

// Chain returns, for every frame, the homography mapping it onto the
// reference frame. Consecutive transforms are composed cumulatively against
// frame 0 and then re-expressed relative to ref.
func (e Estimator) Chain(frames []*burst.Frame, ref int) []Homography {
	out := make([]Homography, len(frames))
	if len(frames) == 0 {
		return out
	}
	w, h := frames[0].Width(), frames[0].Height()
	cum := make([]Homography, len(frames))
	cum[0] = Identity()
	for i := 1; i < len(frames); i++ {
		step := e.Between(frames[i].Motion, frames[i-1].Timestamp, frames[i].Timestamp, w, h)
		cum[i] = cum[i-1].Compose(step).Sanitize()
	}
	toRef := cum[ref].Inverse()
	for i := range frames {
		out[i] = toRef.Compose(cum[i]).Sanitize()
	}
	return out
}
