package motion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"burstfuse/internal/burst"
	"burstfuse/internal/imaging"
)

func requireMatNear(t *testing.T, want, got Mat3, eps float64) {
	t.Helper()
	for i := range want {
		require.InDelta(t, want[i], got[i], eps, "entry %d", i)
	}
}

func TestIdentityIsNeutral(t *testing.T) {
	h := Homography{M: Mat3{1.01, 0.02, 3, -0.01, 0.99, -2, 1e-5, 2e-5, 1}}
	requireMatNear(t, h.M, Identity().Compose(h).M, 1e-12)
	requireMatNear(t, h.M, h.Compose(Identity()).M, 1e-12)
}

func TestCompositionMatchesSequentialApply(t *testing.T) {
	k := Intrinsics{}.K(1920, 1080)
	h1 := FromRotation(Rotation(Angles{X: 0.01, Y: -0.02, Z: 0.005}), k)
	h2 := FromRotation(Rotation(Angles{X: 0.3, Y: 0.1, Z: -0.2}), k)

	for _, p := range [][2]float64{{0, 0}, {960, 540}, {1919, 17}, {400, 1000}} {
		x1, y1 := h1.Apply(p[0], p[1])
		wx, wy := h2.Apply(x1, y1)
		gx, gy := h2.Compose(h1).Apply(p[0], p[1])
		require.InDelta(t, wx, gx, 1e-6)
		require.InDelta(t, wy, gy, 1e-6)
	}
}

func TestDegenerateInverseIsIdentity(t *testing.T) {
	singular := Homography{M: Mat3{1, 2, 3, 2, 4, 6, 0, 0, 1}}
	require.False(t, singular.Invertible())
	inv := singular.Inverse()
	require.True(t, inv.IsFinite())
	requireMatNear(t, Identity3, inv.M, 0)

	nan := Homography{M: Mat3{math.NaN(), 0, 0, 0, 1, 0, 0, 0, 1}}
	requireMatNear(t, Identity3, nan.Sanitize().M, 0)
}

func TestInverseRoundTrip(t *testing.T) {
	h := Translation(3.5, -1.25).Compose(FromRotation(Rotation(Angles{Z: 0.2}), Intrinsics{}.K(640, 480)))
	x, y := h.Apply(100, 200)
	bx, by := h.Inverse().Apply(x, y)
	require.InDelta(t, 100, bx, 1e-9)
	require.InDelta(t, 200, by, 1e-9)
}

func TestIntegrateTrapezoid(t *testing.T) {
	samples := []burst.MotionSample{
		{Timestamp: 0, X: 0},
		{Timestamp: 1e9, X: 2},
	}
	a := Integrate(samples, 0, 1e9)
	require.InDelta(t, 1.0, a.X, 1e-12)

	// clipped to the second half: average rate 1.5 over 0.5 s
	a = Integrate(samples, 5e8, 1e9)
	require.InDelta(t, 0.75, a.X, 1e-12)

	require.Equal(t, Angles{}, Integrate(nil, 0, 1e9))
}

func TestSmallAndLargeRotationAgree(t *testing.T) {
	a := Angles{X: 0.04, Y: 0.03, Z: 0.02}
	small := Rotation(a)
	// Rodrigues directly, bypassing the threshold
	theta := a.Norm()
	kx, ky, kz := a.X/theta, a.Y/theta, a.Z/theta
	s, c := math.Sin(theta), math.Cos(theta)
	v := 1 - c
	exact := Mat3{
		c + kx*kx*v, kx*ky*v - kz*s, kx*kz*v + ky*s,
		ky*kx*v + kz*s, c + ky*ky*v, ky*kz*v - kx*s,
		kz*kx*v - ky*s, kz*ky*v + kx*s, c + kz*kz*v,
	}
	requireMatNear(t, exact, small, 3e-3)

	big := Rotation(Angles{Z: math.Pi / 2})
	require.InDelta(t, 1.0, big.Det(), 1e-9)
	require.InDelta(t, 0, big[0], 1e-9)
}

func TestChainZeroMotionIsIdentity(t *testing.T) {
	frames := make([]*burst.Frame, 4)
	for i := range frames {
		frames[i] = &burst.Frame{Index: i, Timestamp: int64(i) * 30e6, Source: imaging.NewImage(64, 48)}
	}
	hs := Estimator{}.Chain(frames, 2)
	for _, h := range hs {
		requireMatNear(t, Identity3, h.M, 1e-12)
	}
}

func TestChainIsCumulative(t *testing.T) {
	frames := make([]*burst.Frame, 3)
	for i := range frames {
		frames[i] = &burst.Frame{Index: i, Timestamp: int64(i) * 1e9, Source: imaging.NewImage(100, 100)}
	}
	for i := 1; i < 3; i++ {
		frames[i].Motion = []burst.MotionSample{
			{Timestamp: int64(i-1) * 1e9, Z: 0.01},
			{Timestamp: int64(i) * 1e9, Z: 0.01},
		}
	}
	hs := Estimator{}.Chain(frames, 0)
	k := Intrinsics{}.K(100, 100)
	step := FromRotation(Rotation(Angles{Z: 0.01}), k)
	requireMatNear(t, step.Compose(step).M, hs[2].M, 1e-9)

	rel := Estimator{}.Chain(frames, 1)
	requireMatNear(t, Identity3, rel[1].M, 1e-12)
}

func TestAngularSpeed(t *testing.T) {
	samples := []burst.MotionSample{
		{Timestamp: 0, X: 3, Y: 4},
		{Timestamp: 1e9, X: 3, Y: 4},
	}
	require.InDelta(t, 5.0, AngularSpeed(samples), 1e-12)
	require.Zero(t, AngularSpeed(nil))
}
