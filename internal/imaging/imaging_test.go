package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func gradient(w, h int) *Image {
	img := NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float32(x+y) / float32(w+h)
			img.Set(x, y, RGB{v, v * 0.5, 1 - v})
		}
	}
	return img
}

func TestWrapImageRejectsBadLength(t *testing.T) {
	_, err := WrapImage(4, 4, make([]float32, 10))
	require.Error(t, err)

	img, err := WrapImage(2, 2, make([]float32, 12))
	require.NoError(t, err)
	require.Equal(t, 2, img.Width())
}

func TestLanczosWeight(t *testing.T) {
	require.Equal(t, float32(1), LanczosWeight(0, 2))
	require.Equal(t, float32(0), LanczosWeight(2, 2))
	require.Equal(t, float32(0), LanczosWeight(-3, 2))
	require.InDelta(t, 0, LanczosWeight(1, 2), 1e-6)
	require.Greater(t, LanczosWeight(0.5, 2), float32(0.5))
}

func TestSampleLanczosIntegerIsExact(t *testing.T) {
	img := gradient(16, 12)
	for _, p := range [][2]int{{0, 0}, {5, 7}, {15, 11}} {
		got := SampleLanczos(img, float32(p[0]), float32(p[1]))
		require.Equal(t, img.RGB(p[0], p[1]), got)
	}
}

func TestSampleLanczosInterpolatesLinearRamp(t *testing.T) {
	img := NewImage(16, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 16; x++ {
			v := float32(x) / 16
			img.Set(x, y, RGB{v, v, v})
		}
	}
	got := SampleLanczos(img, 7.5, 1)
	require.InDelta(t, 7.5/16, got.R, 0.01)
}

func TestBilinear(t *testing.T) {
	g := NewGray(2, 2)
	g.Pix = []float32{0, 1, 1, 2}
	require.InDelta(t, 1.0, g.Bilinear(0.5, 0.5), 1e-6)
	require.InDelta(t, 0.5, g.Bilinear(0.5, 0), 1e-6)
	// edge replication outside the plane
	require.InDelta(t, 2.0, g.Bilinear(5, 5), 1e-6)
}

func TestPyramid(t *testing.T) {
	g := NewGray(64, 48)
	levels := Pyramid(g, 4, 8)
	require.Len(t, levels, 3)
	require.Equal(t, 32, levels[1].Width())
	require.Equal(t, 12, levels[2].Height())
}

func TestCropAndPad(t *testing.T) {
	img := gradient(10, 8)
	c := img.Crop(2, 3, 6, 100)
	require.Equal(t, 4, c.Width())
	require.Equal(t, 5, c.Height())
	require.Equal(t, img.RGB(2, 3), c.RGB(0, 0))

	p := c.PadTo(8, 8)
	require.Equal(t, 8, p.Width())
	require.Equal(t, c.RGB(3, 4), p.RGB(7, 7))
}

func TestYUVRoundTripLuma(t *testing.T) {
	img := gradient(8, 6)
	yuv := YUVFromImage(img)
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			require.InDelta(t, img.Luma(x, y), yuv.Luma(x, y), 0.01)
		}
	}
	_, err := NewYUV420(8, 6, make([]uint8, 10), nil, nil)
	require.Error(t, err)
}

func TestFromImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.Set(1, 1, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
	img := FromImage(src)
	c := img.RGB(1, 1)
	require.InDelta(t, 1.0, c.R, 1e-6)
	require.InDelta(t, 0.2, c.B, 1e-6)

	back := FromRGBA64(img.ToRGBA64())
	require.InDelta(t, c.B, back.RGB(1, 1).B, 1e-4)
}

func TestSobelFlat(t *testing.T) {
	g := NewGray(5, 5)
	for i := range g.Pix {
		g.Pix[i] = 0.3
	}
	require.Zero(t, g.Sobel(2, 2))
	require.Zero(t, g.Laplacian(2, 2))
}
