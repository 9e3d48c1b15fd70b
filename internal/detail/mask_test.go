package detail

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"burstfuse/internal/imaging"
)

// halfDetail is flat on the left and fine vertical stripes on the right.
func halfDetail(w, h int) *imaging.Image {
	img := imaging.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float32(0.5)
			if x >= w/2 && (x/2)%2 == 0 {
				v = 0.9
			}
			img.Set(x, y, imaging.RGB{R: v, G: v, B: v})
		}
	}
	return img
}

func TestComputeSplitsFlatAndDetail(t *testing.T) {
	m := Compute(halfDetail(256, 128), Options{TileSize: 64, Threshold: 0.01})
	require.Equal(t, 4, m.TilesX())
	require.Equal(t, 2, m.TilesY())
	require.False(t, m.Tile(0, 0))
	require.True(t, m.Tile(3, 1))
	require.InDelta(t, 0.5, m.Fraction(), 1e-9)
	require.True(t, m.At(200, 10))
	require.False(t, m.At(10, 10))
	require.False(t, m.Tile(-1, 0))
}

func TestDilateGrowsRegion(t *testing.T) {
	m := Compute(halfDetail(256, 128), Options{TileSize: 64, Threshold: 0.01, Dilate: 1})
	require.True(t, m.Tile(1, 0))
	require.False(t, m.Tile(0, 0))
}

func TestNewMaskCopiesFlags(t *testing.T) {
	flags := []bool{true, false, false, true}
	m, err := NewMask(2, 2, 32, flags)
	require.NoError(t, err)
	flags[1] = true
	require.False(t, m.Tile(1, 0))
	require.Equal(t, 2, m.Count())

	_, err = NewMask(2, 2, 32, flags[:3])
	require.Error(t, err)

	up := m.Resample(2)
	require.Equal(t, 64, up.TileSize())
	require.True(t, up.At(100, 100))
}

func TestWriteOverlay(t *testing.T) {
	img := halfDetail(128, 64)
	m := Compute(img, Options{TileSize: 32, Threshold: 0.01})
	var buf bytes.Buffer
	require.NoError(t, WriteOverlay(&buf, img.ToRGBA64(), m))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, 128, decoded.Bounds().Dx())
}
