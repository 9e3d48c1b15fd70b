package align

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"burstfuse/internal/imaging"
	"burstfuse/internal/motion"
	"burstfuse/internal/parallel"
)

func hash(ix, iy int) float64 {
	h := uint32(ix)*374761393 + uint32(iy)*668265263
	h = (h ^ (h >> 13)) * 1274126177
	return float64(h^(h>>16)) / float64(math.MaxUint32)
}

// valueNoise interpolates hashed lattice values bilinearly.
func valueNoise(x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	a := hash(ix, iy)*(1-fx) + hash(ix+1, iy)*fx
	b := hash(ix, iy+1)*(1-fx) + hash(ix+1, iy+1)*fx
	return a*(1-fy) + b*fy
}

func texture(x, y float64) float32 {
	return float32(0.25 + 0.5*valueNoise(x/2, y/2) + 0.08*math.Sin(0.13*x-0.41*y))
}

// shifted renders the texture so that reference point p appears at p+(dx,dy).
func shifted(w, h int, dx, dy float64) *imaging.Image {
	img := imaging.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := texture(float64(x)-dx, float64(y)-dy)
			img.Set(x, y, imaging.RGB{R: v, G: v, B: v})
		}
	}
	return img
}

func newAligner() *Aligner {
	return New(DefaultOptions(), parallel.New(4), nil)
}

func TestIdentityAlignmentIsZero(t *testing.T) {
	a := newAligner()
	ref := shifted(160, 128, 0, 0)
	field, st, err := a.Align(context.Background(), a.Prepare(ref), ref.Clone(), motion.Identity(), false)
	require.NoError(t, err)
	require.Equal(t, 5*4, st.Tiles)
	for i, v := range field.Vectors {
		require.Zero(t, v.DX, "tile %d", i)
		require.Zero(t, v.DY, "tile %d", i)
	}
}

func TestIntegerShift(t *testing.T) {
	a := newAligner()
	ref := shifted(192, 160, 0, 0)
	tgt := shifted(192, 160, 3, -2)
	field, _, err := a.Align(context.Background(), a.Prepare(ref), tgt, motion.Identity(), false)
	require.NoError(t, err)
	for ty := 1; ty < field.TilesY-1; ty++ {
		for tx := 1; tx < field.TilesX-1; tx++ {
			v := field.At(tx, ty)
			require.InDelta(t, 3, v.DX, 0.25, "tile %d,%d", tx, ty)
			require.InDelta(t, -2, v.DY, 0.25, "tile %d,%d", tx, ty)
		}
	}
}

func TestSubPixelShift(t *testing.T) {
	a := newAligner()
	ref := shifted(160, 128, 0, 0)
	tgt := shifted(160, 128, 0.4, 0)
	field, st, err := a.Align(context.Background(), a.Prepare(ref), tgt, motion.Identity(), false)
	require.NoError(t, err)
	require.Greater(t, st.Refined, 0)
	dx, dy := field.Mean()
	require.InDelta(t, 0.4, dx, 0.15)
	require.InDelta(t, 0, dy, 0.15)
}

func TestSeededSearch(t *testing.T) {
	a := newAligner()
	ref := shifted(192, 160, 0, 0)
	tgt := shifted(192, 160, 21, 0)
	// target x maps to reference x-21
	seed := motion.Translation(-20, 0)
	field, _, err := a.Align(context.Background(), a.Prepare(ref), tgt, seed, false)
	require.NoError(t, err)
	v := field.At(2, 2)
	require.InDelta(t, 21, v.DX, 0.25)
}

func TestExactSeedOnFineTexture(t *testing.T) {
	a := newAligner()
	ref := shifted(192, 160, 0, 0)
	tgt := shifted(192, 160, 3, -2)
	field, st, err := a.Align(context.Background(), a.Prepare(ref), tgt, motion.Translation(-3, 2), false)
	require.NoError(t, err)
	require.Equal(t, st.Tiles, st.Refined+st.SeedOnly)
	for ty := 1; ty < field.TilesY-1; ty++ {
		for tx := 1; tx < field.TilesX-1; tx++ {
			v := field.At(tx, ty)
			require.InDelta(t, 3, v.DX, 0.25, "tile %d,%d", tx, ty)
			require.InDelta(t, -2, v.DY, 0.25, "tile %d,%d", tx, ty)
		}
	}
}

func TestPyramidKeepsCoarseTilesLarge(t *testing.T) {
	o := DefaultOptions()
	require.Equal(t, 2, o.levels())
	o.TileSize = 64
	require.Equal(t, 3, o.levels())
	o.TileSize = 16
	require.Equal(t, 1, o.levels())
	o.TileSize, o.Levels = 256, 2
	require.Equal(t, 2, o.levels())
}

func TestMisleadingCoarseLevelKeepsSeed(t *testing.T) {
	a := newAligner()
	full := imaging.LumaOf(shifted(192, 192, 0, 0))
	// the coarse level claims a 5px shift the full resolution does not have
	ref := []*imaging.Gray{full, imaging.LumaOf(shifted(96, 96, 0, 0))}
	tgt := []*imaging.Gray{full, imaging.LumaOf(shifted(96, 96, 5, 0))}
	v := a.alignTile(ref, tgt, region{64, 64, 96, 96}, 0, 0, 8)
	require.InDelta(t, 0, v.DX, 0.05)
	require.InDelta(t, 0, v.DY, 0.05)
}

func TestFlatTilesKeepSeed(t *testing.T) {
	a := newAligner()
	flat := imaging.NewImage(96, 64)
	for i := range flat.Pix {
		flat.Pix[i] = 0.4
	}
	field, st, err := a.Align(context.Background(), a.Prepare(flat), flat.Clone(), motion.Translation(-2, 1), false)
	require.NoError(t, err)
	require.Equal(t, st.Tiles, st.SeedOnly)
	for _, v := range field.Vectors {
		require.InDelta(t, 2, v.DX, 1e-4)
		require.InDelta(t, -1, v.DY, 1e-4)
		require.False(t, v.Refined)
	}
}

func TestPatternCorrelation(t *testing.T) {
	ref := imaging.LumaOf(shifted(96, 96, 0, 0))
	tgt := imaging.LumaOf(shifted(96, 96, 2.3, -1))
	r := region{32, 32, 64, 64}
	v, ok := correlateTile(imaging.HighPass(ref), imaging.HighPass(tgt), r, 0, 0, 4)
	require.True(t, ok)
	require.InDelta(t, 2.3, v.DX, 0.3)
	require.InDelta(t, -1, v.DY, 0.3)
}

func TestSizeMismatch(t *testing.T) {
	a := newAligner()
	_, _, err := a.Align(context.Background(), a.Prepare(imaging.NewImage(64, 64)), imaging.NewImage(32, 64), motion.Identity(), false)
	require.Error(t, err)
}

func TestFieldSampleUniform(t *testing.T) {
	f := NewField(100, 80, 32)
	for i := range f.Vectors {
		f.Vectors[i] = Vector{DX: 1.5, DY: -0.5, Confidence: 1}
	}
	dx, dy, c := f.Sample(47.3, 12.9)
	require.InDelta(t, 1.5, dx, 1e-6)
	require.InDelta(t, -0.5, dy, 1e-6)
	require.InDelta(t, 1, c, 1e-6)
}
