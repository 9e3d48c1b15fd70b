// Package superres upscales or refines an image tile by tile through an
// external Model, blending overlapping tiles with a linear feather.
package superres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmharper/tiledinference"

	"burstfuse/internal/detail"
	"burstfuse/internal/imaging"
	"burstfuse/internal/parallel"
)

var (
	// ErrAllTilesFailed means every tile handed to the model failed.
	ErrAllTilesFailed = errors.New("super-resolution model failed on every tile")
	// ErrOutputTooLarge is returned under CapAbort when the output would
	// exceed the megapixel cap.
	ErrOutputTooLarge = errors.New("super-resolution output exceeds megapixel cap")
)

// CapPolicy decides what happens when the output would exceed MaxMegapixels.
type CapPolicy int

const (
	// CapDownscale shrinks the input before the model runs.
	CapDownscale CapPolicy = iota
	CapAbort
	CapIgnore
)

func (p CapPolicy) String() string {
	switch p {
	case CapDownscale:
		return "downscale"
	case CapAbort:
		return "abort"
	case CapIgnore:
		return "ignore"
	}
	return fmt.Sprintf("cap(%d)", int(p))
}

func ParseCapPolicy(s string) (CapPolicy, error) {
	switch strings.ToLower(s) {
	case "downscale", "":
		return CapDownscale, nil
	case "abort":
		return CapAbort, nil
	case "ignore":
		return CapIgnore, nil
	}
	return 0, fmt.Errorf("unknown cap policy %q", s)
}

func (p CapPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *CapPolicy) UnmarshalText(b []byte) error {
	v, err := ParseCapPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Options struct {
	TileSize      int           `json:"tile_size"`
	Overlap       int           `json:"overlap"`
	MaxMegapixels float64       `json:"max_megapixels"`
	Cap           CapPolicy     `json:"cap_policy"`
	Fallback      Interpolation `json:"fallback"`
	// Strength blends model output with the interpolated tile: 0 keeps the
	// interpolation, 1 keeps the model.
	Strength float32 `json:"strength"`
	// CheckpointEvery calls Hooks.Checkpoint after this many tiles.
	CheckpointEvery int `json:"checkpoint_every"`
}

func DefaultOptions() Options {
	return Options{
		TileSize:        256,
		Overlap:         32,
		MaxMegapixels:   100,
		Cap:             CapDownscale,
		Fallback:        CatmullRom,
		Strength:        1,
		CheckpointEvery: 4,
	}
}

// Hooks lets the orchestrator observe tile progress and gate continuation.
type Hooks struct {
	Tile       func(done, total int)
	Checkpoint func(ctx context.Context) error
}

type Result struct {
	Image *imaging.Image
	// Scale is output width over the original input width.
	Scale float64
	// InputScale is below 1 when the input was shrunk to honour the cap.
	InputScale        float64
	Tiles             int
	ModelTiles        int
	InterpolatedTiles int
	FailedTiles       int
}

// Downscaled reports whether the cap forced a smaller input.
func (r *Result) Downscaled() bool { return r.InputScale < 1 }

// Stage runs a Model over tiles of an image.
type Stage struct {
	model  Model
	opts   Options
	pool   *parallel.Pool
	logger *slog.Logger
	cpMu   sync.Mutex
}

func New(model Model, opts Options, pool *parallel.Pool, logger *slog.Logger) *Stage {
	d := DefaultOptions()
	if opts.TileSize <= 0 {
		opts.TileSize = d.TileSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Strength < 0 || opts.Strength > 1 {
		opts.Strength = d.Strength
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = d.CheckpointEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{model: model, opts: opts, pool: pool, logger: logger}
}

func (s *Stage) Model() Model { return s.model }

type tileKind int

const (
	tileModel tileKind = iota
	tileInterpolated
	tileFailed
)

type tileOutput struct {
	// rect in output pixels
	x0, y0, x1, y1 int
	// feather band per side in output pixels, zero at image borders
	left, top, right, bottom float32
	img                      *imaging.Image
	kind                     tileKind
}

// Run processes img. When mask is non-nil only tiles whose centre lies in a
// detail tile go through the model; the rest are interpolated. The mask is
// addressed in img's pixel coordinates.
func (s *Stage) Run(ctx context.Context, img *imaging.Image, mask *detail.Mask, hooks Hooks) (*Result, error) {
	if img.Empty() {
		return nil, errors.New("super-resolution input is empty")
	}
	scale := s.model.Scale()
	if scale < 1 {
		return nil, fmt.Errorf("model %s reports invalid scale %d", s.model.Name(), scale)
	}

	src := img
	inputScale := 1.0
	outMP := float64(img.Width()) * float64(img.Height()) * float64(scale*scale) / 1e6
	if s.opts.MaxMegapixels > 0 && outMP > s.opts.MaxMegapixels {
		switch s.opts.Cap {
		case CapAbort:
			return nil, fmt.Errorf("%w: %.1f MP > %.1f MP", ErrOutputTooLarge, outMP, s.opts.MaxMegapixels)
		case CapDownscale:
			f := math.Sqrt(s.opts.MaxMegapixels / outMP)
			nw := max(1, int(float64(img.Width())*f))
			nh := max(1, int(float64(img.Height())*f))
			src = Resize(img, nw, nh, s.opts.Fallback)
			inputScale = float64(nw) / float64(img.Width())
			s.logger.Warn("Downscaling super-resolution input to honour cap",
				"from", fmt.Sprintf("%dx%d", img.Width(), img.Height()),
				"to", fmt.Sprintf("%dx%d", nw, nh),
				"cap_mp", s.opts.MaxMegapixels)
		case CapIgnore:
			s.logger.Warn("Super-resolution output exceeds cap", "output_mp", outMP, "cap_mp", s.opts.MaxMegapixels)
		}
	}

	tile := s.opts.TileSize
	if t := s.model.TileSize(); t > 0 {
		tile = t
	}
	tile = max(tile, minTile)
	overlap := maxOverlap(s.opts.Overlap, tile)
	if overlap != s.opts.Overlap {
		s.logger.Debug("Shrinking tile overlap", "tile", tile, "overlap", s.opts.Overlap, "to", overlap)
	}
	w, h := src.Width(), src.Height()
	tiling := tiledinference.MakeTiling(w, h, tile, tile, overlap)
	total := tiling.NumX * tiling.NumY
	outs := make([]tileOutput, total)
	var done atomic.Int32

	err := s.pool.Each(ctx, total, func(i int) error {
		tx, ty := i%tiling.NumX, i/tiling.NumX
		r := tiling.TileRect(tx, ty)
		x0, y0 := max(0, int(r.X1)), max(0, int(r.Y1))
		x1, y1 := min(w, int(r.X2)), min(h, int(r.Y2))

		useModel := true
		if mask != nil {
			cx := float64(x0+x1) / 2 / inputScale
			cy := float64(y0+y1) / 2 / inputScale
			useModel = mask.At(int(cx), int(cy))
		}
		out, kind, err := s.processTile(ctx, src, x0, y0, x1, y1, tile, useModel)
		if err != nil {
			return err
		}
		outs[i] = tileOutput{
			x0: x0 * scale, y0: y0 * scale, x1: x1 * scale, y1: y1 * scale,
			img: out, kind: kind,
		}
		if tx > 0 {
			outs[i].left = float32((int(tiling.TileRect(tx-1, ty).X2) - x0) * scale)
		}
		if tx < tiling.NumX-1 {
			outs[i].right = float32((x1 - int(tiling.TileRect(tx+1, ty).X1)) * scale)
		}
		if ty > 0 {
			outs[i].top = float32((int(tiling.TileRect(tx, ty-1).Y2) - y0) * scale)
		}
		if ty < tiling.NumY-1 {
			outs[i].bottom = float32((y1 - int(tiling.TileRect(tx, ty+1).Y1)) * scale)
		}

		n := int(done.Add(1))
		if hooks.Tile != nil {
			hooks.Tile(n, total)
		}
		if hooks.Checkpoint != nil && n%s.opts.CheckpointEvery == 0 {
			s.cpMu.Lock()
			defer s.cpMu.Unlock()
			return hooks.Checkpoint(ctx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Tiles: total, InputScale: inputScale}
	for _, o := range outs {
		switch o.kind {
		case tileModel:
			res.ModelTiles++
		case tileInterpolated:
			res.InterpolatedTiles++
		case tileFailed:
			res.FailedTiles++
		}
	}
	if res.FailedTiles > 0 && res.ModelTiles == 0 {
		return nil, fmt.Errorf("%w: %d tiles via %s", ErrAllTilesFailed, res.FailedTiles, s.model.Name())
	}

	out, err := s.blend(ctx, outs, w*scale, h*scale)
	if err != nil {
		return nil, err
	}
	res.Image = out
	res.Scale = float64(out.Width()) / float64(img.Width())
	s.logger.Debug("Super-resolution finished",
		"model", s.model.Name(),
		"tiles", res.Tiles,
		"model_tiles", res.ModelTiles,
		"interpolated", res.InterpolatedTiles,
		"failed", res.FailedTiles)
	return res, nil
}

// minTile is the smallest tile edge the stage lays out.
const minTile = 8

// maxOverlap limits overlap to below half the tile, which the tile layout
// requires.
func maxOverlap(overlap, tile int) int {
	return max(0, min(overlap, tile/2-1))
}

// fallbackMargin gives the interpolation kernel real context around a tile
// so neighbouring interpolated tiles agree in the overlap.
const fallbackMargin = 3

func (s *Stage) processTile(ctx context.Context, src *imaging.Image, x0, y0, x1, y1, tile int, useModel bool) (*imaging.Image, tileKind, error) {
	scale := s.model.Scale()
	if !useModel {
		return s.interpolate(src, x0, y0, x1, y1), tileInterpolated, nil
	}

	crop := src.Crop(x0, y0, x1, y1)
	in := crop
	if s.model.TileSize() > 0 {
		in = crop.PadTo(tile, tile)
	}
	pix, ow, oh, err := s.model.Run(ctx, in.Pix, in.Width(), in.Height())
	if err == nil && (ow != in.Width()*scale || oh != in.Height()*scale) {
		err = fmt.Errorf("model returned %dx%d for %dx%d input at scale %d", ow, oh, in.Width(), in.Height(), scale)
	}
	var out *imaging.Image
	if err == nil {
		out, err = imaging.WrapImage(ow, oh, pix)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		s.logger.Debug("Model failed on tile, interpolating", "x", x0, "y", y0, "error", err)
		return s.interpolate(src, x0, y0, x1, y1), tileFailed, nil
	}
	out = out.Crop(0, 0, crop.Width()*scale, crop.Height()*scale)
	if s.opts.Strength < 1 {
		base := s.interpolate(src, x0, y0, x1, y1)
		t := s.opts.Strength
		for i := range out.Pix {
			out.Pix[i] = base.Pix[i] + t*(out.Pix[i]-base.Pix[i])
		}
	}
	return out, tileModel, nil
}

func (s *Stage) interpolate(src *imaging.Image, x0, y0, x1, y1 int) *imaging.Image {
	scale := s.model.Scale()
	ex0, ey0 := max(0, x0-fallbackMargin), max(0, y0-fallbackMargin)
	ex1, ey1 := min(src.Width(), x1+fallbackMargin), min(src.Height(), y1+fallbackMargin)
	ext := src.Crop(ex0, ey0, ex1, ey1)
	up := Resize(ext, ext.Width()*scale, ext.Height()*scale, s.opts.Fallback)
	ox, oy := (x0-ex0)*scale, (y0-ey0)*scale
	return up.Crop(ox, oy, ox+(x1-x0)*scale, oy+(y1-y0)*scale)
}

// featherWeight ramps linearly across the overlap with a neighbouring tile.
// Two tiles sharing a band get weights that sum to one.
func featherWeight(pos, lo, hi int, bandLo, bandHi float32) float32 {
	w := float32(1)
	if bandLo > 0 {
		w = min(w, (float32(pos-lo)+0.5)/bandLo)
	}
	if bandHi > 0 {
		w = min(w, (float32(hi-pos)-0.5)/bandHi)
	}
	return w
}

func (s *Stage) blend(ctx context.Context, tiles []tileOutput, width, height int) (*imaging.Image, error) {
	out := imaging.NewImage(width, height)
	err := s.pool.Rows(ctx, height, func(lo, hi int) {
		acc := make([]float32, width*3)
		wsum := make([]float32, width)
		for y := lo; y < hi; y++ {
			clear(acc)
			clear(wsum)
			for _, t := range tiles {
				if y < t.y0 || y >= t.y1 {
					continue
				}
				wy := featherWeight(y, t.y0, t.y1, t.top, t.bottom)
				row := (y - t.y0) * t.img.Width() * 3
				for x := t.x0; x < t.x1; x++ {
					wt := wy * featherWeight(x, t.x0, t.x1, t.left, t.right)
					si := row + (x-t.x0)*3
					acc[x*3] += wt * t.img.Pix[si]
					acc[x*3+1] += wt * t.img.Pix[si+1]
					acc[x*3+2] += wt * t.img.Pix[si+2]
					wsum[x] += wt
				}
			}
			for x := 0; x < width; x++ {
				if wsum[x] <= 0 {
					continue
				}
				out.Set(x, y, imaging.RGB{R: acc[x*3] / wsum[x], G: acc[x*3+1] / wsum[x], B: acc[x*3+2] / wsum[x]})
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Blend mixes enhanced into base with strength t in [0,1]. Both images
// must share dimensions.
func Blend(base, enhanced *imaging.Image, t float32) (*imaging.Image, error) {
	if base.Width() != enhanced.Width() || base.Height() != enhanced.Height() {
		return nil, fmt.Errorf("blend size mismatch: %dx%d vs %dx%d", base.Width(), base.Height(), enhanced.Width(), enhanced.Height())
	}
	t = max(0, min(1, t))
	out := base.Clone()
	for i := range out.Pix {
		out.Pix[i] += t * (enhanced.Pix[i] - out.Pix[i])
	}
	return out, nil
}
