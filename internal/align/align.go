// Package align refines a geometric prior into a per-tile displacement
// field using coarse-to-fine block matching over luminance pyramids.
package align

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"burstfuse/internal/imaging"
	"burstfuse/internal/motion"
	"burstfuse/internal/parallel"
)

// Options controls the block matcher.
type Options struct {
	TileSize int `json:"tile_size"`
	// SearchRadius is used at the coarsest level when no prior is available.
	SearchRadius int `json:"search_radius"`
	// SeededRadius replaces SearchRadius when a prior homography is supplied.
	SeededRadius int `json:"seeded_radius"`
	// Levels caps the pyramid depth. Levels whose tiles would shrink below
	// minCoarseTile pixels are not built.
	Levels        int     `json:"levels"`
	MinConfidence float32 `json:"min_confidence"`
	// RejectRatio discards sub-pixel refinement whose cost exceeds the
	// integer minimum by this factor.
	RejectRatio float32 `json:"reject_ratio"`
}

func DefaultOptions() Options {
	return Options{
		TileSize:      32,
		SearchRadius:  8,
		SeededRadius:  2,
		Levels:        4,
		MinConfidence: 0.1,
		RejectRatio:   1.1,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TileSize <= 0 {
		o.TileSize = d.TileSize
	}
	if o.SearchRadius <= 0 {
		o.SearchRadius = d.SearchRadius
	}
	if o.SeededRadius <= 0 {
		o.SeededRadius = d.SeededRadius
	}
	if o.Levels <= 0 {
		o.Levels = d.Levels
	}
	if o.RejectRatio <= 1 {
		o.RejectRatio = d.RejectRatio
	}
	return o
}

// Stats summarises one alignment.
type Stats struct {
	Tiles          int     `json:"tiles"`
	Refined        int     `json:"refined"`
	SeedOnly       int     `json:"seed_only"`
	Pattern        int     `json:"pattern"`
	MeanConfidence float64 `json:"mean_confidence"`
	MeanDX         float64 `json:"mean_dx"`
	MeanDY         float64 `json:"mean_dy"`
}

// Reference holds the pyramid of the reference frame, built once per run.
type Reference struct {
	Width, Height int
	levels        []*imaging.Gray
	hpOnce        sync.Once
	hp            *imaging.Gray
}

func (r *Reference) highPass() *imaging.Gray {
	r.hpOnce.Do(func() { r.hp = imaging.HighPass(r.levels[0]) })
	return r.hp
}

type Aligner struct {
	opts Options
	pool *parallel.Pool
	log  *slog.Logger
}

func New(opts Options, pool *parallel.Pool, logger *slog.Logger) *Aligner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aligner{opts: opts.withDefaults(), pool: pool, log: logger}
}

func (a *Aligner) Options() Options { return a.opts }

// minCoarseTile is the smallest tile edge searched at any pyramid level.
// Smaller tiles alias fine texture into false minima.
const minCoarseTile = 16

// levels returns the usable pyramid depth for the configured tile size.
func (o Options) levels() int {
	n := 1
	for n < o.Levels && o.TileSize>>n >= minCoarseTile {
		n++
	}
	return n
}

func (a *Aligner) pyramid(src imaging.Source) []*imaging.Gray {
	return imaging.Pyramid(imaging.LumaOf(src), a.opts.levels(), minCoarseTile)
}

// Prepare builds the reference pyramid.
func (a *Aligner) Prepare(ref imaging.Source) *Reference {
	return &Reference{Width: ref.Width(), Height: ref.Height(), levels: a.pyramid(ref)}
}

type region struct{ x0, y0, x1, y1 int }

// seedMargin is the cost ratio a searched offset must reach against the
// prior's offset to replace it.
const seedMargin = 0.9

// priorConfidence is assigned to tiles that keep the geometric prior.
const priorConfidence = 0.5

type tileKind uint8

const (
	tileSeed tileKind = iota
	tileBlock
	tilePattern
)

// scaled maps r onto a pyramid level of size w x h, keeping at least one pixel.
func (r region) scaled(level, w, h int) region {
	s := region{r.x0 >> level, r.y0 >> level, r.x1 >> level, r.y1 >> level}
	s.x0 = min(s.x0, w-1)
	s.y0 = min(s.y0, h-1)
	s.x1 = min(max(s.x1, s.x0+1), w)
	s.y1 = min(max(s.y1, s.y0+1), h)
	return s
}

// Align estimates the displacement field of target against ref. seed maps
// target coordinates to reference coordinates; pass motion.Identity() when
// no prior exists. When pattern is set, tiles the block matcher cannot
// resolve are retried by correlating the embedded high-frequency pattern.
func (a *Aligner) Align(ctx context.Context, ref *Reference, target imaging.Source, seed motion.Homography, pattern bool) (*Field, Stats, error) {
	if target.Width() != ref.Width || target.Height() != ref.Height {
		return nil, Stats{}, fmt.Errorf("target is %dx%d, reference is %dx%d", target.Width(), target.Height(), ref.Width, ref.Height)
	}
	seed = seed.Sanitize()
	seeded := !isIdentity(seed)
	inv := seed.Inverse()

	tgt := a.pyramid(target)
	nLevels := min(len(tgt), len(ref.levels))
	var tgtHP *imaging.Gray
	if pattern {
		tgtHP = imaging.HighPass(tgt[0])
	}

	field := NewField(ref.Width, ref.Height, a.opts.TileSize)
	kinds := make([]tileKind, len(field.Vectors))
	radius := a.opts.SearchRadius
	if seeded {
		radius = a.opts.SeededRadius
	}

	err := a.pool.Each(ctx, field.TilesY, func(ty int) error {
		for tx := 0; tx < field.TilesX; tx++ {
			x0, y0 := tx*field.TileSize, ty*field.TileSize
			r := region{x0, y0, min(x0+field.TileSize, ref.Width), min(y0+field.TileSize, ref.Height)}
			cx, cy := float64(r.x0+r.x1)/2, float64(r.y0+r.y1)/2
			sdx, sdy := seedAt(inv, cx, cy)
			v := a.alignTile(ref.levels[:nLevels], tgt[:nLevels], r, sdx, sdy, radius)
			kind := tileSeed
			if v.Refined {
				kind = tileBlock
			} else if pattern {
				if pv, ok := correlateTile(ref.highPass(), tgtHP, r, sdx, sdy, a.opts.SearchRadius); ok {
					v, kind = pv, tilePattern
				}
			}
			field.Vectors[ty*field.TilesX+tx] = v
			kinds[ty*field.TilesX+tx] = kind
		}
		return nil
	})
	if err != nil {
		return nil, Stats{}, err
	}

	st := Stats{Tiles: len(field.Vectors)}
	var conf float64
	for i, v := range field.Vectors {
		conf += float64(v.Confidence)
		switch kinds[i] {
		case tilePattern:
			st.Pattern++
		case tileBlock:
			st.Refined++
		default:
			st.SeedOnly++
		}
	}
	if st.Tiles > 0 {
		st.MeanConfidence = conf / float64(st.Tiles)
	}
	st.MeanDX, st.MeanDY = field.Mean()
	a.log.Debug("aligned frame", "tiles", st.Tiles, "refined", st.Refined, "seed_only", st.SeedOnly, "pattern", st.Pattern, "mean_dx", st.MeanDX, "mean_dy", st.MeanDY)
	return field, st, nil
}

func isIdentity(h motion.Homography) bool {
	for i, v := range h.M {
		if math.Abs(v-motion.Identity3[i]) > 1e-12 {
			return false
		}
	}
	return true
}

// alignTile runs the coarse-to-fine search for one tile. The returned vector
// keeps the seed when the cost surface is flat or the match is weak.
func (a *Aligner) alignTile(ref, tgt []*imaging.Gray, r region, sdx, sdy float32, radius int) Vector {
	seedVec := Vector{DX: sdx, DY: sdy, Confidence: priorConfidence}
	coarsest := len(ref) - 1
	s := float32(int(1) << coarsest)
	bx := int(math.Round(float64(sdx / s)))
	by := int(math.Round(float64(sdy / s)))

	for level := coarsest; level >= 0; level-- {
		rad := 1
		switch {
		case level == coarsest:
			rad = radius
		case level > 0:
			rad = 2
		}
		lr := r.scaled(level, ref[level].Width(), ref[level].Height())
		bx, by, _ = searchInt(ref[level], tgt[level], lr, bx, by, rad)
		if level > 0 {
			bx, by = bx*2, by*2
		}
	}

	// A search result must beat the prior clearly, otherwise refine around
	// the prior.
	sx := int(math.Round(float64(sdx)))
	sy := int(math.Round(float64(sdy)))
	if bx != sx || by != sy {
		seedCost := costInt(ref[0], tgt[0], r, sx, sy)
		if costInt(ref[0], tgt[0], r, bx, by) > seedCost*seedMargin {
			bx, by = sx, sy
		}
	}

	// 3x3 cost neighbourhood around the integer minimum at full resolution
	var c [3][3]float32
	for j := -1; j <= 1; j++ {
		for i := -1; i <= 1; i++ {
			c[j+1][i+1] = costInt(ref[0], tgt[0], r, bx+i, by+j)
		}
	}
	c0 := c[1][1]
	curvX := c[1][0] - 2*c0 + c[1][2]
	curvY := c[0][1] - 2*c0 + c[2][1]
	if curvX <= 1e-6 || curvY <= 1e-6 {
		return seedVec
	}
	conf := min(float32(1), (curvX+curvY)*0.5*10)
	if conf < a.opts.MinConfidence {
		seedVec.Confidence = min(conf, priorConfidence)
		return seedVec
	}

	v := Vector{DX: float32(bx), DY: float32(by), Confidence: conf, Refined: true}
	if c0 == 0 {
		return v
	}
	subX := clampHalf((c[1][0] - c[1][2]) / (2 * curvX))
	subY := clampHalf((c[0][1] - c[2][1]) / (2 * curvY))
	if subX == 0 && subY == 0 {
		return v
	}
	refined := costSub(ref[0], tgt[0], r, float32(bx)+subX, float32(by)+subY)
	if refined > c0*a.opts.RejectRatio {
		v.Confidence *= 0.5
		return v
	}
	v.DX += subX
	v.DY += subY
	return v
}

func clampHalf(v float32) float32 {
	if v != v {
		return 0
	}
	return max(-0.5, min(0.5, v))
}

// searchInt finds the integer offset minimising the mean absolute
// difference within radius of (cx,cy). Ties prefer the offset nearest the
// centre so periodic texture does not pull the estimate away.
func searchInt(ref, tgt *imaging.Gray, r region, cx, cy, radius int) (int, int, float32) {
	bestX, bestY := cx, cy
	best := costInt(ref, tgt, r, cx, cy)
	bestDist := 0
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			cost := costInt(ref, tgt, r, cx+dx, cy+dy)
			dist := dx*dx + dy*dy
			if cost < best-1e-9 || (cost <= best+1e-9 && dist < bestDist) {
				best, bestX, bestY, bestDist = cost, cx+dx, cy+dy, dist
			}
		}
	}
	return bestX, bestY, best
}

func costInt(ref, tgt *imaging.Gray, r region, ox, oy int) float32 {
	var sum float32
	for y := r.y0; y < r.y1; y++ {
		for x := r.x0; x < r.x1; x++ {
			d := ref.At(x, y) - tgt.AtClamped(x+ox, y+oy)
			if d < 0 {
				d = -d
			}
			sum += d
		}
	}
	return sum / float32((r.x1-r.x0)*(r.y1-r.y0))
}

func costSub(ref, tgt *imaging.Gray, r region, ox, oy float32) float32 {
	var sum float32
	for y := r.y0; y < r.y1; y++ {
		for x := r.x0; x < r.x1; x++ {
			d := ref.At(x, y) - tgt.Bilinear(float32(x)+ox, float32(y)+oy)
			if d < 0 {
				d = -d
			}
			sum += d
		}
	}
	return sum / float32((r.x1-r.x0)*(r.y1-r.y0))
}
