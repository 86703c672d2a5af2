package depth

import (
	"context"
	"fmt"
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// DefaultTileSeed seeds the random patch sampler so that depth inference is
// deterministic for identical inputs.
const DefaultTileSeed int64 = 2023

// TiledEstimator implements Estimator on top of a PatchPredictor. It predicts
// a coarse map for the whole image, predicts each patch, rescales every patch
// to agree with the coarse map over its region, and averages the overlaps.
type TiledEstimator struct {
	predictor PatchPredictor
	tileSeed  int64
	logger    *zap.Logger
}

// TiledOption configures a TiledEstimator
type TiledOption func(*TiledEstimator)

// WithTileSeed overrides the random patch seed
func WithTileSeed(seed int64) TiledOption {
	return func(e *TiledEstimator) { e.tileSeed = seed }
}

// WithLogger attaches a logger
func WithLogger(l *zap.Logger) TiledOption {
	return func(e *TiledEstimator) { e.logger = l }
}

// NewTiledEstimator wraps a patch predictor
func NewTiledEstimator(p PatchPredictor, opts ...TiledOption) *TiledEstimator {
	e := &TiledEstimator{
		predictor: p,
		tileSeed:  DefaultTileSeed,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EstimateDepth resizes img to opts.Resolution and runs tiled inference
func (e *TiledEstimator) EstimateDepth(ctx context.Context, img image.Image, opts Options) (*tensor.Grid, error) {
	res, patch := opts.Resolution, opts.PatchSize
	if res.Width <= 0 || res.Height <= 0 || patch.Width <= 0 || patch.Height <= 0 {
		return nil, fmt.Errorf("%w: resolution %s, patch %s", types.ErrInvalidResolution, res, patch)
	}
	if !patch.Fits(res) {
		return nil, fmt.Errorf("%w: patch %s larger than resolution %s", types.ErrInvalidParams, patch, res)
	}

	resized := imaging.Resize(img, res.Width, res.Height, imaging.CatmullRom)

	coarse, err := e.predict(ctx, resized)
	if err != nil {
		return nil, fmt.Errorf("coarse depth prediction failed: %w", err)
	}

	rects := PatchGrid(res, patch)
	if opts.Mode == types.ModeRandom {
		rng := rand.New(rand.NewSource(e.tileSeed))
		rects = append(rects, RandomPatches(rng, res, patch, opts.PatchNumber)...)
	}

	e.logger.Debug("tiled depth inference",
		zap.String("mode", string(opts.Mode)),
		zap.String("resolution", res.String()),
		zap.String("patch_size", patch.String()),
		zap.Int("patches", len(rects)))

	sum := tensor.NewGrid(res.Width, res.Height)
	count := make([]float32, res.Width*res.Height)

	for i, r := range rects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pred, err := e.predict(ctx, imaging.Crop(resized, r))
		if err != nil {
			return nil, fmt.Errorf("patch %d (%v) prediction failed: %w", i, r, err)
		}
		scale := alignScale(coarse, pred, r)
		for y := 0; y < r.Dy(); y++ {
			row := (r.Min.Y + y) * res.Width
			for x := 0; x < r.Dx(); x++ {
				idx := row + r.Min.X + x
				sum.Data[idx] += pred.Data[y*pred.Width+x] * scale
				count[idx]++
			}
		}
	}

	for i := range sum.Data {
		if count[i] > 0 {
			sum.Data[i] /= count[i]
		} else {
			sum.Data[i] = coarse.Data[i]
		}
	}
	return sum, nil
}

// Offload forwards to the predictor when it supports it
func (e *TiledEstimator) Offload(ctx context.Context) error {
	if o, ok := e.predictor.(Offloader); ok {
		return o.Offload(ctx)
	}
	return nil
}

// predict calls the model and makes sure the grid matches the input size
func (e *TiledEstimator) predict(ctx context.Context, img image.Image) (*tensor.Grid, error) {
	g, err := e.predictor.Predict(ctx, img)
	if err != nil {
		return nil, err
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if g.Width != w || g.Height != h {
		g = tensor.ResizeBicubic(g, w, h)
	}
	return g, nil
}

// alignScale returns the factor that matches the patch mean to the coarse
// mean over the same region. Patches with no usable signal keep scale 1.
func alignScale(coarse, patch *tensor.Grid, r image.Rectangle) float32 {
	cm := coarse.Mean(r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
	pm := patch.Mean(0, 0, patch.Width, patch.Height)
	if pm <= 1e-6 || cm <= 1e-6 {
		return 1
	}
	return float32(cm / pm)
}

// PatchGrid lays out half-overlapping patches over res. With the default 4K
// resolution and quarter-size patches this yields the 7x7 "P49" grid.
func PatchGrid(res, patch types.Resolution) []image.Rectangle {
	xs := gridPositions(res.Width, patch.Width)
	ys := gridPositions(res.Height, patch.Height)
	rects := make([]image.Rectangle, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			rects = append(rects, image.Rect(x, y, x+patch.Width, y+patch.Height))
		}
	}
	return rects
}

func gridPositions(length, size int) []int {
	stride := size / 2
	if stride < 1 {
		stride = 1
	}
	var pos []int
	last := 0
	for s := 0; s+size <= length; s += stride {
		pos = append(pos, s)
		last = s
	}
	if last+size < length {
		pos = append(pos, length-size)
	}
	return pos
}

// RandomPatches draws n patch rectangles fully inside res
func RandomPatches(rng *rand.Rand, res, patch types.Resolution, n int) []image.Rectangle {
	rects := make([]image.Rectangle, 0, n)
	for i := 0; i < n; i++ {
		x := rng.Intn(res.Width - patch.Width + 1)
		y := rng.Intn(res.Height - patch.Height + 1)
		rects = append(rects, image.Rect(x, y, x+patch.Width, y+patch.Height))
	}
	return rects
}
