// Package pipeline sequences one depth-conditioned generation request:
// depth inference, depth normalisation, conditioning, sampling, and resizing
// of every output back to the input size.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/pkg/depth"
	"github.com/menta2k/depth-diffusion/pkg/diffusion"
	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// ErrResourceExhausted is returned when a backend ran out of device memory
var ErrResourceExhausted = types.ErrResourceExhausted

// Captioner describes an image in words; used when the prompt is empty
type Captioner interface {
	Caption(ctx context.Context, img image.Image) (string, error)
}

// Result is the ordered gallery of one run: the depth visualisation first,
// then exactly NumSamples generated images, all at the input size.
type Result struct {
	RunID  string        `json:"run_id"`
	Seed   int64         `json:"seed"`
	Prompt string        `json:"prompt"`
	Images []image.Image `json:"-"`
	Timing Timing        `json:"timing"`
}

// Depth returns the depth visualisation
func (r *Result) Depth() image.Image {
	return r.Images[0]
}

// Samples returns the generated images
func (r *Result) Samples() []image.Image {
	return r.Images[1:]
}

// Timing records stage durations
type Timing struct {
	Depth     time.Duration `json:"depth"`
	Diffusion time.Duration `json:"diffusion"`
	Total     time.Duration `json:"total"`
}

// Pipeline owns the compute device: Process runs one request at a time
type Pipeline struct {
	estimator depth.Estimator
	generator diffusion.Generator
	captioner Captioner
	logger    *zap.Logger
	seeds     func(int64) int64

	mu sync.Mutex
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithCaptioner fills empty prompts with an image description
func WithCaptioner(c Captioner) Option {
	return func(p *Pipeline) { p.captioner = c }
}

// WithLogger attaches a logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a pipeline over a depth estimator and a diffusion generator
func New(estimator depth.Estimator, generator diffusion.Generator, opts ...Option) *Pipeline {
	p := &Pipeline{
		estimator: estimator,
		generator: generator,
		logger:    zap.NewNop(),
		seeds:     diffusion.ResolveSeed,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the full request. Params are validated before any inference.
func (p *Pipeline) Process(ctx context.Context, img image.Image, params types.Params) (*Result, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: input image is required", types.ErrInvalidParams)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: input image is empty", types.ErrInvalidParams)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	runID := uuid.New().String()
	log := p.logger.With(zap.String("run_id", runID))
	start := time.Now()

	if strings.TrimSpace(params.Prompt) == "" && p.captioner != nil {
		caption, err := p.captioner.Caption(ctx, img)
		if err != nil {
			log.Warn("captioning failed, keeping empty prompt", zap.Error(err))
		} else {
			params.Prompt = caption
			log.Info("prompt from caption", zap.String("prompt", caption))
		}
	}

	log.Info("processing request",
		zap.Int("width", w),
		zap.Int("height", h),
		zap.Int("num_samples", params.NumSamples),
		zap.Int("image_resolution", params.ImageResolution),
		zap.String("mode", string(params.Mode)))

	depthStart := time.Now()
	raw, err := p.estimator.EstimateDepth(ctx, img, depth.OptionsFromParams(params))
	if err != nil {
		return nil, classify("depth estimation", err)
	}
	p.offload(ctx, log)
	depthTime := time.Since(depthStart)

	res := params.ImageResolution
	vis, err := depth.Normalize(tensor.ResizeBicubic(raw, res, res))
	if err != nil {
		return nil, err
	}
	visImage, err := vis.Image()
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seed := p.seeds(params.Seed)
	req := diffusion.NewRequest(params, seed, vis.ControlBatch(params.NumSamples), visImage)

	diffStart := time.Now()
	samples, err := p.generator.Generate(ctx, req)
	if err != nil {
		return nil, classify("diffusion", err)
	}
	if err := diffusion.CheckSamples(samples, params.NumSamples); err != nil {
		return nil, err
	}
	diffTime := time.Since(diffStart)

	images := make([]image.Image, 0, len(samples)+1)
	full := tensor.ResizeBicubic(vis.Float, w, h)
	depthOut, err := tensor.ToRGBA(full, full, full)
	if err != nil {
		return nil, err
	}
	images = append(images, depthOut)
	for i, s := range samples {
		out, err := tensor.ResizeImageBicubic(s, w, h)
		if err != nil {
			return nil, fmt.Errorf("resize sample %d: %w", i, err)
		}
		images = append(images, out)
	}

	result := &Result{
		RunID:  runID,
		Seed:   seed,
		Prompt: req.Prompt,
		Images: images,
		Timing: Timing{Depth: depthTime, Diffusion: diffTime, Total: time.Since(start)},
	}
	log.Info("request complete",
		zap.Int64("seed", seed),
		zap.Duration("depth", depthTime),
		zap.Duration("diffusion", diffTime),
		zap.Duration("total", result.Timing.Total))
	return result, nil
}

// offload frees the depth model before sampling; failures only cost memory
func (p *Pipeline) offload(ctx context.Context, log *zap.Logger) {
	o, ok := p.estimator.(depth.Offloader)
	if !ok {
		return
	}
	if err := o.Offload(ctx); err != nil {
		log.Warn("depth model offload failed", zap.Error(err))
	}
}

func classify(stage string, err error) error {
	if errors.Is(err, ErrResourceExhausted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", stage, err)
	}
	if types.LooksOutOfMemory(err.Error()) {
		return fmt.Errorf("%s: %w: %v", stage, ErrResourceExhausted, err)
	}
	return fmt.Errorf("%s failed: %w", stage, err)
}
