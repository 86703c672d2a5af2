// Package diffusion describes one depth-conditioned sampling call and the
// pure helpers around it: prompt composition, seed resolution, control
// scales, latent shape, and decoding of raw samples into images.
package diffusion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

var (
	// ErrSampleCount is returned when a backend yields a different number of
	// images than requested
	ErrSampleCount = errors.New("diffusion: unexpected sample count")
	// ErrInvalidRequest wraps request validation failures
	ErrInvalidRequest = fmt.Errorf("diffusion: %w", types.ErrInvalidParams)
)

const (
	// ControlLayers is the number of ControlNet injection points (12 encoder
	// blocks plus the middle block)
	ControlLayers = 13
	// GuessModeDecay is the per-layer decay of control strength in guess mode
	GuessModeDecay = 0.825
	// LatentChannels and LatentFactor define the VAE latent geometry
	LatentChannels = 4
	LatentFactor   = 8
)

// Generator produces NumSamples images for a request
type Generator interface {
	Generate(ctx context.Context, req Request) ([]image.Image, error)
}

// Request is one sampling call
type Request struct {
	Prompt         string
	NegativePrompt string
	NumSamples     int
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	Eta            float64
	Seed           int64
	Strength       float64
	GuessMode      bool

	// Control is the [N,3,H,W] conditioning tensor in [0,1]
	Control *tensor.Batch
	// ControlImage is the depth visualisation, for backends that take images
	ControlImage image.Image
	// UncondControl reports whether the unconditional branch sees the control
	UncondControl bool
	// ControlScales has one entry per ControlNet layer
	ControlScales []float64
	LatentShape   [3]int
}

// NewRequest assembles a sampling request from form params, a resolved seed,
// and the depth conditioning.
func NewRequest(p types.Params, seed int64, control *tensor.Batch, controlImage image.Image) Request {
	return Request{
		Prompt:         ComposePrompt(p.Prompt, p.AddedPrompt),
		NegativePrompt: p.NegativePrompt,
		NumSamples:     p.NumSamples,
		Width:          p.ImageResolution,
		Height:         p.ImageResolution,
		Steps:          p.Steps,
		GuidanceScale:  p.Scale,
		Eta:            p.Eta,
		Seed:           seed,
		Strength:       p.Strength,
		GuessMode:      p.GuessMode,
		Control:        control,
		ControlImage:   controlImage,
		UncondControl:  !p.GuessMode,
		ControlScales:  ControlScales(p.Strength, p.GuessMode),
		LatentShape:    LatentShape(p.ImageResolution, p.ImageResolution),
	}
}

// Validate checks request consistency before it is sent to a backend
func (r Request) Validate() error {
	if r.NumSamples < 1 {
		return fmt.Errorf("%w: num_samples %d", ErrInvalidRequest, r.NumSamples)
	}
	if r.Width <= 0 || r.Height <= 0 || r.Width%LatentFactor != 0 || r.Height%LatentFactor != 0 {
		return fmt.Errorf("%w: size %dx%d must be positive multiples of %d", ErrInvalidRequest, r.Width, r.Height, LatentFactor)
	}
	if r.Steps < 1 {
		return fmt.Errorf("%w: steps %d", ErrInvalidRequest, r.Steps)
	}
	if r.Seed < 0 {
		return fmt.Errorf("%w: unresolved seed %d", ErrInvalidRequest, r.Seed)
	}
	if len(r.ControlScales) != ControlLayers {
		return fmt.Errorf("%w: %d control scales, want %d", ErrInvalidRequest, len(r.ControlScales), ControlLayers)
	}
	if r.Control != nil {
		if r.Control.N != r.NumSamples || r.Control.C != 3 || r.Control.H != r.Height || r.Control.W != r.Width {
			return fmt.Errorf("%w: control shape %v does not match [%d 3 %d %d]",
				ErrInvalidRequest, r.Control.Shape(), r.NumSamples, r.Height, r.Width)
		}
	}
	return nil
}

// ComposePrompt joins the user prompt and the added quality prompt
func ComposePrompt(prompt, added string) string {
	return prompt + ", " + added
}

// ControlScales returns the per-layer control strengths. Guess mode decays
// the strength geometrically towards the shallow layers:
// strength * 0.825^(12-i).
func ControlScales(strength float64, guessMode bool) []float64 {
	scales := make([]float64, ControlLayers)
	for i := range scales {
		if guessMode {
			scales[i] = strength * math.Pow(GuessModeDecay, float64(ControlLayers-1-i))
		} else {
			scales[i] = strength
		}
	}
	return scales
}

// LatentShape returns (C, H/8, W/8) for an image of the given size
func LatentShape(height, width int) [3]int {
	return [3]int{LatentChannels, height / LatentFactor, width / LatentFactor}
}

// DecodeSamples converts raw decoder output in [-1,1] (NCHW, 3 channels) into
// 8-bit images: clip(x*127.5 + 127.5, 0, 255).
func DecodeSamples(b *tensor.Batch) ([]image.Image, error) {
	if b.C != 3 {
		return nil, fmt.Errorf("%w: samples have %d channels, want 3", ErrInvalidRequest, b.C)
	}
	out := make([]image.Image, 0, b.N)
	for n := 0; n < b.N; n++ {
		var planes [3]*tensor.Grid
		for c := 0; c < 3; c++ {
			g := b.Channel(n, c)
			for i, v := range g.Data {
				g.Data[i] = v*127.5 + 127.5
			}
			planes[c] = g
		}
		img, err := tensor.ToRGBA(planes[0], planes[1], planes[2])
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// CheckSamples verifies that a backend returned exactly n images
func CheckSamples(images []image.Image, n int) error {
	if len(images) != n {
		return fmt.Errorf("%w: got %d, want %d", ErrSampleCount, len(images), n)
	}
	return nil
}
