// Package depth turns an input image into a dense depth map and prepares that
// map for conditioning: inverted 8-bit visualisation plus a [0,1] control
// tensor.
//
// The heavy model lives behind Estimator (whole image) or PatchPredictor (one
// patch at a time, wrapped by TiledEstimator).
package depth

import (
	"context"
	"errors"
	"image"

	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// ErrDegenerateDepth is returned when a depth map cannot be normalised
// (no finite values, or a non-positive maximum).
var ErrDegenerateDepth = errors.New("depth map is degenerate")

// Options selects the tiling strategy for one inference
type Options struct {
	Mode        types.TilingMode
	PatchNumber int
	Resolution  types.Resolution
	PatchSize   types.Resolution
}

// OptionsFromParams extracts the depth options from request params
func OptionsFromParams(p types.Params) Options {
	return Options{
		Mode:        p.Mode,
		PatchNumber: p.PatchNumber,
		Resolution:  p.ProcessingResolution,
		PatchSize:   p.PatchSize,
	}
}

// Estimator produces a metric depth map for an image. The returned grid has
// the processing resolution of opts, not the size of img.
type Estimator interface {
	EstimateDepth(ctx context.Context, img image.Image, opts Options) (*tensor.Grid, error)
}

// PatchPredictor runs the depth model on a single image or patch and returns
// a grid with the same width and height as img.
type PatchPredictor interface {
	Predict(ctx context.Context, img image.Image) (*tensor.Grid, error)
}

// Offloader is implemented by backends that can release device memory
// between requests. Offload is called right after depth inference.
type Offloader interface {
	Offload(ctx context.Context) error
}
