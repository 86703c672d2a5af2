//go:build !cgo
// +build !cgo

package onnx

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/pkg/tensor"
)

// Predictor is unavailable without cgo
type Predictor struct{}

// NewPredictor returns ErrCGORequired
func NewPredictor(opts Options, logger *zap.Logger) (*Predictor, error) {
	return nil, ErrCGORequired
}

// Predict returns ErrCGORequired
func (p *Predictor) Predict(ctx context.Context, img image.Image) (*tensor.Grid, error) {
	return nil, ErrCGORequired
}

// Offload is a no-op
func (p *Predictor) Offload(ctx context.Context) error { return nil }

// Close is a no-op
func (p *Predictor) Close() error { return nil }
