//go:build cgo
// +build cgo

package onnx

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/pkg/tensor"
)

// Predictor owns one ONNX Runtime session. The session is created lazily and
// destroyed by Offload, so device memory is held only while depth runs.
type Predictor struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewPredictor initialises the runtime environment. The model itself is not
// loaded until the first Predict call.
func NewPredictor(opts Options, logger *zap.Logger) (*Predictor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !ort.IsInitialized() {
		if lib := opts.sharedLibrary(); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialise onnxruntime: %w", err)
		}
	}
	return &Predictor{opts: opts, logger: logger}, nil
}

// Predict runs the model on img and returns a depth grid of the same size
func (p *Predictor) Predict(ctx context.Context, img image.Image) (*tensor.Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureSession(); err != nil {
		return nil, err
	}

	w, h := int64(p.opts.InputWidth), int64(p.opts.InputHeight)
	input, err := ort.NewTensor(ort.NewShape(1, 3, h, w), Preprocess(img, p.opts))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	outShape := ort.NewShape(1, 1, h, w)
	if p.opts.OutputRank == 3 {
		outShape = ort.NewShape(1, h, w)
	}
	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := p.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("depth inference failed: %w", err)
	}

	// GetData aliases tensor memory that is freed on return
	raw := output.GetData()
	data := make([]float32, len(raw))
	copy(data, raw)

	b := img.Bounds()
	return Postprocess(data, p.opts, b.Dx(), b.Dy())
}

// Offload destroys the session; the next Predict rebuilds it
func (p *Predictor) Offload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Destroy()
	p.session = nil
	p.logger.Debug("depth session offloaded", zap.String("model", p.opts.ModelPath))
	return err
}

// Close releases the session. The shared runtime environment stays up for
// other predictors in the process.
func (p *Predictor) Close() error {
	return p.Offload(context.Background())
}

func (p *Predictor) ensureSession() error {
	if p.session != nil {
		return nil
	}
	s, err := ort.NewDynamicAdvancedSession(p.opts.ModelPath,
		[]string{p.opts.InputName}, []string{p.opts.OutputName}, nil)
	if err != nil {
		return fmt.Errorf("failed to load depth model %s: %w", p.opts.ModelPath, err)
	}
	p.session = s
	p.logger.Info("depth session loaded",
		zap.String("model", p.opts.ModelPath),
		zap.Int("input_width", p.opts.InputWidth),
		zap.Int("input_height", p.opts.InputHeight))
	return nil
}
