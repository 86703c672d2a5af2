// Package onnx runs a depth model exported to ONNX through ONNX Runtime. It
// implements depth.PatchPredictor and depth.Offloader, so it is normally
// wrapped in a depth.TiledEstimator.
//
// Inference needs cgo and the onnxruntime shared library. Builds without cgo
// compile a stub whose methods return ErrCGORequired.
package onnx

import (
	"errors"
	"fmt"
	"os"
)

// ErrCGORequired is returned when ONNX inference is attempted without cgo support
var ErrCGORequired = errors.New("onnx depth backend requires CGO support; rebuild with CGO_ENABLED=1")

// Options configures the model and its preprocessing
type Options struct {
	// ModelPath points at the .onnx file
	ModelPath string
	// SharedLibraryPath is the onnxruntime library (.so/.dylib/.dll). When
	// empty, ONNXRUNTIME_SHARED_LIBRARY_PATH is used.
	SharedLibraryPath string

	InputName  string
	OutputName string

	// Model input size; every patch is resized to this before inference
	InputWidth  int
	InputHeight int

	MeanRGB   [3]float32
	StddevRGB [3]float32

	// OutputRank is 3 for [1,H,W] outputs, 4 for [1,1,H,W]
	OutputRank int
}

// DefaultOptions matches a 384x512 depth model with ImageNet normalisation
func DefaultOptions() Options {
	return Options{
		InputName:   "input",
		OutputName:  "output",
		InputWidth:  512,
		InputHeight: 384,
		MeanRGB:     [3]float32{0.485, 0.456, 0.406},
		StddevRGB:   [3]float32{0.229, 0.224, 0.225},
		OutputRank:  4,
	}
}

// Validate checks the options before a session is built
func (o Options) Validate() error {
	if o.ModelPath == "" {
		return errors.New("model path is required")
	}
	if o.InputWidth <= 0 || o.InputHeight <= 0 {
		return fmt.Errorf("invalid input size %dx%d", o.InputWidth, o.InputHeight)
	}
	if o.InputName == "" || o.OutputName == "" {
		return errors.New("input and output names must be provided")
	}
	if o.OutputRank != 3 && o.OutputRank != 4 {
		return fmt.Errorf("output rank must be 3 or 4, got %d", o.OutputRank)
	}
	return nil
}

func (o Options) sharedLibrary() string {
	if o.SharedLibraryPath != "" {
		return o.SharedLibraryPath
	}
	return os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
}
