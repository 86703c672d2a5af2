// Package analyzer checks input images before they reach the pipeline
package analyzer

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	_ "golang.org/x/image/webp"

	"github.com/menta2k/depth-diffusion/pkg/processing"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// ImageAnalyzer decodes and validates input images
type ImageAnalyzer struct {
	config Config
}

// Config holds the input limits
type Config struct {
	SupportedFormats []string
	// MinImageSize is the smallest accepted width or height
	MinImageSize int
	// MaxPixels caps width*height; 0 disables the check
	MaxPixels int
}

// DefaultConfig accepts the formats the form advertises
func DefaultConfig() Config {
	return Config{
		SupportedFormats: []string{"jpeg", "png", "gif", "webp"},
		MinImageSize:     8,
		MaxPixels:        64 << 20,
	}
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	return &ImageAnalyzer{config: config}
}

// LoadImage loads and validates an image from file
func (a *ImageAnalyzer) LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()

	return a.LoadImageFromReader(file)
}

// LoadImageFromReader decodes and validates an image. Decode failures,
// unsupported formats and out-of-range sizes wrap types.ErrInvalidParams.
func (a *ImageAnalyzer) LoadImageFromReader(reader io.Reader) (image.Image, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		if !a.isFormatSupported(format) {
			return nil, fmt.Errorf("%w: unsupported image format: %s", types.ErrInvalidParams, format)
		}
		if err := a.checkSize(cfg.Width, cfg.Height); err != nil {
			return nil, err
		}
	}

	img, err := processing.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode image: %v", types.ErrInvalidParams, err)
	}
	if err := a.ValidateImage(img); err != nil {
		return nil, err
	}
	return img, nil
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// ValidateImage checks if an image meets the size limits
func (a *ImageAnalyzer) ValidateImage(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: image is nil", types.ErrInvalidParams)
	}
	b := img.Bounds()
	return a.checkSize(b.Dx(), b.Dy())
}

func (a *ImageAnalyzer) checkSize(w, h int) error {
	if w < a.config.MinImageSize || h < a.config.MinImageSize {
		return fmt.Errorf("%w: image too small: %dx%d (minimum: %d)",
			types.ErrInvalidParams, w, h, a.config.MinImageSize)
	}
	if a.config.MaxPixels > 0 && w*h > a.config.MaxPixels {
		return fmt.Errorf("%w: image too large: %dx%d (maximum: %d pixels)",
			types.ErrInvalidParams, w, h, a.config.MaxPixels)
	}
	return nil
}
