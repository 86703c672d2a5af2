// Package store persists gallery images produced by the pipeline, either on
// the local filesystem or in an S3-compatible bucket.
package store

import (
	"context"
	"fmt"
	"image"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/internal/utils"
	"github.com/menta2k/depth-diffusion/pkg/processing"
)

// Sink saves one encoded image under name and returns where it went
type Sink interface {
	Save(ctx context.Context, name string, img image.Image) (string, error)
}

// Format describes how images are encoded before saving
type Format struct {
	Name     string // png, jpg, webp
	Quality  int
	Lossless bool
}

// SaveGallery saves a run's images with names derived from base. The first
// image is the depth map, the rest are samples.
func SaveGallery(ctx context.Context, sink Sink, base, format string, images []image.Image) ([]string, error) {
	if len(images) == 0 {
		return nil, nil
	}
	names := utils.GalleryNames(base, len(images)-1, format)
	locations := make([]string, 0, len(images))
	for i, img := range images {
		loc, err := sink.Save(ctx, names[i], img)
		if err != nil {
			return locations, fmt.Errorf("save %s: %w", names[i], err)
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// LocalSink writes images into a directory
type LocalSink struct {
	dir       string
	format    Format
	processor *processing.Processor
	logger    *zap.Logger
}

// NewLocalSink creates dir if needed
func NewLocalSink(dir string, format Format, logger *zap.Logger) (*LocalSink, error) {
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSink{dir: dir, format: format, processor: processing.NewProcessor(), logger: logger}, nil
}

// Save writes img to dir/name
func (s *LocalSink) Save(ctx context.Context, name string, img image.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, name)
	if err := s.processor.SaveImage(img, path, s.format.Name, s.format.Quality, s.format.Lossless); err != nil {
		return "", err
	}
	s.logger.Debug("image saved", zap.String("path", path))
	return path, nil
}
