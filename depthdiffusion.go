// Package depthdiffusion generates images conditioned on the depth of an
// input picture.
//
// A request runs in four stages: a tiled monocular depth estimator produces
// a depth map at high resolution, the map is inverted into an 8-bit
// visualisation (near is bright), a depth ControlNet samples new images from
// that conditioning plus a prompt, and every output is resized back to the
// input size. The gallery is ordered depth first, then the samples.
//
// Basic usage:
//
//	cfg, err := config.Load(config.GetConfigPath())
//	if err != nil {
//		log.Fatal(err)
//	}
//	svc, err := depthdiffusion.New(ctx, cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close()
//
//	params, _ := cfg.Params()
//	params.Prompt = "a cabin in a snowy forest"
//	run, err := svc.ProcessFile(ctx, "photo.jpg", params)
//
// Model backends live behind small interfaces:
//
//  1. Depth (pkg/depth): local ONNX Runtime with tiling, or a remote service
//  2. Diffusion (pkg/diffusion): a ControlNet sampling service or an
//     AUTOMATIC1111 webui with the ControlNet extension
//  3. Captioning (pkg/caption): optional vision LLM used when the prompt is empty
//
// Galleries are written by pkg/store to a directory or an S3 bucket.
package depthdiffusion

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/internal/config"
	"github.com/menta2k/depth-diffusion/internal/utils"
	"github.com/menta2k/depth-diffusion/pkg/analyzer"
	"github.com/menta2k/depth-diffusion/pkg/caption"
	"github.com/menta2k/depth-diffusion/pkg/client"
	"github.com/menta2k/depth-diffusion/pkg/depth"
	"github.com/menta2k/depth-diffusion/pkg/depth/onnx"
	"github.com/menta2k/depth-diffusion/pkg/depth/remote"
	"github.com/menta2k/depth-diffusion/pkg/diffusion"
	"github.com/menta2k/depth-diffusion/pkg/diffusion/runner"
	"github.com/menta2k/depth-diffusion/pkg/diffusion/webui"
	"github.com/menta2k/depth-diffusion/pkg/hub"
	"github.com/menta2k/depth-diffusion/pkg/llamacpp"
	"github.com/menta2k/depth-diffusion/pkg/ollama"
	"github.com/menta2k/depth-diffusion/pkg/pipeline"
	"github.com/menta2k/depth-diffusion/pkg/processing"
	"github.com/menta2k/depth-diffusion/pkg/store"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// Version of the depth-diffusion library
const Version = "1.0.0"

// Service is a configured pipeline plus its output sink
type Service struct {
	pipeline  *pipeline.Pipeline
	sink      store.Sink
	format    string
	processor *processing.Processor
	inputs    *analyzer.ImageAnalyzer
	logger    *zap.Logger
	closers   []func() error
}

// Run is the outcome of ProcessFile
type Run struct {
	*pipeline.Result
	// Locations lists where each gallery image was saved, in gallery order
	Locations []string
}

// New builds every backend named in cfg. Model files are downloaded from
// the hub before any backend is created.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		format:    cfg.Output.Format,
		processor: processing.NewProcessor(),
		inputs:    analyzer.New(),
		logger:    logger,
	}

	models, err := hub.New(hub.Options{
		Endpoint: cfg.Hub.Endpoint,
		CacheDir: cfg.Hub.CacheDir,
		Token:    cfg.Hub.Token,
		Logger:   logger.Named("hub"),
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.Hub.Artifacts) > 0 {
		if _, err := models.FetchAll(ctx, cfg.Hub.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to fetch models: %w", err)
		}
	}

	estimator, err := s.buildEstimator(ctx, cfg, models)
	if err != nil {
		s.Close()
		return nil, err
	}
	generator, err := buildGenerator(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger.Named("pipeline"))}
	if captioner, err := buildCaptioner(cfg, logger); err != nil {
		s.Close()
		return nil, err
	} else if captioner != nil {
		opts = append(opts, pipeline.WithCaptioner(captioner))
	}
	s.pipeline = pipeline.New(estimator, generator, opts...)

	s.sink, err = buildSink(ctx, cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewWithBackends wires a Service from already built parts
func NewWithBackends(p *pipeline.Pipeline, sink store.Sink, format string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pipeline:  p,
		sink:      sink,
		format:    format,
		processor: processing.NewProcessor(),
		inputs:    analyzer.New(),
		logger:    logger,
	}
}

// Pipeline exposes the underlying pipeline, e.g. for the web server
func (s *Service) Pipeline() *pipeline.Pipeline {
	return s.pipeline
}

// ProcessFile loads source (path or URL), runs the pipeline and saves the
// gallery when a sink is configured.
func (s *Service) ProcessFile(ctx context.Context, source string, params types.Params) (*Run, error) {
	img, err := s.processor.LoadImageSmart(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := s.inputs.ValidateImage(img); err != nil {
		return nil, err
	}

	result, err := s.pipeline.Process(ctx, img, params)
	if err != nil {
		return nil, err
	}

	run := &Run{Result: result}
	if s.sink == nil {
		return run, nil
	}
	run.Locations, err = store.SaveGallery(ctx, s.sink, utils.BaseName(source), s.format, result.Images)
	if err != nil {
		return run, err
	}
	return run, nil
}

// Close releases model sessions
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Service) buildEstimator(ctx context.Context, cfg *config.Config, models *hub.Hub) (depth.Estimator, error) {
	logger := s.logger.Named("depth")
	switch cfg.Depth.Backend {
	case "remote":
		return remote.NewClient(cfg.Depth.URL, cfg.Depth.Checkpoint, logger)
	case "onnx":
		modelPath := cfg.Depth.ModelPath
		if modelPath == "" {
			path, err := models.Fetch(ctx, cfg.Depth.Model)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch depth model: %w", err)
			}
			modelPath = path
		}

		opts := onnx.DefaultOptions()
		opts.ModelPath = modelPath
		opts.SharedLibraryPath = cfg.Depth.SharedLibraryPath
		if cfg.Depth.InputName != "" {
			opts.InputName = cfg.Depth.InputName
		}
		if cfg.Depth.OutputName != "" {
			opts.OutputName = cfg.Depth.OutputName
		}
		if cfg.Depth.InputWidth > 0 && cfg.Depth.InputHeight > 0 {
			opts.InputWidth = cfg.Depth.InputWidth
			opts.InputHeight = cfg.Depth.InputHeight
		}
		if cfg.Depth.OutputRank != 0 {
			opts.OutputRank = cfg.Depth.OutputRank
		}

		predictor, err := onnx.NewPredictor(opts, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, predictor.Close)
		return depth.NewTiledEstimator(predictor,
			depth.WithTileSeed(cfg.Depth.TileSeed),
			depth.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unknown depth backend %q", cfg.Depth.Backend)
	}
}

func buildGenerator(cfg *config.Config, logger *zap.Logger) (diffusion.Generator, error) {
	logger = logger.Named("diffusion")
	switch cfg.Diffusion.Backend {
	case "runner":
		return runner.NewClient(cfg.Diffusion.URL, cfg.Diffusion.Checkpoint, logger)
	case "webui":
		return webui.NewClient(cfg.Diffusion.URL, cfg.Diffusion.Model, logger)
	default:
		return nil, fmt.Errorf("unknown diffusion backend %q", cfg.Diffusion.Backend)
	}
}

// buildCaptioner returns nil when captioning is disabled
func buildCaptioner(cfg *config.Config, logger *zap.Logger) (pipeline.Captioner, error) {
	var (
		vc  client.VisionClient
		err error
	)
	switch cfg.Caption.Backend {
	case "":
		return nil, nil
	case "ollama":
		vc, err = ollama.NewClient(cfg.Caption.URL)
	case "llamacpp":
		vc, err = llamacpp.NewClient(cfg.Caption.URL)
	default:
		return nil, fmt.Errorf("unknown caption backend %q", cfg.Caption.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Caption.Backend, err)
	}
	opts := []caption.Option{
		caption.WithMaxDim(cfg.Caption.MaxDim),
		caption.WithLogger(logger.Named("caption")),
	}
	if cfg.Caption.Instruction != "" {
		opts = append(opts, caption.WithPrompt(cfg.Caption.Instruction))
	}
	return caption.New(vc, cfg.Caption.Model, opts...), nil
}

func buildSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Sink, error) {
	format := store.Format{Name: cfg.Output.Format, Quality: cfg.Output.Quality, Lossless: cfg.Output.Lossless}
	logger = logger.Named("store")
	switch cfg.Output.Sink {
	case "local":
		return store.NewLocalSink(cfg.Output.Dir, format, logger)
	case "s3":
		return store.NewS3Sink(ctx, cfg.Output.S3, format, logger)
	default:
		return nil, fmt.Errorf("unknown output sink %q", cfg.Output.Sink)
	}
}
