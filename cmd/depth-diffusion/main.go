package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	depthdiffusion "github.com/menta2k/depth-diffusion"
	"github.com/menta2k/depth-diffusion/internal/config"
	"github.com/menta2k/depth-diffusion/internal/logging"
	"github.com/menta2k/depth-diffusion/internal/utils"
	"github.com/menta2k/depth-diffusion/pkg/types"
	"github.com/menta2k/depth-diffusion/pkg/webui"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup always happens
func run(args []string) int {
	fs := flag.NewFlagSet("depth-diffusion", flag.ContinueOnError)

	var configPath, in, outDir, format string
	var serve, dev, writeConfig, showVersion bool
	var addr string

	var prompt, addedPrompt, negativePrompt string
	var numSamples, imageResolution, steps, patchNumber int
	var guessMode bool
	var strength, scale, eta float64
	var seed int64
	var mode, resolution, patchSize string

	fs.StringVar(&configPath, "config", config.GetConfigPath(), "config file (YAML); missing file means defaults")
	fs.BoolVar(&writeConfig, "write-config", false, "write the effective configuration to -config and exit")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.BoolVar(&dev, "dev", false, "development logging (debug level, console encoder)")

	fs.BoolVar(&serve, "serve", false, "run the web form instead of processing -in")
	fs.StringVar(&addr, "addr", "", "listen address for -serve (overrides server.addr)")

	fs.StringVar(&in, "in", "", "input image path, directory or URL (jpg/png/gif/webp)")
	fs.StringVar(&outDir, "out", "", "output directory (overrides output.dir)")
	fs.StringVar(&format, "ext", "", "output format: png|jpg|webp (overrides output.format)")

	fs.StringVar(&prompt, "prompt", "", "prompt; empty uses the configured default or a caption")
	fs.StringVar(&addedPrompt, "a-prompt", "", "added prompt appended after a comma")
	fs.StringVar(&negativePrompt, "n-prompt", "", "negative prompt")
	fs.IntVar(&numSamples, "n", 0, "number of images (1-12)")
	fs.IntVar(&imageResolution, "image-resolution", 0, "diffusion resolution (256-1024, multiple of 64)")
	fs.IntVar(&steps, "steps", 0, "DDIM steps (1-100)")
	fs.BoolVar(&guessMode, "guess", false, "guess mode")
	fs.Float64Var(&strength, "strength", 0, "control strength (0-2)")
	fs.Float64Var(&scale, "scale", 0, "guidance scale (0.1-30)")
	fs.Int64Var(&seed, "seed", 0, "seed, -1 for random")
	fs.Float64Var(&eta, "eta", 0, "DDIM eta")
	fs.StringVar(&mode, "mode", "", "tiling mode: P49|R")
	fs.IntVar(&patchNumber, "patches", 0, "random patches in R mode (1-1024)")
	fs.StringVar(&resolution, "resolution", "", "depth processing resolution HxW, e.g. 2160x3840")
	fs.StringVar(&patchSize, "patch-size", "", "depth patch size HxW, e.g. 540x960")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Println("depth-diffusion", depthdiffusion.Version)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Print(err)
		return 1
	}
	if dev {
		cfg.Logging.Development = true
	}
	if outDir != "" {
		cfg.Output.Dir = outDir
	}
	if format != "" {
		cfg.Output.Format = strings.ToLower(format)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	if writeConfig {
		if err := cfg.SaveToFile(configPath); err != nil {
			log.Print(err)
			return 1
		}
		log.Printf("wrote %s", configPath)
		return 0
	}

	if !serve && in == "" {
		log.Printf("usage: %s -in input.jpg|dir|URL [-prompt text] [-n 1] [-seed -1] [-mode P49|R] [-out outdir] | -serve [-addr :7860]", filepath.Base(os.Args[0]))
		return 2
	}

	logger := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		Compress:    true,
	})
	defer func() { _ = logger.Sync() }()

	params, err := cfg.Params()
	if err != nil {
		logger.Error("invalid default parameters", zap.Error(err))
		return 1
	}

	// only flags given on the command line override the configured defaults
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "prompt":
			params.Prompt = prompt
		case "a-prompt":
			params.AddedPrompt = addedPrompt
		case "n-prompt":
			params.NegativePrompt = negativePrompt
		case "n":
			params.NumSamples = numSamples
		case "image-resolution":
			params.ImageResolution = imageResolution
		case "steps":
			params.Steps = steps
		case "guess":
			params.GuessMode = guessMode
		case "strength":
			params.Strength = strength
		case "scale":
			params.Scale = scale
		case "seed":
			params.Seed = seed
		case "eta":
			params.Eta = eta
		case "patches":
			params.PatchNumber = patchNumber
		case "mode":
			if params.Mode, err = types.ParseTilingMode(mode); err != nil {
				flagErr = err
			}
		case "resolution":
			if params.ProcessingResolution, err = types.ParseResolution(resolution); err != nil {
				flagErr = err
			}
		case "patch-size":
			if params.PatchSize, err = types.ParseResolution(patchSize); err != nil {
				flagErr = err
			}
		}
	})
	if flagErr == nil {
		flagErr = params.Validate()
	}
	if flagErr != nil {
		logger.Error("invalid parameters", zap.Error(flagErr))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := depthdiffusion.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", zap.Error(err))
		return 1
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("failed to release backends", zap.Error(err))
		}
	}()

	if serve {
		srvCfg := webui.DefaultConfig()
		srvCfg.Addr = cfg.Server.Addr
		srvCfg.QueueSize = cfg.Server.QueueSize
		srvCfg.MaxUploadBytes = cfg.Server.MaxUploadMB << 20
		srvCfg.RequestTimeout = time.Duration(cfg.Server.TimeoutSecond) * time.Second
		srvCfg.Defaults = params

		server := webui.NewServer(srvCfg, svc.Pipeline(), logger.Named("webui"))
		if err := server.Start(ctx); err != nil {
			logger.Error("server failed", zap.Error(err))
			return 1
		}
		return 0
	}

	inputs, err := collectInputs(in)
	if err != nil {
		logger.Error("failed to list inputs", zap.Error(err))
		return 1
	}

	failed := 0
	for _, source := range inputs {
		if ctx.Err() != nil {
			break
		}
		result, err := svc.ProcessFile(ctx, source, params)
		if err != nil {
			failed++
			logger.Error("processing failed", zap.String("input", source), zap.Error(err))
			continue
		}
		for _, loc := range result.Locations {
			logger.Info("wrote", zap.String("location", loc))
		}
		writeRunSummary(cfg, source, result, logger)
	}
	if failed > 0 {
		logger.Error("some inputs failed", zap.Int("failed", failed), zap.Int("total", len(inputs)))
		return 1
	}
	return 0
}

// collectInputs expands a directory into its image files
func collectInputs(in string) ([]string, error) {
	if strings.HasPrefix(in, "http://") || strings.HasPrefix(in, "https://") || !utils.DirExists(in) {
		return []string{in}, nil
	}
	files, err := utils.ListImageFiles(in)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", in)
	}
	return files, nil
}

// writeRunSummary stores seed, prompt and timings next to a local gallery
func writeRunSummary(cfg *config.Config, source string, run *depthdiffusion.Run, logger *zap.Logger) {
	if cfg.Output.Sink != "local" {
		return
	}
	summary := struct {
		Input     string   `json:"input"`
		RunID     string   `json:"run_id"`
		Seed      int64    `json:"seed"`
		Prompt    string   `json:"prompt"`
		Locations []string `json:"locations"`
		DepthMS   int64    `json:"depth_ms"`
		TotalMS   int64    `json:"total_ms"`
	}{
		Input:     source,
		RunID:     run.RunID,
		Seed:      run.Seed,
		Prompt:    run.Prompt,
		Locations: run.Locations,
		DepthMS:   run.Timing.Depth.Milliseconds(),
		TotalMS:   run.Timing.Total.Milliseconds(),
	}
	js, _ := json.MarshalIndent(summary, "", "  ")
	path := filepath.Join(cfg.Output.Dir, utils.SanitizeFilename(utils.BaseName(source))+"_run.json")
	if err := os.WriteFile(path, js, 0o644); err != nil {
		logger.Warn("failed to write run summary", zap.String("path", path), zap.Error(err))
	}
}
