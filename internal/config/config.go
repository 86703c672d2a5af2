package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/depth-diffusion/pkg/hub"
	"github.com/menta2k/depth-diffusion/pkg/store"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DD_"

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Depth     DepthConfig     `yaml:"depth"`
	Diffusion DiffusionConfig `yaml:"diffusion"`
	Caption   CaptionConfig   `yaml:"caption"`
	Hub       HubConfig       `yaml:"hub"`
	Output    OutputConfig    `yaml:"output"`
	Logging   LoggingConfig   `yaml:"logging"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ServerConfig holds the web form settings
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// QueueSize bounds the number of requests waiting for the pipeline
	QueueSize     int   `yaml:"queue_size"`
	MaxUploadMB   int64 `yaml:"max_upload_mb"`
	TimeoutSecond int   `yaml:"timeout_seconds"`
}

// DepthConfig selects the depth backend
type DepthConfig struct {
	Backend string `yaml:"backend"` // onnx or remote

	// remote
	URL        string `yaml:"url"`
	Checkpoint string `yaml:"checkpoint"`

	// onnx
	Model             hub.Artifact `yaml:"model"`
	ModelPath         string       `yaml:"model_path"`
	SharedLibraryPath string       `yaml:"shared_library_path"`
	InputWidth        int          `yaml:"input_width"`
	InputHeight       int          `yaml:"input_height"`
	InputName         string       `yaml:"input_name"`
	OutputName        string       `yaml:"output_name"`
	OutputRank        int          `yaml:"output_rank"`
	TileSeed          int64        `yaml:"tile_seed"`
}

// DiffusionConfig selects the diffusion backend
type DiffusionConfig struct {
	Backend    string `yaml:"backend"` // runner or webui
	URL        string `yaml:"url"`
	Checkpoint string `yaml:"checkpoint"`
	// Model is the ControlNet model name used by the webui backend
	Model string `yaml:"model"`
}

// CaptionConfig configures prompt captioning; an empty backend disables it
type CaptionConfig struct {
	Backend string `yaml:"backend"` // "", ollama or llamacpp
	URL     string `yaml:"url"`
	Model   string `yaml:"model"`
	MaxDim  int    `yaml:"max_dim"`

	// Instruction overrides the text sent with each image
	Instruction string `yaml:"instruction,omitempty"`
}

// HubConfig configures model downloads
type HubConfig struct {
	Endpoint  string         `yaml:"endpoint"`
	CacheDir  string         `yaml:"cache_dir"`
	Token     string         `yaml:"token"`
	Artifacts []hub.Artifact `yaml:"artifacts"`
}

// OutputConfig holds configuration for saved galleries
type OutputConfig struct {
	Sink     string         `yaml:"sink"` // local or s3
	Dir      string         `yaml:"dir"`
	Format   string         `yaml:"format"`
	Quality  int            `yaml:"quality"`
	Lossless bool           `yaml:"lossless"`
	S3       store.S3Config `yaml:"s3"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Development bool   `yaml:"development"`
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
}

// DefaultsConfig holds the request parameters pre-filled in the form and
// used by the CLI when a flag is not given
type DefaultsConfig struct {
	Prompt               string  `yaml:"prompt"`
	AddedPrompt          string  `yaml:"a_prompt"`
	NegativePrompt       string  `yaml:"n_prompt"`
	NumSamples           int     `yaml:"num_samples"`
	ImageResolution      int     `yaml:"image_resolution"`
	Steps                int     `yaml:"ddim_steps"`
	GuessMode            bool    `yaml:"guess_mode"`
	Strength             float64 `yaml:"strength"`
	Scale                float64 `yaml:"scale"`
	Seed                 int64   `yaml:"seed"`
	Eta                  float64 `yaml:"eta"`
	Mode                 string  `yaml:"mode"`
	PatchNumber          int     `yaml:"patch_number"`
	ProcessingResolution string  `yaml:"resolution"`
	PatchSize            string  `yaml:"patch_size"`
}

// Default returns a configuration with default values
func Default() *Config {
	p := types.DefaultParams()
	return &Config{
		Server: ServerConfig{
			Addr:          ":7860",
			QueueSize:     8,
			MaxUploadMB:   32,
			TimeoutSecond: 600,
		},
		Depth: DepthConfig{
			Backend:    "remote",
			URL:        "http://localhost:7861",
			Checkpoint: "zhyever/PatchFusion/patchfusion_u4k.pt",
			Model: hub.Artifact{
				Repo: "onnx-community/depth-anything-v2-small",
				File: "onnx/model.onnx",
			},
			InputWidth:  518,
			InputHeight: 518,
			InputName:   "pixel_values",
			OutputName:  "predicted_depth",
			OutputRank:  3,
			TileSeed:    2023,
		},
		Diffusion: DiffusionConfig{
			Backend:    "runner",
			URL:        "http://localhost:7862",
			Checkpoint: "control_sd15_depth.pth",
			Model:      "control_sd15_depth",
		},
		Caption: CaptionConfig{
			Model:  "openbmb/minicpm-v4.5",
			MaxDim: 768,
		},
		Hub: HubConfig{
			Endpoint: "https://huggingface.co",
			CacheDir: defaultCacheDir(),
		},
		Output: OutputConfig{
			Sink:    "local",
			Dir:     "./output",
			Format:  "png",
			Quality: 95,
		},
		Logging: LoggingConfig{
			File:       "depth-diffusion.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Defaults: DefaultsConfig{
			Prompt:               p.Prompt,
			AddedPrompt:          p.AddedPrompt,
			NegativePrompt:       p.NegativePrompt,
			NumSamples:           p.NumSamples,
			ImageResolution:      p.ImageResolution,
			Steps:                p.Steps,
			GuessMode:            p.GuessMode,
			Strength:             p.Strength,
			Scale:                p.Scale,
			Seed:                 p.Seed,
			Eta:                  p.Eta,
			Mode:                 string(p.Mode),
			PatchNumber:          p.PatchNumber,
			ProcessingResolution: p.ProcessingResolution.String(),
			PatchSize:            p.PatchSize.String(),
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "depth-diffusion", "models")
	}
	return filepath.Join(".", "models")
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename when it exists (defaults otherwise), loads a .env file
// from the working directory if present and applies DD_* overrides.
func Load(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := Default()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			config, err = LoadFromFile(filename)
			if err != nil {
				return nil, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides fields from DD_* environment variables
func (c *Config) ApplyEnv() error {
	setString(&c.Server.Addr, "SERVER_ADDR")
	if err := setInt(&c.Server.QueueSize, "SERVER_QUEUE_SIZE"); err != nil {
		return err
	}

	setString(&c.Depth.Backend, "DEPTH_BACKEND")
	setString(&c.Depth.URL, "DEPTH_URL")
	setString(&c.Depth.Checkpoint, "DEPTH_CHECKPOINT")
	setString(&c.Depth.ModelPath, "DEPTH_MODEL_PATH")
	setString(&c.Depth.SharedLibraryPath, "ONNXRUNTIME_LIB")

	setString(&c.Diffusion.Backend, "DIFFUSION_BACKEND")
	setString(&c.Diffusion.URL, "DIFFUSION_URL")
	setString(&c.Diffusion.Checkpoint, "DIFFUSION_CHECKPOINT")
	setString(&c.Diffusion.Model, "DIFFUSION_MODEL")

	setString(&c.Caption.Backend, "CAPTION_BACKEND")
	setString(&c.Caption.URL, "CAPTION_URL")
	setString(&c.Caption.Model, "CAPTION_MODEL")
	setString(&c.Caption.Instruction, "CAPTION_INSTRUCTION")

	setString(&c.Hub.Endpoint, "HUB_ENDPOINT")
	setString(&c.Hub.CacheDir, "HUB_CACHE_DIR")
	setString(&c.Hub.Token, "HUB_TOKEN")

	setString(&c.Output.Sink, "OUTPUT_SINK")
	setString(&c.Output.Dir, "OUTPUT_DIR")
	setString(&c.Output.Format, "OUTPUT_FORMAT")
	if err := setInt(&c.Output.Quality, "OUTPUT_QUALITY"); err != nil {
		return err
	}
	setString(&c.Output.S3.Endpoint, "S3_ENDPOINT")
	setString(&c.Output.S3.Region, "S3_REGION")
	setString(&c.Output.S3.AccessKey, "S3_ACCESS_KEY")
	setString(&c.Output.S3.SecretKey, "S3_SECRET_KEY")
	setString(&c.Output.S3.Bucket, "S3_BUCKET")
	setString(&c.Output.S3.Prefix, "S3_PREFIX")

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.File, "LOG_FILE")
	if v, ok := lookup("LOG_DEV"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_DEV: %w", EnvPrefix, err)
		}
		c.Logging.Development = b
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Params converts the form defaults into request parameters
func (c *Config) Params() (types.Params, error) {
	d := c.Defaults
	mode, err := types.ParseTilingMode(d.Mode)
	if err != nil {
		return types.Params{}, err
	}
	res, err := types.ParseResolution(d.ProcessingResolution)
	if err != nil {
		return types.Params{}, fmt.Errorf("defaults.resolution: %w", err)
	}
	patch, err := types.ParseResolution(d.PatchSize)
	if err != nil {
		return types.Params{}, fmt.Errorf("defaults.patch_size: %w", err)
	}
	return types.Params{
		Prompt:               d.Prompt,
		AddedPrompt:          d.AddedPrompt,
		NegativePrompt:       d.NegativePrompt,
		NumSamples:           d.NumSamples,
		ImageResolution:      d.ImageResolution,
		Steps:                d.Steps,
		GuessMode:            d.GuessMode,
		Strength:             d.Strength,
		Scale:                d.Scale,
		Seed:                 d.Seed,
		Eta:                  d.Eta,
		Mode:                 mode,
		PatchNumber:          d.PatchNumber,
		ProcessingResolution: res,
		PatchSize:            patch,
	}, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.QueueSize < 1 {
		return fmt.Errorf("server.queue_size must be positive")
	}

	switch c.Depth.Backend {
	case "remote":
		if c.Depth.URL == "" {
			return fmt.Errorf("depth.url is required for the remote backend")
		}
	case "onnx":
		if c.Depth.ModelPath == "" && c.Depth.Model.Repo == "" {
			return fmt.Errorf("depth.model_path or depth.model is required for the onnx backend")
		}
		if c.Depth.OutputRank != 3 && c.Depth.OutputRank != 4 {
			return fmt.Errorf("depth.output_rank must be 3 or 4")
		}
	default:
		return fmt.Errorf("depth.backend must be onnx or remote, got %q", c.Depth.Backend)
	}

	switch c.Diffusion.Backend {
	case "runner", "webui":
	default:
		return fmt.Errorf("diffusion.backend must be runner or webui, got %q", c.Diffusion.Backend)
	}
	if c.Diffusion.URL == "" {
		return fmt.Errorf("diffusion.url is required")
	}

	switch c.Caption.Backend {
	case "", "ollama", "llamacpp":
	default:
		return fmt.Errorf("caption.backend must be ollama, llamacpp or empty, got %q", c.Caption.Backend)
	}

	switch c.Output.Sink {
	case "local":
		if c.Output.Dir == "" {
			return fmt.Errorf("output.dir is required for the local sink")
		}
	case "s3":
		if c.Output.S3.Bucket == "" {
			return fmt.Errorf("output.s3.bucket is required for the s3 sink")
		}
	default:
		return fmt.Errorf("output.sink must be local or s3, got %q", c.Output.Sink)
	}

	switch strings.ToLower(c.Output.Format) {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.format must be png, jpg or webp")
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	p, err := c.Params()
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "depth-diffusion", "config.yaml")
}
