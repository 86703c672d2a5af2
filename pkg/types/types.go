package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidResolution is returned for resolution strings that are not "HxW"
	ErrInvalidResolution = errors.New("invalid resolution")
	// ErrInvalidParams is returned when request parameters are out of range
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrResourceExhausted is returned when a model backend runs out of
	// device memory or capacity
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Resolution is a height/width pair in pixels
type Resolution struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// ParseResolution parses strings of the form "HxW" (e.g. "2160x3840")
func ParseResolution(s string) (Resolution, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	parts := strings.Split(raw, "x")
	if len(parts) != 2 {
		return Resolution{}, fmt.Errorf("%w: %q (expected HxW)", ErrInvalidResolution, s)
	}

	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %q: height is not a number", ErrInvalidResolution, s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %q: width is not a number", ErrInvalidResolution, s)
	}
	if h <= 0 || w <= 0 {
		return Resolution{}, fmt.Errorf("%w: %q: dimensions must be positive", ErrInvalidResolution, s)
	}

	return Resolution{Height: h, Width: w}, nil
}

// MustParseResolution is ParseResolution for constants; it panics on bad input
func MustParseResolution(s string) Resolution {
	r, err := ParseResolution(s)
	if err != nil {
		panic(err)
	}
	return r
}

// String formats the resolution back to "HxW"
func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Height, r.Width)
}

// Fits reports whether r fits inside other in both dimensions
func (r Resolution) Fits(other Resolution) bool {
	return r.Height <= other.Height && r.Width <= other.Width
}

// TilingMode selects how the depth estimator splits the image into patches
type TilingMode string

const (
	// ModeP49 runs a regular 7x7 grid of half-overlapping patches
	ModeP49 TilingMode = "P49"
	// ModeRandom runs the P49 grid plus a number of randomly placed patches
	ModeRandom TilingMode = "R"
)

// ParseTilingMode accepts "P49" or "R" (case-insensitive)
func ParseTilingMode(s string) (TilingMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(ModeP49):
		return ModeP49, nil
	case string(ModeRandom):
		return ModeRandom, nil
	default:
		return "", fmt.Errorf("%w: unknown tiling mode %q (use P49 or R)", ErrInvalidParams, s)
	}
}

// RandomSeed asks for a freshly drawn seed
const RandomSeed int64 = -1

// Parameter ranges accepted from the form
const (
	MinSamples = 1
	MaxSamples = 12

	MinImageResolution      = 256
	MaxImageResolution      = 1024
	ImageResolutionMultiple = 64

	MinSteps = 1
	MaxSteps = 100

	MinStrength = 0.0
	MaxStrength = 2.0

	MinScale = 0.1
	MaxScale = 30.0

	MaxSeed = 2147483647

	MinPatchNumber = 1
	MaxPatchNumber = 1024
)

// Params holds every knob of a single generation request
type Params struct {
	Prompt         string `json:"prompt"`
	AddedPrompt    string `json:"a_prompt"`
	NegativePrompt string `json:"n_prompt"`

	NumSamples      int     `json:"num_samples"`
	ImageResolution int     `json:"image_resolution"`
	Steps           int     `json:"ddim_steps"`
	GuessMode       bool    `json:"guess_mode"`
	Strength        float64 `json:"strength"`
	Scale           float64 `json:"scale"`
	Seed            int64   `json:"seed"`
	Eta             float64 `json:"eta"`

	Mode                 TilingMode `json:"mode"`
	PatchNumber          int        `json:"patch_number"`
	ProcessingResolution Resolution `json:"resolution"`
	PatchSize            Resolution `json:"patch_size"`
}

// DefaultPrompt is the example scene shipped with the form
const DefaultPrompt = "An evening scene with the Eiffel Tower, the bridge under the glow of street lamps and a twilight sky"

// DefaultParams returns the form defaults
func DefaultParams() Params {
	return Params{
		Prompt:               DefaultPrompt,
		AddedPrompt:          "best quality, extremely detailed",
		NegativePrompt:       "worst quality, low quality, lose details",
		NumSamples:           1,
		ImageResolution:      896,
		Steps:                20,
		GuessMode:            false,
		Strength:             1.0,
		Scale:                9.0,
		Seed:                 RandomSeed,
		Eta:                  0.0,
		Mode:                 ModeP49,
		PatchNumber:          256,
		ProcessingResolution: Resolution{Height: 2160, Width: 3840},
		PatchSize:            Resolution{Height: 540, Width: 960},
	}
}

// Validate checks every parameter against the accepted ranges
func (p Params) Validate() error {
	if p.NumSamples < MinSamples || p.NumSamples > MaxSamples {
		return fmt.Errorf("%w: num_samples %d must be between %d and %d", ErrInvalidParams, p.NumSamples, MinSamples, MaxSamples)
	}
	if p.ImageResolution < MinImageResolution || p.ImageResolution > MaxImageResolution {
		return fmt.Errorf("%w: image_resolution %d must be between %d and %d", ErrInvalidParams, p.ImageResolution, MinImageResolution, MaxImageResolution)
	}
	if p.ImageResolution%ImageResolutionMultiple != 0 {
		return fmt.Errorf("%w: image_resolution %d must be a multiple of %d", ErrInvalidParams, p.ImageResolution, ImageResolutionMultiple)
	}
	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return fmt.Errorf("%w: ddim_steps %d must be between %d and %d", ErrInvalidParams, p.Steps, MinSteps, MaxSteps)
	}
	if !inRange(p.Strength, MinStrength, MaxStrength) {
		return fmt.Errorf("%w: strength %.2f must be between %.1f and %.1f", ErrInvalidParams, p.Strength, MinStrength, MaxStrength)
	}
	if !inRange(p.Scale, MinScale, MaxScale) {
		return fmt.Errorf("%w: scale %.2f must be between %.1f and %.1f", ErrInvalidParams, p.Scale, MinScale, MaxScale)
	}
	if p.Seed != RandomSeed && (p.Seed < 0 || p.Seed > MaxSeed) {
		return fmt.Errorf("%w: seed %d must be -1 or between 0 and %d", ErrInvalidParams, p.Seed, MaxSeed)
	}
	if !inRange(p.Eta, 0, math.MaxFloat64) {
		return fmt.Errorf("%w: eta %.2f must be finite and not negative", ErrInvalidParams, p.Eta)
	}
	if p.Mode != ModeP49 && p.Mode != ModeRandom {
		return fmt.Errorf("%w: unknown tiling mode %q", ErrInvalidParams, p.Mode)
	}
	if p.Mode == ModeRandom && (p.PatchNumber < MinPatchNumber || p.PatchNumber > MaxPatchNumber) {
		return fmt.Errorf("%w: patch_number %d must be between %d and %d", ErrInvalidParams, p.PatchNumber, MinPatchNumber, MaxPatchNumber)
	}
	if p.ProcessingResolution.Height <= 0 || p.ProcessingResolution.Width <= 0 {
		return fmt.Errorf("%w: processing resolution %s", ErrInvalidResolution, p.ProcessingResolution)
	}
	if p.PatchSize.Height <= 0 || p.PatchSize.Width <= 0 {
		return fmt.Errorf("%w: patch size %s", ErrInvalidResolution, p.PatchSize)
	}
	if !p.PatchSize.Fits(p.ProcessingResolution) {
		return fmt.Errorf("%w: patch size %s exceeds processing resolution %s", ErrInvalidParams, p.PatchSize, p.ProcessingResolution)
	}
	return nil
}

// inRange is false for NaN and for infinities outside [lo, hi]
func inRange(x, lo, hi float64) bool {
	return x >= lo && x <= hi
}

var oomMarkers = []string{"out of memory", "outofmemory", "cuda error: out of", "insufficient storage", "resource exhausted"}

// BackendError classifies a failed backend response. HTTP 507 and bodies that
// mention memory exhaustion wrap ErrResourceExhausted.
func BackendError(status int, body string) error {
	msg := strings.TrimSpace(body)
	if status == 507 || LooksOutOfMemory(msg) {
		return fmt.Errorf("%w: server returned status %d: %s", ErrResourceExhausted, status, msg)
	}
	return fmt.Errorf("server returned status %d: %s", status, msg)
}

// LooksOutOfMemory reports whether msg reads like an allocation failure
func LooksOutOfMemory(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range oomMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
