// Package runner is a client for a ControlNet sampling service that exposes
// the raw sampler: it accepts the exact control tensor and per-layer scales
// and returns decoder output in [-1,1].
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/pkg/diffusion"
	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// DefaultCheckpoint is the depth ControlNet requested when none is configured
const DefaultCheckpoint = "control_sd15_depth.pth"

// Client implements diffusion.Generator
type Client struct {
	baseURL    string
	checkpoint string
	httpClient *http.Client
	logger     *zap.Logger
}

// SampleRequest is the body of POST /v1/controlnet/sample
type SampleRequest struct {
	Checkpoint     string    `json:"checkpoint,omitempty"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt"`
	NumSamples     int       `json:"num_samples"`
	Steps          int       `json:"steps"`
	GuidanceScale  float64   `json:"guidance_scale"`
	Eta            float64   `json:"eta"`
	Seed           int64     `json:"seed"`
	Control        string    `json:"control"`
	ControlShape   []int     `json:"control_shape"`
	UncondControl  bool      `json:"uncond_control"`
	ControlScales  []float64 `json:"control_scales"`
	LatentShape    [3]int    `json:"latent_shape"`
	Sampler        string    `json:"sampler"`
}

// SampleResponse holds samples as base64 little-endian float32, NCHW
type SampleResponse struct {
	Samples string `json:"samples"`
	Shape   []int  `json:"shape"`
}

// NewClient creates a sampling client
func NewClient(serverURL, checkpoint string, logger *zap.Logger) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:7862"
	}
	if checkpoint == "" {
		checkpoint = DefaultCheckpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		checkpoint: checkpoint,
		httpClient: &http.Client{Timeout: 15 * time.Minute},
		logger:     logger,
	}, nil
}

// Generate runs DDIM sampling on the service and decodes the samples
func (c *Client) Generate(ctx context.Context, req diffusion.Request) ([]image.Image, error) {
	if req.Control == nil {
		return nil, fmt.Errorf("%w: control tensor is required", diffusion.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload := SampleRequest{
		Checkpoint:     c.checkpoint,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		NumSamples:     req.NumSamples,
		Steps:          req.Steps,
		GuidanceScale:  req.GuidanceScale,
		Eta:            req.Eta,
		Seed:           req.Seed,
		Control:        tensor.EncodeFloat32(req.Control.Data),
		ControlShape:   req.Control.Shape(),
		UncondControl:  req.UncondControl,
		ControlScales:  req.ControlScales,
		LatentShape:    req.LatentShape,
		Sampler:        "ddim",
	}

	start := time.Now()
	body, err := c.sendRequest(ctx, "/v1/controlnet/sample", payload)
	if err != nil {
		return nil, fmt.Errorf("sample request failed: %w", err)
	}

	var resp SampleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse sample response: %w", err)
	}
	if len(resp.Shape) != 4 {
		return nil, fmt.Errorf("sample shape %v is not NCHW", resp.Shape)
	}
	data, err := tensor.DecodeFloat32(resp.Samples)
	if err != nil {
		return nil, fmt.Errorf("failed to decode samples: %w", err)
	}
	batch := &tensor.Batch{N: resp.Shape[0], C: resp.Shape[1], H: resp.Shape[2], W: resp.Shape[3], Data: data}
	if len(data) != batch.N*batch.C*batch.H*batch.W {
		return nil, fmt.Errorf("sample data has %d values, shape %v", len(data), resp.Shape)
	}

	images, err := diffusion.DecodeSamples(batch)
	if err != nil {
		return nil, err
	}
	if err := diffusion.CheckSamples(images, req.NumSamples); err != nil {
		return nil, err
	}

	c.logger.Debug("controlnet sampling done",
		zap.Int("samples", len(images)),
		zap.Int64("seed", req.Seed),
		zap.Duration("elapsed", time.Since(start)))
	return images, nil
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.BackendError(resp.StatusCode, string(body))
	}
	return body, nil
}
