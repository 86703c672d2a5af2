// Package webui drives an AUTOMATIC1111 stable-diffusion-webui server with the
// ControlNet extension. The depth visualisation is sent as the unit image with
// preprocessing disabled, so the server conditions on exactly our depth map.
package webui

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
	"github.com/menta2k/depth-diffusion/pkg/processing"
	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// DefaultModel is the ControlNet model name as listed by /controlnet/model_list
const DefaultModel = "control_sd15_depth"

type ControlMode string

const (
	ControlModeBalanced ControlMode = "Balanced"
	ControlModeControl  ControlMode = "ControlNet is more important"
)

type ResizeMode string

const ResizeModeJustResize ResizeMode = "Just Resize"

// ControlNetUnit is one entry of alwayson_scripts.controlnet.args
type ControlNetUnit struct {
	InputImage    string      `json:"input_image"`
	Module        string      `json:"module"`
	Model         string      `json:"model"`
	Weight        float64     `json:"weight"`
	ResizeMode    ResizeMode  `json:"resize_mode"`
	GuidanceStart float64     `json:"guidance_start"`
	GuidanceEnd   float64     `json:"guidance_end"`
	ControlMode   ControlMode `json:"control_mode"`
	PixelPerfect  bool        `json:"pixel_perfect"`
}

type ControlNetScript struct {
	Args []ControlNetUnit `json:"args"`
}

type AlwaysOnScripts struct {
	ControlNet *ControlNetScript `json:"controlnet,omitempty"`
}

// Txt2ImgRequest is the body of POST /sdapi/v1/txt2img
type Txt2ImgRequest struct {
	Prompt          string          `json:"prompt"`
	NegativePrompt  string          `json:"negative_prompt"`
	Seed            int64           `json:"seed"`
	SamplerName     string          `json:"sampler_name"`
	BatchSize       int             `json:"batch_size"`
	NIter           int             `json:"n_iter"`
	Steps           int             `json:"steps"`
	CFGScale        float64         `json:"cfg_scale"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	Eta             float64         `json:"eta"`
	SendImages      bool            `json:"send_images"`
	SaveImages      bool            `json:"save_images"`
	AlwaysOnScripts AlwaysOnScripts `json:"alwayson_scripts"`
}

// Txt2ImgResponse lists base64 PNGs. With ControlNet enabled the server may
// append preprocessor previews after the samples.
type Txt2ImgResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

// Client implements diffusion.Generator
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	processor  *processing.Processor
	logger     *zap.Logger
}

// NewClient creates a client for the webui at serverURL
func NewClient(serverURL, model string, logger *zap.Logger) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:7860"
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(serverURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 15 * time.Minute},
		processor:  processing.NewProcessor(),
		logger:     logger,
	}, nil
}

// Generate renders req through txt2img with one ControlNet depth unit
func (c *Client) Generate(ctx context.Context, req diffusion.Request) ([]image.Image, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	controlImage, err := c.controlImage(req)
	if err != nil {
		return nil, err
	}
	imgB64, err := c.processor.EncodeBase64(controlImage, "png", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control image: %w", err)
	}

	mode := ControlModeBalanced
	if req.GuessMode {
		mode = ControlModeControl
	}

	payload := Txt2ImgRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           req.Seed,
		SamplerName:    "DDIM",
		BatchSize:      req.NumSamples,
		NIter:          1,
		Steps:          req.Steps,
		CFGScale:       req.GuidanceScale,
		Width:          req.Width,
		Height:         req.Height,
		Eta:            req.Eta,
		SendImages:     true,
		AlwaysOnScripts: AlwaysOnScripts{
			ControlNet: &ControlNetScript{Args: []ControlNetUnit{{
				InputImage:  imgB64,
				Module:      "none",
				Model:       c.model,
				Weight:      req.Strength,
				ResizeMode:  ResizeModeJustResize,
				GuidanceEnd: 1,
				ControlMode: mode,
			}}},
		},
	}

	start := time.Now()
	body, err := c.sendRequest(ctx, "/sdapi/v1/txt2img", payload)
	if err != nil {
		return nil, fmt.Errorf("txt2img request failed: %w", err)
	}

	var resp Txt2ImgResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse txt2img response: %w", err)
	}
	if len(resp.Images) < req.NumSamples {
		return nil, fmt.Errorf("%w: got %d, want %d", diffusion.ErrSampleCount, len(resp.Images), req.NumSamples)
	}

	images := make([]image.Image, 0, req.NumSamples)
	for i, s := range resp.Images[:req.NumSamples] {
		img, err := processing.DecodeBase64(s)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, img)
	}

	c.logger.Debug("webui txt2img done",
		zap.Int("samples", len(images)),
		zap.Int("dropped", len(resp.Images)-req.NumSamples),
		zap.Int64("seed", req.Seed),
		zap.Duration("elapsed", time.Since(start)))
	return images, nil
}

// controlImage prefers the visualisation; otherwise it rebuilds an image from
// the first sample of the control tensor.
func (c *Client) controlImage(req diffusion.Request) (image.Image, error) {
	if req.ControlImage != nil {
		return req.ControlImage, nil
	}
	if req.Control == nil {
		return nil, fmt.Errorf("%w: control image or tensor is required", diffusion.ErrInvalidRequest)
	}
	var planes [3]*tensor.Grid
	for ch := 0; ch < 3; ch++ {
		g := req.Control.Channel(0, ch)
		for i, v := range g.Data {
			g.Data[i] = v * 255
		}
		planes[ch] = g
	}
	return tensor.ToRGBA(planes[0], planes[1], planes[2])
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
