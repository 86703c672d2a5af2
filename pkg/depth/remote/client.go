// Package remote talks to a PatchFusion inference service over HTTP. The
// service owns the checkpoint and the device; this client ships the image and
// tiling options and receives the raw depth map.
package remote

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

	"github.com/menta2k/depth-diffusion/pkg/depth"
	"github.com/menta2k/depth-diffusion/pkg/processing"
	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// DefaultCheckpoint is the PatchFusion checkpoint requested when none is configured
const DefaultCheckpoint = "zhyever/PatchFusion/patchfusion_u4k.pt"

// Client implements depth.Estimator and depth.Offloader
type Client struct {
	baseURL    string
	checkpoint string
	httpClient *http.Client
	processor  *processing.Processor
	logger     *zap.Logger
}

// DepthRequest is the body of POST /v1/depth
type DepthRequest struct {
	Image       string `json:"image"`
	Mode        string `json:"mode"`
	PatchNumber int    `json:"patch_number"`
	Resolution  [2]int `json:"resolution"`
	PatchSize   [2]int `json:"patch_size"`
	Checkpoint  string `json:"checkpoint,omitempty"`
}

// DepthResponse carries a row-major float32 depth map, base64 little-endian
type DepthResponse struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Depth  string `json:"depth"`
}

// NewClient creates a client for the service at serverURL
func NewClient(serverURL, checkpoint string, logger *zap.Logger) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:7861"
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
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		processor:  processing.NewProcessor(),
		logger:     logger,
	}, nil
}

// EstimateDepth sends img to the service. The returned grid has the
// processing resolution requested in opts.
func (c *Client) EstimateDepth(ctx context.Context, img image.Image, opts depth.Options) (*tensor.Grid, error) {
	imgB64, err := c.processor.EncodeBase64(img, "png", 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	req := DepthRequest{
		Image:       imgB64,
		Mode:        string(opts.Mode),
		PatchNumber: opts.PatchNumber,
		Resolution:  [2]int{opts.Resolution.Height, opts.Resolution.Width},
		PatchSize:   [2]int{opts.PatchSize.Height, opts.PatchSize.Width},
		Checkpoint:  c.checkpoint,
	}

	start := time.Now()
	body, err := c.sendRequest(ctx, "/v1/depth", req)
	if err != nil {
		return nil, fmt.Errorf("depth request failed: %w", err)
	}

	var resp DepthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse depth response: %w", err)
	}
	data, err := tensor.DecodeFloat32(resp.Depth)
	if err != nil {
		return nil, fmt.Errorf("failed to decode depth map: %w", err)
	}
	grid, err := tensor.GridFromSlice(resp.Width, resp.Height, data)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("remote depth estimated",
		zap.Int("width", resp.Width),
		zap.Int("height", resp.Height),
		zap.Duration("elapsed", time.Since(start)))
	return grid, nil
}

// Offload asks the service to move the depth model off the device
func (c *Client) Offload(ctx context.Context) error {
	if _, err := c.sendRequest(ctx, "/v1/offload", struct{}{}); err != nil {
		return fmt.Errorf("offload request failed: %w", err)
	}
	return nil
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
