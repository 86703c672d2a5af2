package webui

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/depth-diffusion/pkg/diffusion"
	"github.com/menta2k/depth-diffusion/pkg/processing"
	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

func pngBase64(t *testing.T, w, h int) string {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{10, 20, 30, 255})
	var buf bytes.Buffer
	require.NoError(t, processing.Encode(&buf, img, "png", 0, false))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func testRequest(n int, guess bool) diffusion.Request {
	p := types.DefaultParams()
	p.NumSamples = n
	p.ImageResolution = 64
	p.GuessMode = guess
	p.Strength = 1.25
	control := tensor.NewBatch(n, 3, 64, 64)
	return diffusion.NewRequest(p, 1234, control, nil)
}

func TestGenerateDropsPreviewImages(t *testing.T) {
	var got Txt2ImgRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sdapi/v1/txt2img", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Txt2ImgResponse{
			Images: []string{pngBase64(t, 64, 64), pngBase64(t, 64, 64), pngBase64(t, 8, 8)},
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", nil)
	require.NoError(t, err)

	imgs, err := c.Generate(context.Background(), testRequest(2, true))
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, 64, imgs[1].Bounds().Dx())

	assert.Equal(t, int64(1234), got.Seed)
	assert.Equal(t, "DDIM", got.SamplerName)
	assert.Equal(t, 2, got.BatchSize)
	assert.Equal(t, 64, got.Width)
	require.NotNil(t, got.AlwaysOnScripts.ControlNet)
	require.Len(t, got.AlwaysOnScripts.ControlNet.Args, 1)

	unit := got.AlwaysOnScripts.ControlNet.Args[0]
	assert.Equal(t, "none", unit.Module)
	assert.Equal(t, DefaultModel, unit.Model)
	assert.Equal(t, 1.25, unit.Weight)
	assert.Equal(t, ControlModeControl, unit.ControlMode)
	assert.Equal(t, ResizeModeJustResize, unit.ResizeMode)

	ctrl, err := processing.DecodeBase64(unit.InputImage)
	require.NoError(t, err)
	assert.Equal(t, 64, ctrl.Bounds().Dx())
}

func TestGenerateTooFewImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Txt2ImgResponse{Images: []string{pngBase64(t, 4, 4)}})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", nil)
	_, err := c.Generate(context.Background(), testRequest(3, false))
	assert.ErrorIs(t, err, diffusion.ErrSampleCount)
}

func TestGenerateBalancedWithoutGuessMode(t *testing.T) {
	var got Txt2ImgRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Txt2ImgResponse{Images: []string{pngBase64(t, 64, 64)}})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "control_v11f1p_sd15_depth", nil)
	_, err := c.Generate(context.Background(), testRequest(1, false))
	require.NoError(t, err)
	unit := got.AlwaysOnScripts.ControlNet.Args[0]
	assert.Equal(t, ControlModeBalanced, unit.ControlMode)
	assert.Equal(t, "control_v11f1p_sd15_depth", unit.Model)
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"OutOfMemoryError","detail":"CUDA out of memory"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", nil)
	_, err := c.Generate(context.Background(), testRequest(1, false))
	assert.ErrorIs(t, err, types.ErrResourceExhausted)
}
