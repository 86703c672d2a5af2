package runner

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/depth-diffusion/pkg/diffusion"
	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

func testRequest(n int) diffusion.Request {
	p := types.DefaultParams()
	p.NumSamples = n
	p.ImageResolution = 16
	p.GuessMode = true
	control := tensor.NewBatch(n, 3, 16, 16)
	for i := range control.Data {
		control.Data[i] = 0.5
	}
	return diffusion.NewRequest(p, 99, control, nil)
}

func sampleServer(t *testing.T, n int, got *SampleRequest) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/controlnet/sample", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(got))

		samples := make([]float32, n*3*16*16)
		for i := range samples {
			samples[i] = -1
		}
		_ = json.NewEncoder(w).Encode(SampleResponse{
			Samples: tensor.EncodeFloat32(samples),
			Shape:   []int{n, 3, 16, 16},
		})
	}))
}

func TestGenerate(t *testing.T) {
	var got SampleRequest
	srv := sampleServer(t, 2, &got)
	defer srv.Close()

	c, err := NewClient(srv.URL, "", nil)
	require.NoError(t, err)

	imgs, err := c.Generate(context.Background(), testRequest(2))
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, 16, imgs[0].Bounds().Dx())
	assert.Equal(t, uint8(0), imgs[1].(*image.RGBA).RGBAAt(3, 3).R)

	assert.Equal(t, DefaultCheckpoint, got.Checkpoint)
	assert.Equal(t, int64(99), got.Seed)
	assert.False(t, got.UncondControl)
	assert.Len(t, got.ControlScales, diffusion.ControlLayers)
	assert.Equal(t, []int{2, 3, 16, 16}, got.ControlShape)
	assert.Equal(t, [3]int{4, 2, 2}, got.LatentShape)
	assert.Equal(t, "ddim", got.Sampler)

	control, err := tensor.DecodeFloat32(got.Control)
	require.NoError(t, err)
	assert.Len(t, control, 2*3*16*16)
	assert.Equal(t, float32(0.5), control[0])
}

func TestGenerateSampleCountMismatch(t *testing.T) {
	var got SampleRequest
	srv := sampleServer(t, 1, &got)
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", nil)
	_, err := c.Generate(context.Background(), testRequest(2))
	assert.ErrorIs(t, err, diffusion.ErrSampleCount)
}

func TestGenerateRequiresControl(t *testing.T) {
	c, _ := NewClient("http://127.0.0.1:1", "", nil)
	req := testRequest(1)
	req.Control = nil
	_, err := c.Generate(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrInvalidParams)
}

func TestGenerateResourceExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", nil)
	_, err := c.Generate(context.Background(), testRequest(1))
	assert.ErrorIs(t, err, types.ErrResourceExhausted)
}
