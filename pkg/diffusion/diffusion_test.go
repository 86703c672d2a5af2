package diffusion

import (
	"bytes"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

func TestControlScalesGuessMode(t *testing.T) {
	scales := ControlScales(1.0, true)
	require.Len(t, scales, ControlLayers)
	assert.InDelta(t, 1.0, scales[12], 1e-12)
	assert.InDelta(t, 0.825, scales[11], 1e-12)
	for i := 1; i < len(scales); i++ {
		assert.Greater(t, scales[i], scales[i-1])
		assert.InDelta(t, GuessModeDecay, scales[i-1]/scales[i], 1e-9)
	}
}

func TestControlScalesConstant(t *testing.T) {
	scales := ControlScales(1.5, false)
	require.Len(t, scales, ControlLayers)
	for _, s := range scales {
		assert.Equal(t, 1.5, s)
	}
}

func TestComposePrompt(t *testing.T) {
	assert.Equal(t, "a tower, best quality", ComposePrompt("a tower", "best quality"))
	assert.Equal(t, ", ", ComposePrompt("", ""))
}

func TestResolveSeed(t *testing.T) {
	assert.Equal(t, int64(12345), ResolveSeed(12345))
	assert.Equal(t, int64(0), ResolveSeed(0))
	for i := 0; i < 50; i++ {
		s := ResolveSeed(types.RandomSeed)
		assert.GreaterOrEqual(t, s, int64(0))
		assert.LessOrEqual(t, s, int64(MaxRandomSeed))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }

func TestRandomSeedSource(t *testing.T) {
	assert.Equal(t, int64(0x0201), randomSeed(bytes.NewReader([]byte{0x01, 0x02})))

	// a failing source still yields varied seeds in range
	seen := map[int64]bool{}
	for i := 0; i < 50; i++ {
		s := randomSeed(failingReader{})
		assert.GreaterOrEqual(t, s, int64(0))
		assert.LessOrEqual(t, s, int64(MaxRandomSeed))
		seen[s] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestLatentShape(t *testing.T) {
	assert.Equal(t, [3]int{4, 112, 112}, LatentShape(896, 896))
	assert.Equal(t, [3]int{4, 64, 32}, LatentShape(512, 256))
}

func TestNewRequest(t *testing.T) {
	p := types.DefaultParams()
	p.NumSamples = 2
	p.ImageResolution = 64
	p.GuessMode = true

	control := tensor.NewBatch(2, 3, 64, 64)
	req := NewRequest(p, 7, control, nil)

	assert.Equal(t, p.Prompt+", "+p.AddedPrompt, req.Prompt)
	assert.Equal(t, p.NegativePrompt, req.NegativePrompt)
	assert.Equal(t, int64(7), req.Seed)
	assert.False(t, req.UncondControl, "guess mode drops control from the uncond branch")
	assert.Equal(t, [3]int{4, 8, 8}, req.LatentShape)
	require.NoError(t, req.Validate())

	p.GuessMode = false
	assert.True(t, NewRequest(p, 7, control, nil).UncondControl)
}

func TestRequestValidate(t *testing.T) {
	base := func() Request {
		p := types.DefaultParams()
		p.NumSamples = 1
		p.ImageResolution = 64
		return NewRequest(p, 1, tensor.NewBatch(1, 3, 64, 64), nil)
	}

	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"no samples", func(r *Request) { r.NumSamples = 0 }},
		{"odd size", func(r *Request) { r.Width = 65 }},
		{"no steps", func(r *Request) { r.Steps = 0 }},
		{"unresolved seed", func(r *Request) { r.Seed = -1 }},
		{"short scales", func(r *Request) { r.ControlScales = r.ControlScales[:3] }},
		{"control shape", func(r *Request) { r.Control = tensor.NewBatch(2, 3, 64, 64) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(&r)
			assert.ErrorIs(t, r.Validate(), types.ErrInvalidParams)
		})
	}
}

func TestDecodeSamples(t *testing.T) {
	b := tensor.NewBatch(2, 3, 1, 2)
	// sample 0: pixel (0,0) white, pixel (0,1) black; sample 1 mid grey with overshoot
	for c := 0; c < 3; c++ {
		b.Data[b.Index(0, c, 0, 0)] = 1
		b.Data[b.Index(0, c, 0, 1)] = -1
		b.Data[b.Index(1, c, 0, 0)] = 0
		b.Data[b.Index(1, c, 0, 1)] = 3
	}

	imgs, err := DecodeSamples(b)
	require.NoError(t, err)
	require.Len(t, imgs, 2)

	rgba := imgs[0].(*image.RGBA)
	assert.Equal(t, uint8(255), rgba.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(0), rgba.RGBAAt(1, 0).G)

	rgba = imgs[1].(*image.RGBA)
	assert.Equal(t, uint8(127), rgba.RGBAAt(0, 0).B)
	assert.Equal(t, uint8(255), rgba.RGBAAt(1, 0).R)

	_, err = DecodeSamples(tensor.NewBatch(1, 4, 1, 1))
	assert.Error(t, err)
}

func TestCheckSamples(t *testing.T) {
	imgs := []image.Image{image.NewRGBA(image.Rect(0, 0, 1, 1))}
	assert.NoError(t, CheckSamples(imgs, 1))
	assert.ErrorIs(t, CheckSamples(imgs, 2), ErrSampleCount)
}
