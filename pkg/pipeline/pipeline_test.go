package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/depth-diffusion/pkg/depth"
	"github.com/menta2k/depth-diffusion/pkg/diffusion"
	"github.com/menta2k/depth-diffusion/pkg/tensor"
	"github.com/menta2k/depth-diffusion/pkg/types"
)

// mockEstimator returns a map whose left half is near (1) and right half far (4)
type mockEstimator struct {
	calls    int
	offloads int
	err      error
	offErr   error
	lastOpts depth.Options
}

func (m *mockEstimator) EstimateDepth(ctx context.Context, img image.Image, opts depth.Options) (*tensor.Grid, error) {
	m.calls++
	m.lastOpts = opts
	if m.err != nil {
		return nil, m.err
	}
	g := tensor.NewGrid(16, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			v := float32(4)
			if x < 8 {
				v = 1
			}
			g.Set(x, y, v)
		}
	}
	return g, nil
}

func (m *mockEstimator) Offload(ctx context.Context) error {
	m.offloads++
	return m.offErr
}

// mockGenerator paints each sample a colour derived from the seed
type mockGenerator struct {
	mu    sync.Mutex
	last  diffusion.Request
	extra int
	err   error
}

func (m *mockGenerator) Generate(ctx context.Context, req diffusion.Request) ([]image.Image, error) {
	m.mu.Lock()
	m.last = req
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]image.Image, 0, req.NumSamples+m.extra)
	for i := 0; i < req.NumSamples+m.extra; i++ {
		img := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
		c := color.RGBA{uint8(req.Seed % 251), uint8((req.Seed / 7) % 251), uint8(i * 40), 255}
		for y := 0; y < req.Height; y++ {
			for x := 0; x < req.Width; x++ {
				img.SetRGBA(x, y, c)
			}
		}
		out = append(out, img)
	}
	return out, nil
}

type mockCaptioner struct {
	text string
	err  error
}

func (m *mockCaptioner) Caption(ctx context.Context, img image.Image) (string, error) {
	return m.text, m.err
}

func testParams(n int) types.Params {
	p := types.DefaultParams()
	p.NumSamples = n
	p.ImageResolution = 256
	p.Seed = 4242
	return p
}

func testInput() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 40, 30))
}

func TestProcessOutputs(t *testing.T) {
	est := &mockEstimator{}
	gen := &mockGenerator{}
	p := New(est, gen)

	res, err := p.Process(context.Background(), testInput(), testParams(3))
	require.NoError(t, err)
	require.Len(t, res.Images, 4)
	for _, img := range res.Images {
		assert.Equal(t, 40, img.Bounds().Dx())
		assert.Equal(t, 30, img.Bounds().Dy())
	}
	assert.Len(t, res.Samples(), 3)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, int64(4242), res.Seed)
	assert.Equal(t, 1, est.calls)
	assert.Equal(t, 1, est.offloads)
}

func TestProcessDepthFirstNearIsBrighter(t *testing.T) {
	p := New(&mockEstimator{}, &mockGenerator{})
	res, err := p.Process(context.Background(), testInput(), testParams(1))
	require.NoError(t, err)

	d, ok := res.Depth().(*image.RGBA)
	require.True(t, ok)
	near, far := d.RGBAAt(2, 15), d.RGBAAt(37, 15)
	assert.Greater(t, near.R, far.R)
	assert.Equal(t, near.R, near.G)
	assert.Equal(t, near.G, near.B)
}

func TestProcessRequestWiring(t *testing.T) {
	est := &mockEstimator{}
	gen := &mockGenerator{}
	params := testParams(2)
	params.GuessMode = true
	params.Strength = 2

	_, err := New(est, gen).Process(context.Background(), testInput(), params)
	require.NoError(t, err)

	req := gen.last
	assert.Equal(t, params.Prompt+", "+params.AddedPrompt, req.Prompt)
	assert.Equal(t, params.NegativePrompt, req.NegativePrompt)
	assert.False(t, req.UncondControl)
	assert.Equal(t, []int{2, 3, 256, 256}, req.Control.Shape())
	assert.Equal(t, [3]int{4, 32, 32}, req.LatentShape)
	assert.InDelta(t, 2.0, req.ControlScales[12], 1e-12)
	require.NotNil(t, req.ControlImage)
	assert.Equal(t, 256, req.ControlImage.Bounds().Dx())
	for _, v := range req.Control.Data {
		assert.True(t, v >= 0 && v <= 1)
	}

	assert.Equal(t, params.ProcessingResolution, est.lastOpts.Resolution)
	assert.Equal(t, params.PatchSize, est.lastOpts.PatchSize)
}

func TestProcessExplicitSeedIsReproducible(t *testing.T) {
	p := New(&mockEstimator{}, &mockGenerator{})
	a, err := p.Process(context.Background(), testInput(), testParams(2))
	require.NoError(t, err)
	b, err := p.Process(context.Background(), testInput(), testParams(2))
	require.NoError(t, err)

	for i := range a.Images {
		assert.Equal(t, a.Images[i].(*image.RGBA).Pix, b.Images[i].(*image.RGBA).Pix)
	}
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestProcessRandomSeed(t *testing.T) {
	params := testParams(1)
	params.Seed = types.RandomSeed

	res, err := New(&mockEstimator{}, &mockGenerator{}).Process(context.Background(), testInput(), params)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Seed, int64(0))
	assert.LessOrEqual(t, res.Seed, int64(diffusion.MaxRandomSeed))
}

func TestProcessRejectsInvalidParamsBeforeInference(t *testing.T) {
	est := &mockEstimator{}
	params := testParams(1)
	params.PatchSize = types.Resolution{Height: 4000, Width: 960}

	_, err := New(est, &mockGenerator{}).Process(context.Background(), testInput(), params)
	assert.ErrorIs(t, err, types.ErrInvalidParams)
	assert.Equal(t, 0, est.calls)

	_, err = New(est, &mockGenerator{}).Process(context.Background(), nil, testParams(1))
	assert.ErrorIs(t, err, types.ErrInvalidParams)
}

func TestProcessResourceExhausted(t *testing.T) {
	est := &mockEstimator{err: errors.New("CUDA out of memory. Tried to allocate 20 MiB")}
	_, err := New(est, &mockGenerator{}).Process(context.Background(), testInput(), testParams(1))
	assert.ErrorIs(t, err, ErrResourceExhausted)

	gen := &mockGenerator{err: types.BackendError(507, "")}
	_, err = New(&mockEstimator{}, gen).Process(context.Background(), testInput(), testParams(1))
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestProcessOffloadFailureIsNotFatal(t *testing.T) {
	est := &mockEstimator{offErr: errors.New("device busy")}
	_, err := New(est, &mockGenerator{}).Process(context.Background(), testInput(), testParams(1))
	assert.NoError(t, err)
	assert.Equal(t, 1, est.offloads)
}

func TestProcessSampleCountMismatch(t *testing.T) {
	_, err := New(&mockEstimator{}, &mockGenerator{extra: 1}).Process(context.Background(), testInput(), testParams(2))
	assert.ErrorIs(t, err, diffusion.ErrSampleCount)
}

func TestProcessCaptionsEmptyPrompt(t *testing.T) {
	gen := &mockGenerator{}
	params := testParams(1)
	params.Prompt = "  "

	res, err := New(&mockEstimator{}, gen, WithCaptioner(&mockCaptioner{text: "a red barn"})).
		Process(context.Background(), testInput(), params)
	require.NoError(t, err)
	assert.Equal(t, "a red barn, "+params.AddedPrompt, res.Prompt)

	_, err = New(&mockEstimator{}, gen, WithCaptioner(&mockCaptioner{err: errors.New("offline")})).
		Process(context.Background(), testInput(), params)
	require.NoError(t, err)
	assert.Equal(t, "  , "+params.AddedPrompt, gen.last.Prompt)
}

func TestProcessCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&mockEstimator{}, &mockGenerator{}).Process(ctx, testInput(), testParams(1))
	assert.ErrorIs(t, err, context.Canceled)
}
