// Package tensor holds the small float containers passed between pipeline
// stages: a 2-D Grid (depth maps, single image channels) and an NCHW Batch
// (conditioning tensors, decoded samples).
package tensor

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Grid is a row-major float32 matrix of Width x Height values
type Grid struct {
	Width  int
	Height int
	Data   []float32
}

// NewGrid allocates a zeroed grid
func NewGrid(width, height int) *Grid {
	return &Grid{Width: width, Height: height, Data: make([]float32, width*height)}
}

// GridFromSlice wraps data as a grid, checking its length
func GridFromSlice(width, height int, data []float32) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid grid size %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("grid %dx%d needs %d values, got %d", width, height, width*height, len(data))
	}
	return &Grid{Width: width, Height: height, Data: data}, nil
}

// At returns the value at (x, y)
func (g *Grid) At(x, y int) float32 {
	return g.Data[y*g.Width+x]
}

// Set stores v at (x, y)
func (g *Grid) Set(x, y int, v float32) {
	g.Data[y*g.Width+x] = v
}

// Clone returns a deep copy
func (g *Grid) Clone() *Grid {
	out := &Grid{Width: g.Width, Height: g.Height, Data: make([]float32, len(g.Data))}
	copy(out.Data, g.Data)
	return out
}

// Max returns the largest finite value, or NaN if there is none
func (g *Grid) Max() float32 {
	maxV := float32(math.Inf(-1))
	found := false
	for _, v := range g.Data {
		if !isFinite(v) {
			continue
		}
		if v > maxV {
			maxV = v
		}
		found = true
	}
	if !found {
		return float32(math.NaN())
	}
	return maxV
}

// Mean of the region [x0,x1) x [y0,y1)
func (g *Grid) Mean(x0, y0, x1, y1 int) float64 {
	var sum float64
	n := 0
	for y := y0; y < y1; y++ {
		row := g.Data[y*g.Width : (y+1)*g.Width]
		for x := x0; x < x1; x++ {
			sum += float64(row[x])
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Planes splits an image into three 0..255 float planes (R, G, B)
func Planes(img image.Image) [3]*Grid {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	planes := [3]*Grid{NewGrid(w, h), NewGrid(w, h), NewGrid(w, h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			planes[0].Data[i] = float32(c.R)
			planes[1].Data[i] = float32(c.G)
			planes[2].Data[i] = float32(c.B)
		}
	}
	return planes
}

// ToRGBA merges three 0..255 planes into an opaque 8-bit image; values are
// clipped to [0,255] and truncated toward zero.
func ToRGBA(r, g, b *Grid) (*image.RGBA, error) {
	if r.Width != g.Width || r.Width != b.Width || r.Height != g.Height || r.Height != b.Height {
		return nil, fmt.Errorf("plane size mismatch: %dx%d, %dx%d, %dx%d",
			r.Width, r.Height, g.Width, g.Height, b.Width, b.Height)
	}
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for i := range r.Data {
		o := i * 4
		img.Pix[o+0] = ToUint8(r.Data[i])
		img.Pix[o+1] = ToUint8(g.Data[i])
		img.Pix[o+2] = ToUint8(b.Data[i])
		img.Pix[o+3] = 255
	}
	return img, nil
}

// ToUint8 clips v to [0,255] and truncates
func ToUint8(v float32) uint8 {
	if !isFinite(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

func isFinite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
