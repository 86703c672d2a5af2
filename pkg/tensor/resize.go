package tensor

import (
	"image"
	"math"
)

// cubicA matches the bicubic kernel used by PyTorch's interpolate
const cubicA = -0.75

// ResizeBicubic resamples g to width x height with bicubic interpolation and
// aligned corners: the corner samples of the input map exactly onto the corner
// samples of the output. Border taps are clamped.
func ResizeBicubic(g *Grid, width, height int) *Grid {
	if g.Width == width && g.Height == height {
		return g.Clone()
	}

	xTaps := bicubicTaps(g.Width, width)
	yTaps := bicubicTaps(g.Height, height)

	// separable: rows first, then columns
	tmp := NewGrid(width, g.Height)
	for y := 0; y < g.Height; y++ {
		src := g.Data[y*g.Width : (y+1)*g.Width]
		dst := tmp.Data[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			t := xTaps[x]
			var v float64
			for k := 0; k < 4; k++ {
				v += float64(src[t.idx[k]]) * t.w[k]
			}
			dst[x] = float32(v)
		}
	}

	out := NewGrid(width, height)
	for y := 0; y < height; y++ {
		t := yTaps[y]
		dst := out.Data[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			var v float64
			for k := 0; k < 4; k++ {
				v += float64(tmp.Data[t.idx[k]*width+x]) * t.w[k]
			}
			dst[x] = float32(v)
		}
	}
	return out
}

// ResizeImageBicubic resizes an image channel by channel with ResizeBicubic
// and returns an opaque 8-bit RGBA image.
func ResizeImageBicubic(img image.Image, width, height int) (*image.RGBA, error) {
	p := Planes(img)
	return ToRGBA(
		ResizeBicubic(p[0], width, height),
		ResizeBicubic(p[1], width, height),
		ResizeBicubic(p[2], width, height),
	)
}

type tap struct {
	idx [4]int
	w   [4]float64
}

func bicubicTaps(in, out int) []tap {
	taps := make([]tap, out)
	scale := 0.0
	if out > 1 {
		scale = float64(in-1) / float64(out-1)
	}
	for i := 0; i < out; i++ {
		pos := scale * float64(i)
		base := int(math.Floor(pos))
		t := pos - float64(base)

		taps[i].w = [4]float64{
			cubic2(t + 1),
			cubic1(t),
			cubic1(1 - t),
			cubic2(2 - t),
		}
		for k := 0; k < 4; k++ {
			taps[i].idx[k] = clampInt(base-1+k, 0, in-1)
		}
	}
	return taps
}

// cubic1 is the kernel for |x| <= 1
func cubic1(x float64) float64 {
	return ((cubicA+2)*x-(cubicA+3))*x*x + 1
}

// cubic2 is the kernel for 1 < |x| < 2
func cubic2(x float64) float64 {
	return ((cubicA*x-5*cubicA)*x+8*cubicA)*x - 4*cubicA
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
