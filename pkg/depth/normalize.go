package depth

import (
	"fmt"
	"image"
	"math"

	"github.com/menta2k/depth-diffusion/pkg/tensor"
)

// Visualization is a depth map inverted so that near points are bright:
// v = (1 - d/max(d)) * 255.
type Visualization struct {
	// Float holds v before any cast; it feeds the output gallery
	Float *tensor.Grid
	// Quantized holds v truncated to integers in [0,255]; it feeds the control tensor
	Quantized *tensor.Grid
}

// Normalize inverts and scales a depth map to the 0..255 display range
func Normalize(d *tensor.Grid) (*Visualization, error) {
	maxV := d.Max()
	if math.IsNaN(float64(maxV)) || maxV <= 0 {
		return nil, fmt.Errorf("%w: max depth %v", ErrDegenerateDepth, maxV)
	}

	vf := tensor.NewGrid(d.Width, d.Height)
	vq := tensor.NewGrid(d.Width, d.Height)
	for i, v := range d.Data {
		f := (1 - v/maxV) * 255
		vf.Data[i] = f
		vq.Data[i] = float32(tensor.ToUint8(f))
	}
	return &Visualization{Float: vf, Quantized: vq}, nil
}

// Image returns the visualisation as a 3-channel 8-bit image
func (v *Visualization) Image() (*image.RGBA, error) {
	return tensor.ToRGBA(v.Float, v.Float, v.Float)
}

// ControlBatch builds the conditioning tensor: the quantized map scaled to
// [0,1], replicated over 3 channels and n samples (NCHW).
func (v *Visualization) ControlBatch(n int) *tensor.Batch {
	return tensor.Replicate(v.Quantized, n, 3, 1.0/255.0)
}
