package onnx

import (
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/menta2k/depth-diffusion/pkg/tensor"
)

// Preprocess resizes img to the model input with true bicubic sampling and
// returns RGB planes in NCHW order, scaled to [0,1] and normalised.
func Preprocess(img image.Image, opts Options) []float32 {
	w, h := opts.InputWidth, opts.InputHeight
	dst := resize.Resize(uint(w), uint(h), img, resize.Bicubic)

	std := opts.StddevRGB
	for i := range std {
		if std[i] == 0 {
			std[i] = 1
		}
	}

	n := w * h
	data := make([]float32, 3*n)
	b := dst.Bounds()
	idx := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(dst.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			data[idx] = (float32(c.R)/255 - opts.MeanRGB[0]) / std[0]
			data[n+idx] = (float32(c.G)/255 - opts.MeanRGB[1]) / std[1]
			data[2*n+idx] = (float32(c.B)/255 - opts.MeanRGB[2]) / std[2]
			idx++
		}
	}
	return data
}

// Postprocess wraps raw model output and resizes it to the patch size
func Postprocess(out []float32, opts Options, width, height int) (*tensor.Grid, error) {
	g, err := tensor.GridFromSlice(opts.InputWidth, opts.InputHeight, out)
	if err != nil {
		return nil, fmt.Errorf("unexpected model output: %w", err)
	}
	if width == g.Width && height == g.Height {
		return g, nil
	}
	return tensor.ResizeBicubic(g, width, height), nil
}
