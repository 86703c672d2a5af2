package tensor

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Batch is a dense NCHW float32 tensor
type Batch struct {
	N, C, H, W int
	Data       []float32
}

// NewBatch allocates a zeroed NCHW tensor
func NewBatch(n, c, h, w int) *Batch {
	return &Batch{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// Shape returns [N, C, H, W]
func (b *Batch) Shape() []int {
	return []int{b.N, b.C, b.H, b.W}
}

// Index of element (n, c, y, x)
func (b *Batch) Index(n, c, y, x int) int {
	return ((n*b.C+c)*b.H+y)*b.W + x
}

// At returns element (n, c, y, x)
func (b *Batch) At(n, c, y, x int) float32 {
	return b.Data[b.Index(n, c, y, x)]
}

// Replicate builds an N x C batch where every channel of every item is a copy
// of g multiplied by scale.
func Replicate(g *Grid, n, c int, scale float32) *Batch {
	b := NewBatch(n, c, g.Height, g.Width)
	plane := g.Width * g.Height
	for i := 0; i < n*c; i++ {
		dst := b.Data[i*plane : (i+1)*plane]
		for j, v := range g.Data {
			dst[j] = v * scale
		}
	}
	return b
}

// Channel returns item n, channel c as a grid (copied)
func (b *Batch) Channel(n, c int) *Grid {
	g := NewGrid(b.W, b.H)
	start := b.Index(n, c, 0, 0)
	copy(g.Data, b.Data[start:start+b.W*b.H])
	return g
}

// EncodeFloat32 packs values as little-endian float32 and base64-encodes them
func EncodeFloat32(values []float32) string {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFloat32 reverses EncodeFloat32
func DecodeFloat32(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 tensor: %w", err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("tensor payload length %d is not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
