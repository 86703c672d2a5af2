package diffusion

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand/v2"

	"github.com/menta2k/depth-diffusion/pkg/types"
)

// MaxRandomSeed bounds seeds drawn for the random sentinel
const MaxRandomSeed = 65535

// RandomSeed draws a seed in [0, MaxRandomSeed]
func RandomSeed() int64 {
	return randomSeed(crand.Reader)
}

// randomSeed reads two bytes from src and falls back to math/rand when src fails
func randomSeed(src io.Reader) int64 {
	var buf [2]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		return rand.Int64N(MaxRandomSeed + 1)
	}
	return int64(binary.LittleEndian.Uint16(buf[:]))
}

// ResolveSeed replaces the -1 sentinel with a random seed
func ResolveSeed(seed int64) int64 {
	if seed == types.RandomSeed {
		return RandomSeed()
	}
	return seed
}
