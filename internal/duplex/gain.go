package duplex

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// applyGain multiplies samples by gain in place, clamping to the int16
// range. Unity gain is a no-op so the hot path pays nothing when no
// scaling is configured.
func applyGain(samples []int16, gain float32) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		v := float32(s) * gain
		switch {
		case v > math.MaxInt16:
			samples[i] = math.MaxInt16
		case v < math.MinInt16:
			samples[i] = math.MinInt16
		default:
			samples[i] = int16(v)
		}
	}
}

// scalar is a float32 readable and writable without locks. The audio
// task loads it every iteration; control threads store it at will.
type scalar struct {
	bits atomic.Uint32
}

func (s *scalar) store(v float32) {
	s.bits.Store(math.Float32bits(v))
}

func (s *scalar) load() float32 {
	return math.Float32frombits(s.bits.Load())
}

// bytesToSamples decodes little-endian 16-bit PCM into dst. Both sides
// must already be sized; len(b) must be 2*len(dst).
func bytesToSamples(b []byte, dst []int16) {
	for i := range dst {
		dst[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
}

// samplesToBytes encodes src as little-endian 16-bit PCM into dst.
func samplesToBytes(src []int16, dst []byte) {
	for i, s := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(s))
	}
}
