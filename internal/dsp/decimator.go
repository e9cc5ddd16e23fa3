// Package dsp provides the sample-rate decimation filter used on the
// microphone and echo-reference paths of the duplex engine.
package dsp

import "fmt"

// NumTaps is the FIR filter length. It is padded to a power of two so the
// delay-line index wraps with a bitmask instead of a modulo.
const NumTaps = 32

// firCoeffs is a symmetric linear-phase low-pass design: 31 taps plus one
// zero pad, cutoff 7.5 kHz at a 48 kHz bus rate, Kaiser window beta=8.0,
// unity DC gain, ~60 dB stopband attenuation. It is a constant of the
// system, not user-configurable.
var firCoeffs = [NumTaps]float32{
	4.1270231666e-05, 2.1633893589e-04, 1.2531119530e-04, -9.9999988238e-04,
	-2.6821920740e-03, -1.8518117881e-03, 4.4563387256e-03, 1.2653483833e-02,
	1.0683467077e-02, -1.0893520506e-02, -4.0743026823e-02, -4.2934182572e-02,
	1.7799016112e-02, 1.3755146771e-01, 2.6031620059e-01, 3.1252367847e-01,
	2.6031620059e-01, 1.3755146771e-01, 1.7799016112e-02, -4.2934182572e-02,
	-4.0743026823e-02, -1.0893520506e-02, 1.0683467077e-02, 1.2653483833e-02,
	4.4563387256e-03, -1.8518117881e-03, -2.6821920740e-03, -9.9999988238e-04,
	1.2531119530e-04, 2.1633893589e-04, 4.1270231666e-05, 0.0,
}

// MaxRatio is the largest supported integer decimation ratio.
const MaxRatio = 6

// Decimator is a streaming FIR decimator: it consumes blocks of samples at
// the bus rate and emits blocks 1/ratio the size at the output rate. A
// ratio of 1 degenerates to a plain copy with no filtering and no added
// latency.
type Decimator struct {
	ratio int
	delay [NumTaps]float32
	pos   uint32
}

// NewDecimator returns a Decimator for the given ratio (1..MaxRatio).
func NewDecimator(ratio int) (*Decimator, error) {
	if ratio < 1 || ratio > MaxRatio {
		return nil, fmt.Errorf("dsp: decimation ratio %d out of range 1..%d", ratio, MaxRatio)
	}
	return &Decimator{ratio: ratio}, nil
}

// Ratio returns the configured decimation ratio.
func (d *Decimator) Ratio() int { return d.ratio }

// Reset clears the delay line to silence.
func (d *Decimator) Reset() {
	d.delay = [NumTaps]float32{}
	d.pos = 0
}

// Process decimates len(in) bus-rate samples into len(in)/ratio output-rate
// samples written to the front of out, and returns the output count.
// len(in) must be a multiple of the ratio and out must have room; both are
// guaranteed by the engine, which sizes its session buffers from the ratio.
func (d *Decimator) Process(in, out []int16) int {
	if d.ratio == 1 {
		return copy(out, in)
	}

	outCount := len(in) / d.ratio
	for o := 0; o < outCount; o++ {
		// Push ratio new samples into the circular delay line.
		for r := 0; r < d.ratio; r++ {
			d.delay[d.pos] = float32(in[o*d.ratio+r])
			d.pos = (d.pos + 1) & (NumTaps - 1)
		}

		// Inner product over the full tap length, oldest sample first.
		var acc float32
		idx := d.pos
		for t := 0; t < NumTaps; t++ {
			acc += d.delay[idx] * firCoeffs[t]
			idx = (idx + 1) & (NumTaps - 1)
		}

		out[o] = saturate(acc)
	}
	return outCount
}

// saturate clamps a float accumulator to the signed 16-bit sample range.
func saturate(v float32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
