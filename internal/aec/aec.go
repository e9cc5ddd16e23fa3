// Package aec provides a Normalized Least Mean Squares (NLMS) acoustic
// echo canceller implementing the duplex engine's frame-processor
// contract: the engine hands it a microphone frame and a time-aligned
// reference frame of the same fixed size and receives the echo-reduced
// frame back. Bulk acoustic delay is compensated upstream by the engine's
// reference delay buffer, so the adaptive filter only has to cover
// residual delay and room response.
package aec

const (
	// DefaultFrameSize is the per-call frame length in samples at the
	// output rate: 256 samples = 16 ms at 16 kHz.
	DefaultFrameSize = 256

	// DefaultTaps is the NLMS filter length: 160 samples = 10 ms at
	// 16 kHz, enough for residual delay once the bulk delay is removed.
	DefaultTaps = 160

	// DefaultStep is the NLMS step size mu (0 < mu < 2). Conservative
	// values converge more slowly but never diverge on speech.
	DefaultStep = 0.1
)

// Canceller is an NLMS echo canceller over 16-bit PCM frames. It is not
// safe for concurrent use; the engine calls it from the audio task only.
type Canceller struct {
	frameSize int
	tapLen    int
	step      float64

	weights []float64
	// history holds the last tapLen-1 reference samples from previous
	// frames so each Process call sees a contiguous reference window.
	history []float64
	window  []float64 // scratch: history + current frame
}

// Option adjusts a Canceller at construction.
type Option func(*Canceller)

// WithTaps overrides the adaptive filter length.
func WithTaps(n int) Option { return func(c *Canceller) { c.tapLen = n } }

// WithStep overrides the NLMS step size.
func WithStep(mu float64) Option { return func(c *Canceller) { c.step = mu } }

// New returns a Canceller for the given frame size in samples.
func New(frameSize int, opts ...Option) *Canceller {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	c := &Canceller{
		frameSize: frameSize,
		tapLen:    DefaultTaps,
		step:      DefaultStep,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.weights = make([]float64, c.tapLen)
	c.history = make([]float64, c.tapLen-1)
	c.window = make([]float64, c.tapLen-1+frameSize)
	return c
}

// Initialized reports whether the canceller is ready to process frames.
func (c *Canceller) Initialized() bool { return c.frameSize > 0 }

// FrameSize returns the required per-call frame length in samples.
func (c *Canceller) FrameSize() int { return c.frameSize }

// Reset zeroes the filter weights and reference history.
func (c *Canceller) Reset() {
	for i := range c.weights {
		c.weights[i] = 0
	}
	for i := range c.history {
		c.history[i] = 0
	}
}

// Process removes the echo estimate of ref from mic and writes the result
// to out. All three slices must be FrameSize samples. out may alias mic.
func (c *Canceller) Process(mic, ref, out []int16) {
	n := c.frameSize

	// Contiguous reference window: tapLen-1 past samples + current frame.
	copy(c.window, c.history)
	for i := 0; i < n; i++ {
		c.window[c.tapLen-1+i] = float64(ref[i])
	}

	for i := 0; i < n; i++ {
		// refBase indexes the most-recent tap (k = 0) for sample i.
		refBase := i + c.tapLen - 1

		var y, power float64
		for k := 0; k < c.tapLen; k++ {
			x := c.window[refBase-k]
			y += c.weights[k] * x
			power += x * x
		}

		e := float64(mic[i]) - y

		// Normalised update: w[k] += mu * e * x[k] / ||x||². A silent
		// reference leaves the weights untouched.
		if power > 0 {
			step := c.step * e / power
			for k := 0; k < c.tapLen; k++ {
				c.weights[k] += step * c.window[refBase-k]
			}
		}

		switch {
		case e > 32767:
			out[i] = 32767
		case e < -32768:
			out[i] = -32768
		default:
			out[i] = int16(e)
		}
	}

	copy(c.history, c.window[n:])
}
