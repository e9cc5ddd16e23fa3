package aec

import (
	"math"
	"math/rand"
	"testing"
)

func rms(frame []int16) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func TestContract(t *testing.T) {
	c := New(256)
	if !c.Initialized() {
		t.Fatal("Initialized() = false for a constructed canceller")
	}
	if c.FrameSize() != 256 {
		t.Fatalf("FrameSize() = %d, want 256", c.FrameSize())
	}
}

func TestDefaultFrameSize(t *testing.T) {
	c := New(0)
	if c.FrameSize() != DefaultFrameSize {
		t.Fatalf("FrameSize() = %d, want %d", c.FrameSize(), DefaultFrameSize)
	}
}

// With a silent reference, near-end speech must pass through untouched
// and the weights must stay at zero.
func TestSilentReferencePassthrough(t *testing.T) {
	const frame = 128
	c := New(frame)

	mic := make([]int16, frame)
	ref := make([]int16, frame)
	out := make([]int16, frame)
	for i := range mic {
		mic[i] = int16(1000 * math.Sin(float64(i)/7))
	}

	c.Process(mic, ref, out)
	for i := range mic {
		if out[i] != mic[i] {
			t.Fatalf("sample %d altered with silent reference: %d != %d", i, out[i], mic[i])
		}
	}
}

// A pure echo (mic is a scaled copy of the reference) must be strongly
// attenuated once the filter converges.
func TestConvergesOnPureEcho(t *testing.T) {
	const (
		frame  = 256
		rounds = 60
	)
	c := New(frame, WithTaps(64))
	rng := rand.New(rand.NewSource(42))

	ref := make([]int16, frame)
	mic := make([]int16, frame)
	out := make([]int16, frame)

	var echoRMS, residualRMS float64
	for round := 0; round < rounds; round++ {
		for i := range ref {
			ref[i] = int16(rng.Intn(16000) - 8000)
			mic[i] = ref[i] / 2 // echo path: flat 6 dB loss, no extra delay
		}
		c.Process(mic, ref, out)
		if round == rounds-1 {
			echoRMS = rms(mic)
			residualRMS = rms(out)
		}
	}

	if residualRMS > echoRMS/5 {
		t.Fatalf("residual RMS %.1f vs echo RMS %.1f: expected at least 5x reduction", residualRMS, echoRMS)
	}
}

func TestResetClearsAdaptation(t *testing.T) {
	const frame = 64
	c := New(frame, WithTaps(16))

	ref := make([]int16, frame)
	mic := make([]int16, frame)
	out := make([]int16, frame)
	for i := range ref {
		ref[i] = int16((i%32)*500 - 8000)
		mic[i] = ref[i]
	}
	for i := 0; i < 20; i++ {
		c.Process(mic, ref, out)
	}

	c.Reset()

	// First frame after reset with a silent reference: pure passthrough,
	// proving weights and history were cleared.
	silent := make([]int16, frame)
	c.Process(mic, silent, out)
	for i := range mic {
		if out[i] != mic[i] {
			t.Fatalf("sample %d altered after Reset: %d != %d", i, out[i], mic[i])
		}
	}
}
