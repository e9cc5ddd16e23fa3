// Package duplex implements the real-time engine that multiplexes one
// physical duplex audio bus across independent producers and consumers
// while producing a time-aligned reference signal for acoustic echo
// cancellation. One dedicated task keeps the bus fed and drained at a
// fixed cadence; everything else talks to it through ring buffers,
// atomic flags, and registration-ordered callbacks.
package duplex

import (
	"fmt"
	"time"

	"duplexd/internal/dsp"
)

// WiringMode selects how the echo reference reaches the engine.
type WiringMode string

const (
	// ModeMono: the bus carries one mic slot; the reference is a delayed
	// copy of outbound audio kept in a ring buffer.
	ModeMono WiringMode = "mono"

	// ModeStereoFeedback: the codec loops its DAC output back as the
	// second rx channel (digital feedback), so rx is stereo with one
	// channel mic and one channel reference.
	ModeStereoFeedback WiringMode = "stereo_feedback"

	// ModeMultiSlot: TDM wiring with N slots per sample period; one slot
	// carries the mic, another a hardware-synchronized DAC reference.
	ModeMultiSlot WiringMode = "multi_slot"
)

// Config fixes the engine's wiring and rates for its lifetime. Validate
// must pass before New accepts it; nothing here changes after that.
type Config struct {
	// BusRate is the sample rate the hardware transceiver runs at.
	BusRate int

	// OutputRate is the decimated rate delivered to mic consumers.
	// Zero means BusRate (no decimation).
	OutputRate int

	Mode WiringMode

	// RefChannelRight selects the right rx channel as the reference in
	// stereo feedback mode (default left).
	RefChannelRight bool

	// Slots, MicSlot and RefSlot describe the TDM frame in multi-slot
	// mode: total slot count and the slot indices carrying the mic and
	// the reference.
	Slots   int
	MicSlot int
	RefSlot int

	// ReferenceDelay is the acoustic round-trip delay the mono-mode
	// reference is held back by, so it lags the mic signal correctly.
	ReferenceDelay time.Duration

	// Gain pipeline scalars. 1.0 is a no-op.
	MicGain         float32 // post-cancellation
	MicAttenuation  float32 // pre-cancellation, for hot mics
	SpeakerVolume   float32
	ReferenceVolume float32 // matches the reference to codec output level
}

// DefaultConfig returns a mono 16 kHz configuration with unity scalars
// and an 80 ms reference delay.
func DefaultConfig() Config {
	return Config{
		BusRate:         16000,
		Mode:            ModeMono,
		ReferenceDelay:  80 * time.Millisecond,
		MicGain:         1.0,
		MicAttenuation:  1.0,
		SpeakerVolume:   1.0,
		ReferenceVolume: 1.0,
	}
}

// Ratio returns the integer decimation ratio implied by the rates.
func (c Config) Ratio() int {
	if c.OutputRate <= 0 || c.OutputRate == c.BusRate {
		return 1
	}
	return c.BusRate / c.OutputRate
}

// EffectiveOutputRate returns OutputRate, falling back to BusRate.
func (c Config) EffectiveOutputRate() int {
	if c.OutputRate > 0 {
		return c.OutputRate
	}
	return c.BusRate
}

// RxChannels returns the interleaved rx slot count the wiring delivers.
func (c Config) RxChannels() int {
	switch c.Mode {
	case ModeStereoFeedback:
		return 2
	case ModeMultiSlot:
		return c.Slots
	default:
		return 1
	}
}

// TxChannels returns the interleaved tx slot count the wiring expects.
// Only multi-slot wiring expands outbound audio; every other mode
// writes a plain mono frame.
func (c Config) TxChannels() int {
	if c.Mode == ModeMultiSlot {
		return c.Slots
	}
	return 1
}

// Validate rejects any configuration the engine cannot run. An
// unrecognized wiring mode fails here rather than silently defaulting.
func (c Config) Validate() error {
	if c.BusRate <= 0 {
		return fmt.Errorf("duplex: bus rate must be positive, got %d", c.BusRate)
	}
	if c.OutputRate > 0 && c.OutputRate != c.BusRate {
		if c.BusRate%c.OutputRate != 0 {
			return fmt.Errorf("duplex: bus rate %d is not an exact multiple of output rate %d", c.BusRate, c.OutputRate)
		}
		if r := c.BusRate / c.OutputRate; r > dsp.MaxRatio {
			return fmt.Errorf("duplex: decimation ratio %d exceeds maximum of %d", r, dsp.MaxRatio)
		}
	}

	switch c.Mode {
	case ModeMono, ModeStereoFeedback:
	case ModeMultiSlot:
		if c.Slots < 2 {
			return fmt.Errorf("duplex: multi-slot wiring needs at least 2 slots, got %d", c.Slots)
		}
		if c.MicSlot < 0 || c.MicSlot >= c.Slots {
			return fmt.Errorf("duplex: mic slot %d out of range 0..%d", c.MicSlot, c.Slots-1)
		}
		if c.RefSlot < 0 || c.RefSlot >= c.Slots {
			return fmt.Errorf("duplex: reference slot %d out of range 0..%d", c.RefSlot, c.Slots-1)
		}
		if c.MicSlot == c.RefSlot {
			return fmt.Errorf("duplex: mic and reference cannot share slot %d", c.MicSlot)
		}
	default:
		return fmt.Errorf("duplex: unknown wiring mode %q", c.Mode)
	}

	if c.ReferenceDelay < 0 {
		return fmt.Errorf("duplex: reference delay must not be negative, got %v", c.ReferenceDelay)
	}
	return nil
}
