// Package bus defines the physical duplex audio bus boundary: a transport
// that must be read and written one fixed-size frame at a time, at the bus
// sample rate, with bounded blocking. The engine never touches hardware
// directly; it only sees this interface.
package bus

import (
	"errors"
	"time"
)

// BytesPerSample is the sample width on the wire: signed 16-bit PCM.
const BytesPerSample = 2

// ErrTimeout reports that a read or write did not complete within its
// bound. Expected under normal operation; callers substitute silence.
var ErrTimeout = errors.New("bus: i/o timeout")

// ErrNotReady reports that the channel is not in a readable/writable
// state, expected transiently during start/stop transitions.
var ErrNotReady = errors.New("bus: channel not ready")

// Driver is a duplex audio transport. Read and Write move whole hardware
// frames of interleaved 16-bit little-endian PCM and block up to the
// given timeout, never indefinitely. Implementations are used by exactly
// one goroutine for I/O once started.
type Driver interface {
	// Start acquires the hardware with the given fixed frame sizes in
	// bytes. rxFrameBytes covers all input slots interleaved; txFrameBytes
	// covers the output frame.
	Start(rxFrameBytes, txFrameBytes int) error

	// Stop releases the hardware. Safe to call when already stopped.
	Stop() error

	// Read fills p (one rx frame) and returns the byte count.
	Read(p []byte, timeout time.Duration) (int, error)

	// Write sends p (one tx frame) and returns the byte count accepted.
	Write(p []byte, timeout time.Duration) (int, error)
}

// IsTransient reports whether err is an expected, absorbable condition
// (timeout or not-ready) rather than a genuine I/O failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotReady)
}
