package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// errSimulated is what a failing Mock returns: a non-transient fault, the
// kind that trips the engine's persistent-error handling.
var errSimulated = errors.New("bus: simulated i/o failure")

// Mock is an in-memory Driver for tests. Reads are served from a queue of
// scripted frames (ErrTimeout when empty), writes are recorded, and either
// side can be switched to hard failure.
type Mock struct {
	mu      sync.Mutex
	started bool
	rxBytes int
	txBytes int
	rxQueue [][]byte
	written [][]byte

	rxPulse chan struct{}
	txPulse chan struct{}

	failReads  atomic.Bool
	failWrites atomic.Bool
	notReady   atomic.Bool

	starts atomic.Int32
	stops  atomic.Int32
}

// NewMock returns an empty mock driver.
func NewMock() *Mock {
	return &Mock{
		rxPulse: make(chan struct{}, 1),
		txPulse: make(chan struct{}, 1),
	}
}

func (m *Mock) Start(rxFrameBytes, txFrameBytes int) error {
	m.mu.Lock()
	m.started = true
	m.rxBytes = rxFrameBytes
	m.txBytes = txFrameBytes
	m.mu.Unlock()
	m.starts.Add(1)
	return nil
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.stops.Add(1)
	return nil
}

// Started reports whether the driver is between Start and Stop.
func (m *Mock) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// StartCount and StopCount report lifecycle transitions.
func (m *Mock) StartCount() int { return int(m.starts.Load()) }
func (m *Mock) StopCount() int  { return int(m.stops.Load()) }

// FrameSizes returns the rx/tx frame sizes passed to Start.
func (m *Mock) FrameSizes() (rx, tx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxBytes, m.txBytes
}

// SetFailReads and SetFailWrites switch the corresponding direction to a
// persistent non-transient failure.
func (m *Mock) SetFailReads(v bool)  { m.failReads.Store(v) }
func (m *Mock) SetFailWrites(v bool) { m.failWrites.Store(v) }

// SetNotReady makes both directions report ErrNotReady (a transient).
func (m *Mock) SetNotReady(v bool) { m.notReady.Store(v) }

// QueueRead schedules a frame to be served by a future Read call.
func (m *Mock) QueueRead(frame []byte) {
	f := make([]byte, len(frame))
	copy(f, frame)
	m.mu.Lock()
	m.rxQueue = append(m.rxQueue, f)
	m.mu.Unlock()
	select {
	case m.rxPulse <- struct{}{}:
	default:
	}
}

func (m *Mock) Read(p []byte, timeout time.Duration) (int, error) {
	if m.failReads.Load() {
		return 0, errSimulated
	}
	if m.notReady.Load() {
		return 0, ErrNotReady
	}

	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		if len(m.rxQueue) > 0 {
			frame := m.rxQueue[0]
			m.rxQueue = m.rxQueue[1:]
			m.mu.Unlock()
			return copy(p, frame), nil
		}
		m.mu.Unlock()

		select {
		case <-m.rxPulse:
		case <-deadline:
			return 0, ErrTimeout
		}
	}
}

func (m *Mock) Write(p []byte, _ time.Duration) (int, error) {
	if m.failWrites.Load() {
		return 0, errSimulated
	}
	if m.notReady.Load() {
		return 0, ErrNotReady
	}

	frame := make([]byte, len(p))
	copy(frame, p)
	m.mu.Lock()
	m.written = append(m.written, frame)
	m.mu.Unlock()
	select {
	case m.txPulse <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Written returns a snapshot of all frames written so far.
func (m *Mock) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

// WaitWritten blocks until at least n frames have been written or the
// timeout expires, and reports whether the count was reached.
func (m *Mock) WaitWritten(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		have := len(m.written)
		m.mu.Unlock()
		if have >= n {
			return true
		}
		select {
		case <-m.txPulse:
		case <-deadline:
			return false
		}
	}
}
