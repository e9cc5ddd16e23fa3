// Package ringbuffer implements the byte-oriented circular queue used as
// the elastic boundary between audio producers and the fixed-cadence audio
// task. It is safe for one producer goroutine and one consumer goroutine;
// Reset of an engine-owned buffer is deferred to the consuming task.
package ringbuffer

import (
	"fmt"
	"time"
)

// Buffer is a fixed-capacity byte FIFO with bounded blocking reads and
// writes. A zero timeout makes an operation non-blocking.
type Buffer struct {
	buf  []byte
	r, w int
	full bool

	// Pulse channels instead of a sync.Cond so waits can carry a timeout.
	// Capacity 1: a pulse is only a hint, waiters re-check under the lock.
	readable chan struct{}
	writable chan struct{}
	lock     chan struct{} // capacity-1 semaphore guarding buf/r/w/full
}

// New returns a Buffer holding up to capacity bytes.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ringbuffer: capacity must be positive, got %d", capacity)
	}
	b := &Buffer{
		buf:      make([]byte, capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		lock:     make(chan struct{}, 1),
	}
	b.lock <- struct{}{}
	return b, nil
}

func (b *Buffer) acquire() { <-b.lock }
func (b *Buffer) release() { b.lock <- struct{}{} }

func pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Capacity returns the total byte capacity.
func (b *Buffer) Capacity() int { return len(b.buf) }

// Available returns the number of bytes currently queued.
func (b *Buffer) Available() int {
	b.acquire()
	n := b.available()
	b.release()
	return n
}

func (b *Buffer) available() int {
	if b.full {
		return len(b.buf)
	}
	if b.w >= b.r {
		return b.w - b.r
	}
	return len(b.buf) - b.r + b.w
}

// Free returns the number of bytes that can be written without replacement.
func (b *Buffer) Free() int {
	b.acquire()
	n := len(b.buf) - b.available()
	b.release()
	return n
}

// Reset discards all queued bytes.
func (b *Buffer) Reset() {
	b.acquire()
	b.r, b.w, b.full = 0, 0, false
	b.release()
	pulse(b.writable)
}

// Read copies up to len(p) bytes into p. It waits up to timeout for the
// full requested amount, then returns whatever is queued (possibly zero).
// A zero timeout returns immediately with the bytes already available.
func (b *Buffer) Read(p []byte, timeout time.Duration) int {
	if len(p) == 0 {
		return 0
	}

	deadline := newDeadline(timeout)
	for {
		b.acquire()
		if b.available() >= len(p) || deadline.expired() {
			n := b.pop(p)
			b.release()
			if n > 0 {
				pulse(b.writable)
			}
			return n
		}
		b.release()

		// On timeout the next pass through the loop takes a final
		// partial snapshot of whatever is queued.
		deadline.wait(b.readable)
	}
}

// pop copies up to len(p) queued bytes into p. Caller holds the lock.
func (b *Buffer) pop(p []byte) int {
	n := min(b.available(), len(p))
	if n == 0 {
		return 0
	}
	first := copy(p[:n], b.buf[b.r:])
	if first < n {
		copy(p[first:n], b.buf[:n-first])
	}
	b.r = (b.r + n) % len(b.buf)
	b.full = false
	return n
}

// Write appends p, overwriting the oldest queued bytes if the buffer is
// full. It always accepts len(p) bytes (only the final Capacity bytes
// survive when p is larger than the buffer) and returns len(p).
func (b *Buffer) Write(p []byte) int {
	total := len(p)
	if total > len(b.buf) {
		p = p[total-len(b.buf):]
	}
	b.acquire()
	overwrite := len(p) - (len(b.buf) - b.available())
	if overwrite > 0 {
		b.r = (b.r + overwrite) % len(b.buf)
	}
	b.push(p)
	b.release()
	pulse(b.readable)
	return total
}

// push copies p at the write index. Caller holds the lock and has ensured
// the bytes fit.
func (b *Buffer) push(p []byte) {
	first := copy(b.buf[b.w:], p)
	if first < len(p) {
		copy(b.buf, p[first:])
	}
	b.w = (b.w + len(p)) % len(b.buf)
	b.full = b.w == b.r && len(p) > 0
}

// WriteWithoutReplacement appends p without ever overwriting unread data,
// waiting up to timeout for space. With allowPartial it writes whatever
// fits as space appears and returns the number of bytes accepted; without
// it the write is all-or-nothing. A zero timeout makes it a single
// non-blocking attempt.
func (b *Buffer) WriteWithoutReplacement(p []byte, timeout time.Duration, allowPartial bool) int {
	deadline := newDeadline(timeout)
	written := 0
	for {
		b.acquire()
		free := len(b.buf) - b.available()
		remaining := len(p) - written

		switch {
		case free >= remaining:
			b.push(p[written:])
			written = len(p)
		case allowPartial && free > 0:
			b.push(p[written : written+free])
			written += free
		}
		b.release()
		if written > 0 {
			pulse(b.readable)
		}

		if written == len(p) || deadline.expired() {
			return written
		}
		deadline.wait(b.writable)
	}
}

// deadline tracks a bounded wait. A zero timeout is already expired; a
// negative timeout never expires.
type deadline struct {
	timer   *time.Timer
	forever bool
	done    bool
}

func newDeadline(timeout time.Duration) *deadline {
	switch {
	case timeout < 0:
		return &deadline{forever: true}
	case timeout == 0:
		return &deadline{done: true}
	default:
		return &deadline{timer: time.NewTimer(timeout)}
	}
}

func (d *deadline) expired() bool {
	if d.forever {
		return false
	}
	if d.done {
		return true
	}
	select {
	case <-d.timer.C:
		d.done = true
		return true
	default:
		return false
	}
}

// wait blocks until ch pulses or the deadline passes. It reports whether
// the pulse arrived first.
func (d *deadline) wait(ch chan struct{}) bool {
	if d.forever {
		<-ch
		return true
	}
	if d.done {
		return false
	}
	select {
	case <-ch:
		return true
	case <-d.timer.C:
		d.done = true
		return false
	}
}
