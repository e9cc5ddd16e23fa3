package intercom

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"duplexd/internal/duplex"
)

// CallState is the manager's externally visible call state.
type CallState string

const (
	StateIdle    CallState = "idle"
	StateRinging CallState = "ringing"
	StateInCall  CallState = "in_call"
)

// Ringer plays the local ring tone while an unanswered call waits.
type Ringer interface {
	Start()
	Stop()
}

// CallRecorder persists call outcomes; satisfied by store.Store.
type CallRecorder interface {
	InsertCall(peer, direction, outcome string, durationS int) (int64, error)
}

// playTimeout bounds how long inbound audio may wait for speaker buffer
// space before the tail of the chunk is dropped.
const playTimeout = 100 * time.Millisecond

// defaultIdleTimeout ends a session whose peer has gone silent. Peers
// keep the session alive with audio or pings.
const defaultIdleTimeout = 10 * time.Second

// Options configures call handling.
type Options struct {
	AutoAnswer  bool
	RingTimeout time.Duration
	// IdleTimeout hangs the session up when no message arrives for this
	// long, so a peer that vanishes without closing cannot hold the call
	// slot. Defaults to 10 seconds.
	IdleTimeout time.Duration
	CodecName   string
	Ringer      Ringer       // optional
	Recorder    CallRecorder // optional
}

// Manager owns the single active intercom session and bridges it onto
// the audio engine. One manager serves every transport: TCP, WebSocket,
// and WebTransport connections all funnel into ServeConn.
type Manager struct {
	log  *slog.Logger
	mic  *duplex.Microphone
	spk  *duplex.Speaker
	opts Options

	mu     sync.Mutex // admission control
	active atomic.Pointer[session]
}

// NewManager wires a manager onto the engine. The mic callback is
// registered once here and forwards frames only while a call is up.
func NewManager(eng *duplex.Engine, opts Options, logger *slog.Logger) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		log:  logger.With("component", "intercom"),
		mic:  eng.Mic(),
		spk:  eng.Speaker(),
		opts: opts,
	}
	eng.AddMicCallback(m.onMic)
	return m
}

// onMic runs on the audio task. It must never block, so frames are
// copied and dropped when the session's queue is full.
func (m *Manager) onMic(pcm []byte) {
	s := m.active.Load()
	if s == nil || !s.inCall.Load() {
		return
	}
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	select {
	case s.micCh <- frame:
	default:
	}
}

// State returns the current call state.
func (m *Manager) State() CallState {
	s := m.active.Load()
	switch {
	case s == nil:
		return StateIdle
	case s.inCall.Load():
		return StateInCall
	case s.ringing.Load():
		return StateRinging
	default:
		return StateIdle
	}
}

// Peer returns the remote address of the active session, or "".
func (m *Manager) Peer() string {
	if s := m.active.Load(); s != nil {
		return s.peer
	}
	return ""
}

// Answer accepts a ringing call. Returns false when nothing is ringing.
func (m *Manager) Answer() bool {
	s := m.active.Load()
	if s == nil || !s.ringing.Load() {
		return false
	}
	select {
	case s.answerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Hangup ends the active call or rejects a ringing one. Returns false
// when idle.
func (m *Manager) Hangup() bool {
	s := m.active.Load()
	if s == nil {
		return false
	}
	s.hangup()
	return true
}

// ServeConn runs the session protocol over rwc until the call ends or
// the transport fails, then closes rwc. A second concurrent connection
// is refused with a BUSY error.
func (m *Manager) ServeConn(rwc io.ReadWriteCloser, peer string) {
	m.mu.Lock()
	if m.active.Load() != nil {
		m.mu.Unlock()
		writeError(rwc, ErrBusy)
		rwc.Close()
		m.record(peer, "busy", 0)
		m.log.Info("refused busy connection", "peer", peer)
		return
	}

	codec, err := NewCodec(m.opts.CodecName, SampleRate)
	if err != nil {
		m.mu.Unlock()
		writeError(rwc, ErrInternal)
		rwc.Close()
		m.log.Error("codec init failed", "codec", m.opts.CodecName, "err", err)
		return
	}

	s := &session{
		m:        m,
		rwc:      rwc,
		peer:     peer,
		codec:    codec,
		log:      m.log.With("peer", peer),
		micCh:    make(chan []byte, 16),
		answerCh: make(chan struct{}, 1),
		hungupCh: make(chan struct{}),
	}
	m.active.Store(s)
	m.mu.Unlock()

	s.run()
	m.active.Store(nil)
}

func (m *Manager) record(peer, outcome string, duration time.Duration) {
	if m.opts.Recorder == nil {
		return
	}
	if _, err := m.opts.Recorder.InsertCall(peer, "in", outcome, int(duration.Seconds())); err != nil {
		m.log.Warn("call log insert failed", "err", err)
	}
}

type session struct {
	m     *Manager
	rwc   io.ReadWriteCloser
	peer  string
	codec Codec
	log   *slog.Logger

	ringing atomic.Bool
	inCall  atomic.Bool

	micCh    chan []byte
	answerCh chan struct{}

	hungupCh   chan struct{}
	hangupOnce sync.Once

	// idle fires when the peer sends nothing for IdleTimeout; every
	// received message rearms it via touch.
	idle *time.Timer

	writeMu sync.Mutex
	started time.Time
}

func (s *session) hangup() {
	s.hangupOnce.Do(func() { close(s.hungupCh) })
}

// touch rearms the idle timer. Only the run loops call it, so the
// drain-then-reset dance cannot race another reset.
func (s *session) touch() {
	if !s.idle.Stop() {
		select {
		case <-s.idle.C:
		default:
		}
	}
	s.idle.Reset(s.m.opts.IdleTimeout)
}

func (s *session) send(m Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteMessage(s.rwc, m)
}

func (s *session) run() {
	defer s.rwc.Close()
	s.log.Info("session opened")

	s.idle = time.NewTimer(s.m.opts.IdleTimeout)
	defer s.idle.Stop()

	msgs := make(chan Message)
	go func() {
		defer close(msgs)
		for {
			m, err := ReadMessage(s.rwc)
			if err != nil {
				return
			}
			msgs <- m
		}
	}()

	if !s.awaitStart(msgs) {
		s.log.Info("session closed before start")
		return
	}

	if !s.m.opts.AutoAnswer {
		if !s.ring(msgs) {
			return
		}
	}
	if !s.answer() {
		return
	}
	s.stream(msgs)
}

// awaitStart consumes messages until the client requests streaming.
func (s *session) awaitStart(msgs <-chan Message) bool {
	for {
		select {
		case <-s.hungupCh:
			return false
		case <-s.idle.C:
			s.log.Info("peer idle before start")
			return false
		case m, ok := <-msgs:
			if !ok {
				return false
			}
			s.touch()
			switch m.Type {
			case MsgStart:
				return true
			case MsgPing:
				s.send(Message{Type: MsgPong, Payload: m.Payload})
			default:
				writeError(s.rwc, ErrInvalidMsg)
			}
		}
	}
}

// ring notifies the caller and waits for a local answer, a hangup, a
// remote cancel, or the timeout.
func (s *session) ring(msgs <-chan Message) bool {
	s.ringing.Store(true)
	defer s.ringing.Store(false)

	if err := s.send(Message{Type: MsgRing}); err != nil {
		return false
	}
	if s.m.opts.Ringer != nil {
		s.m.opts.Ringer.Start()
		defer s.m.opts.Ringer.Stop()
	}
	s.log.Info("ringing", "timeout", s.m.opts.RingTimeout)

	timer := time.NewTimer(s.m.opts.RingTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.answerCh:
			return true
		case <-s.hungupCh:
			s.m.record(s.peer, "rejected", 0)
			s.log.Info("call rejected locally")
			return false
		case <-timer.C:
			s.m.record(s.peer, "missed", 0)
			s.log.Info("ring timed out")
			return false
		case <-s.idle.C:
			s.m.record(s.peer, "missed", 0)
			s.log.Info("caller went silent while ringing")
			return false
		case m, ok := <-msgs:
			if !ok || m.Type == MsgStop {
				s.m.record(s.peer, "missed", 0)
				s.log.Info("caller hung up while ringing")
				return false
			}
			s.touch()
			if m.Type == MsgPing {
				s.send(Message{Type: MsgPong, Payload: m.Payload})
			}
		}
	}
}

// answer opens the audio paths and starts the mic writer.
func (s *session) answer() bool {
	if err := s.m.mic.Start(); err != nil {
		s.log.Error("mic start failed", "err", err)
		writeError(s.rwc, ErrNotReady)
		return false
	}
	if err := s.m.spk.Start(); err != nil {
		s.log.Error("speaker start failed", "err", err)
		s.m.mic.Stop()
		writeError(s.rwc, ErrNotReady)
		return false
	}
	if err := s.send(Message{Type: MsgAnswer}); err != nil {
		s.m.mic.Stop()
		return false
	}
	s.started = time.Now()
	s.inCall.Store(true)
	go s.writeMicFrames()
	s.log.Info("call answered", "codec", s.codec.Name())
	return true
}

// stream is the in-call loop: inbound AUDIO goes to the speaker,
// anything ending the stream tears the call down.
func (s *session) stream(msgs <-chan Message) {
	defer s.finish()
	for {
		select {
		case <-s.hungupCh:
			s.send(Message{Type: MsgStop})
			return
		case <-s.idle.C:
			s.log.Info("peer idle in call, hanging up")
			s.send(Message{Type: MsgStop})
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			s.touch()
			switch m.Type {
			case MsgAudio:
				pcm, err := s.codec.Decode(m.Payload)
				if err != nil {
					s.log.Warn("bad audio payload", "err", err)
					continue
				}
				s.m.spk.Play(pcm, playTimeout)
				if m.Flags&FlagEnd != 0 {
					return
				}
			case MsgStop:
				return
			case MsgPing:
				s.send(Message{Type: MsgPong, Payload: m.Payload})
			}
		}
	}
}

// writeMicFrames encodes queued mic frames and ships them as AUDIO
// messages. It exits when the call ends.
func (s *session) writeMicFrames() {
	for {
		select {
		case <-s.hungupCh:
			return
		case frame := <-s.micCh:
			if !s.inCall.Load() {
				return
			}
			packets, err := s.codec.Encode(frame)
			if err != nil {
				s.log.Warn("encode failed", "err", err)
				return
			}
			for _, pkt := range packets {
				if err := s.send(Message{Type: MsgAudio, Payload: pkt}); err != nil {
					return
				}
			}
		}
	}
}

func (s *session) finish() {
	s.inCall.Store(false)
	s.hangup()
	s.m.mic.Stop()
	s.m.spk.Stop()
	dur := time.Since(s.started)
	s.m.record(s.peer, "answered", dur)
	s.log.Info("call ended", "duration", dur.Round(time.Second))
}
