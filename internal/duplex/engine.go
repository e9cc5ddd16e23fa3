package duplex

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"duplexd/internal/bus"
	"duplexd/internal/ringbuffer"
)

const (
	// defaultFrameSize is the per-iteration frame in output-rate samples
	// when no canceller dictates one.
	defaultFrameSize = 256

	// speakerBufferBase is the speaker ring capacity in bytes at the
	// output rate; the real capacity scales with the decimation ratio so
	// buffered playback time stays constant across rates.
	speakerBufferBase = 8192

	// ioTimeout bounds every bus read and write so the task can always
	// observe the running flag.
	ioTimeout = 50 * time.Millisecond

	// aecActiveWindow is how long after the last outbound audio the
	// canceller keeps running and starved reads still count as
	// underruns.
	aecActiveWindow = 250 * time.Millisecond

	// failureThreshold is the number of consecutive persistent bus
	// failures after which the task declares the bus dead and exits.
	failureThreshold = 10

	// stopTimeout bounds how long Stop waits for the task to exit.
	stopTimeout = 2 * time.Second
)

// EchoCanceller is the adaptive filter the engine feeds time-aligned
// mic and reference frames. Implementations own their internal state;
// the engine only checks readiness and the frame contract.
type EchoCanceller interface {
	// Initialized reports whether the canceller is ready to process.
	Initialized() bool
	// FrameSize is the fixed frame length, in samples, Process expects.
	FrameSize() int
	// Process writes the echo-reduced mic frame into out. All three
	// slices have FrameSize samples.
	Process(mic, ref, out []int16)
}

// MicDataFunc receives one processed mic frame of little-endian 16-bit
// PCM at the output rate. The slice is only valid for the duration of
// the call; consumers that need the data longer must copy it.
type MicDataFunc func(pcm []byte)

// SpeakerOutputFunc is notified after each bus write with the number of
// mono sample periods committed to the hardware and the time of the
// write. Useful for latency estimation and lip-sync.
type SpeakerOutputFunc func(frames int, ts time.Time)

// Engine drives one duplex audio bus. Construct with New, register
// callbacks, then Start. All exported methods are safe for concurrent
// use; none may be called from inside a callback.
type Engine struct {
	cfg Config
	drv bus.Driver
	ec  EchoCanceller
	log *slog.Logger

	frameSize int // output-rate samples per iteration
	busFrame  int // bus-rate mono sample periods per iteration

	// speakerBuf feeds the tx side; refBuf synthesizes the mono-mode
	// echo reference. refBuf is nil unless mono wiring with a canceller.
	speakerBuf *ringbuffer.Buffer
	refBuf     *ringbuffer.Buffer

	ext extractor

	mu       sync.Mutex // guards Start/Stop transitions
	taskDone chan struct{}

	running    atomic.Bool
	taskExited atomic.Bool
	busErr     atomic.Bool

	micRefs       atomic.Int32
	speakerOn     atomic.Bool
	speakerPaused atomic.Bool
	aecEnabled    atomic.Bool

	// Deferred one-shot requests, consumed by the task at the top of
	// its next iteration.
	resetReq   atomic.Bool
	prefillReq atomic.Bool

	// lastAudio is the unix-millisecond timestamp of the most recent
	// Play call; zero means never.
	lastAudio atomic.Int64

	micGain  scalar
	micAtten scalar
	spkVol   scalar
	refVol   scalar

	rawCbs atomic.Pointer[[]MicDataFunc]
	micCbs atomic.Pointer[[]MicDataFunc]
	spkCbs atomic.Pointer[[]SpeakerOutputFunc]

	framesCaptured atomic.Uint64
	framesPlayed   atomic.Uint64
	underruns      atomic.Uint64
}

// New builds an engine over drv. ec may be nil, in which case the mic
// path runs without echo cancellation and no reference plumbing is
// allocated. The configuration is validated and then immutable.
func New(cfg Config, drv bus.Driver, ec EchoCanceller, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if drv == nil {
		return nil, fmt.Errorf("duplex: nil bus driver")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ext, err := newExtractor(cfg)
	if err != nil {
		return nil, err
	}

	frameSize := defaultFrameSize
	if ec != nil && ec.FrameSize() > 0 {
		frameSize = ec.FrameSize()
	}
	ratio := cfg.Ratio()

	e := &Engine{
		cfg:       cfg,
		drv:       drv,
		ec:        ec,
		log:       logger.With("component", "duplex"),
		frameSize: frameSize,
		busFrame:  frameSize * ratio,
		ext:       ext,
	}

	spkSize := speakerBufferBase * ratio
	e.speakerBuf, err = ringbuffer.New(spkSize)
	if err != nil {
		return nil, err
	}
	if ec != nil && cfg.Mode == ModeMono {
		e.refBuf, err = ringbuffer.New(e.delayBytes() + spkSize)
		if err != nil {
			return nil, err
		}
	}

	e.micGain.store(cfg.MicGain)
	e.micAtten.store(cfg.MicAttenuation)
	e.spkVol.store(cfg.SpeakerVolume)
	e.refVol.store(cfg.ReferenceVolume)
	e.aecEnabled.Store(ec != nil)
	return e, nil
}

// delayBytes is the mono-mode reference delay expressed in bus-rate
// PCM bytes.
func (e *Engine) delayBytes() int {
	samples := int(e.cfg.ReferenceDelay.Milliseconds()) * e.cfg.BusRate / 1000
	return samples * bus.BytesPerSample
}

// Start brings up the bus and launches the audio task. Calling it on a
// running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil
	}

	s := newSessionBuffers(e)
	if err := e.drv.Start(len(s.rawBytes), len(s.txBytes)); err != nil {
		return fmt.Errorf("duplex: bus start: %w", err)
	}

	e.speakerBuf.Reset()
	e.ext.reset()
	e.prefillRef(s)

	e.busErr.Store(false)
	e.taskExited.Store(false)
	e.resetReq.Store(false)
	e.prefillReq.Store(false)
	e.running.Store(true)
	e.speakerOn.Store(true)

	done := make(chan struct{})
	e.taskDone = done
	go e.run(s, done)

	e.log.Info("engine started",
		"mode", string(e.cfg.Mode),
		"bus_rate", e.cfg.BusRate,
		"output_rate", e.cfg.EffectiveOutputRate(),
		"frame_size", e.frameSize)
	return nil
}

// Stop halts the audio task, waits for it to exit, and shuts the bus
// down. It is idempotent and also recovers from a task that already
// exited on a persistent bus error.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.taskDone == nil {
		return nil
	}

	e.running.Store(false)
	select {
	case <-e.taskDone:
	case <-time.After(stopTimeout):
		e.log.Warn("audio task did not exit in time")
	}
	e.taskDone = nil

	err := e.drv.Stop()
	e.micRefs.Store(0)
	e.speakerOn.Store(false)
	e.speakerPaused.Store(false)
	e.lastAudio.Store(0)
	if err != nil {
		return fmt.Errorf("duplex: bus stop: %w", err)
	}
	e.log.Info("engine stopped")
	return nil
}

// Running reports whether the engine has been started and not stopped.
// It stays true after a persistent bus failure; check HasBusError for
// that, and call Stop then Start to recover.
func (e *Engine) Running() bool { return e.running.Load() }

// HasBusError reports whether the task gave up after repeated bus
// failures. The flag is sticky until the next Start.
func (e *Engine) HasBusError() bool { return e.busErr.Load() }

// StartMic registers one mic consumer, starting the engine if needed.
// Each StartMic must be balanced by one StopMic.
func (e *Engine) StartMic() error {
	if !e.running.Load() {
		if err := e.Start(); err != nil {
			return err
		}
	}
	e.micRefs.Add(1)
	return nil
}

// StopMic releases one mic consumer. Extra calls are absorbed so a
// double release can never push the count negative and mute another
// consumer's capture, even when it races a concurrent StartMic.
func (e *Engine) StopMic() {
	for {
		n := e.micRefs.Load()
		if n <= 0 {
			return
		}
		if e.micRefs.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// MicRunning reports whether at least one mic consumer is registered.
func (e *Engine) MicRunning() bool { return e.micRefs.Load() > 0 }

// StartSpeaker enables the playback path, starting the engine if
// needed. On an already running engine it requests a reference prefill
// so mono-mode alignment is correct for the new playback session.
func (e *Engine) StartSpeaker() error {
	if !e.running.Load() {
		if err := e.Start(); err != nil {
			return err
		}
		e.speakerOn.Store(true)
		return nil
	}
	if !e.speakerOn.Swap(true) {
		e.prefillReq.Store(true)
	}
	return nil
}

// StopSpeaker disables the playback path and requests a speaker buffer
// reset so stale audio cannot play on the next start.
func (e *Engine) StopSpeaker() {
	if e.speakerOn.Swap(false) {
		e.resetReq.Store(true)
	}
}

// SpeakerRunning reports whether the playback path is enabled.
func (e *Engine) SpeakerRunning() bool { return e.speakerOn.Load() }

// SetPaused pauses or resumes playback. While paused the task keeps
// draining the speaker buffer at the usual cadence but writes silence,
// so producers never stall and latency does not accumulate.
func (e *Engine) SetPaused(paused bool) { e.speakerPaused.Store(paused) }

// Paused reports whether playback is paused.
func (e *Engine) Paused() bool { return e.speakerPaused.Load() }

// SetAECEnabled toggles echo cancellation without touching the
// canceller itself. No-op when no canceller is attached.
func (e *Engine) SetAECEnabled(on bool) {
	if e.ec != nil {
		e.aecEnabled.Store(on)
	}
}

// AECEnabled reports whether cancellation is attached and enabled.
func (e *Engine) AECEnabled() bool { return e.ec != nil && e.aecEnabled.Load() }

// Play queues little-endian 16-bit mono PCM at the bus rate for
// playback, blocking up to timeout for buffer space and never
// overwriting queued audio. It returns the number of bytes accepted,
// which can be short under sustained pressure. The same bytes are also
// offered to the mono-mode reference buffer without blocking, so the
// reference can only ever run behind the speaker, never ahead.
func (e *Engine) Play(pcm []byte, timeout time.Duration) int {
	if len(pcm) == 0 || !e.running.Load() {
		return 0
	}
	n := e.speakerBuf.WriteWithoutReplacement(pcm, timeout, true)
	if n > 0 {
		e.lastAudio.Store(time.Now().UnixMilli())
		if e.refBuf != nil && e.speakerOn.Load() {
			e.refBuf.WriteWithoutReplacement(pcm[:n], 0, true)
		}
	}
	return n
}

// SpeakerBufferAvailable returns the bytes currently queued for
// playback.
func (e *Engine) SpeakerBufferAvailable() int { return e.speakerBuf.Available() }

// SpeakerBufferSize returns the playback queue capacity in bytes.
func (e *Engine) SpeakerBufferSize() int { return e.speakerBuf.Capacity() }

// SampleRate returns the hardware bus rate.
func (e *Engine) SampleRate() int { return e.cfg.BusRate }

// OutputSampleRate returns the rate mic consumers receive and Play
// expects.
func (e *Engine) OutputSampleRate() int { return e.cfg.EffectiveOutputRate() }

// FrameSize returns the per-iteration frame in output-rate samples.
func (e *Engine) FrameSize() int { return e.frameSize }

// Ratio returns the decimation ratio between bus and output rates.
func (e *Engine) Ratio() int { return e.cfg.Ratio() }

// AddRawMicCallback registers fn to receive mic frames after
// attenuation but before echo cancellation and gain. Callbacks run on
// the audio task in registration order and must not block.
func (e *Engine) AddRawMicCallback(fn MicDataFunc) {
	appendCb(&e.rawCbs, fn)
}

// AddMicCallback registers fn to receive fully processed mic frames.
// Callbacks run on the audio task in registration order and must not
// block.
func (e *Engine) AddMicCallback(fn MicDataFunc) {
	appendCb(&e.micCbs, fn)
}

// AddSpeakerCallback registers fn to be notified after each hardware
// write. Callbacks run on the audio task in registration order and
// must not block.
func (e *Engine) AddSpeakerCallback(fn SpeakerOutputFunc) {
	appendCb(&e.spkCbs, fn)
}

// appendCb is copy-on-write so the task can load the slice with a
// single atomic read and iterate without locks.
func appendCb[T any](p *atomic.Pointer[[]T], fn T) {
	for {
		old := p.Load()
		var next []T
		if old != nil {
			next = make([]T, len(*old), len(*old)+1)
			copy(next, *old)
		}
		next = append(next, fn)
		if p.CompareAndSwap(old, &next) {
			return
		}
	}
}

func loadCbs[T any](p *atomic.Pointer[[]T]) []T {
	if l := p.Load(); l != nil {
		return *l
	}
	return nil
}

// Stats is a point-in-time snapshot of engine state and counters.
type Stats struct {
	Running        bool   `json:"running"`
	TaskExited     bool   `json:"task_exited"`
	BusError       bool   `json:"bus_error"`
	MicListeners   int    `json:"mic_listeners"`
	SpeakerActive  bool   `json:"speaker_active"`
	SpeakerPaused  bool   `json:"speaker_paused"`
	AECEnabled     bool   `json:"aec_enabled"`
	FramesCaptured uint64 `json:"frames_captured"`
	FramesPlayed   uint64 `json:"frames_played"`
	Underruns      uint64 `json:"underruns"`
	BufferUsed     int    `json:"buffer_used"`
	BufferSize     int    `json:"buffer_size"`
}

// Stats returns current counters and flags.
func (e *Engine) Stats() Stats {
	return Stats{
		Running:        e.running.Load(),
		TaskExited:     e.taskExited.Load(),
		BusError:       e.busErr.Load(),
		MicListeners:   int(e.micRefs.Load()),
		SpeakerActive:  e.speakerOn.Load(),
		SpeakerPaused:  e.speakerPaused.Load(),
		AECEnabled:     e.AECEnabled(),
		FramesCaptured: e.framesCaptured.Load(),
		FramesPlayed:   e.framesPlayed.Load(),
		Underruns:      e.underruns.Load(),
		BufferUsed:     e.speakerBuf.Available(),
		BufferSize:     e.speakerBuf.Capacity(),
	}
}

// SetMicGain sets the post-cancellation mic gain.
func (e *Engine) SetMicGain(g float32) { e.micGain.store(g) }

// SetMicAttenuation sets the pre-cancellation mic attenuation.
func (e *Engine) SetMicAttenuation(g float32) { e.micAtten.store(g) }

// SetSpeakerVolume sets the playback volume.
func (e *Engine) SetSpeakerVolume(g float32) { e.spkVol.store(g) }

// SetReferenceVolume sets the scale matching the synthesized reference
// to actual codec output level.
func (e *Engine) SetReferenceVolume(g float32) { e.refVol.store(g) }

// MicGain returns the post-cancellation mic gain.
func (e *Engine) MicGain() float32 { return e.micGain.load() }

// SpeakerVolume returns the playback volume.
func (e *Engine) SpeakerVolume() float32 { return e.spkVol.load() }

// prefillRef loads the reference buffer with exactly the configured
// delay worth of silence, so the synthesized reference lags outbound
// audio by the acoustic round trip from the first frame.
func (e *Engine) prefillRef(s *sessionBuffers) {
	if e.refBuf == nil {
		return
	}
	e.refBuf.Reset()
	remaining := e.delayBytes()
	for remaining > 0 {
		n := len(s.silence)
		if n > remaining {
			n = remaining
		}
		e.refBuf.Write(s.silence[:n])
		remaining -= n
	}
}

// audioRecent reports whether Play delivered audio within the active
// window.
func (e *Engine) audioRecent() bool {
	last := e.lastAudio.Load()
	return last != 0 && time.Since(time.UnixMilli(last)) <= aecActiveWindow
}
