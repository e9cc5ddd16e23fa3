package duplex

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duplexd/internal/bus"
)

func newTestEngine(t *testing.T, cfg Config, ec EchoCanceller) (*Engine, *bus.Mock) {
	t.Helper()
	drv := bus.NewMock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(cfg, drv, ec, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Stop() })
	return e, drv
}

// pcmFrame builds n little-endian samples of the given value.
func pcmFrame(n int, value int16) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = value
	}
	b := make([]byte, 2*n)
	samplesToBytes(s, b)
	return b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type fakeCanceller struct {
	frameSize int
	calls     atomic.Int32
	refs      chan []int16
}

func (f *fakeCanceller) Initialized() bool { return true }
func (f *fakeCanceller) FrameSize() int    { return f.frameSize }

func (f *fakeCanceller) Process(mic, ref, out []int16) {
	copy(out, mic)
	f.calls.Add(1)
	if f.refs != nil {
		cp := make([]int16, len(ref))
		copy(cp, ref)
		select {
		case f.refs <- cp:
		default:
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	e, drv := newTestEngine(t, DefaultConfig(), nil)

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if got := drv.StartCount(); got != 1 {
		t.Fatalf("bus started %d times, want 1", got)
	}
	if !e.Running() {
		t.Fatal("engine should be running")
	}

	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := drv.StopCount(); got != 1 {
		t.Fatalf("bus stopped %d times, want 1", got)
	}
	if e.Running() {
		t.Fatal("engine should not be running")
	}

	// A stopped engine restarts cleanly.
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if got := drv.StartCount(); got != 2 {
		t.Fatalf("bus started %d times after restart, want 2", got)
	}
}

func TestMicReferenceCounting(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)

	for i := 0; i < 3; i++ {
		if err := e.StartMic(); err != nil {
			t.Fatal(err)
		}
	}
	if !e.Running() {
		t.Fatal("StartMic should have started the engine")
	}
	if !e.MicRunning() {
		t.Fatal("mic should be running")
	}

	e.StopMic()
	e.StopMic()
	if !e.MicRunning() {
		t.Fatal("mic should still be running with one consumer left")
	}
	e.StopMic()
	if e.MicRunning() {
		t.Fatal("mic should be stopped")
	}

	// Excess releases must not underflow: the next single consumer
	// owns a working mic.
	e.StopMic()
	e.StopMic()
	if err := e.StartMic(); err != nil {
		t.Fatal(err)
	}
	if !e.MicRunning() {
		t.Fatal("mic should be running after underflowed releases")
	}
}

func TestStopMicRacesStartMic(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	// Over-releases racing balanced pairs must never drive the count
	// negative or wipe out another consumer's fresh registration.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				e.StartMic()
				e.StopMic()
				e.StopMic()
			}
		}()
	}
	wg.Wait()

	if e.MicRunning() {
		t.Fatal("mic listeners leaked after balanced releases")
	}
	if err := e.StartMic(); err != nil {
		t.Fatal(err)
	}
	if !e.MicRunning() {
		t.Fatal("mic should be running for the surviving consumer")
	}
}

func TestPlayReachesHardware(t *testing.T) {
	e, drv := newTestEngine(t, DefaultConfig(), nil)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	e.SetSpeakerVolume(0.5)

	payload := pcmFrame(e.busFrame, 1000)
	if n := e.Play(payload, time.Second); n != len(payload) {
		t.Fatalf("Play accepted %d bytes, want %d", n, len(payload))
	}

	want := pcmFrame(e.busFrame, 500) // after volume
	waitFor(t, 2*time.Second, func() bool {
		for _, frame := range drv.Written() {
			if bytes.Equal(frame, want) {
				return true
			}
		}
		return false
	})

	if got := e.Stats().FramesPlayed; got == 0 {
		t.Fatal("FramesPlayed should be nonzero")
	}
}

func TestPausedPlaybackDrainsSilently(t *testing.T) {
	e, drv := newTestEngine(t, DefaultConfig(), nil)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	e.SetPaused(true)

	payload := pcmFrame(e.busFrame, 1000)
	if n := e.Play(payload, time.Second); n != len(payload) {
		t.Fatalf("Play accepted %d bytes, want %d", n, len(payload))
	}

	// Paused playback still drains the queue at cadence.
	waitFor(t, 2*time.Second, func() bool {
		return e.SpeakerBufferAvailable() == 0
	})

	silence := make([]byte, e.busFrame*bus.BytesPerSample)
	for i, frame := range drv.Written() {
		if !bytes.Equal(frame, silence) {
			t.Fatalf("frame %d not silent while paused", i)
		}
	}
}

func TestStopSpeakerDiscardsQueuedAudio(t *testing.T) {
	e, drv := newTestEngine(t, DefaultConfig(), nil)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	payload := pcmFrame(e.busFrame, 1000)
	e.Play(payload, time.Second)
	e.StopSpeaker()

	if e.SpeakerRunning() {
		t.Fatal("speaker should be stopped")
	}
	waitFor(t, 2*time.Second, func() bool {
		return e.SpeakerBufferAvailable() == 0
	})

	// Nothing queued before the stop may play after a restart.
	if err := e.StartSpeaker(); err != nil {
		t.Fatal(err)
	}
	drv.WaitWritten(len(drv.Written())+2, 2*time.Second)
	silence := make([]byte, e.busFrame*bus.BytesPerSample)
	for i, frame := range drv.Written() {
		if !bytes.Equal(frame, silence) {
			t.Fatalf("frame %d played stale audio", i)
		}
	}
}

func TestPersistentBusFailureStopsTask(t *testing.T) {
	e, drv := newTestEngine(t, DefaultConfig(), nil)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	drv.SetFailWrites(true)
	waitFor(t, 5*time.Second, func() bool {
		return e.Stats().TaskExited
	})

	if !e.HasBusError() {
		t.Fatal("bus error flag should be set")
	}
	// The flag is sticky: the engine still counts as running until an
	// explicit stop, and recovery is stop then start.
	if !e.Running() {
		t.Fatal("engine should still report running")
	}

	if err := e.Stop(); err != nil {
		t.Fatal(err)
	}
	drv.SetFailWrites(false)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if e.HasBusError() {
		t.Fatal("bus error flag should clear on restart")
	}
	if e.Stats().TaskExited {
		t.Fatal("task should be running after restart")
	}
}

func TestTimeoutsAreAbsorbed(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	// No queued rx frames, so every read times out. The task must shrug
	// those off indefinitely.
	time.Sleep(300 * time.Millisecond)
	st := e.Stats()
	if st.TaskExited {
		t.Fatal("task exited on read timeouts")
	}
	if st.BusError {
		t.Fatal("timeouts must not set the bus error flag")
	}
}

func TestMicCallbackPipeline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MicAttenuation = 0.5
	cfg.MicGain = 2.0
	e, drv := newTestEngine(t, cfg, nil)

	type capture struct {
		id    int
		first int16
	}
	got := make(chan capture, 8)

	e.AddRawMicCallback(func(pcm []byte) {
		got <- capture{0, int16(uint16(pcm[0]) | uint16(pcm[1])<<8)}
	})
	e.AddMicCallback(func(pcm []byte) {
		got <- capture{1, int16(uint16(pcm[0]) | uint16(pcm[1])<<8)}
	})
	e.AddMicCallback(func(pcm []byte) {
		got <- capture{2, int16(uint16(pcm[0]) | uint16(pcm[1])<<8)}
	})

	if err := e.StartMic(); err != nil {
		t.Fatal(err)
	}
	drv.QueueRead(pcmFrame(e.busFrame, 1000))

	raw := <-got
	if raw.id != 0 {
		t.Fatalf("first delivery from callback %d, want raw callback", raw.id)
	}
	if raw.first != 500 {
		t.Fatalf("raw sample = %d, want 500 after attenuation", raw.first)
	}

	p1 := <-got
	p2 := <-got
	if p1.id != 1 || p2.id != 2 {
		t.Fatalf("processed callbacks ran as %d,%d, want registration order 1,2", p1.id, p2.id)
	}
	// Attenuation then gain: 1000 * 0.5 * 2.
	if p1.first != 1000 {
		t.Fatalf("processed sample = %d, want 1000", p1.first)
	}
}

func TestCallbacksSilentWithoutMicConsumer(t *testing.T) {
	e, drv := newTestEngine(t, DefaultConfig(), nil)

	var fired atomic.Bool
	e.AddMicCallback(func([]byte) { fired.Store(true) })

	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	drv.QueueRead(pcmFrame(e.busFrame, 1000))
	drv.WaitWritten(2, 2*time.Second)

	if fired.Load() {
		t.Fatal("mic callback fired with no registered consumer")
	}
}

func TestEchoCancellerGating(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReferenceDelay = 0
	ec := &fakeCanceller{frameSize: 256}
	e, drv := newTestEngine(t, cfg, ec)

	steps := make(chan struct{}, 8)
	e.AddMicCallback(func([]byte) { steps <- struct{}{} })
	if err := e.StartMic(); err != nil {
		t.Fatal(err)
	}

	// No outbound audio yet: the canceller must stay out of the path.
	drv.QueueRead(pcmFrame(e.busFrame, 100))
	<-steps
	if ec.calls.Load() != 0 {
		t.Fatal("canceller ran without recent outbound audio")
	}

	// Recent audio opens the gate.
	e.Play(pcmFrame(e.busFrame, 1000), time.Second)
	drv.QueueRead(pcmFrame(e.busFrame, 100))
	<-steps
	if ec.calls.Load() == 0 {
		t.Fatal("canceller did not run with recent outbound audio")
	}

	// Disabling the speaker path closes it again.
	before := ec.calls.Load()
	e.StopSpeaker()
	drv.QueueRead(pcmFrame(e.busFrame, 100))
	<-steps
	if ec.calls.Load() != before {
		t.Fatal("canceller ran with speaker path disabled")
	}
}

func TestSetAECEnabledToggles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReferenceDelay = 0
	ec := &fakeCanceller{frameSize: 256}
	e, drv := newTestEngine(t, cfg, ec)

	steps := make(chan struct{}, 8)
	e.AddMicCallback(func([]byte) { steps <- struct{}{} })
	if err := e.StartMic(); err != nil {
		t.Fatal(err)
	}

	e.SetAECEnabled(false)
	e.Play(pcmFrame(e.busFrame, 1000), time.Second)
	drv.QueueRead(pcmFrame(e.busFrame, 100))
	<-steps
	if ec.calls.Load() != 0 {
		t.Fatal("canceller ran while disabled")
	}

	e.SetAECEnabled(true)
	e.Play(pcmFrame(e.busFrame, 1000), time.Second)
	drv.QueueRead(pcmFrame(e.busFrame, 100))
	<-steps
	if ec.calls.Load() == 0 {
		t.Fatal("canceller did not run after re-enable")
	}
}

func TestMonoReferenceAlignment(t *testing.T) {
	cfg := DefaultConfig()
	// One frame of delay: 256 samples at 16 kHz.
	cfg.ReferenceDelay = 16 * time.Millisecond
	ec := &fakeCanceller{frameSize: 256, refs: make(chan []int16, 4)}
	e, drv := newTestEngine(t, cfg, ec)

	if err := e.StartMic(); err != nil {
		t.Fatal(err)
	}
	e.Play(pcmFrame(e.busFrame, 1000), time.Second)

	drv.QueueRead(pcmFrame(e.busFrame, 100))
	ref1 := <-ec.refs
	for i, v := range ref1 {
		if v != 0 {
			t.Fatalf("first reference frame sample %d = %d, want prefill silence", i, v)
		}
	}

	// The reference only advances while the backlog stays above the
	// delay, so the producer keeps feeding it.
	e.Play(pcmFrame(e.busFrame, 2000), time.Second)
	drv.QueueRead(pcmFrame(e.busFrame, 100))
	ref2 := <-ec.refs
	for i, v := range ref2 {
		if v != 1000 {
			t.Fatalf("second reference frame sample %d = %d, want 1000 after one frame of delay", i, v)
		}
	}
}

func TestReferenceBacklogSurvivesProducerStall(t *testing.T) {
	cfg := DefaultConfig()
	// Two frames of delay: 512 samples at 16 kHz.
	cfg.ReferenceDelay = 32 * time.Millisecond
	ec := &fakeCanceller{frameSize: 256, refs: make(chan []int16, 8)}
	e, drv := newTestEngine(t, cfg, ec)

	if err := e.StartMic(); err != nil {
		t.Fatal(err)
	}
	e.Play(pcmFrame(e.busFrame, 1000), time.Second)

	// With one frame queued behind the full prefill, the first
	// reference frame is delay silence.
	drv.QueueRead(pcmFrame(e.busFrame, 100))
	ref := <-ec.refs
	for i, v := range ref {
		if v != 0 {
			t.Fatalf("first reference frame sample %d = %d, want prefill silence", i, v)
		}
	}

	// Producer stalls. The backlog now holds only the delay, so the
	// reference must go silent without draining it; emitting the queued
	// audio here would make the reference lead the echo once playback
	// resumes.
	for n := 0; n < 2; n++ {
		drv.QueueRead(pcmFrame(e.busFrame, 100))
		ref = <-ec.refs
		for i, v := range ref {
			if v != 0 {
				t.Fatalf("stall iteration %d: reference sample %d = %d, want silence", n, i, v)
			}
		}
	}

	// Playback resumes: the queued audio surfaces exactly one delay
	// behind it, alignment intact.
	e.Play(pcmFrame(e.busFrame, 2000), time.Second)
	drv.QueueRead(pcmFrame(e.busFrame, 100))
	ref = <-ec.refs
	for i, v := range ref {
		if v != 0 {
			t.Fatalf("first post-stall reference sample %d = %d, want remaining prefill silence", i, v)
		}
	}

	e.Play(pcmFrame(e.busFrame, 3000), time.Second)
	drv.QueueRead(pcmFrame(e.busFrame, 100))
	ref = <-ec.refs
	for i, v := range ref {
		if v != 1000 {
			t.Fatalf("second post-stall reference sample %d = %d, want 1000", i, v)
		}
	}
}

func TestUnderrunsCountedOnlyDuringRecentAudio(t *testing.T) {
	e, drv := newTestEngine(t, DefaultConfig(), nil)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}

	// Idle engine with an empty queue is not underrunning.
	drv.WaitWritten(3, 2*time.Second)
	if got := e.Stats().Underruns; got != 0 {
		t.Fatalf("underruns = %d before any playback, want 0", got)
	}

	// One frame of audio, then starvation inside the active window.
	e.Play(pcmFrame(e.busFrame, 1000), time.Second)
	waitFor(t, 2*time.Second, func() bool {
		return e.Stats().Underruns > 0
	})
}

func TestStatsSnapshot(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	if err := e.StartMic(); err != nil {
		t.Fatal(err)
	}

	st := e.Stats()
	if !st.Running || st.TaskExited || st.BusError {
		t.Fatalf("unexpected lifecycle flags: %+v", st)
	}
	if st.MicListeners != 1 {
		t.Fatalf("MicListeners = %d, want 1", st.MicListeners)
	}
	if st.BufferSize != speakerBufferBase {
		t.Fatalf("BufferSize = %d, want %d", st.BufferSize, speakerBufferBase)
	}
	if !st.SpeakerActive {
		t.Fatal("speaker should be active after start")
	}
}

func TestCapabilityWrappers(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	mic := e.Mic()
	spk := e.Speaker()

	if err := mic.Start(); err != nil {
		t.Fatal(err)
	}
	if !mic.Running() {
		t.Fatal("mic wrapper should report running")
	}
	if mic.SampleRate() != 16000 || spk.SampleRate() != 16000 {
		t.Fatal("wrapper sample rates mismatch")
	}

	if n := spk.Play(pcmFrame(16, 1), time.Second); n != 32 {
		t.Fatalf("speaker Play accepted %d bytes, want 32", n)
	}
	if free := spk.BufferFree(); free >= e.SpeakerBufferSize() {
		t.Fatal("BufferFree should reflect queued audio")
	}

	mic.Stop()
	if mic.Running() {
		t.Fatal("mic wrapper should report stopped")
	}
}
