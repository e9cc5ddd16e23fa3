package duplex

import "time"

// Speaker is a narrow playback-only view of the engine, for components
// that produce audio and must not be able to touch the capture path.
type Speaker struct {
	e *Engine
}

// Speaker returns the engine's playback capability.
func (e *Engine) Speaker() *Speaker { return &Speaker{e: e} }

// Start enables the playback path.
func (s *Speaker) Start() error { return s.e.StartSpeaker() }

// Stop disables the playback path and discards queued audio.
func (s *Speaker) Stop() { s.e.StopSpeaker() }

// Running reports whether the playback path is enabled.
func (s *Speaker) Running() bool { return s.e.SpeakerRunning() }

// Play queues PCM for playback; see Engine.Play.
func (s *Speaker) Play(pcm []byte, timeout time.Duration) int {
	return s.e.Play(pcm, timeout)
}

// SetPaused pauses or resumes playback without discarding producers'
// pacing.
func (s *Speaker) SetPaused(paused bool) { s.e.SetPaused(paused) }

// SampleRate returns the rate Play expects.
func (s *Speaker) SampleRate() int { return s.e.SampleRate() }

// BufferFree returns how many bytes Play can accept right now without
// blocking.
func (s *Speaker) BufferFree() int {
	return s.e.SpeakerBufferSize() - s.e.SpeakerBufferAvailable()
}

// AddOutputCallback registers fn for hardware write notifications.
func (s *Speaker) AddOutputCallback(fn SpeakerOutputFunc) { s.e.AddSpeakerCallback(fn) }

// SetVolume sets the playback volume.
func (s *Speaker) SetVolume(g float32) { s.e.SetSpeakerVolume(g) }
