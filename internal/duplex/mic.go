package duplex

// Microphone is a narrow capture-only view of the engine, for
// components that consume mic audio and must not be able to touch the
// playback path.
type Microphone struct {
	e *Engine
}

// Mic returns the engine's capture capability.
func (e *Engine) Mic() *Microphone { return &Microphone{e: e} }

// Start registers this consumer's interest in mic audio.
func (m *Microphone) Start() error { return m.e.StartMic() }

// Stop releases this consumer's interest in mic audio.
func (m *Microphone) Stop() { m.e.StopMic() }

// Running reports whether any consumer holds the mic open.
func (m *Microphone) Running() bool { return m.e.MicRunning() }

// SampleRate returns the rate frames are delivered at.
func (m *Microphone) SampleRate() int { return m.e.OutputSampleRate() }

// AddCallback registers fn for processed mic frames.
func (m *Microphone) AddCallback(fn MicDataFunc) { m.e.AddMicCallback(fn) }

// AddRawCallback registers fn for pre-cancellation mic frames.
func (m *Microphone) AddRawCallback(fn MicDataFunc) { m.e.AddRawMicCallback(fn) }

// SetGain sets the post-cancellation mic gain.
func (m *Microphone) SetGain(g float32) { m.e.SetMicGain(g) }
