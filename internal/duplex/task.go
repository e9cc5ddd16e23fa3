package duplex

import (
	"runtime"
	"time"

	"duplexd/internal/bus"
	"duplexd/internal/dsp"
)

// sessionBuffers is the arena of scratch space one task session works
// in. Everything is sized once from the frame geometry so the hot loop
// never allocates.
type sessionBuffers struct {
	rawBytes []byte  // rx hardware frame
	raw      []int16 // rx hardware frame, decoded

	mic      []int16 // output-rate mic frame
	ref      []int16 // output-rate reference frame
	deintMic []int16 // bus-rate mic staging for decimation
	deintRef []int16 // bus-rate reference staging

	refBusBytes []byte  // bus-rate reference pulled from the ring
	refBus      []int16 // decoded for the play-path decimator

	aecOut  []int16 // canceller output
	cbBytes []byte  // encoded frame handed to callbacks

	spkBytes []byte  // speaker bytes drained from the ring
	spk      []int16 // bus-rate mono speaker frame
	tx       []int16 // tx hardware frame
	txBytes  []byte

	silence []byte // zeroed chunk for reference prefill

	// playRefDec decimates the synthesized mono-mode reference from bus
	// rate to output rate, mirroring the delay the mic path's filter
	// introduces, so both streams stay phase-matched at the canceller.
	playRefDec *dsp.Decimator
}

func newSessionBuffers(e *Engine) *sessionBuffers {
	busFrame := e.busFrame
	outFrame := e.frameSize
	rxN := e.ext.rxSamples(busFrame)
	txN := e.ext.txSamples(busFrame)

	s := &sessionBuffers{
		rawBytes:    make([]byte, rxN*bus.BytesPerSample),
		raw:         make([]int16, rxN),
		mic:         make([]int16, outFrame),
		ref:         make([]int16, outFrame),
		deintMic:    make([]int16, busFrame),
		deintRef:    make([]int16, busFrame),
		refBusBytes: make([]byte, busFrame*bus.BytesPerSample),
		refBus:      make([]int16, busFrame),
		aecOut:      make([]int16, outFrame),
		cbBytes:     make([]byte, outFrame*bus.BytesPerSample),
		spkBytes:    make([]byte, busFrame*bus.BytesPerSample),
		spk:         make([]int16, busFrame),
		tx:          make([]int16, txN),
		txBytes:     make([]byte, txN*bus.BytesPerSample),
		silence:     make([]byte, 1024),
	}
	// Decimator construction only fails on a bad ratio, which Validate
	// already rejected.
	s.playRefDec, _ = dsp.NewDecimator(e.cfg.Ratio())
	return s
}

// run is the audio task. It owns the bus for the session: one read and
// one write per iteration, both bounded by ioTimeout, so the loop
// cadence is pinned to the hardware clock and the running flag is
// observed within one frame.
func (e *Engine) run(s *sessionBuffers, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)
	defer e.taskExited.Store(true)

	// Read and write failures are counted separately so a healthy
	// direction cannot mask a dead one.
	var readFails, writeFails int
	for e.running.Load() {
		// Deferred requests are taken exactly once, here, so buffer
		// manipulation happens between frames and never mid-pipeline.
		if e.resetReq.Swap(false) {
			e.speakerBuf.Reset()
		}
		if e.prefillReq.Swap(false) {
			s.playRefDec.Reset()
			e.prefillRef(s)
		}

		e.capture(s, &readFails)
		e.playback(s, &writeFails)

		if readFails >= failureThreshold || writeFails >= failureThreshold {
			e.busErr.Store(true)
			e.log.Error("persistent bus failure, audio task exiting",
				"read_failures", readFails, "write_failures", writeFails)
			return
		}
	}
}

// capture runs the inbound half of one iteration: read, demultiplex,
// decimate, attenuate, raw fan-out, cancel, gain, fan-out.
func (e *Engine) capture(s *sessionBuffers, failures *int) {
	n, err := e.drv.Read(s.rawBytes, ioTimeout)
	if err != nil {
		if !bus.IsTransient(err) {
			*failures++
			e.log.Warn("bus read failed", "err", err)
		}
		return
	}
	*failures = 0
	if n != len(s.rawBytes) {
		// Short reads happen while the hardware spins up; skip the
		// frame rather than process a torn one.
		return
	}

	bytesToSamples(s.rawBytes, s.raw)
	mic, ref := e.ext.extract(s.raw, s)

	atten := e.micAtten.load()
	applyGain(mic, atten)

	micActive := e.MicRunning()
	if micActive {
		if cbs := loadCbs(&e.rawCbs); len(cbs) > 0 {
			samplesToBytes(mic, s.cbBytes)
			for _, cb := range cbs {
				cb(s.cbBytes)
			}
		}
	}

	out := mic
	if e.cancellationActive() {
		if ref == nil {
			ref = e.synthesizeReference(s)
		}
		applyGain(ref, e.refVol.load()*atten)
		e.ec.Process(mic, ref, s.aecOut[:len(mic)])
		out = s.aecOut[:len(mic)]
	}

	applyGain(out, e.micGain.load())
	e.framesCaptured.Add(uint64(len(out)))

	if micActive {
		if cbs := loadCbs(&e.micCbs); len(cbs) > 0 {
			samplesToBytes(out, s.cbBytes)
			for _, cb := range cbs {
				cb(s.cbBytes)
			}
		}
	}
}

// cancellationActive gates the canceller: it only runs with a ready
// canceller, an enabled speaker path, and recent outbound audio. The
// recency check is skipped in multi-slot wiring, where the reference is
// hardware-synchronized and silence cancels to silence anyway.
func (e *Engine) cancellationActive() bool {
	if e.ec == nil || !e.aecEnabled.Load() || !e.ec.Initialized() {
		return false
	}
	if !e.speakerOn.Load() {
		return false
	}
	if e.cfg.Mode == ModeMultiSlot {
		return true
	}
	if e.cfg.Mode == ModeMono && e.refBuf == nil {
		return false
	}
	return e.audioRecent()
}

// synthesizeReference builds the mono-mode reference frame from the
// delayed playback copy. A frame is pulled only while the backlog
// exceeds the configured delay plus one frame; consuming below that
// would eat into the delay itself, and once the producer resumed the
// reference would lead the true echo by the drained amount. Whole
// frames only: a partial read would likewise shift the alignment the
// prefill established. A starved ring yields silence and keeps its
// contents intact.
func (e *Engine) synthesizeReference(s *sessionBuffers) []int16 {
	ref := s.ref[:e.frameSize]
	if e.refBuf.Available() >= e.delayBytes()+len(s.refBusBytes) {
		e.refBuf.Read(s.refBusBytes, 0)
		bytesToSamples(s.refBusBytes, s.refBus)
		s.playRefDec.Process(s.refBus, ref)
	} else {
		for i := range ref {
			ref[i] = 0
		}
	}
	return ref
}

// playback runs the outbound half of one iteration: drain, scale,
// pad, write, notify.
func (e *Engine) playback(s *sessionBuffers, failures *int) {
	for i := range s.spk {
		s.spk[i] = 0
	}
	if e.speakerOn.Load() {
		got := e.speakerBuf.Read(s.spkBytes, 0)
		got -= got % bus.BytesPerSample
		if e.speakerPaused.Load() {
			// Paused keeps draining at cadence but plays silence, so
			// producers never stall and no latency builds up.
			got = 0
		}
		if got > 0 {
			frame := s.spk[:got/bus.BytesPerSample]
			bytesToSamples(s.spkBytes[:got], frame)
			applyGain(frame, e.spkVol.load())
		}
		if got < len(s.spkBytes) && !e.speakerPaused.Load() && e.audioRecent() {
			e.underruns.Add(1)
		}
	}

	e.ext.expand(s.spk, s.tx)
	samplesToBytes(s.tx, s.txBytes)

	n, err := e.drv.Write(s.txBytes, ioTimeout)
	if err != nil {
		if !bus.IsTransient(err) {
			*failures++
			e.log.Warn("bus write failed", "err", err)
		}
		return
	}
	*failures = 0
	if n <= 0 {
		return
	}

	// Convert written bytes back to mono sample periods so listeners
	// see hardware time regardless of slot count.
	frames := n / bus.BytesPerSample / (len(s.tx) / len(s.spk))
	e.framesPlayed.Add(uint64(frames))
	if cbs := loadCbs(&e.spkCbs); len(cbs) > 0 {
		ts := time.Now()
		for _, cb := range cbs {
			cb(frames, ts)
		}
	}
}
