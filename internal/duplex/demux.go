package duplex

import "duplexd/internal/dsp"

// extractor pulls the mono mic stream, plus the echo reference when the
// wiring carries one, out of a raw interleaved hardware frame, and
// prepares the outbound hardware frame from mono speaker samples. One
// extractor exists per session and owns the decimator state, so Reset
// between sessions cannot leak stale filter history.
type extractor interface {
	// rxSamples and txSamples give the hardware frame sizes, in total
	// interleaved samples, for busFrame mono sample periods.
	rxSamples(busFrame int) int
	txSamples(busFrame int) int

	// extract demultiplexes and decimates raw into s.mic and, when the
	// wiring carries a reference, s.ref. The returned slices are at the
	// output rate and valid until the next call. ref is nil in mono
	// wiring, which synthesizes its reference elsewhere.
	extract(raw []int16, s *sessionBuffers) (mic, ref []int16)

	// expand lays busFrame mono speaker samples out as a hardware tx
	// frame in dst.
	expand(spk []int16, dst []int16)

	reset()
}

func newExtractor(cfg Config) (extractor, error) {
	ratio := cfg.Ratio()
	switch cfg.Mode {
	case ModeMono:
		dec, err := dsp.NewDecimator(ratio)
		if err != nil {
			return nil, err
		}
		return &monoExtractor{dec: dec}, nil
	case ModeStereoFeedback:
		micSlot, refSlot := 0, 1
		if !cfg.RefChannelRight {
			micSlot, refSlot = 1, 0
		}
		return newSlotExtractor(2, micSlot, refSlot, ratio, false)
	case ModeMultiSlot:
		return newSlotExtractor(cfg.Slots, cfg.MicSlot, cfg.RefSlot, ratio, true)
	default:
		return nil, errUnknownMode(cfg.Mode)
	}
}

func errUnknownMode(m WiringMode) error {
	return &modeError{mode: m}
}

type modeError struct{ mode WiringMode }

func (e *modeError) Error() string {
	return "duplex: unknown wiring mode " + string(e.mode)
}

// monoExtractor handles single-channel wiring. The bus frame is already
// the mic stream; only decimation applies.
type monoExtractor struct {
	dec *dsp.Decimator
}

func (m *monoExtractor) rxSamples(busFrame int) int { return busFrame }
func (m *monoExtractor) txSamples(busFrame int) int { return busFrame }

func (m *monoExtractor) extract(raw []int16, s *sessionBuffers) ([]int16, []int16) {
	if m.dec.Ratio() == 1 {
		return raw, nil
	}
	n := m.dec.Process(raw, s.mic)
	return s.mic[:n], nil
}

func (m *monoExtractor) expand(spk []int16, dst []int16) {
	copy(dst, spk)
}

func (m *monoExtractor) reset() {
	m.dec.Reset()
}

// slotExtractor handles any wiring where mic and reference arrive
// interleaved in fixed slots: stereo digital feedback is the two-slot
// case, TDM the general one. Outbound audio goes into slot 0 with the
// remaining slots silent when expandTx is set; stereo feedback keeps a
// plain mono tx frame because the codec itself produces the loopback.
type slotExtractor struct {
	slots    int
	micSlot  int
	refSlot  int
	expandTx bool
	micDec   *dsp.Decimator
	refDec   *dsp.Decimator
}

func newSlotExtractor(slots, micSlot, refSlot, ratio int, expandTx bool) (*slotExtractor, error) {
	micDec, err := dsp.NewDecimator(ratio)
	if err != nil {
		return nil, err
	}
	refDec, err := dsp.NewDecimator(ratio)
	if err != nil {
		return nil, err
	}
	return &slotExtractor{
		slots:    slots,
		micSlot:  micSlot,
		refSlot:  refSlot,
		expandTx: expandTx,
		micDec:   micDec,
		refDec:   refDec,
	}, nil
}

func (x *slotExtractor) rxSamples(busFrame int) int { return busFrame * x.slots }

func (x *slotExtractor) txSamples(busFrame int) int {
	if x.expandTx {
		return busFrame * x.slots
	}
	return busFrame
}

func (x *slotExtractor) extract(raw []int16, s *sessionBuffers) ([]int16, []int16) {
	busFrame := len(raw) / x.slots
	if x.micDec.Ratio() == 1 {
		for i := 0; i < busFrame; i++ {
			s.mic[i] = raw[i*x.slots+x.micSlot]
			s.ref[i] = raw[i*x.slots+x.refSlot]
		}
		return s.mic[:busFrame], s.ref[:busFrame]
	}
	for i := 0; i < busFrame; i++ {
		s.deintMic[i] = raw[i*x.slots+x.micSlot]
		s.deintRef[i] = raw[i*x.slots+x.refSlot]
	}
	n := x.micDec.Process(s.deintMic[:busFrame], s.mic)
	x.refDec.Process(s.deintRef[:busFrame], s.ref)
	return s.mic[:n], s.ref[:n]
}

func (x *slotExtractor) expand(spk []int16, dst []int16) {
	if !x.expandTx {
		copy(dst, spk)
		return
	}
	for i := range dst {
		dst[i] = 0
	}
	for i, v := range spk {
		dst[i*x.slots] = v
	}
}

func (x *slotExtractor) reset() {
	x.micDec.Reset()
	x.refDec.Reset()
}
