// Package chime loads the ring-tone WAV and plays it in a loop on the
// speaker path while a call waits for an answer.
package chime

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"duplexd/internal/duplex"

	"github.com/go-audio/wav"
)

// Load reads a WAV file and returns mono little-endian 16-bit PCM.
// The file's sample rate must match sampleRate; resampling ring tones
// at boot is not worth the code, re-export the asset instead. Stereo
// files are downmixed by averaging.
func Load(path string, sampleRate int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("chime: %s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("chime: decode %s: %w", path, err)
	}
	if buf.Format.SampleRate != sampleRate {
		return nil, fmt.Errorf("chime: %s is %d Hz, engine bus runs at %d Hz",
			path, buf.Format.SampleRate, sampleRate)
	}

	ch := buf.Format.NumChannels
	if ch != 1 && ch != 2 {
		return nil, fmt.Errorf("chime: %s has %d channels, want mono or stereo", path, ch)
	}

	// Normalize other bit depths to 16.
	shift := 0
	switch buf.SourceBitDepth {
	case 16:
	case 24:
		shift = 8
	case 32:
		shift = 16
	case 8:
		shift = -8
	default:
		return nil, fmt.Errorf("chime: %s has unsupported bit depth %d", path, buf.SourceBitDepth)
	}

	frames := len(buf.Data) / ch
	out := make([]byte, 2*frames)
	for i := 0; i < frames; i++ {
		var v int
		if ch == 1 {
			v = buf.Data[i]
		} else {
			v = (buf.Data[2*i] + buf.Data[2*i+1]) / 2
		}
		if shift > 0 {
			v >>= shift
		} else if shift < 0 {
			v <<= -shift
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out, nil
}

// loopGap is the silence between ring-tone repetitions.
const loopGap = 500 * time.Millisecond

// chunkBytes is how much PCM each Play call pushes; small enough that
// Stop cuts the tone within a chunk.
const chunkBytes = 2048

// Player loops a loaded ring tone on the speaker. It satisfies the
// intercom Ringer interface.
type Player struct {
	spk *duplex.Speaker
	pcm []byte
	log *slog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewPlayer builds a player for the given tone.
func NewPlayer(spk *duplex.Speaker, pcm []byte, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{spk: spk, pcm: pcm, log: logger.With("component", "chime")}
}

// Start begins looping playback. Calling Start on a playing player is a
// no-op.
func (p *Player) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil || len(p.pcm) == 0 {
		return
	}
	stop := make(chan struct{})
	p.stopCh = stop
	go p.loop(stop)
}

// Stop ends playback and discards any queued tone audio.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.stopCh = nil
	p.spk.Stop()
}

func (p *Player) loop(stop <-chan struct{}) {
	if err := p.spk.Start(); err != nil {
		p.log.Error("speaker start failed", "err", err)
		return
	}
	for {
		for off := 0; off < len(p.pcm); off += chunkBytes {
			select {
			case <-stop:
				return
			default:
			}
			end := off + chunkBytes
			if end > len(p.pcm) {
				end = len(p.pcm)
			}
			p.spk.Play(p.pcm[off:end], 250*time.Millisecond)
		}
		select {
		case <-stop:
			return
		case <-time.After(loopGap):
		}
	}
}
