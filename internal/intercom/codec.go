package intercom

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// Codec translates between engine PCM and wire AUDIO payloads. A codec
// instance belongs to one session and is not safe for concurrent use.
type Codec interface {
	Name() string

	// Encode consumes little-endian PCM and returns zero or more wire
	// payloads. Codecs with a fixed frame size buffer the remainder
	// internally. The returned slices are valid until the next call.
	Encode(pcm []byte) ([][]byte, error)

	// Decode converts one wire payload back to PCM. The returned slice
	// is valid until the next call.
	Decode(payload []byte) ([]byte, error)
}

// NewCodec builds the codec named in the configuration. Empty and
// "pcm" mean uncompressed passthrough.
func NewCodec(name string, sampleRate int) (Codec, error) {
	switch name {
	case "", "pcm":
		return pcmCodec{}, nil
	case "opus":
		return newOpusCodec(sampleRate)
	default:
		return nil, fmt.Errorf("intercom: unknown codec %q", name)
	}
}

type pcmCodec struct{}

func (pcmCodec) Name() string { return "pcm" }

func (pcmCodec) Encode(pcm []byte) ([][]byte, error) {
	// Chunk to the preferred payload size; the last chunk may be short.
	var out [][]byte
	for len(pcm) > 0 {
		n := len(pcm)
		if n > MaxChunk {
			n = MaxChunk
		}
		out = append(out, pcm[:n])
		pcm = pcm[n:]
	}
	return out, nil
}

func (pcmCodec) Decode(payload []byte) ([]byte, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("intercom: odd pcm payload length %d", len(payload))
	}
	return payload, nil
}

// opusCodec wraps a mono Opus encoder/decoder pair. Opus works on fixed
// 20 ms frames, while the engine's frames depend on the canceller, so
// the encoder buffers input until a full frame is available.
type opusCodec struct {
	enc   *opus.Encoder
	dec   *opus.Decoder
	frame int // samples per 20 ms

	pending   []int16
	packetBuf []byte
	pcmBuf    []int16
	outBytes  []byte
}

func newOpusCodec(sampleRate int) (*opusCodec, error) {
	enc, err := opus.NewEncoder(sampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("intercom: opus encoder: %w", err)
	}
	dec, err := opus.NewDecoder(sampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("intercom: opus decoder: %w", err)
	}
	return &opusCodec{
		enc:       enc,
		dec:       dec,
		frame:     sampleRate / 50,
		packetBuf: make([]byte, 1275), // max opus packet
		pcmBuf:    make([]int16, 5760),
	}, nil
}

func (c *opusCodec) Name() string { return "opus" }

func (c *opusCodec) Encode(pcm []byte) ([][]byte, error) {
	for i := 0; i+1 < len(pcm); i += 2 {
		c.pending = append(c.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}

	var out [][]byte
	for len(c.pending) >= c.frame {
		n, err := c.enc.Encode(c.pending[:c.frame], c.packetBuf)
		if err != nil {
			return nil, fmt.Errorf("intercom: opus encode: %w", err)
		}
		pkt := make([]byte, n)
		copy(pkt, c.packetBuf[:n])
		out = append(out, pkt)
		c.pending = c.pending[:copy(c.pending, c.pending[c.frame:])]
	}
	return out, nil
}

func (c *opusCodec) Decode(payload []byte) ([]byte, error) {
	n, err := c.dec.Decode(payload, c.pcmBuf)
	if err != nil {
		return nil, fmt.Errorf("intercom: opus decode: %w", err)
	}
	if cap(c.outBytes) < 2*n {
		c.outBytes = make([]byte, 2*n)
	}
	out := c.outBytes[:2*n]
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(c.pcmBuf[i]))
	}
	return out, nil
}
