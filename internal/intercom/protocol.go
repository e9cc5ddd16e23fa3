// Package intercom implements the panel's call endpoint: a framed
// binary protocol carrying 16 kHz mono PCM (optionally Opus-compressed)
// over any reliable byte stream, plus the session state machine that
// bridges one remote caller onto the duplex audio engine.
package intercom

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Port is the default TCP port for intercom audio streaming.
const Port = 6054

// ProtocolVersion identifies the wire format.
const ProtocolVersion = 1

// MsgType is the first header byte of every message.
type MsgType uint8

const (
	MsgAudio  MsgType = 0x01 // PCM or codec payload
	MsgStart  MsgType = 0x02 // start streaming request
	MsgStop   MsgType = 0x03 // stop streaming
	MsgPing   MsgType = 0x04 // keep-alive
	MsgPong   MsgType = 0x05 // keep-alive response
	MsgError  MsgType = 0x06 // error response, payload is one ErrCode byte
	MsgRing   MsgType = 0x07 // device is ringing, waiting for a local answer
	MsgAnswer MsgType = 0x08 // call answered, audio follows
)

// Flags is the second header byte.
type Flags uint8

const (
	FlagNone Flags = 0x00
	FlagEnd  Flags = 0x01 // last packet of the stream
)

// ErrCode is the payload of a MsgError message.
type ErrCode uint8

const (
	ErrOK         ErrCode = 0x00
	ErrBusy       ErrCode = 0x01 // already streaming with another client
	ErrInvalidMsg ErrCode = 0x02
	ErrNotReady   ErrCode = 0x03
	ErrInternal   ErrCode = 0xFF
)

// Audio format carried on the wire.
const (
	SampleRate    = 16000
	BitsPerSample = 16
	Channels      = 1

	// ChunkSize is the preferred AUDIO payload: 256 samples, 16 ms.
	ChunkSize = 512

	// MaxChunk bounds a single AUDIO payload; browser clients batch
	// several chunks per message.
	MaxChunk = 2048
)

// HeaderSize is the fixed message header length: type, flags, and a
// little-endian payload length.
const HeaderSize = 4

// MaxPayload bounds any message payload; larger lengths indicate a
// corrupt or hostile stream and abort the session.
const MaxPayload = MaxChunk + 64

// Message is one framed protocol message.
type Message struct {
	Type    MsgType
	Flags   Flags
	Payload []byte
}

// WriteMessage frames and writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("intercom: payload %d exceeds max %d", len(m.Payload), MaxPayload)
	}
	hdr := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	hdr[0] = byte(m.Type)
	hdr[1] = byte(m.Flags)
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(m.Payload)))
	_, err := w.Write(append(hdr, m.Payload...))
	return err
}

// ReadMessage reads one framed message from r. It blocks until a full
// message arrives or r fails.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	m := Message{
		Type:  MsgType(hdr[0]),
		Flags: Flags(hdr[1]),
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:]))
	if n > MaxPayload {
		return Message{}, fmt.Errorf("intercom: payload length %d exceeds max %d", n, MaxPayload)
	}
	if n > 0 {
		m.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

// writeError sends a MsgError with the given code. Best effort; the
// session is usually about to close.
func writeError(w io.Writer, code ErrCode) error {
	return WriteMessage(w, Message{Type: MsgError, Payload: []byte{byte(code)}})
}
