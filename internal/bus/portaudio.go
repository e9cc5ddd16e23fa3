package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudio is the production Driver backed by a pair of PortAudio streams
// (one capture, one playback) opened on the same clock domain. The caller
// must run portaudio.Initialize before Start and Terminate after the last
// Stop.
//
// PortAudio's blocking Read/Write calls are naturally bounded by the
// hardware frame cadence, so the timeout parameters are advisory here;
// the mock driver honors them exactly.
type PortAudio struct {
	log *slog.Logger

	inputDevice  int // -1 selects the system default
	outputDevice int
	sampleRate   int
	rxChannels   int
	txChannels   int

	mu       sync.Mutex
	capture  *portaudio.Stream
	playback *portaudio.Stream
	rxBuf    []int16
	txBuf    []int16
}

// NewPortAudio returns an unstarted PortAudio driver. rxChannels is the
// number of interleaved input slots the wiring delivers per sample period
// (1 for mono, 2 for stereo digital feedback, N for TDM), and txChannels
// the interleaved output slot count (1 except in TDM wiring).
func NewPortAudio(inputDevice, outputDevice, sampleRate, rxChannels, txChannels int, logger *slog.Logger) *PortAudio {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortAudio{
		log:          logger,
		inputDevice:  inputDevice,
		outputDevice: outputDevice,
		sampleRate:   sampleRate,
		rxChannels:   rxChannels,
		txChannels:   txChannels,
	}
}

// Start opens and starts the capture and playback streams with buffers
// matching the engine's frame sizes.
func (d *PortAudio) Start(rxFrameBytes, txFrameBytes int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture != nil {
		return nil
	}
	if rxFrameBytes%(BytesPerSample*d.rxChannels) != 0 {
		return fmt.Errorf("bus: rx frame %dB is not a whole number of %d-slot sample periods", rxFrameBytes, d.rxChannels)
	}
	if txFrameBytes%(BytesPerSample*d.txChannels) != 0 {
		return fmt.Errorf("bus: tx frame %dB is not a whole number of %d-slot sample periods", txFrameBytes, d.txChannels)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("bus: list devices: %w", err)
	}
	inDev, err := resolveDevice(devices, d.inputDevice, portaudio.DefaultInputDevice)
	if err != nil {
		return fmt.Errorf("bus: resolve input device: %w", err)
	}
	outDev, err := resolveDevice(devices, d.outputDevice, portaudio.DefaultOutputDevice)
	if err != nil {
		return fmt.Errorf("bus: resolve output device: %w", err)
	}

	d.rxBuf = make([]int16, rxFrameBytes/BytesPerSample)
	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inDev,
			Channels: d.rxChannels,
			Latency:  inDev.DefaultLowInputLatency,
		},
		SampleRate:      float64(d.sampleRate),
		FramesPerBuffer: len(d.rxBuf) / d.rxChannels,
	}
	capture, err := portaudio.OpenStream(captureParams, d.rxBuf)
	if err != nil {
		return fmt.Errorf("bus: open capture stream: %w", err)
	}

	d.txBuf = make([]int16, txFrameBytes/BytesPerSample)
	playbackParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outDev,
			Channels: d.txChannels,
			Latency:  outDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(d.sampleRate),
		FramesPerBuffer: len(d.txBuf) / d.txChannels,
	}
	playback, err := portaudio.OpenStream(playbackParams, d.txBuf)
	if err != nil {
		capture.Close()
		return fmt.Errorf("bus: open playback stream: %w", err)
	}

	if err := capture.Start(); err != nil {
		capture.Close()
		playback.Close()
		return fmt.Errorf("bus: start capture: %w", err)
	}
	if err := playback.Start(); err != nil {
		capture.Stop()
		capture.Close()
		playback.Close()
		return fmt.Errorf("bus: start playback: %w", err)
	}

	d.capture = capture
	d.playback = playback
	d.log.Info("bus started",
		"capture", inDev.Name,
		"playback", outDev.Name,
		"rate", d.sampleRate,
		"rx_channels", d.rxChannels,
		"tx_channels", d.txChannels,
	)
	return nil
}

// resolveDevice returns the device at idx if valid, otherwise the fallback.
func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Stop halts both streams. Blocked Read/Write calls return once the
// underlying streams stop, which is why Stop must precede Close.
func (d *PortAudio) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return nil
	}
	d.capture.Stop()
	d.playback.Stop()
	d.capture.Close()
	d.playback.Close()
	d.capture = nil
	d.playback = nil
	d.log.Info("bus stopped")
	return nil
}

// Read fills p with one interleaved rx frame.
func (d *PortAudio) Read(p []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	capture, buf := d.capture, d.rxBuf
	d.mu.Unlock()
	if capture == nil {
		return 0, ErrNotReady
	}
	if len(p) != len(buf)*BytesPerSample {
		return 0, fmt.Errorf("bus: read size %dB does not match rx frame %dB", len(p), len(buf)*BytesPerSample)
	}

	if err := capture.Read(); err != nil {
		// An overflow means intervening input was dropped but this frame
		// is intact; surface it as a timeout-grade transient.
		if errors.Is(err, portaudio.InputOverflowed) {
			d.log.Debug("capture overflow")
		} else {
			return 0, fmt.Errorf("bus: capture read: %w", err)
		}
	}
	for i, s := range buf {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(s))
	}
	return len(p), nil
}

// Write sends one tx frame from p.
func (d *PortAudio) Write(p []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	playback, buf := d.playback, d.txBuf
	d.mu.Unlock()
	if playback == nil {
		return 0, ErrNotReady
	}
	if len(p) != len(buf)*BytesPerSample {
		return 0, fmt.Errorf("bus: write size %dB does not match tx frame %dB", len(p), len(buf)*BytesPerSample)
	}

	for i := range buf {
		buf[i] = int16(binary.LittleEndian.Uint16(p[i*2:]))
	}
	if err := playback.Write(); err != nil {
		if errors.Is(err, portaudio.OutputUnderflowed) {
			d.log.Debug("playback underflow")
		} else {
			return 0, fmt.Errorf("bus: playback write: %w", err)
		}
	}
	return len(p), nil
}
