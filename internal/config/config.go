// Package config manages the duplexd device configuration. Settings are
// stored as JSON, by default at /etc/duplexd/config.json, and map onto
// the audio engine, intercom, and API subsystems at startup.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"duplexd/internal/duplex"
)

// DefaultPath is where the daemon looks for its configuration when no
// -config flag is given.
const DefaultPath = "/etc/duplexd/config.json"

// Config holds the full device configuration.
type Config struct {
	Audio    AudioConfig    `json:"audio"`
	Intercom IntercomConfig `json:"intercom"`
	API      APIConfig      `json:"api"`
	DBPath   string         `json:"db_path"`
}

// AudioConfig describes the duplex bus wiring and the gain pipeline.
type AudioConfig struct {
	// PortAudio device indexes; -1 selects the system default.
	InputDeviceID  int `json:"input_device_id"`
	OutputDeviceID int `json:"output_device_id"`

	BusRate    int    `json:"bus_rate"`
	OutputRate int    `json:"output_rate"`
	WiringMode string `json:"wiring_mode"`

	RefChannelRight bool `json:"ref_channel_right"`
	Slots           int  `json:"slots"`
	MicSlot         int  `json:"mic_slot"`
	RefSlot         int  `json:"ref_slot"`

	ReferenceDelayMs int `json:"reference_delay_ms"`

	MicGain         float32 `json:"mic_gain"`
	MicAttenuation  float32 `json:"mic_attenuation"`
	SpeakerVolume   float32 `json:"speaker_volume"`
	ReferenceVolume float32 `json:"reference_volume"`

	AECEnabled bool    `json:"aec_enabled"`
	AECTaps    int     `json:"aec_taps"`
	AECStep    float64 `json:"aec_step"`
}

// IntercomConfig describes the call endpoint behaviour.
type IntercomConfig struct {
	ListenAddr  string `json:"listen_addr"`
	AutoAnswer  bool   `json:"auto_answer"`
	RingTimeout int    `json:"ring_timeout_s"`
	Codec       string `json:"codec"` // "pcm" or "opus"
	ChimePath   string `json:"chime_path"`
}

// APIConfig describes the HTTP control plane and the WebTransport
// intercom listener.
type APIConfig struct {
	HTTPAddr string `json:"http_addr"`
	WTAddr   string `json:"wt_addr"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// Default returns a Config populated with sensible defaults for a mono
// 16 kHz panel.
func Default() Config {
	return Config{
		Audio: AudioConfig{
			InputDeviceID:    -1,
			OutputDeviceID:   -1,
			BusRate:          16000,
			WiringMode:       string(duplex.ModeMono),
			ReferenceDelayMs: 80,
			MicGain:          1.0,
			MicAttenuation:   1.0,
			SpeakerVolume:    1.0,
			ReferenceVolume:  1.0,
			AECEnabled:       true,
		},
		Intercom: IntercomConfig{
			ListenAddr:  ":6054",
			AutoAnswer:  true,
			RingTimeout: 30,
			Codec:       "pcm",
		},
		API: APIConfig{
			HTTPAddr: ":8080",
			WTAddr:   ":4433",
		},
		DBPath: "/var/lib/duplexd/duplexd.db",
	}
}

// EngineConfig maps the audio section onto an engine configuration.
func (a AudioConfig) EngineConfig() duplex.Config {
	return duplex.Config{
		BusRate:         a.BusRate,
		OutputRate:      a.OutputRate,
		Mode:            duplex.WiringMode(a.WiringMode),
		RefChannelRight: a.RefChannelRight,
		Slots:           a.Slots,
		MicSlot:         a.MicSlot,
		RefSlot:         a.RefSlot,
		ReferenceDelay:  time.Duration(a.ReferenceDelayMs) * time.Millisecond,
		MicGain:         a.MicGain,
		MicAttenuation:  a.MicAttenuation,
		SpeakerVolume:   a.SpeakerVolume,
		ReferenceVolume: a.ReferenceVolume,
	}
}

// Load reads the config file at path. A missing or unreadable file
// yields the defaults, never an error; unknown fields are ignored so
// configs survive version skew.
func Load(path string) Config {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to path, creating the directory if needed.
func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
