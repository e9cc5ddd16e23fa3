package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"duplexd/internal/duplex"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.json"))
	def := Default()
	if cfg.Audio.BusRate != def.Audio.BusRate {
		t.Fatalf("bus rate = %d, want default %d", cfg.Audio.BusRate, def.Audio.BusRate)
	}
	if cfg.Intercom.ListenAddr != ":6054" {
		t.Fatalf("listen addr = %q, want :6054", cfg.Intercom.ListenAddr)
	}
}

func TestLoadCorruptFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Load(path)
	if cfg.Audio.SpeakerVolume != 1.0 {
		t.Fatalf("speaker volume = %v, want default 1.0", cfg.Audio.SpeakerVolume)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := Default()
	cfg.Audio.BusRate = 48000
	cfg.Audio.OutputRate = 16000
	cfg.Audio.WiringMode = string(duplex.ModeStereoFeedback)
	cfg.Audio.SpeakerVolume = 0.5
	cfg.Intercom.AutoAnswer = false

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	got := Load(path)
	if got.Audio.BusRate != 48000 || got.Audio.OutputRate != 16000 {
		t.Fatalf("rates = %d/%d, want 48000/16000", got.Audio.BusRate, got.Audio.OutputRate)
	}
	if got.Audio.WiringMode != string(duplex.ModeStereoFeedback) {
		t.Fatalf("mode = %q", got.Audio.WiringMode)
	}
	if got.Intercom.AutoAnswer {
		t.Fatal("auto answer should round-trip as false")
	}
}

func TestEngineConfigMapping(t *testing.T) {
	a := Default().Audio
	a.BusRate = 96000
	a.OutputRate = 16000
	a.ReferenceDelayMs = 120
	ec := a.EngineConfig()
	if err := ec.Validate(); err != nil {
		t.Fatalf("mapped config invalid: %v", err)
	}
	if ec.Ratio() != 6 {
		t.Fatalf("ratio = %d, want 6", ec.Ratio())
	}
	if ec.ReferenceDelay != 120*time.Millisecond {
		t.Fatalf("delay = %v", ec.ReferenceDelay)
	}
}
