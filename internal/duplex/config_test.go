package duplex

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	base := DefaultConfig()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default ok", func(c *Config) {}, false},
		{"zero bus rate", func(c *Config) { c.BusRate = 0 }, true},
		{"negative bus rate", func(c *Config) { c.BusRate = -16000 }, true},
		{"exact decimation", func(c *Config) { c.BusRate = 48000; c.OutputRate = 16000 }, false},
		{"inexact decimation", func(c *Config) { c.BusRate = 44100; c.OutputRate = 16000 }, true},
		{"ratio too large", func(c *Config) { c.BusRate = 112000; c.OutputRate = 16000 }, true},
		{"max ratio", func(c *Config) { c.BusRate = 96000; c.OutputRate = 16000 }, false},
		{"unknown mode", func(c *Config) { c.Mode = "quadraphonic" }, true},
		{"stereo feedback ok", func(c *Config) { c.Mode = ModeStereoFeedback }, false},
		{"multi-slot ok", func(c *Config) {
			c.Mode = ModeMultiSlot
			c.Slots = 4
			c.MicSlot = 1
			c.RefSlot = 3
		}, false},
		{"multi-slot too few slots", func(c *Config) {
			c.Mode = ModeMultiSlot
			c.Slots = 1
		}, true},
		{"mic slot out of range", func(c *Config) {
			c.Mode = ModeMultiSlot
			c.Slots = 2
			c.MicSlot = 2
			c.RefSlot = 1
		}, true},
		{"ref slot negative", func(c *Config) {
			c.Mode = ModeMultiSlot
			c.Slots = 2
			c.MicSlot = 0
			c.RefSlot = -1
		}, true},
		{"mic and ref share slot", func(c *Config) {
			c.Mode = ModeMultiSlot
			c.Slots = 4
			c.MicSlot = 2
			c.RefSlot = 2
		}, true},
		{"negative delay", func(c *Config) { c.ReferenceDelay = -time.Millisecond }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigRatio(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Ratio(); got != 1 {
		t.Fatalf("default ratio = %d, want 1", got)
	}
	cfg.BusRate = 48000
	cfg.OutputRate = 16000
	if got := cfg.Ratio(); got != 3 {
		t.Fatalf("ratio = %d, want 3", got)
	}
	if got := cfg.EffectiveOutputRate(); got != 16000 {
		t.Fatalf("output rate = %d, want 16000", got)
	}
	cfg.OutputRate = 0
	if got := cfg.EffectiveOutputRate(); got != 48000 {
		t.Fatalf("output rate = %d, want 48000", got)
	}
}

func TestConfigRxChannels(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.RxChannels(); got != 1 {
		t.Fatalf("mono rx channels = %d, want 1", got)
	}
	cfg.Mode = ModeStereoFeedback
	if got := cfg.RxChannels(); got != 2 {
		t.Fatalf("stereo rx channels = %d, want 2", got)
	}
	cfg.Mode = ModeMultiSlot
	cfg.Slots = 8
	if got := cfg.RxChannels(); got != 8 {
		t.Fatalf("multi-slot rx channels = %d, want 8", got)
	}
}

func TestConfigTxChannels(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.TxChannels(); got != 1 {
		t.Fatalf("mono tx channels = %d, want 1", got)
	}
	// Stereo feedback plays back mono; the codec produces the loopback.
	cfg.Mode = ModeStereoFeedback
	if got := cfg.TxChannels(); got != 1 {
		t.Fatalf("stereo tx channels = %d, want 1", got)
	}
	cfg.Mode = ModeMultiSlot
	cfg.Slots = 8
	if got := cfg.TxChannels(); got != 8 {
		t.Fatalf("multi-slot tx channels = %d, want 8", got)
	}
}
