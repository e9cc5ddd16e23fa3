// duplexd is the intercom panel daemon: it multiplexes one duplex audio
// bus between the call endpoint, the chime player, and whatever the
// HTTP API asks of it, with echo cancellation on the mic path.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"duplexd/internal/aec"
	"duplexd/internal/bus"
	"duplexd/internal/chime"
	"duplexd/internal/config"
	"duplexd/internal/duplex"
	"duplexd/internal/httpapi"
	"duplexd/internal/intercom"
	"duplexd/internal/store"

	"github.com/gordonklaus/portaudio"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", config.DefaultPath, "Config file path")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Load(*configPath)
	slog.Info("starting duplexd", "version", Version, "config", *configPath,
		"mode", cfg.Audio.WiringMode, "bus_rate", cfg.Audio.BusRate)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close store", "err", closeErr)
		}
	}()

	if err := portaudio.Initialize(); err != nil {
		slog.Error("initialize portaudio", "err", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	engineCfg := cfg.Audio.EngineConfig()
	drv := bus.NewPortAudio(cfg.Audio.InputDeviceID, cfg.Audio.OutputDeviceID,
		cfg.Audio.BusRate, engineCfg.RxChannels(), engineCfg.TxChannels(), logger)

	var canceller duplex.EchoCanceller
	if cfg.Audio.AECEnabled {
		opts := []aec.Option{}
		if cfg.Audio.AECTaps > 0 {
			opts = append(opts, aec.WithTaps(cfg.Audio.AECTaps))
		}
		if cfg.Audio.AECStep > 0 {
			opts = append(opts, aec.WithStep(cfg.Audio.AECStep))
		}
		canceller = aec.New(aec.DefaultFrameSize, opts...)
	}

	eng, err := duplex.New(engineCfg, drv, canceller, logger)
	if err != nil {
		slog.Error("build engine", "err", err)
		os.Exit(1)
	}
	defer eng.Stop()
	restoreSettings(eng, st)

	var ringer intercom.Ringer
	if cfg.Intercom.ChimePath != "" {
		tone, err := chime.Load(cfg.Intercom.ChimePath, cfg.Audio.BusRate)
		if err != nil {
			slog.Error("load chime", "path", cfg.Intercom.ChimePath, "err", err)
			os.Exit(1)
		}
		ringer = chime.NewPlayer(eng.Speaker(), tone, logger)
	}

	mgr := intercom.NewManager(eng, intercom.Options{
		AutoAnswer:  cfg.Intercom.AutoAnswer,
		RingTimeout: time.Duration(cfg.Intercom.RingTimeout) * time.Second,
		CodecName:   cfg.Intercom.Codec,
		Ringer:      ringer,
		Recorder:    st,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received signal, shutting down")
		cancel()
	}()

	errCh := make(chan error, 3)

	go func() {
		errCh <- mgr.ListenAndServe(ctx, cfg.Intercom.ListenAddr)
	}()

	if cfg.API.WTAddr != "" {
		tlsConfig, fingerprint, err := loadTLSConfig(cfg.API)
		if err != nil {
			slog.Error("tls setup", "err", err)
			os.Exit(1)
		}
		slog.Info("certificate ready", "sha256", fingerprint)
		wt := intercom.NewWTServer(cfg.API.WTAddr, tlsConfig, mgr, logger)
		go func() {
			errCh <- wt.Run(ctx)
		}()
	}

	api := httpapi.New(eng, mgr, st, logger)
	go func() {
		errCh <- api.Run(ctx, cfg.API.HTTPAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			cancel()
			os.Exit(1)
		}
	case <-ctx.Done():
	}
	slog.Info("duplexd stopped")
}

// restoreSettings applies persisted runtime settings on top of the file
// configuration; the API writes them back on every change.
func restoreSettings(eng *duplex.Engine, st *store.Store) {
	if v, err := st.GetFloatSetting("speaker_volume", float64(eng.SpeakerVolume())); err == nil {
		eng.SetSpeakerVolume(float32(v))
	}
	if v, err := st.GetFloatSetting("mic_gain", float64(eng.MicGain())); err == nil {
		eng.SetMicGain(float32(v))
	}
	if v, err := st.GetFloatSetting("mic_attenuation", 0); err == nil && v != 0 {
		eng.SetMicAttenuation(float32(v))
	}
	if v, err := st.GetFloatSetting("reference_volume", 0); err == nil && v != 0 {
		eng.SetReferenceVolume(float32(v))
	}
	if v, err := st.GetFloatSetting("aec_enabled", -1); err == nil && v >= 0 {
		eng.SetAECEnabled(v != 0)
	}
}
