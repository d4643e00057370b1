// Command djcore-agent is the headless process that wires capture, voice
// streaming, the session bridge, and pattern evaluation together and runs
// until terminated. It stands in for "the GUI process embeds this core" —
// the smallest thing that exercises every component end to end, minus any
// GUI toolkit.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/djcore/djcore/internal/analyzer"
	"github.com/djcore/djcore/internal/bridge"
	"github.com/djcore/djcore/internal/capture"
	"github.com/djcore/djcore/internal/config"
	"github.com/djcore/djcore/internal/obs"
	"github.com/djcore/djcore/internal/pattern"
	"github.com/djcore/djcore/internal/preset"
	"github.com/djcore/djcore/internal/session"
	"github.com/djcore/djcore/internal/voice"
	"github.com/djcore/djcore/internal/wire"
)

const captureSampleRate = 48000

func main() {
	var (
		server   = flag.String("server", "", "coordinating server address (host or host:port)")
		code     = flag.String("code", "", "one-time connect code")
		djID     = flag.String("dj-id", "", "persisted DJ id (alternative to -code)")
		djKey    = flag.String("dj-key", "", "persisted DJ key (alternative to -code)")
		djName   = flag.String("dj-name", "DJ", "display name sent during auth")
		source   = flag.String("source", "", "audio source id, overrides the persisted config")
		presetFl = flag.String("preset", "", "analyzer preset name, overrides the persisted config")
		logFile  = flag.String("log-file", "", "write logs to this file instead of stderr")
		directOn = flag.Bool("direct", true, "send batch_update entity pools on the direct renderer route (false sends legacy audio_state)")
	)
	flag.Parse()

	cfg := config.Load()
	if *source != "" {
		cfg.AudioSourceID = *source
	}
	if *presetFl != "" {
		cfg.Preset = *presetFl
	}

	var log obs.Logger
	if *logFile != "" {
		log = obs.NewFileLogger(*logFile, 10, 3, 28, true)
	} else {
		log = obs.NewStdLogger()
	}

	addr, err := session.ParseAddr(*server, "8080")
	if err != nil {
		log.Error("invalid -server address", err)
		os.Exit(1)
	}

	voiceStreamer := voice.New(log, captureSampleRate)
	voiceStreamer.SetEnabled(cfg.VoiceEnabled)
	voiceStreamer.SetConditioning(cfg.AGCLevel, cfg.GateLevel, cfg.VADLevel)

	driver := capture.New(log, voiceStreamer, captureSampleRate)
	if err := driver.Start(cfg.AudioSourceID); err != nil {
		log.Error("capture start failed", err, zap.String("source", cfg.AudioSourceID))
		os.Exit(1)
	}
	defer driver.Stop()

	if p, ok := preset.Lookup(cfg.Preset); ok {
		driver.Analyzer().ApplyPreset(p.Attack, p.Release, p.BeatThreshold, p.BassWeight, p.BandSensitivity)
	} else if cfg.Preset != "" {
		log.Warn("unknown persisted preset, using analyzer defaults", zap.String("preset", cfg.Preset))
	}

	patterns := pattern.New(log, "")

	status := &consoleStatus{log: log}

	br := bridge.New(log, bridge.Config{
		ServerAddr: addr,
		Credentials: session.Credentials{
			Code:   *code,
			DJID:   *djID,
			DJKey:  *djKey,
			DJName: *djName,
		},
		DirectBatchMode: *directOn,
		DefaultEntities: 16,
		SourceID:        cfg.AudioSourceID,
	}, driver, voiceStreamer, status, patterns, driver.Analyzer())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("djcore-agent starting", zap.String("server", addr), zap.String("audio_source", cfg.AudioSourceID))
	br.Run(ctx)
	log.Info("djcore-agent stopped")
}

// consoleStatus logs bridge status/voice-status callbacks; a GUI embedding
// this core would instead forward these to its own event bus.
type consoleStatus struct {
	log obs.Logger
}

func (c *consoleStatus) OnAudioLevels(r analyzer.Result) {
	c.log.Debug("audio", zap.Float64("peak", r.Peak), zap.Bool("beat", r.IsBeat), zap.Float64("bpm", r.BPM))
}

func (c *consoleStatus) OnStatus(connected, mcConnected bool, latencyMS float64, routeMode string, errMsg string) {
	if errMsg != "" {
		c.log.Warn("bridge status", zap.Bool("connected", connected), zap.String("error", errMsg))
		return
	}
	c.log.Info("bridge status",
		zap.Bool("connected", connected),
		zap.Bool("mc_connected", mcConnected),
		zap.Float64("latency_ms", latencyMS),
		zap.String("route_mode", routeMode))
}

func (c *consoleStatus) OnVoiceStatus(v wire.VoiceStatus) {
	c.log.Debug("voice status", zap.Bool("available", v.Available), zap.Bool("streaming", v.Streaming))
}
