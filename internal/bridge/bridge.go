// Package bridge runs the cooperative loop that ties audio analysis, voice
// frames, and the session connection together: it ticks at 60 Hz, sends
// audio frames to the coordinating server, optionally dual-publishes a
// direct route to a downstream renderer, drains voice frames, and
// reconnects with exponential backoff when the connection drops.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/djcore/djcore/internal/analyzer"
	"github.com/djcore/djcore/internal/djerr"
	"github.com/djcore/djcore/internal/netutil"
	"github.com/djcore/djcore/internal/obs"
	"github.com/djcore/djcore/internal/pattern"
	"github.com/djcore/djcore/internal/preset"
	"github.com/djcore/djcore/internal/session"
	"github.com/djcore/djcore/internal/voice"
	"github.com/djcore/djcore/internal/wire"
)

const (
	tickInterval          = 16 * time.Millisecond // ~60 Hz
	directBatchInterval   = 45 * time.Millisecond  // ~22 Hz
	directReconnectCool   = 2 * time.Second
	maxReconnectAttempts  = 10
	maxReconnectDelaySecs = 30
	maxVoiceFramesPerTick = 3
	bridgePhaseAssistConf = 0.60 // distinct from analyzer's internal 0.55 phase-assist threshold
	bitrateAdjustInterval = 5 * time.Second
)

// AnalysisSource supplies the latest audio analysis result each tick.
type AnalysisSource interface {
	Latest() analyzer.Result
}

// PresetTarget receives preset swaps from the control path. *analyzer.Analyzer
// satisfies this directly; the overwrite is field-wise and never resets
// learned state (smoothed bands, AGC floors, tempo histogram).
type PresetTarget interface {
	ApplyPreset(attack, release, beatThreshold, bassWeight float64, bandSensitivity [5]float64)
}

// Config configures one bridge run.
type Config struct {
	ServerAddr       string
	Credentials      session.Credentials
	DirectBatchMode  bool // batch_update (full entity pool) vs legacy audio_state
	DefaultEntities  int
	SourceID         string
}

// StatusListener receives throttled UI-facing status events.
type StatusListener interface {
	OnAudioLevels(r analyzer.Result)
	OnStatus(connected, mcConnected bool, latencyMS float64, routeMode string, errMsg string)
	OnVoiceStatus(wire.VoiceStatus)
}

// Bridge owns one logical connection lifecycle to the coordinating server.
type Bridge struct {
	log      obs.Logger
	cfg      Config
	source   AnalysisSource
	voiceS   *voice.Streamer
	status   StatusListener
	patterns *pattern.Evaluator
	presets  PresetTarget

	seq atomic.Uint64
}

// New returns a Bridge. Any of voiceS/status/patterns/presets may be nil; a
// nil patterns evaluator falls back to pattern.BuiltinEntities directly, and
// a nil presets target silently ignores inbound preset_sync messages.
func New(log obs.Logger, cfg Config, source AnalysisSource, voiceS *voice.Streamer, status StatusListener, patterns *pattern.Evaluator, presets PresetTarget) *Bridge {
	if log == nil {
		log = obs.NewNopLogger()
	}
	if cfg.DefaultEntities <= 0 {
		cfg.DefaultEntities = 16
	}
	return &Bridge{log: log, cfg: cfg, source: source, voiceS: voiceS, status: status, patterns: patterns, presets: presets}
}

// Run drives the reconnect loop until ctx is cancelled or the retry budget
// is exhausted. It never returns an error for a clean, caller-cancelled
// shutdown; it logs and returns when retries are exhausted.
func (b *Bridge) Run(ctx context.Context) {
	reconnectCount := 0

	for {
		if ctx.Err() != nil {
			return
		}

		client := session.New(b.log, b.cfg.Credentials)
		if err := client.Connect(ctx, b.cfg.ServerAddr); err != nil {
			if isTerminalAuthErr(err) {
				b.log.Error("auth rejected, bridge stopping", err)
				return
			}
			b.log.Warn("connect failed", zap.Error(err))
		} else {
			shutdownRequested := b.runConnected(ctx, client)
			client.Close()
			if shutdownRequested {
				return
			}
		}

		reconnectCount++
		if reconnectCount > maxReconnectAttempts {
			b.log.Error("giving up after max reconnect attempts", fmt.Errorf("exhausted %d attempts", reconnectCount-1))
			return
		}

		delay := time.Duration(math.Min(math.Pow(2, float64(reconnectCount-1)), maxReconnectDelaySecs)) * time.Second
		b.log.Info("reconnecting after backoff", zap.Duration("delay", delay), zap.Int("attempt", reconnectCount))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func isTerminalAuthErr(err error) bool {
	var authErr *djerr.AuthError
	return errors.As(err, &authErr)
}

// runConnected runs the 60 Hz tick loop for one connection lifetime.
// Returns true if the caller's context was cancelled (explicit shutdown).
func (b *Bridge) runConnected(ctx context.Context, client *session.Client) bool {
	b.seq.Store(0)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	client.OnMessage(b.handleControl)

	route := newDirectRouteManager(b.log, b.cfg.DefaultEntities, b.cfg.DirectBatchMode, b.patterns)
	defer route.close()

	var lastPhaseAssistAt float64
	var lastUIStatusHash string
	var lastUIStatusAt time.Time
	var lastBitrateAdjustAt time.Time

	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			st := client.State()
			if !st.Connected {
				b.reportStatus(st, route.connected(), "server disconnected")
				return false
			}

			var result analyzer.Result
			if b.source != nil {
				result = b.source.Latest()
			}

			seq := b.seq.Add(1) - 1
			nowSecs := nowUnixSeconds()

			outBeat, outIntensity := b.applyPhaseAssist(result, &lastPhaseAssistAt, nowSecs)

			frame := wire.AudioFrame{
				Type:      "dj_audio_frame",
				Seq:       seq,
				Bands:     result.Bands,
				Peak:      result.Peak,
				Beat:      outBeat,
				BeatI:     outIntensity,
				BPM:       result.BPM,
				TempoConf: result.TempoConfidence,
				BeatPhase: result.BeatPhase,
				Ts:        nowSecs,
			}
			if err := client.Send(frame); err != nil {
				b.log.Error("audio frame send failed", err)
				b.reportStatus(st, route.connected(), "connection lost")
				return false
			}

			route.tick(st, result, outBeat, outIntensity, seq)

			if b.voiceS != nil {
				b.drainVoice(client)
				if time.Since(lastBitrateAdjustAt) >= bitrateAdjustInterval {
					b.voiceS.AdjustBitrate(st.LatencyMS)
					lastBitrateAdjustAt = time.Now()
				}
			}

			if b.status != nil {
				b.status.OnAudioLevels(result)
				hash := fmt.Sprintf("%v:%v:%.0f:%s", st.Connected, route.connected(), st.LatencyMS, st.RouteMode)
				if hash != lastUIStatusHash || time.Since(lastUIStatusAt) > 250*time.Millisecond {
					b.reportStatus(st, route.connected(), "")
					lastUIStatusHash = hash
					lastUIStatusAt = time.Now()
				}
			}
		}
	}
}

// handleControl ingests inbound server control messages (item 6 of the
// bridge tick design): preset swaps, pattern switches/config, and
// voice-status forwarding. It runs on the session's reader goroutine, not
// the tick loop, so every mutation here must be safe to race with a
// concurrent Evaluate/Analyze call (see internal/pattern, internal/analyzer).
func (b *Bridge) handleControl(env wire.Envelope, data []byte) {
	switch env.Type {
	case "preset_sync":
		var ps wire.PresetSync
		if json.Unmarshal(data, &ps) != nil {
			return
		}
		p, ok := preset.Lookup(ps.Preset)
		if !ok {
			b.log.Warn("unknown preset requested", zap.String("preset", ps.Preset))
			return
		}
		if b.presets == nil {
			return
		}
		b.presets.ApplyPreset(p.Attack, p.Release, p.BeatThreshold, p.BassWeight, p.BandSensitivity)
		if b.patterns != nil {
			b.patterns.SetBandSensitivity(p.BandSensitivity)
		}
		b.log.Info("preset applied", zap.String("preset", p.Name))

	case "pattern_sync":
		var psync wire.PatternSync
		if json.Unmarshal(data, &psync) != nil {
			return
		}
		if b.patterns == nil {
			return
		}
		if err := b.patterns.SetPattern(psync.Pattern); err != nil {
			b.log.Warn("pattern switch failed", zap.String("pattern", psync.Pattern), zap.Error(err))
			return
		}
		if psync.Config != nil {
			b.patterns.SetConfig(patternConfigFromMap(psync.Config, pattern.DefaultConfig()))
		}
		b.log.Info("pattern switched", zap.String("pattern", psync.Pattern))

	case "config_sync":
		var cs wire.ConfigSync
		if json.Unmarshal(data, &cs) != nil {
			return
		}
		if b.patterns == nil {
			return
		}
		cfg := pattern.DefaultConfig()
		if cs.EntityCount > 0 {
			cfg.EntityCount = cs.EntityCount
		}
		b.patterns.SetConfig(cfg)
		b.log.Info("pattern config synced", zap.Int("entity_count", cs.EntityCount), zap.String("zone", cs.Zone))

	case "effect_triggered":
		var eff wire.EffectTriggered
		if json.Unmarshal(data, &eff) == nil {
			b.log.Debug("effect triggered", zap.String("effect", eff.Effect))
		}

	case "voice_status":
		var vs wire.VoiceStatus
		if json.Unmarshal(data, &vs) == nil && b.status != nil {
			b.status.OnVoiceStatus(vs)
		}
	}
}

// patternConfigFromMap applies a pattern_sync config overlay (arbitrary JSON
// object, per wire.PatternSync.Config) onto base, leaving unset fields at
// their base values.
func patternConfigFromMap(m map[string]any, base pattern.Config) pattern.Config {
	if v, ok := m["entity_count"].(float64); ok {
		base.EntityCount = int(v)
	}
	if v, ok := m["zone_size"].(float64); ok {
		base.ZoneSize = v
	}
	if v, ok := m["beat_boost"].(float64); ok {
		base.BeatBoost = v
	}
	if v, ok := m["base_scale"].(float64); ok {
		base.BaseScale = v
	}
	if v, ok := m["max_scale"].(float64); ok {
		base.MaxScale = v
	}
	return base
}

func (b *Bridge) reportStatus(st session.State, mcConnected bool, errMsg string) {
	if b.status != nil {
		b.status.OnStatus(st.Connected, mcConnected, st.LatencyMS, st.RouteMode, errMsg)
	}
}

func (b *Bridge) drainVoice(client *session.Client) {
	frames := b.voiceS.DrainFrames(maxVoiceFramesPerTick)
	for _, f := range frames {
		msg := wire.VoiceAudio{Type: "voice_audio", Data: f.Payload, Seq: f.Seq, Codec: f.Codec}
		if err := client.Send(msg); err != nil {
			b.log.Debug("voice frame send failed", zap.Error(err))
			return
		}
	}
}

// applyPhaseAssist mirrors the bridge-level phase-predicted beat: a second,
// independent mechanism from the analyzer's own internal phase assist, with
// its own (higher) confidence threshold and cooldown.
func (b *Bridge) applyPhaseAssist(r analyzer.Result, lastAt *float64, nowSecs float64) (bool, float64) {
	outBeat := r.IsBeat
	outIntensity := r.BeatIntensity
	if outBeat || r.TempoConfidence < bridgePhaseAssistConf || r.BPM < 60 {
		return outBeat, outIntensity
	}
	beatPeriod := 60.0 / r.BPM
	phase := clamp01(r.BeatPhase)
	nearBoundary := phase < 0.08 || phase > 0.92
	canFire := *lastAt <= 0 || (nowSecs-*lastAt) >= beatPeriod*0.60
	if nearBoundary && canFire {
		outBeat = true
		outIntensity = math.Max(outIntensity, clamp01(0.50+r.TempoConfidence*0.25))
		*lastAt = nowSecs
	}
	return outBeat, outIntensity
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nowUnixSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// --- direct route (dual-publish) management ---

type directRoute struct {
	host        string
	port        int
	zone        string
	entityCount int
}

func resolveDirectRoute(st session.State, defaultEntities int) *directRoute {
	if st.RouteMode != "dual" || !st.IsActive {
		return nil
	}
	if st.MCHost == "" || st.MCPort == 0 {
		return nil
	}
	zone := st.MCZone
	if zone == "" {
		zone = "main"
	}
	entityCount := st.EntityCount
	if entityCount < 1 {
		entityCount = defaultEntities
	}
	return &directRoute{host: st.MCHost, port: st.MCPort, zone: zone, entityCount: entityCount}
}

type directRouteManager struct {
	log             obs.Logger
	defaultEntities int
	batchMode       bool
	patterns        *pattern.Evaluator

	mu              sync.Mutex
	conn            *websocket.Conn
	send            chan []byte
	done            chan struct{}
	targetKey       string
	poolKey         string
	nextConnectTry  time.Time
	lastBatchSentAt time.Time
	lastTickAt      time.Time
}

func newDirectRouteManager(log obs.Logger, defaultEntities int, batchMode bool, patterns *pattern.Evaluator) *directRouteManager {
	return &directRouteManager{log: log, defaultEntities: defaultEntities, batchMode: batchMode, patterns: patterns}
}

// entitiesFor returns the pattern-evaluated (or built-in fallback) entity
// layout for this tick.
func (d *directRouteManager) entitiesFor(result analyzer.Result, entityCount int, seq uint64) []wire.Entity {
	dt := directBatchInterval.Seconds()
	if !d.lastTickAt.IsZero() {
		dt = time.Since(d.lastTickAt).Seconds()
	}
	d.lastTickAt = time.Now()
	if d.patterns != nil {
		return d.patterns.Evaluate(result, dt, seq, entityCount)
	}
	return pattern.BuiltinEntities(result, entityCount, seq)
}

func (d *directRouteManager) connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

func (d *directRouteManager) tick(st session.State, result analyzer.Result, outBeat bool, outIntensity float64, seq uint64) {
	desired := resolveDirectRoute(st, d.defaultEntities)

	d.mu.Lock()
	defer d.mu.Unlock()

	if desired == nil {
		d.closeLocked()
		return
	}

	key := fmt.Sprintf("%s:%d:%s", desired.host, desired.port, desired.zone)
	if (d.targetKey != key || d.conn == nil) && time.Now().After(d.nextConnectTry) {
		if err := d.dialLocked(desired, key); err != nil {
			d.log.Warn("direct route connect failed", zap.Error(err))
			d.nextConnectTry = time.Now().Add(directReconnectCool)
			return
		}
	}

	if d.conn == nil {
		return
	}

	if d.batchMode {
		if time.Since(d.lastBatchSentAt) < directBatchInterval {
			return
		}
		d.lastBatchSentAt = time.Now()
		d.sendBatchLocked(desired, key, result, outBeat, outIntensity, seq)
	} else {
		d.sendLegacyLocked(desired, result, outBeat, outIntensity, seq)
	}
}

func (d *directRouteManager) dialLocked(route *directRoute, key string) error {
	scheme := "wss"
	if netutil.IsLocalHost(route.host) {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(route.host, fmt.Sprint(route.port)), Path: "/"}

	dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return err
	}

	// Drain a welcome packet if present, matching the direct MC server's
	// behavior of greeting on connect.
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	conn.ReadMessage()
	conn.SetReadDeadline(time.Time{})

	d.conn = conn
	d.send = make(chan []byte, 200)
	d.done = make(chan struct{})
	d.targetKey = key
	d.poolKey = ""

	go d.writeLoop(conn, d.send, d.done)
	go d.readLoop(conn, d.send, d.done)

	d.log.Info("direct route connected", zap.String("host", route.host), zap.Int("port", route.port), zap.String("zone", route.zone))
	return nil
}

func (d *directRouteManager) writeLoop(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return
			}
			if conn.WriteMessage(websocket.TextMessage, msg) != nil {
				return
			}
		case <-done:
			conn.Close()
			return
		}
	}
}

// readLoop answers pings from the renderer, matching start_direct_mc_session.
func (d *directRouteManager) readLoop(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ping wire.Ping
		if json.Unmarshal(data, &ping) == nil && ping.Type == "ping" {
			pong, _ := json.Marshal(wire.Pong{Type: "pong"})
			select {
			case send <- pong:
			case <-done:
				return
			default:
			}
		}
	}
}

func (d *directRouteManager) sendBatchLocked(route *directRoute, key string, result analyzer.Result, outBeat bool, outIntensity float64, seq uint64) {
	poolKey := fmt.Sprintf("%s:%d", key, route.entityCount)
	if d.poolKey != poolKey {
		init, _ := json.Marshal(wire.InitPool{Type: "init_pool", Zone: route.zone, Count: route.entityCount, Material: "SEA_LANTERN"})
		if !d.enqueueLocked(init) {
			return
		}
		d.poolKey = poolKey
	}

	entities := d.entitiesFor(result, route.entityCount, seq)
	var particles []any
	if outBeat && outIntensity > 0.2 {
		count := int(math.Round(outIntensity * 24))
		if count < 1 {
			count = 1
		} else if count > 100 {
			count = 100
		}
		particles = []any{map[string]any{"particle": "NOTE", "x": 0.5, "y": 0.5, "z": 0.5, "count": count}}
	}

	batch := wire.BatchUpdate{
		Type: "batch_update", Zone: route.zone, Entities: entities, Particles: particles,
		Bands: result.Bands, Amplitude: result.Peak, IsBeat: outBeat, BeatIntensity: outIntensity,
		BPM: result.BPM, TempoConfidence: result.TempoConfidence, BeatPhase: result.BeatPhase,
		IBass: result.InstantBass, IKick: result.InstantKick,
		Frame: seq, SourceID: "djcore-agent", StreamSeq: seq,
	}
	data, _ := json.Marshal(batch)
	d.enqueueLocked(data)
}

func (d *directRouteManager) sendLegacyLocked(route *directRoute, result analyzer.Result, outBeat bool, outIntensity float64, seq uint64) {
	legacy := map[string]any{
		"type": "audio_state", "zone": route.zone, "bands": result.Bands, "amplitude": result.Peak,
		"is_beat": outBeat, "beat_intensity": outIntensity, "bpm": result.BPM,
		"tempo_confidence": result.TempoConfidence, "beat_phase": result.BeatPhase, "frame": seq,
	}
	data, _ := json.Marshal(legacy)
	d.enqueueLocked(data)
}

func (d *directRouteManager) enqueueLocked(data []byte) bool {
	select {
	case d.send <- data:
		return true
	default:
		d.closeLocked()
		return false
	}
}

func (d *directRouteManager) closeLocked() {
	if d.done != nil {
		close(d.done)
	}
	d.conn = nil
	d.send = nil
	d.done = nil
	d.targetKey = ""
	d.poolKey = ""
}

func (d *directRouteManager) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

