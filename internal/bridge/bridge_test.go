package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/djcore/djcore/internal/analyzer"
	"github.com/djcore/djcore/internal/obs"
	"github.com/djcore/djcore/internal/pattern"
	"github.com/djcore/djcore/internal/session"
	"github.com/djcore/djcore/internal/wire"
)

func TestBuiltinEntitiesClampsCount(t *testing.T) {
	result := analyzer.Result{Bands: [5]float64{0.1, 0.2, 0.3, 0.4, 0.5}, Peak: 0.6}
	entities := pattern.BuiltinEntities(result, 1000, 0)
	require.Len(t, entities, 512)
	for _, e := range entities {
		require.GreaterOrEqual(t, e.X, 0.0)
		require.LessOrEqual(t, e.X, 1.0)
		require.GreaterOrEqual(t, e.Scale, 0.05)
		require.LessOrEqual(t, e.Scale, 1.6)
	}
}

func TestBuiltinEntitiesBeatGlow(t *testing.T) {
	result := analyzer.Result{Bands: [5]float64{0.5, 0.5, 0.5, 0.5, 0.5}, Peak: 0.8, IsBeat: true, BeatIntensity: 1.0}
	entities := pattern.BuiltinEntities(result, 4, 7)
	for _, e := range entities {
		require.True(t, e.Glow)
	}
}

type fakePresetTarget struct {
	attack, release, beatThreshold, bassWeight float64
	bandSens                                   [5]float64
	calls                                      int
}

func (f *fakePresetTarget) ApplyPreset(attack, release, beatThreshold, bassWeight float64, bandSens [5]float64) {
	f.attack, f.release, f.beatThreshold, f.bassWeight, f.bandSens = attack, release, beatThreshold, bassWeight, bandSens
	f.calls++
}

func TestHandleControlPresetSyncAppliesKnownPreset(t *testing.T) {
	target := &fakePresetTarget{}
	b := &Bridge{log: obs.NewNopLogger(), presets: target}
	data, _ := json.Marshal(wire.PresetSync{Preset: "EDM"})
	b.handleControl(wire.Envelope{Type: "preset_sync"}, data)
	require.Equal(t, 1, target.calls)
	require.InDelta(t, 0.70, target.attack, 1e-9)
	require.InDelta(t, 1.10, target.beatThreshold, 1e-9)
}

func TestHandleControlPresetSyncUpdatesPatternBandSensitivity(t *testing.T) {
	target := &fakePresetTarget{}
	patterns := pattern.New(nil, "")
	patterns.Upload("bass", `function calculate(audio, config, dt) return {{id = "e1", x = audio.bands[1]}} end`)
	require.NoError(t, patterns.SetPattern("bass"))
	b := &Bridge{log: obs.NewNopLogger(), presets: target, patterns: patterns}
	data, _ := json.Marshal(wire.PresetSync{Preset: "edm"})
	b.handleControl(wire.Envelope{Type: "preset_sync"}, data)

	entities := patterns.Evaluate(analyzer.Result{Bands: [5]float64{1, 1, 1, 1, 1}}, 0.016, 0, 1)
	require.Len(t, entities, 1)
	require.InDelta(t, 1.5, entities[0].X, 1e-9) // edm's bass sensitivity (1.5) scales audio.bands[1]
}

func TestHandleControlPresetSyncIgnoresUnknownPreset(t *testing.T) {
	target := &fakePresetTarget{}
	b := &Bridge{log: obs.NewNopLogger(), presets: target}
	data, _ := json.Marshal(wire.PresetSync{Preset: "not-a-real-preset"})
	b.handleControl(wire.Envelope{Type: "preset_sync"}, data)
	require.Equal(t, 0, target.calls)
}

func TestHandleControlPatternSyncSwitchesAndConfigures(t *testing.T) {
	patterns := pattern.New(nil, "")
	patterns.Upload("spin", "function calculate(audio, config, dt) return {} end")
	b := &Bridge{log: obs.NewNopLogger(), patterns: patterns}

	data, _ := json.Marshal(wire.PatternSync{Pattern: "spin", Config: map[string]any{"entity_count": float64(32)}})
	b.handleControl(wire.Envelope{Type: "pattern_sync"}, data)

	require.Equal(t, "spin", patterns.ActivePattern())
	entities := patterns.Evaluate(analyzer.Result{}, 0.016, 0, 32)
	require.Len(t, entities, 0) // the uploaded script returns an empty table
}

func TestHandleControlConfigSyncDoesNotPanic(t *testing.T) {
	patterns := pattern.New(nil, "")
	b := &Bridge{log: obs.NewNopLogger(), patterns: patterns}
	data, _ := json.Marshal(wire.ConfigSync{EntityCount: 42, Zone: "main"})
	b.handleControl(wire.Envelope{Type: "config_sync"}, data)

	entities := patterns.Evaluate(analyzer.Result{}, 0.016, 0, 0)
	_ = entities // no active pattern; this only verifies SetConfig didn't panic
}

func TestHandleControlVoiceStatusForwardsToListener(t *testing.T) {
	listener := &recordingStatusListener{}
	b := &Bridge{log: obs.NewNopLogger(), status: listener}
	data, _ := json.Marshal(wire.VoiceStatus{Available: true, Streaming: true})
	b.handleControl(wire.Envelope{Type: "voice_status"}, data)
	require.Len(t, listener.voiceStatuses, 1)
	require.True(t, listener.voiceStatuses[0].Streaming)
}

type recordingStatusListener struct {
	voiceStatuses []wire.VoiceStatus
}

func (r *recordingStatusListener) OnAudioLevels(analyzer.Result) {}
func (r *recordingStatusListener) OnStatus(bool, bool, float64, string, string) {}
func (r *recordingStatusListener) OnVoiceStatus(v wire.VoiceStatus) {
	r.voiceStatuses = append(r.voiceStatuses, v)
}

func TestApplyPhaseAssistFiresNearBoundary(t *testing.T) {
	b := &Bridge{}
	var lastAt float64
	r := analyzer.Result{IsBeat: false, TempoConfidence: 0.75, BPM: 120, BeatPhase: 0.97}
	beat, intensity := b.applyPhaseAssist(r, &lastAt, 100.0)
	require.True(t, beat)
	require.Greater(t, intensity, 0.0)
	require.Equal(t, 100.0, lastAt)
}

func TestApplyPhaseAssistSkipsLowConfidence(t *testing.T) {
	b := &Bridge{}
	var lastAt float64
	r := analyzer.Result{IsBeat: false, TempoConfidence: 0.3, BPM: 120, BeatPhase: 0.97}
	beat, _ := b.applyPhaseAssist(r, &lastAt, 100.0)
	require.False(t, beat)
}

func TestApplyPhaseAssistRespectsCooldown(t *testing.T) {
	b := &Bridge{}
	lastAt := 99.9
	r := analyzer.Result{IsBeat: false, TempoConfidence: 0.9, BPM: 120, BeatPhase: 0.97}
	beat, _ := b.applyPhaseAssist(r, &lastAt, 100.0)
	require.False(t, beat, "cooldown (60% of beat period) not yet elapsed")
}

func TestResolveDirectRouteRequiresDualAndActive(t *testing.T) {
	st := session.State{RouteMode: "relay", IsActive: true, MCHost: "1.2.3.4", MCPort: 9001}
	require.Nil(t, resolveDirectRoute(st, 16))

	st.RouteMode = "dual"
	st.IsActive = false
	require.Nil(t, resolveDirectRoute(st, 16))

	st.IsActive = true
	route := resolveDirectRoute(st, 16)
	require.NotNil(t, route)
	require.Equal(t, "1.2.3.4", route.host)
	require.Equal(t, "main", route.zone)
	require.Equal(t, 16, route.entityCount)
}

