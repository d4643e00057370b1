// Package pattern implements the host-neutral scripted entity-layout
// evaluator: a pattern script, identified by name, is called once per tick
// with (audio, config, dt) and returns an ordered list of entity records. A
// shared "lib" script of utilities is loaded into a fresh interpreter every
// time the active pattern switches, guaranteeing no state leaks across
// switches. If no pattern is loaded, or evaluation errors, the evaluator
// falls back to a built-in generator without tearing the VM down.
package pattern

import (
	"fmt"
	"math"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/djcore/djcore/internal/analyzer"
	"github.com/djcore/djcore/internal/obs"
	"github.com/djcore/djcore/internal/wire"
)

// Config mirrors the pattern-facing knobs the bridge can change at runtime
// (entity pool size, zone geometry, beat responsiveness).
type Config struct {
	EntityCount     int
	ZoneSize        float64
	BeatBoost       float64
	BaseScale       float64
	MaxScale        float64
	BandSensitivity [5]float64
}

// DefaultConfig returns the spec's named defaults.
func DefaultConfig() Config {
	return Config{
		EntityCount: 16, ZoneSize: 10.0, BeatBoost: 1.5, BaseScale: 0.2, MaxScale: 1.0,
		BandSensitivity: [5]float64{1.0, 1.0, 1.0, 1.0, 1.0},
	}
}

// Evaluator owns the active pattern's Lua interpreter. SetPattern/Upload are
// called from the session's inbound-message goroutine; Evaluate is called
// from the bridge's tick loop. mu guards the fields both sides touch.
type Evaluator struct {
	log obs.Logger

	libSrc string

	mu          sync.Mutex
	patterns    map[string]string
	activeName  string
	activeState *lua.LState
	cfg         Config
}

// New returns an Evaluator with the given shared lib script source.
func New(log obs.Logger, libSrc string) *Evaluator {
	if log == nil {
		log = obs.NewNopLogger()
	}
	return &Evaluator{log: log, libSrc: libSrc, patterns: make(map[string]string), cfg: DefaultConfig()}
}

// Upload registers or replaces a named pattern script's source. Uploading
// the currently active pattern does not take effect until SetPattern is
// called again.
func (e *Evaluator) Upload(name, src string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns[name] = src
}

// SetConfig replaces the pattern config (entity count, zone geometry, etc).
func (e *Evaluator) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// SetBandSensitivity updates the per-band sensitivity multipliers applied to
// audio.bands before patterns see them, per the active analyzer preset. This
// is independent of the analyzer's own internal band AGC — it is a second,
// pattern-layer scaling step, matching the original client's run_lua_pattern.
func (e *Evaluator) SetBandSensitivity(sensitivity [5]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.BandSensitivity = sensitivity
}

// SetPattern switches the active pattern, tearing down any existing
// interpreter and loading a fresh one with lib run first, per spec.
func (e *Evaluator) SetPattern(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeState != nil {
		e.activeState.Close()
		e.activeState = nil
	}
	e.activeName = ""

	src, ok := e.patterns[name]
	if !ok {
		return fmt.Errorf("unknown pattern %q", name)
	}

	L := lua.NewState()
	if e.libSrc != "" {
		if err := L.DoString(e.libSrc); err != nil {
			L.Close()
			return fmt.Errorf("lib script error: %w", err)
		}
	}
	if err := L.DoString(src); err != nil {
		L.Close()
		return fmt.Errorf("pattern %q load error: %w", name, err)
	}

	e.activeState = L
	e.activeName = name
	return nil
}

// ActivePattern reports the currently loaded pattern's name, or "" if none.
func (e *Evaluator) ActivePattern() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeName
}

// Evaluate calls calculate(audio, config, dt) on the active pattern. On
// any Lua error, or when no pattern is loaded, it falls back to the
// built-in generator without tearing down the interpreter (a broken
// pattern stays loaded in case the author fixes and re-uploads it).
// entityCount overrides e.cfg.EntityCount for this call, since the caller
// (the bridge's direct-route manager) tracks the server-assigned pool size.
func (e *Evaluator) Evaluate(result analyzer.Result, dt float64, seq uint64, entityCount int) []wire.Entity {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeState == nil {
		return BuiltinEntities(result, entityCount, seq)
	}

	entities, err := e.callCalculate(result, dt, entityCount)
	if err != nil {
		e.log.Warn("pattern evaluation failed, using built-in fallback",
			zap.String("pattern", e.activeName), zap.Error(err))
		return BuiltinEntities(result, entityCount, seq)
	}
	return entities
}

// callCalculate must be called with e.mu held.
func (e *Evaluator) callCalculate(result analyzer.Result, dt float64, entityCount int) ([]wire.Entity, error) {
	L := e.activeState
	fn := L.GetGlobal("calculate")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("pattern does not define calculate()")
	}

	audioTable := audioToLua(L, result, e.cfg.BandSensitivity)
	cfg := e.cfg
	cfg.EntityCount = entityCount
	configTable := configToLua(L, cfg)

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, audioTable, configTable, lua.LNumber(dt)); err != nil {
		return nil, err
	}

	ret := L.Get(-1)
	L.Pop(1)

	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("calculate() must return a table of entities, got %s", ret.Type())
	}
	return luaToEntities(table)
}

// audioToLua marshals the analysis result into the table patterns see as
// their first argument. Per-band values are scaled by bandSensitivity and
// clamped to [0, 2] here, at the pattern layer — distinct from, and applied
// on top of, the analyzer's own internal per-band AGC.
func audioToLua(L *lua.LState, r analyzer.Result, bandSensitivity [5]float64) *lua.LTable {
	t := L.NewTable()
	bands := L.NewTable()
	for i, b := range r.Bands {
		bands.RawSetInt(i+1, lua.LNumber(clampRange(b*bandSensitivity[i], 0, 2)))
	}
	t.RawSetString("bands", bands)
	t.RawSetString("peak", lua.LNumber(r.Peak))
	t.RawSetString("is_beat", lua.LBool(r.IsBeat))
	t.RawSetString("beat_intensity", lua.LNumber(r.BeatIntensity))
	t.RawSetString("bpm", lua.LNumber(r.BPM))
	t.RawSetString("tempo_confidence", lua.LNumber(r.TempoConfidence))
	t.RawSetString("beat_phase", lua.LNumber(r.BeatPhase))
	t.RawSetString("instant_bass", lua.LNumber(r.InstantBass))
	t.RawSetString("instant_kick", lua.LBool(r.InstantKick))
	return t
}

func configToLua(L *lua.LState, cfg Config) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("entity_count", lua.LNumber(cfg.EntityCount))
	t.RawSetString("zone_size", lua.LNumber(cfg.ZoneSize))
	t.RawSetString("beat_boost", lua.LNumber(cfg.BeatBoost))
	t.RawSetString("base_scale", lua.LNumber(cfg.BaseScale))
	t.RawSetString("max_scale", lua.LNumber(cfg.MaxScale))
	return t
}

func luaToEntities(t *lua.LTable) ([]wire.Entity, error) {
	var entities []wire.Entity
	var rangeErr error
	t.ForEach(func(_, v lua.LValue) {
		if rangeErr != nil {
			return
		}
		row, ok := v.(*lua.LTable)
		if !ok {
			rangeErr = fmt.Errorf("entity entry is not a table")
			return
		}
		e := wire.Entity{
			ID:            luaStringField(row, "id"),
			X:             luaNumberField(row, "x"),
			Y:             luaNumberField(row, "y"),
			Z:             luaNumberField(row, "z"),
			Scale:         luaNumberField(row, "scale"),
			Visible:       luaBoolField(row, "visible", true),
			Interpolation: 2,
		}
		if bandF := row.RawGetString("band"); bandF != lua.LNil {
			e.Band = int(luaNumberField(row, "band"))
		}
		entities = append(entities, e)
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	return entities, nil
}

func luaStringField(t *lua.LTable, key string) string {
	v := t.RawGetString(key)
	if s, ok := v.(lua.LString); ok {
		return string(s)
	}
	return ""
}

func luaNumberField(t *lua.LTable, key string) float64 {
	v := t.RawGetString(key)
	if n, ok := v.(lua.LNumber); ok {
		return float64(n)
	}
	return 0
}

func luaBoolField(t *lua.LTable, key string, def bool) bool {
	v := t.RawGetString(key)
	if b, ok := v.(lua.LBool); ok {
		return bool(b)
	}
	return def
}

// BuiltinEntities is the built-in fallback generator used when no pattern
// is loaded, or when the loaded pattern's calculate() errors (ported
// formula-for-formula from original_source's lib.rs build_direct_entities).
func BuiltinEntities(result analyzer.Result, entityCount int, seq uint64) []wire.Entity {
	count := entityCount
	if count < 1 {
		count = 1
	} else if count > 512 {
		count = 512
	}

	peakScale := clamp01(result.Peak)
	beatBoost := 0.0
	if result.IsBeat {
		beatBoost = clampRange(result.BeatIntensity*0.25, 0, 0.3)
	}

	entities := make([]wire.Entity, count)
	for i := 0; i < count; i++ {
		t := float64(i) / float64(count)
		bandIdx := (i * 5) / count
		if bandIdx > 4 {
			bandIdx = 4
		}
		band := clamp01(result.Bands[bandIdx])
		angle := t*2*math.Pi + float64(seq)*0.01
		radius := 0.2 + band*0.35 + peakScale*0.15
		x := clamp01(0.5 + math.Cos(angle)*radius)
		z := clamp01(0.5 + math.Sin(angle)*radius)
		y := clamp01(0.08 + band*0.82 + beatBoost)
		scale := clampRange(0.12+band*0.75+beatBoost, 0.05, 1.6)
		brightness := int(math.Round(6.0 + peakScale*9.0))
		if brightness < 0 {
			brightness = 0
		} else if brightness > 15 {
			brightness = 15
		}
		rotation := math.Mod(float64(seq)*2.0+float64(i)*7.5, 360.0)

		entities[i] = wire.Entity{
			ID: fmt.Sprintf("block_%d", i), X: x, Y: y, Z: z, Scale: scale, Rotation: rotation,
			Band: bandIdx, Brightness: brightness, Glow: result.IsBeat, Visible: true, Interpolation: 2,
		}
	}
	return entities
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

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
