package pattern

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/djcore/djcore/internal/analyzer"
)

const testLib = `
function clamp(v, lo, hi)
  if v < lo then return lo end
  if v > hi then return hi end
  return v
end
`

const ringPattern = `
function calculate(audio, config, dt)
  local out = {}
  for i = 1, config.entity_count do
    out[i] = {
      id = "e" .. i,
      x = clamp(audio.bands[1], 0, 1),
      y = 0.5,
      z = 0.5,
      scale = config.base_scale,
      band = 0,
      visible = true,
    }
  end
  return out
end
`

const brokenPattern = `
function calculate(audio, config, dt)
  error("boom")
end
`

const noReturnPattern = `
function calculate(audio, config, dt)
end
`

func TestEvaluateFallsBackWithNoPatternLoaded(t *testing.T) {
	e := New(nil, testLib)
	r := analyzer.Result{Bands: [5]float64{0.1, 0.2, 0.3, 0.4, 0.5}}
	entities := e.Evaluate(r, 0.016, 0, 16)
	require.Len(t, entities, 16)
}

func TestSetPatternAndEvaluate(t *testing.T) {
	e := New(nil, testLib)
	e.Upload("ring", ringPattern)
	require.NoError(t, e.SetPattern("ring"))
	require.Equal(t, "ring", e.ActivePattern())

	r := analyzer.Result{Bands: [5]float64{0.75, 0, 0, 0, 0}}
	entities := e.Evaluate(r, 0.016, 3, 16)
	require.Len(t, entities, 16)
	require.Equal(t, "e1", entities[0].ID)
	require.InDelta(t, 0.75, entities[0].X, 1e-9)
	require.Equal(t, 2, entities[0].Interpolation)
}

func TestSetBandSensitivityScalesAndClampsBands(t *testing.T) {
	e := New(nil, testLib)
	e.Upload("ring", ringPattern)
	require.NoError(t, e.SetPattern("ring"))
	e.SetBandSensitivity([5]float64{3.0, 1, 1, 1, 1})

	r := analyzer.Result{Bands: [5]float64{0.75, 0, 0, 0, 0}}
	entities := e.Evaluate(r, 0.016, 0, 1)
	require.Len(t, entities, 1)
	require.InDelta(t, 1.0, entities[0].X, 1e-9, "0.75*3.0 clamps to the [0,2] ceiling, then the pattern's own clamp(v,0,1) applies")
}

func TestSetPatternUnknownNameErrors(t *testing.T) {
	e := New(nil, testLib)
	err := e.SetPattern("missing")
	require.Error(t, err)
}

func TestEvaluateFallsBackOnLuaError(t *testing.T) {
	e := New(nil, testLib)
	e.Upload("broken", brokenPattern)
	require.NoError(t, e.SetPattern("broken"))

	r := analyzer.Result{Bands: [5]float64{0.1, 0.2, 0.3, 0.4, 0.5}}
	entities := e.Evaluate(r, 0.016, 0, 16)
	require.Len(t, entities, 16)
	require.Equal(t, "broken", e.ActivePattern(), "a broken pattern stays loaded rather than being torn down")
}

func TestEvaluateFallsBackWhenCalculateReturnsNonTable(t *testing.T) {
	e := New(nil, testLib)
	e.Upload("noreturn", noReturnPattern)
	require.NoError(t, e.SetPattern("noreturn"))

	r := analyzer.Result{}
	entities := e.Evaluate(r, 0.016, 0, 16)
	require.Len(t, entities, 16)
}

func TestBuiltinEntitiesRespectsBeatBoostAndGlow(t *testing.T) {
	r := analyzer.Result{Bands: [5]float64{0.5, 0.5, 0.5, 0.5, 0.5}, Peak: 0.9, IsBeat: true, BeatIntensity: 1.0}
	entities := BuiltinEntities(r, 16, 5)
	require.Len(t, entities, 16)
	for _, e := range entities {
		require.True(t, e.Glow)
		require.GreaterOrEqual(t, e.Scale, 0.05)
		require.LessOrEqual(t, e.Scale, 1.6)
	}
}

func TestBuiltinEntitiesClampsCount(t *testing.T) {
	entities := BuiltinEntities(analyzer.Result{}, 0, 0)
	require.Len(t, entities, 1)

	entities = BuiltinEntities(analyzer.Result{}, 1000, 0)
	require.Len(t, entities, 512)
}
