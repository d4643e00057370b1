package agc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func sineFrame(n int, amplitude float64) []float32 {
	f := make([]float32, n)
	for i := range f {
		f[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	return f
}

func rms(frame []float32) float64 {
	var sumSq float64
	for _, s := range frame {
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(len(frame)))
}

func runFrames(a *AGC, amplitude float64, rounds int) []float32 {
	frame := sineFrame(960, amplitude)
	var out []float32
	for i := 0; i < rounds; i++ {
		cp := make([]float32, len(frame))
		copy(cp, frame)
		out = a.Process(cp)
	}
	return out
}

func TestNewStartsAtUnityGainAndDefaultTarget(t *testing.T) {
	a := New()
	require.Equal(t, DefaultTarget, a.target)
	require.Equal(t, 1.0, a.Gain())
}

func TestSetTargetMapsLevelRange(t *testing.T) {
	a := New()
	a.SetTarget(0)
	require.InDelta(t, 0.01, a.target, 1e-9)
	a.SetTarget(100)
	require.InDelta(t, 0.50, a.target, 1e-9)
}

func TestSetTargetClampsOutOfRangeLevels(t *testing.T) {
	a := New()
	a.SetTarget(-10)
	require.GreaterOrEqual(t, a.target, 0.01)
	a.SetTarget(200)
	require.LessOrEqual(t, a.target, 0.50)
}

func TestQuietTalkOverGetsBoostedTowardTarget(t *testing.T) {
	a := New()
	a.SetTarget(50) // ~0.255
	out := runFrames(a, 0.05, 200)
	require.Greater(t, rms(out), DefaultTarget*0.5)
}

func TestLoudTalkOverGetsPulledBackTowardTarget(t *testing.T) {
	a := New()
	a.SetTarget(30) // ~0.158
	out := runFrames(a, 0.90, 200)
	require.LessOrEqual(t, rms(out), 0.90)
}

func TestProcessOutputStaysInUnitRange(t *testing.T) {
	a := New()
	a.gain = MaxGain // force worst-case gain immediately
	frame := sineFrame(960, 0.5)
	a.Process(frame)
	for i, s := range frame {
		require.LessOrEqualf(t, s, float32(1.0), "sample %d exceeded +1", i)
		require.GreaterOrEqualf(t, s, float32(-1.0), "sample %d exceeded -1", i)
	}
}

func TestSilentFrameDoesNotMoveGainEstimate(t *testing.T) {
	a := New()
	before := a.Gain()
	a.Process(make([]float32, 960))
	require.Equal(t, before, a.Gain())
}

func TestGainStaysWithinConfiguredBounds(t *testing.T) {
	a := New()
	runFrames(a, 0.0001, 500) // near-silent input pushes gain up
	require.LessOrEqual(t, a.Gain(), MaxGain+1e-9)

	runFrames(a, 0.99, 500) // very loud input pushes gain down
	require.GreaterOrEqual(t, a.Gain(), MinGain-1e-9)
}

func TestResetRestoresUnityGain(t *testing.T) {
	a := New()
	a.gain = 5.0
	a.Reset()
	require.Equal(t, 1.0, a.Gain())
}

func TestProcessHandlesEmptyInput(t *testing.T) {
	a := New()
	require.Nil(t, a.Process(nil))
	require.Len(t, a.Process([]float32{}), 0)
}
