package bassline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

const sr = 48000.0

func silence(n int) []float32 {
	return make([]float32, n)
}

func burst(n int, freq, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		t := float64(i) / sr
		decay := 1.0 - float64(i)/float64(n)
		out[i] = float32(amp * decay * math.Sin(2*math.Pi*freq*t))
	}
	return out
}

func TestKickFiresAfterSilenceThenBurst(t *testing.T) {
	l := New(sr)

	// >= 50ms of silence first, to relax the running peak toward the floor.
	l.Process(silence(int(0.05 * sr)))

	res := l.Process(burst(int(0.01*sr), 60, 0.8))
	require.True(t, res.KickFired, "expected kick to fire on the burst block")

	res2 := l.Process(burst(int(0.01*sr), 60, 0.8))
	require.False(t, res2.KickFired, "expected no kick within cooldown window")
}

func TestEmptyInputReturnsLastKnown(t *testing.T) {
	l := New(sr)
	l.Process(silence(100))
	r1 := l.Process(nil)
	require.False(t, r1.KickFired)
	require.GreaterOrEqual(t, r1.InstantBass, 0.0)
}

func TestInstantBassClampedToUnitRange(t *testing.T) {
	l := New(sr)
	res := l.Process(burst(int(0.02*sr), 60, 1.0))
	require.GreaterOrEqual(t, res.InstantBass, 0.0)
	require.LessOrEqual(t, res.InstantBass, 1.0)
}
