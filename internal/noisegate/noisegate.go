// Package noisegate silences room noise and mic hiss ahead of VAD: any
// frame of the DJ's mic signal whose RMS falls below threshold is zeroed
// outright, so a subsequent energy-based VAD never has to tell background
// hum apart from speech — it only ever sees either real signal or true
// zero. A short hold keeps the gate open across brief pauses between
// words so it doesn't chop speech mid-sentence.
package noisegate

import "github.com/djcore/djcore/internal/vad"

const (
	// DefaultThreshold is the RMS below which a frame is gated (~-40 dBFS).
	DefaultThreshold = float32(0.01)

	// DefaultHold is how many frames the gate stays open after the signal
	// drops below threshold (200 ms at 20 ms/frame).
	DefaultHold = 10
)

// Gate zeroes quiet frames for one mic stream. The zero value isn't ready
// to use; call New.
type Gate struct {
	threshold float32
	hold      int // configured hold length, in frames
	remaining int // hold frames left before the gate closes
	enabled   bool
	open      bool // whether the gate is currently passing audio
}

// New returns a Gate at DefaultThreshold/DefaultHold, enabled.
func New() *Gate {
	return &Gate{
		threshold: DefaultThreshold,
		hold:      DefaultHold,
		enabled:   true,
	}
}

// SetEnabled toggles the gate. Disabled, Process is a pass-through.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled = enabled
	if !enabled {
		g.remaining = 0
		g.open = false
	}
}

// Enabled reports whether the gate is currently active.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// SetThreshold maps a persisted 0-100 level onto an RMS range of
// [0.001, 0.10]. Lower levels open the gate more readily.
func (g *Gate) SetThreshold(level int) {
	g.threshold = float32(0.001 + clampLevel(level)*0.099)
}

// Threshold reports the current RMS threshold, linear amplitude.
func (g *Gate) Threshold() float32 {
	return g.threshold
}

// IsOpen reports whether the gate is currently passing audio.
func (g *Gate) IsOpen() bool {
	return g.open
}

// Process gates frame in place, returning its pre-gate RMS (handy for a
// level meter upstream of gating). Below threshold with the hold period
// expired, the frame is zeroed.
func (g *Gate) Process(frame []float32) float32 {
	rms := vad.RMS(frame)

	if !g.enabled {
		g.open = true
		return rms
	}

	if rms >= g.threshold {
		g.remaining = g.hold
		g.open = true
		return rms
	}

	if g.remaining > 0 {
		g.remaining--
		g.open = true
		return rms
	}

	for i := range frame {
		frame[i] = 0
	}
	g.open = false
	return rms
}

// Reset clears the hold counter and closes the gate without changing
// threshold/enabled.
func (g *Gate) Reset() {
	g.remaining = 0
	g.open = false
}

func clampLevel(level int) float64 {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return float64(level) / 100.0
}
