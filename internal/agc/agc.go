// Package agc levels out the DJ's mic signal after the gate and VAD stages
// have passed it: quiet talk-overs get boosted, loud ones get pulled back,
// all toward a single target RMS, so what reaches resampling and encoding
// is consistently leveled regardless of mic distance or room volume.
//
// Each processed block (one capture block in the voice path) moves the gain
// one step toward
// whatever multiplier would have hit the target, with a faster attack than
// release so transients get tamed quickly but recovery afterward is gentle.
package agc

import (
	"github.com/djcore/djcore/internal/vad"
)

const (
	// DefaultTarget is the RMS this AGC levels toward (linear, ~-14 dBFS).
	DefaultTarget = 0.20

	// MinGain floors the multiplier so a dead-silent room isn't amplified
	// without bound.
	MinGain = 0.1
	// MaxGain ceils the multiplier at +20 dB.
	MaxGain = 10.0

	// attackCoeff is how fast gain drops when the signal is too loud
	// (~12 ms effective time constant at 20 ms/960-sample frames).
	attackCoeff = 0.80
	// releaseCoeff is how fast gain climbs back after a loud transient
	// passes — slower than attack, to avoid audible pumping.
	releaseCoeff = 0.02

	// silenceFloor is the RMS below which a frame is too quiet to trust for
	// a gain estimate.
	silenceFloor = 0.001
)

// AGC levels one mono mic stream toward a target RMS. The zero value isn't
// ready to use; call New.
type AGC struct {
	target float64 // desired RMS, (0, 1]
	gain   float64 // current linear multiplier
}

// New returns an AGC at DefaultTarget with unity gain.
func New() *AGC {
	return &AGC{target: DefaultTarget, gain: 1.0}
}

// SetTarget maps a persisted 0-100 level onto a target RMS in [0.01, 0.50].
func (a *AGC) SetTarget(level int) {
	a.target = 0.01 + clampLevel(level)*0.49
}

// Process scales frame toward the target RMS in place, clamps the output to
// [-1, 1], and updates the gain estimate for next call. Returns frame for
// chaining.
func (a *AGC) Process(frame []float32) []float32 {
	if len(frame) == 0 {
		return frame
	}

	rms := float64(vad.RMS(frame))
	applyGain(frame, a.gain)

	if rms < silenceFloor {
		// Nothing to level against; hold gain steady rather than boost the
		// noise floor.
		return frame
	}

	desired := clampGain(a.target / rms)
	coeff := releaseCoeff
	if desired < a.gain {
		coeff = attackCoeff
	}
	a.gain += coeff * (desired - a.gain)

	return frame
}

func applyGain(frame []float32, gain float64) {
	g := float32(gain)
	for i, s := range frame {
		v := s * g
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		frame[i] = v
	}
}

func clampGain(g float64) float64 {
	if g < MinGain {
		return MinGain
	}
	if g > MaxGain {
		return MaxGain
	}
	return g
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

// Gain reports the current linear multiplier, for diagnostics.
func (a *AGC) Gain() float64 { return a.gain }

// Reset drops gain back to unity without changing the target.
func (a *AGC) Reset() { a.gain = 1.0 }
