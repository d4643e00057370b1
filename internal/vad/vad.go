// Package vad classifies each block of the DJ's mic signal (one capture
// block in the voice path) as speech or silence before it reaches the
// framing stage, so the voice pipeline
// doesn't burn queue depth and bandwidth on dead air between talk-overs.
//
// Classification is energy-based: frame RMS against a threshold. A
// configurable hangover keeps a talker's stream open for a run of frames
// after the last frame that crossed threshold, so word endings and
// mid-sentence pauses aren't clipped.
package vad

import "math"

const (
	// DefaultThreshold is the RMS below which a frame counts as silence
	// (~-46 dBFS) — low enough to pass quiet speech, high enough to reject
	// open-mic hum.
	DefaultThreshold = float32(0.005)

	// DefaultHangover is how many consecutive silent frames still count as
	// "talking" after the last frame above threshold (~400 ms at 20 ms/frame).
	DefaultHangover = 20
)

// VAD tracks hangover state for one mic stream. The zero value is not ready
// to use; call New.
type VAD struct {
	threshold float32
	hangover  int // configured hangover length, in frames
	remaining int // hangover frames left before silence is declared
	enabled   bool
}

// New returns a VAD at DefaultThreshold/DefaultHangover, enabled.
func New() *VAD {
	return &VAD{
		threshold: DefaultThreshold,
		hangover:  DefaultHangover,
		enabled:   true,
	}
}

// SetEnabled toggles the detector. Disabled, ShouldSend/ShouldSendProb always
// report true (every frame is treated as speech).
func (v *VAD) SetEnabled(enabled bool) {
	v.enabled = enabled
	if !enabled {
		v.remaining = 0
	}
}

// Enabled reports whether the detector is currently active.
func (v *VAD) Enabled() bool {
	return v.enabled
}

// SetThreshold maps a persisted 0-100 sensitivity level onto an RMS range of
// [0.001, 0.05]. Lower levels catch quieter speech; higher levels demand a
// louder frame before it counts as talking.
func (v *VAD) SetThreshold(level int) {
	v.threshold = float32(0.001 + clampLevel(level)*0.049)
}

// ShouldSend decides whether a frame with the given RMS should be uploaded,
// advancing the hangover counter as a side effect.
func (v *VAD) ShouldSend(rms float32) bool {
	if !v.enabled {
		return true
	}
	return v.sawSpeech(rms > v.threshold)
}

// ShouldSendProb is ShouldSend's counterpart for an external speech
// probability (e.g. a neural VAD) instead of raw RMS. A probability above
// 0.5 counts as speech.
func (v *VAD) ShouldSendProb(prob float32) bool {
	if !v.enabled {
		return true
	}
	return v.sawSpeech(prob > 0.5)
}

func (v *VAD) sawSpeech(speech bool) bool {
	if speech {
		v.remaining = v.hangover
		return true
	}
	if v.remaining > 0 {
		v.remaining--
		return true
	}
	return false
}

// Reset clears hangover state without touching threshold/enabled.
func (v *VAD) Reset() {
	v.remaining = 0
}

// RMS computes the root-mean-square of a mono float32 PCM frame.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range frame {
		sumSq += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sumSq / float64(len(frame))))
}

// clampLevel maps a 0-100 int level onto [0,1].
func clampLevel(level int) float64 {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return float64(level) / 100.0
}
