// Package preset holds the named analyzer tuning bundles and their exact
// built-in values.
package preset

import "strings"

// Preset is a named parameter bundle applied to the analyzer atomically,
// without resetting its learned state (smoothed bands, AGC floors, tempo
// histogram).
type Preset struct {
	Name             string
	Attack           float64
	Release          float64
	BeatThreshold    float64
	BassWeight       float64
	BandSensitivity  [5]float64
}

var builtins = map[string]Preset{
	"auto":      {Name: "auto", Attack: 0.35, Release: 0.08, BeatThreshold: 1.30, BassWeight: 0.70, BandSensitivity: [5]float64{1.0, 1.0, 1.0, 1.0, 1.0}},
	"edm":       {Name: "edm", Attack: 0.70, Release: 0.15, BeatThreshold: 1.10, BassWeight: 0.85, BandSensitivity: [5]float64{1.5, 0.8, 0.9, 1.2, 1.0}},
	"chill":     {Name: "chill", Attack: 0.25, Release: 0.05, BeatThreshold: 1.60, BassWeight: 0.50, BandSensitivity: [5]float64{0.9, 1.0, 1.1, 1.2, 1.3}},
	"rock":      {Name: "rock", Attack: 0.50, Release: 0.12, BeatThreshold: 1.30, BassWeight: 0.65, BandSensitivity: [5]float64{1.2, 1.0, 1.0, 0.9, 0.8}},
	"hiphop":    {Name: "hiphop", Attack: 0.60, Release: 0.10, BeatThreshold: 1.20, BassWeight: 0.80, BandSensitivity: [5]float64{1.4, 0.9, 1.0, 1.1, 0.9}},
	"classical": {Name: "classical", Attack: 0.20, Release: 0.04, BeatThreshold: 1.80, BassWeight: 0.40, BandSensitivity: [5]float64{0.8, 1.0, 1.2, 1.3, 1.4}},
}

// Lookup returns the preset with the given name, case-insensitively.
func Lookup(name string) (Preset, bool) {
	p, ok := builtins[strings.ToLower(name)]
	return p, ok
}

// Default returns the "auto" preset.
func Default() Preset {
	p, _ := Lookup("auto")
	return p
}

// Names returns the built-in preset names in a stable order.
func Names() []string {
	return []string{"auto", "edm", "chill", "rock", "hiphop", "classical"}
}
