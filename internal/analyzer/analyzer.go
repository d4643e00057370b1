// Package analyzer implements the windowed-FFT music analyzer: five-band
// extraction with per-band AGC, attack/release envelope smoothing,
// spectral-flux onset detection, inter-onset-interval tempo tracking, and
// beat-phase prediction.
package analyzer

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	bandMaxDecay        = 0.997
	bandMaxFloor        = 0.001
	beatHistoryLen      = 60
	fluxHistoryLen      = 120
	onsetHistoryLen     = 20
	ioiHistoryLen       = 32
	tempoBins           = 201
	tempoMinBPM         = 40.0
	tempoMaxBPM         = 240.0
	tempoHistogramDecay = 0.995
	minOnsetIntervalSec = 0.15
	phaseAssistConfidence = 0.55
	phaseAssistIntensity  = 0.55
)

// Config is the immutable configuration of one Analyzer instance.
type Config struct {
	SampleRate    float64
	FFTSize       int // power of two, default 1024
	Attack        float64
	Release       float64
	BeatThreshold float64
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig(sampleRate float64) Config {
	return Config{
		SampleRate:    sampleRate,
		FFTSize:       1024,
		Attack:        0.35,
		Release:       0.08,
		BeatThreshold: 1.3,
	}
}

// Result is the per-frame music descriptor. Copy-safe value type.
type Result struct {
	Bands           [5]float64
	Peak            float64
	IsBeat          bool
	BeatIntensity   float64
	BPM             float64
	TempoConfidence float64
	BeatPhase       float64
	// InstantBass/InstantKick are left zero here; the capture driver merges
	// in the bass-lane fast-lane result after both have run on the same
	// block (see internal/capture).
	InstantBass float64
	InstantKick bool
}

type bandBounds struct{ start, end int }

// Analyzer holds the long-lived FFT plan, learned AGC/tempo state, and the
// currently applied tunable parameters (attack/release/beatThreshold/
// bassWeight/bandSensitivity), which a preset swap overwrites atomically
// without resetting anything else.
type Analyzer struct {
	mu sync.Mutex

	sampleRate float64
	fftSize    int
	fft        *fourier.FFT
	window     []float64
	bounds     [5]bandBounds

	attack        float64
	release       float64
	beatThreshold float64
	bassWeight    float64
	bandSens      [5]float64

	smoothedBands [5]float64
	bandMax       [5]float64

	beatHistory  []float64
	fluxHistory  []float64
	beatCooldown int
	prevBass     float64
	lastOnsetSet bool
	lastOnset    float64
	onsetHistory []float64

	tempoHistogram []float64
	ioiHistory     []float64
	estimatedBPM   float64
	tempoConf      float64

	lastOutputBeatTime float64
	frame              uint64

	start   time.Time
	nowFunc func() float64 // seconds since analyzer construction; overridable for tests
}

// New returns an Analyzer for the given config. Attack, release and beat
// threshold come from cfg (DefaultConfig gives the "auto" preset's 0.35,
// 0.08 and 1.3); bass weight starts at 0.70 and band sensitivity at 1.0.
func New(cfg Config) *Analyzer {
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = 1024
	}
	a := &Analyzer{
		sampleRate:    cfg.SampleRate,
		fftSize:       cfg.FFTSize,
		fft:           fourier.NewFFT(cfg.FFTSize),
		attack:        cfg.Attack,
		release:       cfg.Release,
		beatThreshold: cfg.BeatThreshold,
		bassWeight:    0.70,
		estimatedBPM:  120,
		start:         time.Now(),
	}
	for i := range a.bandMax {
		a.bandMax[i] = bandMaxFloor
	}
	for i := range a.bandSens {
		a.bandSens[i] = 1.0
	}
	a.tempoHistogram = make([]float64, tempoBins)
	a.window = hannWindow(cfg.FFTSize)
	a.bounds = bandBoundaries(cfg.FFTSize, cfg.SampleRate)
	a.nowFunc = func() float64 { return time.Since(a.start).Seconds() }
	return a
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func freqToBin(freq, sampleRate float64, fftSize int) int {
	return int(math.Round(freq * float64(fftSize) / sampleRate))
}

func bandBoundaries(fftSize int, sampleRate float64) [5]bandBounds {
	edges := [6]float64{40, 250, 500, 2000, 6000, 20000}
	var b [5]bandBounds
	for i := 0; i < 5; i++ {
		start := freqToBin(edges[i], sampleRate, fftSize)
		end := freqToBin(edges[i+1], sampleRate, fftSize)
		if i == 4 {
			if end > fftSize/2 {
				end = fftSize / 2
			}
		}
		b[i] = bandBounds{start, end}
	}
	return b
}

// FFTSize returns the analyzer's configured FFT window size.
func (a *Analyzer) FFTSize() int {
	return a.fftSize
}

// ApplyPreset overwrites the tunable parameters atomically, leaving
// smoothed bands, AGC floors, and tempo state untouched.
func (a *Analyzer) ApplyPreset(attack, release, beatThreshold, bassWeight float64, bandSensitivity [5]float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attack = attack
	a.release = release
	a.beatThreshold = beatThreshold
	a.bassWeight = bassWeight
	a.bandSens = bandSensitivity
}

// Analyze runs one FFT analysis pass over the most-recent samples (which
// must be at least FFTSize long) and returns the updated descriptor.
func (a *Analyzer) Analyze(samples []float64) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.frame++
	if len(samples) < a.fftSize {
		return Result{BPM: 0}
	}

	windowed := make([]float64, a.fftSize)
	for i := 0; i < a.fftSize; i++ {
		windowed[i] = samples[i] * a.window[i]
	}
	spectrum := a.fft.Coefficients(nil, windowed)

	nBins := a.fftSize/2
	magnitudes := make([]float64, nBins)
	for i := 0; i < nBins; i++ {
		magnitudes[i] = cmplxAbs(spectrum[i])
	}

	var rawBands [5]float64
	for i, bb := range a.bounds {
		start := bb.start
		if start < 1 {
			start = 1
		}
		end := bb.end
		if end > len(magnitudes) {
			end = len(magnitudes)
		}
		if start < end {
			var sum float64
			for _, m := range magnitudes[start:end] {
				sum += m
			}
			rawBands[i] = sum / float64(end-start)
		}
	}

	for i := range rawBands {
		if rawBands[i] > a.bandMax[i] {
			a.bandMax[i] = rawBands[i]
		} else {
			a.bandMax[i] *= bandMaxDecay
			if a.bandMax[i] < bandMaxFloor {
				a.bandMax[i] = bandMaxFloor
			}
		}
		normalized := rawBands[i] / a.bandMax[i]
		if normalized > 1 {
			normalized = 1
		}
		scaled := normalized * a.bandSens[i]
		if scaled > 1 {
			scaled = 1
		}
		rawBands[i] = scaled
	}

	for i, raw := range rawBands {
		current := a.smoothedBands[i]
		if raw > current {
			a.smoothedBands[i] = current + (raw-current)*a.attack
		} else {
			a.smoothedBands[i] = current + (raw-current)*a.release
		}
	}

	peak := 0.0
	for _, b := range a.smoothedBands {
		if b > peak {
			peak = b
		}
	}

	bass := a.smoothedBands[0]
	isBeat, intensity := a.detectBeat(bass)

	return Result{
		Bands:           a.smoothedBands,
		Peak:            peak,
		IsBeat:          isBeat,
		BeatIntensity:   intensity,
		BPM:             a.estimatedBPM,
		TempoConfidence: a.tempoConf,
		BeatPhase:       a.estimateBeatPhase(),
	}
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func (a *Analyzer) detectBeat(bass float64) (bool, float64) {
	a.beatHistory = appendBounded(a.beatHistory, bass, beatHistoryLen)

	bassFlux := bass - a.prevBass
	if bassFlux < 0 {
		bassFlux = 0
	}
	a.prevBass = bass
	a.fluxHistory = appendBounded(a.fluxHistory, bassFlux, fluxHistoryLen)

	now := a.nowFunc()

	if a.beatCooldown > 0 {
		a.beatCooldown--
	}

	avg := mean(a.beatHistory)
	bassThreshold := math.Max(avg*a.beatThreshold, 0.12)

	fluxMean, fluxStd := meanStd(a.fluxHistory)
	fluxThreshold := math.Max(fluxMean+fluxStd*a.beatThreshold, 0.015)

	isOnset := bassFlux >= fluxThreshold && bass > bassThreshold
	if isOnset && bass < avg*0.9 {
		isOnset = false
	}

	canFire := !a.lastOnsetSet || now-a.lastOnset >= minOnsetIntervalSec

	if a.beatCooldown == 0 && isOnset && canFire {
		a.updateBPMFromOnset(now)
		a.lastOnsetSet = true
		a.lastOnset = now
		a.lastOutputBeatTime = now
		a.beatCooldown = 8

		a.onsetHistory = appendBounded(a.onsetHistory, now, onsetHistoryLen)

		fluxScore := math.Min(bassFlux/math.Max(fluxThreshold, 0.001), 1.5)
		bassScore := clampF(math.Max((bass-avg)/math.Max(avg, 0.01), 0), 0, 1.5)
		fluxWeight := 1 - 0.5*a.bassWeight
		intensity := math.Min(fluxWeight*fluxScore+(1-fluxWeight)*bassScore, 1.0)
		return true, intensity
	}

	if a.tempoConf > phaseAssistConfidence && a.lastOutputBeatTime > 0 {
		beatPeriod := 60.0 / math.Max(a.estimatedBPM, 60.0)
		sinceLast := now - a.lastOutputBeatTime
		if sinceLast > beatPeriod*0.80 {
			phase := math.Mod(sinceLast/beatPeriod, 1.0)
			nearBoundary := phase < 0.10 || phase > 0.90
			if nearBoundary && bass > avg*0.85 && bassFlux > fluxMean*0.6 {
				a.lastOutputBeatTime = now
				return true, phaseAssistIntensity
			}
		}
	}

	return false, 0
}

func (a *Analyzer) updateBPMFromOnset(now float64) {
	if !a.lastOnsetSet {
		return
	}
	ioi := now - a.lastOnset
	if ioi < 0.25 || ioi > 1.5 {
		return
	}
	if len(a.ioiHistory) >= 4 && a.tempoConf > 0.3 {
		expected := 60.0 / math.Max(a.estimatedBPM, 60.0)
		ratios := [3]float64{ioi / expected, ioi / (expected * 2), ioi / (expected * 0.5)}
		best := math.Inf(1)
		for _, r := range ratios {
			if d := math.Abs(r - 1); d < best {
				best = d
			}
		}
		if best > 0.20 {
			return
		}
	}
	a.ioiHistory = appendBounded(a.ioiHistory, ioi, ioiHistoryLen)
	a.updateTempoHistogram(ioi)
}

func (a *Analyzer) updateTempoHistogram(ioi float64) {
	for i := range a.tempoHistogram {
		a.tempoHistogram[i] *= tempoHistogramDecay
	}

	bpm := 60.0 / ioi
	for _, mult := range [3]float64{0.5, 1.0, 2.0} {
		candidate := bpm * mult
		if candidate < tempoMinBPM || candidate > tempoMaxBPM {
			continue
		}
		baseIdx := int(math.Round(candidate)) - int(tempoMinBPM)
		for offset := -3; offset <= 3; offset++ {
			idx := baseIdx + offset
			if idx < 0 || idx >= len(a.tempoHistogram) {
				continue
			}
			x := float64(offset) / 1.5
			weight := math.Exp(-0.5 * x * x)
			if candidate >= 80 && candidate <= 160 {
				weight *= 1.4
			}
			a.tempoHistogram[idx] += weight
		}
	}

	a.extractTempoFromHistogram()
}

func (a *Analyzer) extractTempoFromHistogram() {
	if len(a.ioiHistory) < 4 {
		return
	}

	peakIdx, peakHeight := 0, a.tempoHistogram[0]
	for i, v := range a.tempoHistogram {
		if v > peakHeight {
			peakIdx, peakHeight = i, v
		}
	}
	if peakHeight < 1.0 {
		return
	}

	start := peakIdx - 2
	if start < 0 {
		start = 0
	}
	end := peakIdx + 2
	if end > len(a.tempoHistogram)-1 {
		end = len(a.tempoHistogram) - 1
	}
	var weightedSum, totalWeight float64
	for i := start; i <= end; i++ {
		bpm := float64(i) + tempoMinBPM
		w := a.tempoHistogram[i]
		weightedSum += bpm * w
		totalWeight += w
	}
	refinedBPM := float64(peakIdx) + tempoMinBPM
	if totalWeight > 0 {
		refinedBPM = weightedSum / totalWeight
	}

	meanHeight := sumSlice(a.tempoHistogram) / float64(maxInt(len(a.tempoHistogram), 1))
	prominence := peakHeight / (meanHeight + 0.001)
	sampleConf := math.Min(float64(len(a.ioiHistory))/16.0, 1.0)

	recent := lastN(a.ioiHistory, 8)
	consistencyConf := 0.5
	if len(recent) >= 4 {
		m := mean(recent)
		var variance float64
		for _, v := range recent {
			d := v - m
			variance += d * d
		}
		variance /= float64(len(recent))
		cv := math.Min(math.Sqrt(variance)/(m+1e-6), 1.0)
		consistencyConf = clampF(1-cv*2, 0, 1)
	}

	newConf := clampF((prominence/15.0)*sampleConf*consistencyConf, 0, 1)
	bpmDelta := math.Abs(refinedBPM - a.estimatedBPM)
	accept := a.tempoConf < 0.3 || bpmDelta < 12 || newConf > a.tempoConf

	if accept {
		alpha := 0.18
		if newConf > 0.65 {
			alpha = 0.08
		}
		a.estimatedBPM = clampF((1-alpha)*a.estimatedBPM+alpha*refinedBPM, 60, 200)
		a.tempoConf = newConf
	}
}

func (a *Analyzer) estimateBeatPhase() float64 {
	if a.lastOutputBeatTime <= 0 || a.estimatedBPM <= 0 {
		return 0
	}
	now := a.nowFunc()
	beatPeriod := 60.0 / a.estimatedBPM
	if beatPeriod <= 0 {
		return 0
	}
	elapsed := now - a.lastOutputBeatTime
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Mod(elapsed/beatPeriod, 1.0)
}

// --- small numeric helpers ---

func appendBounded(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func mean(s []float64) float64 {
	if len(s) == 0 {
		return 0
	}
	return sumSlice(s) / float64(len(s))
}

func meanStd(s []float64) (float64, float64) {
	if len(s) == 0 {
		return 0, 0
	}
	m := mean(s)
	var variance float64
	for _, v := range s {
		d := v - m
		variance += d * d
	}
	variance /= float64(len(s))
	return m, math.Sqrt(variance)
}

func sumSlice(s []float64) float64 {
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum
}

func lastN(s []float64, n int) []float64 {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
