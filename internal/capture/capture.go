// Package capture resolves an AudioSource identifier to a PortAudio device,
// runs the realtime capture callback, and drives the analyzer worker loop
// that turns raw samples into AnalysisResult snapshots.
package capture

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/djcore/djcore/internal/analyzer"
	"github.com/djcore/djcore/internal/bassline"
	"github.com/djcore/djcore/internal/djerr"
	"github.com/djcore/djcore/internal/obs"
	"github.com/djcore/djcore/internal/ringbuffer"
	"github.com/djcore/djcore/internal/voice"
)

// errDeviceNotFound is returned when a named output/input device cannot be
// located among the host's enumerated devices.
var errDeviceNotFound = errors.New("device not found")

// errNoDefaultDevice is returned when the host API has no default output
// device to fall back to (e.g. a headless CI box with no audio hardware).
var errNoDefaultDevice = errors.New("no default device available")

const (
	workerTickInterval = 10 * time.Millisecond
	ringCapacitySecs   = 2
)

// Driver owns the PortAudio stream, the ring buffer, the analyzer, the bass
// lane, and the worker goroutine that ties them together. The capture
// goroutine reads the PortAudio stream with its blocking Read call and only
// ever appends to the ring buffer and tees samples to the voice streamer.
type Driver struct {
	log obs.Logger

	mu     sync.Mutex
	stream *portaudio.Stream

	ring     *ringbuffer.Buffer
	analyzer *analyzer.Analyzer
	lane     *bassline.Lane
	voice    *voice.Streamer

	sampleRate float64

	latest atomic.Value // stores analyzer.Result

	stopCh chan struct{}
	wg     sync.WaitGroup
	done   atomic.Bool
}

// New returns a Driver wired to the given voice streamer (which the realtime
// callback feeds independently of the ring buffer) and sample rate.
func New(log obs.Logger, v *voice.Streamer, sampleRate float64) *Driver {
	if log == nil {
		log = obs.NewNopLogger()
	}
	d := &Driver{
		log:        log,
		ring:       ringbuffer.New(int(sampleRate * ringCapacitySecs)),
		analyzer:   analyzer.New(analyzer.DefaultConfig(sampleRate)),
		lane:       bassline.New(sampleRate),
		voice:      v,
		sampleRate: sampleRate,
	}
	d.latest.Store(analyzer.Result{BPM: 120})
	return d
}

// Analyzer returns the driver's Analyzer, for preset application from the
// control path (see internal/bridge).
func (d *Driver) Analyzer() *analyzer.Analyzer { return d.analyzer }

// Latest returns the most recently published AnalysisResult snapshot.
func (d *Driver) Latest() analyzer.Result {
	return d.latest.Load().(analyzer.Result)
}

// resolveDevice implements the spec's ordered device-resolution rules for
// an AudioSource identifier.
func resolveDevice(log obs.Logger, sourceID string) (device *portaudio.Device, loopback bool, err error) {
	hostApi, err := portaudio.DefaultHostApi()
	if err != nil {
		return nil, false, &djerr.DeviceError{Source: sourceID, Err: err}
	}

	switch {
	case sourceID == "" || sourceID == "system_audio":
		if hostApi.DefaultOutputDevice == nil {
			return nil, false, &djerr.DeviceError{Source: sourceID, Err: errNoDefaultDevice}
		}
		return hostApi.DefaultOutputDevice, true, nil

	case strings.HasPrefix(sourceID, "output:"):
		name := strings.TrimPrefix(sourceID, "output:")
		dev, err := findDevice(name, func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
		if err != nil {
			return nil, false, &djerr.DeviceError{Source: sourceID, Err: err}
		}
		return dev, true, nil

	case strings.HasPrefix(sourceID, "input:"):
		name := strings.TrimPrefix(sourceID, "input:")
		dev, err := findDevice(name, func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
		if err != nil {
			return nil, false, &djerr.DeviceError{Source: sourceID, Err: err}
		}
		return dev, false, nil

	case strings.HasPrefix(sourceID, "app:"):
		// Per-process loopback capture has no portable PortAudio equivalent on
		// this build; fall back to default-output loopback per spec.md 4.D.4.
		if pid, hint, ok := parseAppSource(sourceID); ok {
			log.Debug("per-process loopback unsupported, falling back", zap.Int("pid", pid), zap.String("hint", hint))
		}
		if hostApi.DefaultOutputDevice == nil {
			return nil, false, &djerr.DeviceError{Source: sourceID, Err: errNoDefaultDevice}
		}
		return hostApi.DefaultOutputDevice, true, nil

	default:
		if hostApi.DefaultOutputDevice == nil {
			return nil, false, &djerr.DeviceError{Source: sourceID, Err: errNoDefaultDevice}
		}
		return hostApi.DefaultOutputDevice, true, nil
	}
}

func findDevice(name string, match func(*portaudio.DeviceInfo) bool) (*portaudio.Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if match(d) && d.Name == name {
			return d, nil
		}
	}
	return nil, errDeviceNotFound
}

// Start resolves sourceID, opens the capture stream, and spawns the
// callback/worker pair. It returns a typed djerr on failure.
func (d *Driver) Start(sourceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dev, loopback, err := resolveDevice(d.log, sourceID)
	if err != nil {
		return err
	}

	channels := dev.MaxInputChannels
	if loopback {
		channels = dev.MaxOutputChannels
	}
	if channels < 1 {
		channels = 1
	}

	frames := 480 // 10ms @ 48kHz-ish; actual device rate governs real duration
	buf := make([]float32, frames*channels)

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      d.sampleRate,
		FramesPerBuffer: frames,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return &djerr.StreamError{Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return &djerr.StreamError{Op: "start", Err: err}
	}

	d.stream = stream
	d.stopCh = make(chan struct{})
	d.done.Store(false)

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.captureLoop(buf, channels) }()
	go func() { defer d.wg.Done(); d.analysisWorker() }()

	d.log.Info("capture started", zap.String("source", sourceID), zap.Bool("loopback", loopback), zap.String("device", dev.Name))
	return nil
}

// Stop halts the stream and both goroutines, in the order that avoids
// touching a freed native stream from a still-running goroutine.
func (d *Driver) Stop() {
	if !d.done.CompareAndSwap(false, true) {
		return
	}
	close(d.stopCh)

	d.mu.Lock()
	if d.stream != nil {
		d.stream.Stop()
	}
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	if d.stream != nil {
		d.stream.Close()
		d.stream = nil
	}
	d.mu.Unlock()
}

// captureLoop is the realtime-adjacent goroutine driving PortAudio's
// blocking Read API. It downmixes to mono, appends to the ring buffer, and
// tees the stereo-native buffer to the voice streamer — never holding a
// lock across more than one push.
func (d *Driver) captureLoop(buf []float32, channels int) {
	mono := make([]float32, len(buf)/channels)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}
		if err := d.stream.Read(); err != nil {
			if !d.done.Load() {
				d.log.Warn("capture read error", zap.Error(err))
			}
			continue
		}

		for i := range mono {
			var sum float32
			for c := 0; c < channels; c++ {
				sum += buf[i*channels+c]
			}
			mono[i] = sum / float32(channels)
		}
		d.ring.Push(mono)

		if d.voice != nil {
			d.voice.PushSamples(buf, channels)
		}
	}
}

// analysisWorker runs the ~10ms analysis loop: copy latest FFT-size samples
// under the ring-buffer lock, release it, then run the FFT analyzer and bass
// lane, merging their outputs into the published snapshot. Analyze holds the
// analyzer's own mutex for the whole pass, so a concurrent ApplyPreset waits
// until the FFT pass is done.
func (d *Driver) analysisWorker() {
	ticker := time.NewTicker(workerTickInterval)
	defer ticker.Stop()

	fftSize := d.analyzer.FFTSize()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
		}

		samples := d.ring.Latest(fftSize)
		f64 := make([]float64, len(samples))
		for i, s := range samples {
			f64[i] = float64(s)
		}

		result := d.analyzer.Analyze(f64)
		laneResult := d.lane.Process(samples)

		result.InstantBass = laneResult.InstantBass
		result.InstantKick = laneResult.KickFired
		if laneResult.KickFired && !result.IsBeat {
			result.IsBeat = true
			if result.BeatIntensity < 0.5 {
				result.BeatIntensity = 0.5
			}
		}

		d.latest.Store(result)
	}
}

// parseAppSource extracts the pid and hint from an "app:<pid>:<hint>"
// source identifier, for diagnostics only (the fallback path doesn't need
// to act on them yet).
func parseAppSource(sourceID string) (pid int, hint string, ok bool) {
	rest := strings.TrimPrefix(sourceID, "app:")
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	p, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", false
	}
	return p, parts[1], true
}
