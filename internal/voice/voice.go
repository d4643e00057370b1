// Package voice implements the voice encoder pipeline: mono downmix, linear
// resample to 48 kHz, i16 conversion, 20 ms framing, Opus encoding with PCM
// fallback, and a bounded drop-oldest frame queue.
package voice

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"

	"github.com/djcore/djcore/internal/adapt"
	"github.com/djcore/djcore/internal/agc"
	"github.com/djcore/djcore/internal/noisegate"
	"github.com/djcore/djcore/internal/obs"
	"github.com/djcore/djcore/internal/vad"
)

const (
	targetSampleRate = 48000
	frameSamples     = 960 // 20 ms @ 48 kHz
	opusByteCeiling  = 4000 // safety cap, not a VBR rate target — see SPEC_FULL.md §9
	maxQueuedFrames  = 50
)

// Frame is one drained, ready-to-send voice payload.
type Frame struct {
	Payload string // base64-encoded
	Seq     uint64
	Codec   string // "opus" or "pcm"
}

type encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bps int) error
}

// Streamer is the voice pipeline's shared state: written by the realtime
// capture callback (PushSamples), drained by the bridge (DrainFrames).
type Streamer struct {
	log obs.Logger

	enabled atomic.Bool
	seq     atomic.Uint64

	mu          sync.Mutex
	sourceRate  float64
	residual    []float32
	frameBuffer []float32
	queue       []Frame

	enc         encoder
	codec       string
	bitrateKbps int

	agcProc  *agc.AGC
	gateProc *noisegate.Gate
	vadProc  *vad.VAD
}

// New returns a Streamer. If Opus encoder construction fails (or opus isn't
// available on this build), the streamer falls back to PCM framing for
// every frame, per spec.md 4.E.
func New(log obs.Logger, sourceRate float64) *Streamer {
	if log == nil {
		log = obs.NewNopLogger()
	}
	s := &Streamer{
		log:        log,
		sourceRate: sourceRate,
		agcProc:    agc.New(),
		gateProc:   noisegate.New(),
		vadProc:    vad.New(),
		codec:      "pcm",
	}
	enc, err := opus.NewEncoder(targetSampleRate, 1, opus.AppAudio)
	if err != nil {
		log.Warn("opus encoder unavailable, falling back to pcm", zap.Error(err))
		return s
	}
	s.bitrateKbps = adapt.DefaultKbps
	enc.SetBitrate(s.bitrateKbps * 1000)
	s.enc = enc
	s.codec = "opus"
	return s
}

// AdjustBitrate steps the Opus target bitrate up or down one rung of
// adapt.Ladder based on the session's measured round-trip latency, following
// the teacher's connection-quality adaptation scheme. lossRate is 0 because
// the session transport is a reliable (TCP-backed) WebSocket; only RTT is an
// observable quality signal here. A no-op when Opus isn't in use.
func (s *Streamer) AdjustBitrate(rttMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return
	}
	next := adapt.NextBitrate(s.bitrateKbps, 0, rttMs)
	if next == s.bitrateKbps {
		return
	}
	if err := s.enc.SetBitrate(next * 1000); err != nil {
		s.log.Debug("opus bitrate adjust failed", zap.Error(err))
		return
	}
	s.bitrateKbps = next
}

// SetEnabled enables or disables streaming. Disabling clears the residual,
// frame buffer, and frame queue in a single critical section.
func (s *Streamer) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
	if !enabled {
		s.mu.Lock()
		s.residual = s.residual[:0]
		s.frameBuffer = s.frameBuffer[:0]
		s.queue = s.queue[:0]
		s.mu.Unlock()
	}
}

// SetConditioning applies the persisted 0-100 AGC/gate/VAD levels to the
// transmit-side conditioning chain: a gate or VAD level of 0 disables that
// stage, and any other value both enables it and sets its threshold. The AGC
// has no off switch: it always runs, and a level of 0 gives it its lowest
// target (0.01 RMS). This never
// touches the analyzer's copy of the signal (see internal/capture), only the
// voice path.
func (s *Streamer) SetConditioning(agcLevel, gateLevel, vadLevel int) {
	s.agcProc.Reset()
	s.agcProc.SetTarget(agcLevel)
	s.gateProc.SetEnabled(gateLevel > 0)
	s.gateProc.SetThreshold(gateLevel)
	s.vadProc.SetEnabled(vadLevel > 0)
	s.vadProc.SetThreshold(vadLevel)
}

// PushSamples feeds one block of interleaved f32 samples at the given
// channel count from the realtime capture callback. No-op when disabled.
func (s *Streamer) PushSamples(interleaved []float32, channels int) {
	if !s.enabled.Load() || channels < 1 {
		return
	}

	mono := downmix(interleaved, channels)

	preGateRMS := s.gateProc.Process(mono)
	_ = preGateRMS
	if !s.vadProc.ShouldSend(vad.RMS(mono)) {
		return
	}
	s.agcProc.Process(mono)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.residual = append(s.residual, mono...)
	resampled, consumedSrc := resample(s.residual, s.sourceRate, targetSampleRate)

	for _, f := range resampled {
		clamped := f
		if clamped > 1 {
			clamped = 1
		} else if clamped < -1 {
			clamped = -1
		}
		s.frameBuffer = append(s.frameBuffer, clamped)
	}

	if consumedSrc > len(s.residual) {
		consumedSrc = len(s.residual)
	}
	s.residual = s.residual[consumedSrc:]

	for len(s.frameBuffer) >= frameSamples {
		frame := s.frameBuffer[:frameSamples]
		s.frameBuffer = s.frameBuffer[frameSamples:]
		s.encodeAndEnqueue(frame)
	}
}

func downmix(interleaved []float32, channels int) []float32 {
	n := len(interleaved) / channels
	mono := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// resample linearly interpolates input (at srcRate) up to an internal
// residual buffer resampled to dstRate. It returns the produced samples and
// the number of *source* samples consumed from the front of input, to be
// drained by the caller. At equal rates this is the identity.
func resample(input []float32, srcRate, dstRate float64) ([]float32, int) {
	if len(input) == 0 {
		return nil, 0
	}
	if srcRate == dstRate {
		out := make([]float32, len(input))
		copy(out, input)
		return out, len(input)
	}

	ratio := srcRate / dstRate
	// Number of output samples obtainable without reading past the last
	// input sample we can interpolate around.
	maxOutLen := int(float64(len(input)-1) / ratio)
	if maxOutLen < 0 {
		maxOutLen = 0
	}
	out := make([]float32, maxOutLen)
	for i := 0; i < maxOutLen; i++ {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		a := input[idx]
		b := a
		if idx+1 < len(input) {
			b = input[idx+1]
		}
		out[i] = a + float32(frac)*(b-a)
	}

	consumed := int(math.Ceil(float64(maxOutLen) * ratio))
	if consumed > len(input) {
		consumed = len(input)
	}
	return out, consumed
}

func (s *Streamer) encodeAndEnqueue(frame []float32) {
	pcm := make([]int16, len(frame))
	for i, f := range frame {
		c := f
		if c > 1 {
			c = 1
		} else if c < -1 {
			c = -1
		}
		pcm[i] = int16(math.Round(float64(c) * 32767))
	}

	var payload []byte
	codec := "pcm"
	if s.enc != nil {
		buf := make([]byte, opusByteCeiling)
		n, err := s.enc.Encode(pcm, buf)
		if err == nil && n > 0 && n <= opusByteCeiling {
			payload = buf[:n]
			codec = "opus"
		} else if err != nil {
			s.log.Debug("opus encode failed, falling back to pcm", zap.Error(err))
		}
	}
	if payload == nil {
		payload = encodePCM(pcm)
	}

	f := Frame{
		Payload: base64.StdEncoding.EncodeToString(payload),
		Codec:   codec,
	}
	s.queue = append(s.queue, f)
	if len(s.queue) > maxQueuedFrames {
		s.queue = s.queue[len(s.queue)-maxQueuedFrames:]
	}
}

func encodePCM(pcm []int16) []byte {
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// DrainFrames removes up to maxCount queued frames (oldest first), leaving
// any remainder queued for the next call, and assigns monotone sequence
// numbers at drain time.
func (s *Streamer) DrainFrames(maxCount int) []Frame {
	s.mu.Lock()
	n := len(s.queue)
	if maxCount > 0 && maxCount < n {
		n = maxCount
	}
	queued := s.queue[:n]
	out := make([]Frame, n)
	copy(out, queued)
	s.queue = s.queue[n:]
	s.mu.Unlock()

	for i, f := range out {
		f.Seq = s.seq.Add(1) - 1
		out[i] = f
	}
	return out
}

// QueueLen reports the current queue depth, for tests and diagnostics.
func (s *Streamer) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
