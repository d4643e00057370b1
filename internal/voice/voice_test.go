package voice

import (
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func newPCMStreamer(sourceRate float64) *Streamer {
	s := New(nil, sourceRate)
	s.enc = nil
	s.codec = "pcm"
	s.bitrateKbps = 0
	return s
}

func TestVoiceFrameRoundTripPCM(t *testing.T) {
	s := newPCMStreamer(targetSampleRate)
	s.SetEnabled(true)

	samples := make([]float32, frameSamples)
	for i := range samples {
		samples[i] = 0.5
	}
	s.PushSamples(samples, 1)

	frames := s.DrainFrames(0)
	require.Len(t, frames, 1)
	require.Equal(t, "pcm", frames[0].Codec)
	require.EqualValues(t, 0, frames[0].Seq)

	raw, err := base64.StdEncoding.DecodeString(frames[0].Payload)
	require.NoError(t, err)
	require.Len(t, raw, 1920)

	for i := 0; i < len(raw); i += 2 {
		v := int16(binary.LittleEndian.Uint16(raw[i:]))
		require.InDelta(t, 16383, v, 2)
	}
}

func TestResamplePassthroughAtEqualRates(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	out, consumed := resample(in, 48000, 48000)
	require.Equal(t, in, out)
	require.Equal(t, len(in), consumed)
}

func TestResampleDownsampleHalvesLength(t *testing.T) {
	in := make([]float32, 100)
	for i := range in {
		in[i] = float32(i)
	}
	out, _ := resample(in, 96000, 48000)
	require.InDelta(t, 50, len(out), 2)
}

func TestResampleUpsampleDoublesLength(t *testing.T) {
	in := make([]float32, 50)
	for i := range in {
		in[i] = float32(i)
	}
	out, _ := resample(in, 24000, 48000)
	require.InDelta(t, 100, len(out), 2)
}

func TestQueueDropsOldestAtCap(t *testing.T) {
	s := newPCMStreamer(targetSampleRate)
	s.SetEnabled(true)

	for i := 0; i < maxQueuedFrames+10; i++ {
		samples := make([]float32, frameSamples)
		for j := range samples {
			samples[j] = 0.3
		}
		s.PushSamples(samples, 1)
	}
	require.LessOrEqual(t, s.QueueLen(), maxQueuedFrames)
}

func TestDrainFramesLeavesRemainderQueued(t *testing.T) {
	s := newPCMStreamer(targetSampleRate)
	s.SetEnabled(true)

	for i := 0; i < 5; i++ {
		samples := make([]float32, frameSamples)
		for j := range samples {
			samples[j] = 0.3
		}
		s.PushSamples(samples, 1)
	}
	require.Equal(t, 5, s.QueueLen())

	first := s.DrainFrames(3)
	require.Len(t, first, 3)
	require.Equal(t, 2, s.QueueLen(), "remainder must stay queued, not be discarded")

	second := s.DrainFrames(3)
	require.Len(t, second, 2)
	require.Equal(t, 0, s.QueueLen())

	require.EqualValues(t, 0, first[0].Seq)
	require.EqualValues(t, 4, second[1].Seq, "sequence numbers stay monotone across drains")
}

type countingEncoder struct {
	bitrates []int
}

func (c *countingEncoder) Encode(pcm []int16, data []byte) (int, error) { return 0, nil }
func (c *countingEncoder) SetBitrate(bps int) error {
	c.bitrates = append(c.bitrates, bps)
	return nil
}

func TestAdjustBitrateStepsUpOnGoodRTT(t *testing.T) {
	s := New(nil, targetSampleRate)
	enc := &countingEncoder{}
	s.enc = enc
	s.bitrateKbps = 24

	s.AdjustBitrate(20) // low, nonzero RTT, no loss tracked -> step up
	require.Equal(t, 32, s.bitrateKbps)
	require.Equal(t, []int{32000}, enc.bitrates)
}

func TestAdjustBitrateNoopWithoutEncoder(t *testing.T) {
	s := newPCMStreamer(targetSampleRate)
	s.AdjustBitrate(20)
	require.Equal(t, 0, s.bitrateKbps)
}

func TestDisablingClearsState(t *testing.T) {
	s := newPCMStreamer(targetSampleRate)
	s.SetEnabled(true)
	samples := make([]float32, frameSamples)
	s.PushSamples(samples, 1)
	require.Greater(t, s.QueueLen(), 0)

	s.SetEnabled(false)
	require.Equal(t, 0, s.QueueLen())
}
