// Package adapt chooses the Opus target bitrate for one voice session,
// stepping up or down a fixed ladder of quality rungs as the session's
// measured round-trip latency and (on a transport that can lose packets)
// loss rate change.
//
// The jitter-buffer-depth and loss-smoothing helpers the bitrate ladder
// originally shipped alongside it are not carried here: this voice path is
// upload-only over a reliable (TCP-backed) WebSocket, so there is no
// receive-side jitter buffer, and packet loss is not an observable quantity
// (see DESIGN.md).
package adapt

// Ladder is the ordered list of Opus target bitrates, in kbps, from
// barely-intelligible emergency quality up to high-fidelity voice.
var Ladder = []int{8, 12, 16, 24, 32, 48}

// DefaultKbps is the rung a new session's encoder starts at.
const DefaultKbps = 32

// NextBitrate picks the next rung of Ladder for a session currently at
// current kbps, given the loss rate and RTT observed over the last
// measurement interval:
//
//   - loss above 5% steps DOWN one rung
//   - loss below 1% with a nonzero RTT under 150ms steps UP one rung
//     (an RTT of exactly 0 means no measurement yet, so this holds rather
//     than assuming a great link)
//   - anything else holds the current rung
//
// The result is always a value present in Ladder.
func NextBitrate(current int, lossRate, rttMs float64) int {
	idx := closestRung(current)
	switch {
	case lossRate > 0.05 && idx > 0:
		return Ladder[idx-1]
	case lossRate < 0.01 && rttMs > 0 && rttMs < 150 && idx < len(Ladder)-1:
		return Ladder[idx+1]
	default:
		return Ladder[idx]
	}
}

// closestRung returns the index of the Ladder entry nearest kbps, so a
// bitrate that has drifted off the ladder (or was never on it) still steps
// sensibly.
func closestRung(kbps int) int {
	best, bestDist := 0, iabs(kbps-Ladder[0])
	for i, step := range Ladder {
		if d := iabs(kbps - step); d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

func iabs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
