package adapt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextBitrateStepsDownOnHighLoss(t *testing.T) {
	require.Equal(t, 24, NextBitrate(32, 0.10, 50))
}

func TestNextBitrateStepsUpOnGoodConditions(t *testing.T) {
	require.Equal(t, 48, NextBitrate(32, 0.00, 20))
}

func TestNextBitrateHoldsOnZeroRTT(t *testing.T) {
	// RTT == 0 means no measurement yet; must not step up.
	require.Equal(t, 32, NextBitrate(32, 0.00, 0))
}

func TestNextBitrateHoldsOnHighRTT(t *testing.T) {
	require.Equal(t, 32, NextBitrate(32, 0.00, 200))
}

func TestNextBitrateHoldsOnModerateLoss(t *testing.T) {
	require.Equal(t, 32, NextBitrate(32, 0.03, 50))
}

func TestNextBitrateCannotExceedMax(t *testing.T) {
	top := Ladder[len(Ladder)-1]
	require.Equal(t, top, NextBitrate(top, 0.00, 10))
}

func TestNextBitrateCannotGoBelowMin(t *testing.T) {
	bottom := Ladder[0]
	require.Equal(t, bottom, NextBitrate(bottom, 0.99, 500))
}

func TestNextBitrateUnknownValueSnapsToClosestRung(t *testing.T) {
	// 20 kbps is equidistant between 16 and 24; the lower rung wins (16).
	// High loss then steps down one more rung to 12.
	require.Equal(t, 12, NextBitrate(20, 0.10, 50))
}

func TestClosestRungMatchesEachLadderEntryExactly(t *testing.T) {
	for i, step := range Ladder {
		require.Equalf(t, i, closestRung(step), "closestRung(%d)", step)
	}
}

func TestClosestRungSnapsOffLadderValues(t *testing.T) {
	require.Equal(t, 0, closestRung(2))   // below the bottom rung
	require.Equal(t, len(Ladder)-1, closestRung(1000)) // above the top rung
	require.Equal(t, 2, closestRung(20))  // equidistant from 16/24, lower wins
}
