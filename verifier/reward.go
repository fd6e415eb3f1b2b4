package verifier

import (
	"math"
	"time"

	"github.com/spacemeshos/powsubnet/shared"
)

// RewardFunc prices an accepted solution found at difficulty d after latency,
// given the latency the difficulty controller aims for.
type RewardFunc func(d shared.Difficulty, latency, expected time.Duration) uint64

const (
	minSpeedFactor = 0.5
	maxSpeedFactor = 2.0
)

// ProportionalReward pays base per difficulty bit, scaled by how much faster than expected
// the solution arrived (expected/latency, clamped to [0.5, 2]). Every acceptance earns at least 1
// and at most math.MaxInt64, the largest amount a reward balance can take.
func ProportionalReward(base uint64) RewardFunc {
	return func(d shared.Difficulty, latency, expected time.Duration) uint64 {
		factor := maxSpeedFactor
		if latency > 0 {
			factor = float64(expected) / float64(latency)
			factor = math.Min(math.Max(factor, minSpeedFactor), maxSpeedFactor)
		}
		reward := math.Floor(float64(base) * float64(d) * factor)
		switch {
		case reward < 1:
			return 1
		case reward >= math.MaxInt64:
			return math.MaxInt64
		}
		return uint64(reward)
	}
}
