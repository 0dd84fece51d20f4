package worker

import (
	"math/rand"
	"time"

	"github.com/Dhrubot/choukidar-sub001/internal/config"
)

// NextDelay computes the wait before a retry. attempt is 1-based.
// Exponential tiers get base * 2^(attempt-1) plus full jitter, capped;
// fixed tiers always wait the base delay.
func NextDelay(tc config.TierConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if tc.Backoff == config.BackoffFixed {
		return tc.BackoffBase
	}

	delay := tc.BackoffBase << (attempt - 1)
	if delay > tc.BackoffCap || delay <= 0 {
		delay = tc.BackoffCap
	}
	if rng != nil && delay > 0 {
		delay += time.Duration(rng.Int63n(int64(delay) + 1))
	}
	if delay > tc.BackoffCap {
		delay = tc.BackoffCap
	}
	return delay
}
