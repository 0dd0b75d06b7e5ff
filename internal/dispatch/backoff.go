package dispatch

import (
	"math/rand"
	"time"
)

// backoffDelayWithHint prefers an explicit retry-after hint carried by err.
// The hint is jittered and bounded by BackoffMax like computed delays.
func backoffDelayWithHint(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	if d, ok := RetryAfterHint(err); ok {
		if d > cfg.BackoffMax {
			d = cfg.BackoffMax
		}
		return jitter(d, cfg.BackoffJitter, cfg.BackoffMax, rng)
	}
	return backoffDelay(cfg, attempt, rng)
}

// backoffDelay is base * 2^(attempt-1), capped at BackoffMax, then jittered.
// attempt is the 1-based attempt that just failed.
func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			d = cfg.BackoffMax
			break
		}
	}
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	return jitter(d, cfg.BackoffJitter, cfg.BackoffMax, rng)
}

func jitter(d time.Duration, j float64, maxD time.Duration, rng *rand.Rand) time.Duration {
	if j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
