package replan

import (
	"math"
	"math/rand"
	"time"
)

const backoffJitterFactor = 0.25

// Backoff shapes the delay before retrying an exhausted resource.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

func normalizeBackoff(cfg Backoff) Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = 500 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = cfg.Initial
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2
	}
	return cfg
}

// Delay returns the jittered delay for the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Initial <= 0 {
		return 0
	}
	delay := float64(b.Initial) * math.Pow(b.Factor, float64(attempt))
	if limit := float64(b.Max); limit > 0 && delay > limit {
		delay = limit
	}
	jitter := delay * backoffJitterFactor
	delay += (rand.Float64()*2 - 1) * jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
