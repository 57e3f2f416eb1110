package jobs

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = 100 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 5 * time.Minute
	backoffJitter = 0.1
)

// Backoff returns the retry delay before attempt n+1, after n failed
// attempts: base·factor^(n−1) plus up to 10% jitter, capped at 5
// minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := backoffBase
	for i := 1; i < attempts; i++ {
		delay *= backoffFactor
		if delay >= backoffCap {
			return backoffCap
		}
	}

	jitter := time.Duration(rand.Float64() * backoffJitter * float64(delay))
	delay += jitter
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}
