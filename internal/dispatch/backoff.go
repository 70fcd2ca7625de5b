package dispatch

import (
	"math"
	"math/rand"
	"time"
)

const jitterFraction = 0.2

// computeBackoff implements delay(n) = base * 2^(n-1) * (1 + rand[-jitter,
// +jitter]), capped at capDur. randFloat is injected so tests can assert
// deterministic output, following the teacher's ComputeBackoffWithRand shape.
func computeBackoff(n int, base, capDur time.Duration, randFloat func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(base) * math.Pow(2, float64(n-1))
	jitter := 1 + (randFloat()*2*jitterFraction - jitterFraction)
	d := time.Duration(delay * jitter)
	if d > capDur {
		d = capDur
	}
	if d < 0 {
		d = 0
	}
	return d
}

// backoffDelay returns the retry delay before attempt n (1-indexed), using
// the configured base/cap (retry.base_seconds/retry.max_seconds).
func (s *Service) backoffDelay(n int) time.Duration {
	return computeBackoff(n, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, rand.Float64)
}
