package rpcclient

import (
	"math/rand"
	"time"
)

// RetryPolicy decides how long to pause before re-sending a failed request.
// There is no attempt limit; the client retries until it gets a result.
type RetryPolicy struct {
	// Backoff is the pause before the first retry.
	Backoff time.Duration
	// Multiplier grows the pause after each failure. Values <= 1 keep it fixed.
	Multiplier float64
	// MaxBackoff caps the pause. Zero means Backoff.
	MaxBackoff time.Duration
	// Jitter adds up to Jitter*pause of random extra delay.
	Jitter float64
}

// DefaultRetryPolicy pauses a fixed ten seconds between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: 10 * time.Second}
}

// Delay returns the pause before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Backoff
	if p.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxBackoff > 0 && d >= p.MaxBackoff {
				d = p.MaxBackoff
				break
			}
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}
