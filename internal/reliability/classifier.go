package reliability

import (
	"math/rand/v2"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// JitteredBackoff returns a duration in [d/2, d] where d is ExponentialBackoff(attempt, base, cap).
// jitter must return values in [0,1); nil uses math/rand.
func JitteredBackoff(attempt int, base, cap time.Duration, jitter func() float64) time.Duration {
	d := ExponentialBackoff(attempt, base, cap)
	if d <= 0 {
		return 0
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	half := d / 2
	return half + time.Duration(jitter()*float64(d-half))
}
