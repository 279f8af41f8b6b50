package worker

import "time"

// RetryPolicy controls how failed notification deliveries are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of deliveries, including the first.
	// Values <= 0 are treated as 1 (no retries).
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// BackoffMultiplier grows the delay each attempt. Values <= 0 mean 2.0.
	BackoffMultiplier float64
	// MaxBackoff caps the delay; <= 0 means no cap.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy retries a delivery five times, starting at one second
// and doubling up to a minute.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:       5,
	InitialBackoff:    time.Second,
	BackoffMultiplier: 2,
	MaxBackoff:        time.Minute,
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}

	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}
