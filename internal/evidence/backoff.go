package evidence

import "time"

// RetryPolicy controls how pending bundles are re-driven.
type RetryPolicy struct {
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration
	// Factor multiplies the delay on each further attempt.
	Factor float64
	// MaxDelay caps the delay.
	MaxDelay time.Duration
	// MaxAttempts marks a bundle failed after this many attempts. Zero retries forever.
	MaxAttempts int
}

// DefaultRetryPolicy is 1s doubling up to one minute, retrying forever.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Second, Factor: 2, MaxDelay: time.Minute}
}

// Delay returns the backoff before attempt tries+1.
func (p RetryPolicy) Delay(tries int) time.Duration {
	if tries <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < tries; i++ {
		delay *= p.Factor
		if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
			break
		}
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether a bundle with this many attempts should stop retrying.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
