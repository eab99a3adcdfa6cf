package dispatch

import "time"

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff controls how long a failed task waits before its next attempt.
type Backoff struct {
	Strategy string        `json:"strategy"`
	Base     time.Duration `json:"base"`
	Cap      time.Duration `json:"cap"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		Strategy: BackoffExponential,
		Base:     10 * time.Second,
		Cap:      10 * time.Minute,
	}
}

// Delay returns the wait before the attempt following the given number of
// completed retries. Exponential doubling is capped at Cap.
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Strategy == BackoffFixed {
		return b.Base
	}

	delay := b.Base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= b.Cap {
			return b.Cap
		}
	}

	if delay > b.Cap {
		return b.Cap
	}

	return delay
}
