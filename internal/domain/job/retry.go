package job

import (
	"time"
)

// RetryPolicy controls how failed operations are retried.
type RetryPolicy struct {
	MaxRetries         int           `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	BaseDelay          time.Duration `json:"base_delay" yaml:"base_delay" toml:"base_delay"`
	MaxDelay           time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff" yaml:"exponential_backoff" toml:"exponential_backoff"`
}

// DefaultRetryPolicy returns three retries, one second base delay, one minute cap, exponential.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:         3,
		BaseDelay:          time.Second,
		MaxDelay:           time.Minute,
		ExponentialBackoff: true,
	}
}

// Delay returns the wait before retry attempt n (zero based).
// Exponential backoff yields min(MaxDelay, BaseDelay*2^n); linear yields
// min(MaxDelay, BaseDelay*(n+1)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	if p.ExponentialBackoff {
		d = p.BaseDelay
		for i := 0; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
			if d <= 0 {
				// overflow
				return p.MaxDelay
			}
		}
	} else {
		d = p.BaseDelay * time.Duration(attempt+1)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether an operation with retryCount retries may not be retried again.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
