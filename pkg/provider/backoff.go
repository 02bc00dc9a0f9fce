package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds reconnect attempts for one entry.
type RetryPolicy struct {
	// MaxAttempts is the total number of connect attempts, including the first
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`

	// BaseBackoff is the delay before the first retry; it doubles per attempt
	BaseBackoff time.Duration `json:"base_backoff" mapstructure:"base_backoff"`

	// MaxBackoff caps the delay between attempts
	MaxBackoff time.Duration `json:"max_backoff" mapstructure:"max_backoff"`

	// JitterFraction applies +/- jitter to each delay
	JitterFraction float64 `json:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// DefaultRetryPolicy returns three attempts with 200ms base backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseBackoff:    200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.2,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// exponential builds the unbounded delay sequence described by p.
func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 200 * time.Millisecond
	}
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = 5 * time.Second
	}
	b.Multiplier = 2
	b.RandomizationFactor = p.JitterFraction
	if b.RandomizationFactor < 0 {
		b.RandomizationFactor = 0
	}
	if b.RandomizationFactor > 0.9 {
		b.RandomizationFactor = 0.9
	}
	// attempts are bounded by count, not elapsed time
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// BackOff returns the retry schedule for p: at most MaxAttempts-1 delays,
// abandoned when ctx is done.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(p.attempts()-1)), ctx)
}
