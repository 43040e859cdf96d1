package snowflake

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures how the transport retries transient failures
// (network errors, 429 and 5xx responses).
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts, including the first try
	MaxAttempts int `mapstructure:"max_attempts"`

	// InitialDelay is the base delay before the first retry
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// MaxDelay caps every individual delay
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Multiplier grows the base delay after each attempt
	Multiplier float64 `mapstructure:"multiplier"`

	// Jitter randomizes each delay uniformly within [0, delay] when set
	Jitter bool `mapstructure:"jitter"`
}

// DefaultRetryPolicy returns the transport retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  7,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     16 * time.Second,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Delay returns how long to wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return backoff(p.InitialDelay, p.MaxDelay, p.Multiplier, attempt, p.Jitter)
}

// PollPolicy configures polling of queued statements.
type PollPolicy struct {
	// InitialInterval is the wait before the first poll
	InitialInterval time.Duration `mapstructure:"initial_interval"`

	// MaxInterval caps the wait between polls
	MaxInterval time.Duration `mapstructure:"max_interval"`

	// Multiplier grows the interval after each still-queued response
	Multiplier float64 `mapstructure:"multiplier"`

	// Timeout bounds the total polling time; zero disables the bound
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultPollPolicy returns the polling defaults.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      1.5,
		Timeout:         time.Hour,
	}
}

// Interval returns the wait before poll number n (1-based).
func (p PollPolicy) Interval(n int) time.Duration {
	return backoff(p.InitialInterval, p.MaxInterval, p.Multiplier, n, false)
}

func backoff(initial, maxDelay time.Duration, multiplier float64, attempt int, jitter bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if jitter && d > 0 {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
