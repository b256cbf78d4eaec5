package query

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultInitialInterval = 100 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
)

// RetryPolicy bounds fetch attempts and shapes the backoff between them.
type RetryPolicy struct {
	// MaxAttempts is the total number of fetcher invocations including the
	// first. Values below 1 mean no retries.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	return p
}

// backoff returns a wait function yielding successive sleep intervals.
func (p RetryPolicy) backoff() func() time.Duration {
	cfg := backoff.NewExponentialBackOff()
	cfg.InitialInterval = p.InitialInterval
	cfg.MaxInterval = p.MaxInterval
	return func() time.Duration {
		sleep := cfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = p.MaxInterval
		}
		return sleep
	}
}
