package app

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how hard peer negotiation is retried before the
// failure is surfaced to the UI.
type RetryPolicy struct {
	MaxAttempts uint64
	Initial     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Initial: 250 * time.Millisecond}
}

// New builds a fresh backoff for one negotiation attempt chain.
func (p RetryPolicy) New() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	if p.MaxAttempts == 0 {
		return backoff.WithMaxRetries(b, 0)
	}
	return backoff.WithMaxRetries(b, p.MaxAttempts-1)
}
