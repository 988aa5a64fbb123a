package llm

import (
	"context"
	"time"

	"voicelog/internal/backoff"
)

// RetryConfig bounds re-attempts of a single remote call. Rate-limit and
// server errors back off aggressively; generic network errors use the
// gentler policy. Auth, bad-request, and schema errors propagate immediately.
type RetryConfig struct {
	MaxAttempts    int
	ServerBackoff  backoff.Policy
	NetworkBackoff backoff.Policy
}

// DefaultRetryConfig mirrors the production defaults: 3 attempts,
// initialDelay * 2^n for rate-limit/server, initialDelay * 1.5^n otherwise.
func DefaultRetryConfig(initial time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		ServerBackoff:  backoff.Exponential(initial, 2.0),
		NetworkBackoff: backoff.Exponential(initial, 1.5),
	}
}

// doWithRetry runs fn up to cfg.MaxAttempts times. The last error is
// surfaced when retries are exhausted.
func doWithRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var pol backoff.Policy
		switch classOf(err) {
		case ClassRateLimited, ClassServer:
			pol = cfg.ServerBackoff
		case ClassNetwork:
			pol = cfg.NetworkBackoff
		default:
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pol.Delay(attempt)):
		}
	}
	return lastErr
}
