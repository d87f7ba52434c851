package engine

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/wikiport/wikiport/wikijs"
)

// RetryConfig bounds the per-call retry policy used for every remote round
// trip, reads and mutations alike.
type RetryConfig struct {
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry is used where the caller leaves the policy zero-valued.
var DefaultRetry = RetryConfig{
	Attempts:  5,
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  30 * time.Second,
}

func (c RetryConfig) orDefault() RetryConfig {
	if c.Attempts == 0 {
		c.Attempts = DefaultRetry.Attempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultRetry.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultRetry.MaxDelay
	}
	return c
}

func (c RetryConfig) options(ctx context.Context) []retry.Option {
	c = c.orDefault()
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(c.Attempts),
		retry.Delay(c.BaseDelay),
		retry.MaxDelay(c.MaxDelay),
		retry.MaxJitter(c.BaseDelay),
		retry.DelayType(rateAwareDelay),
		retry.RetryIf(wikijs.IsTransient),
		retry.LastErrorOnly(true),
	}
}

// rateAwareDelay is exponential backoff with jitter, except that a rate
// limit response carrying a retry hint takes precedence over the computed
// delay.
func rateAwareDelay(n uint, err error, config *retry.Config) time.Duration {
	var rl *wikijs.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)(n, err, config)
}
