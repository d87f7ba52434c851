package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wikiport/wikiport/wikijs"
)

func TestRateAwareDelayPrefersServerHint(t *testing.T) {
	hint := &wikijs.RateLimitError{RetryAfter: 42 * time.Second}
	require.Equal(t, 42*time.Second, rateAwareDelay(0, hint, &retry.Config{}))

	// The hint survives error wrapping, which is how it arrives from the
	// transport layer.
	wrapped := errors.Join(errors.New("createPage"), hint)
	require.Equal(t, 42*time.Second, rateAwareDelay(2, wrapped, &retry.Config{}))
}

func TestRetryWaitsForRateLimitHint(t *testing.T) {
	api := newFakeAPI()
	calls := 0
	api.createPageErr = func(context.Context, string) error {
		calls++
		if calls == 1 {
			return &wikijs.RateLimitError{RetryAfter: 30 * time.Millisecond}
		}
		return nil
	}
	plan := &Plan{Ops: []Operation{
		{ID: "page:a@en", Kind: OpCreatePage, Path: "a", Locale: "en"},
	}}
	executor := NewExecutor(api, ExecutorConfig{
		Concurrency: 1,
		Retry:       RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 100 * time.Millisecond},
		Editor:      "ckeditor",
	}, zerolog.Nop())

	start := time.Now()
	report := executor.Execute(context.Background(), plan, emptySnapshot())

	require.False(t, report.Failed())
	require.Equal(t, 2, calls)
	// With a 1ms base delay the only way to wait this long is honoring
	// the server's hint.
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
