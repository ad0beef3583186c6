// Package retry re-runs operations that fail because the remote API is
// rate limiting the caller.
package retry

import (
	"context"
	"time"

	"github.com/zckevin/reqcoord/backoff"
	"github.com/zckevin/reqcoord/ratelimit"
)

// Info is passed to Settings.OnRetry before each backoff sleep.
type Info struct {
	Err        error
	RetryCount int
	Delay      time.Duration
}

type Settings struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OnRetry is called before sleeping. It is for observation only.
	OnRetry func(Info)

	// Optional hooks, mostly for tests.
	Backoff *backoff.Calculator
	Sleep   func(ctx context.Context, d time.Duration) error
	Now     func() time.Time
}

// DefaultSettings returns 3 retries starting at 2s and capped at 15s.
func DefaultSettings() Settings {
	return Settings{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   15 * time.Second,
	}
}

// Do runs op until it succeeds, fails with an error that is not a
// rate-limit error, or has been retried s.MaxRetries times. The last error
// is returned unmodified. ctx cancellation interrupts a backoff sleep.
func Do[T any](ctx context.Context, s Settings, op func(context.Context) (T, error)) (T, error) {
	sleep := s.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}

	for retryCount := 0; ; retryCount++ {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if !ratelimit.IsRateLimitError(err) || retryCount >= s.MaxRetries {
			return res, err
		}

		delay, ok := ratelimit.GetRetryAfter(err, now())
		if !ok {
			delay = s.delay(retryCount)
		}
		// a Retry-After date in the past means go now
		delay = max(delay, 0)

		if s.OnRetry != nil {
			s.OnRetry(Info{Err: err, RetryCount: retryCount, Delay: delay})
		}
		if serr := sleep(ctx, delay); serr != nil {
			var zero T
			return zero, serr
		}
	}
}

func (s Settings) delay(retryCount int) time.Duration {
	if s.Backoff != nil {
		return s.Backoff.Delay(retryCount, s.BaseDelay, s.MaxDelay)
	}
	return backoff.Compute(retryCount, s.BaseDelay, s.MaxDelay)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
