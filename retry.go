package tunepipe

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// RetryPolicy bounds how often a failed stage or page request is attempted again.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// StageTimeout bounds a single attempt; zero disables it.
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

// DefaultRetryPolicy is 3 attempts with a doubling delay starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     30 * time.Second,
		StageTimeout:   30 * time.Minute,
	}
}

// Validate checks the policy values.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return NewBatchError(ErrCodeConfig, "retry max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 || p.StageTimeout < 0 {
		return NewBatchError(ErrCodeConfig, "retry durations must not be negative")
	}
	if p.Multiplier < 1 {
		return NewBatchError(ErrCodeConfig, "retry multiplier must be >= 1, got %v", p.Multiplier)
	}
	return nil
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// RetryAfterError is implemented by errors carrying a server-provided delay, e.g. HTTP 429.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// Retry calls fn until it succeeds, returns a non-transient error, or MaxAttempts is reached.
// The attempt number passed to fn starts at 1.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if attempt == max {
			break
		}
		wait := p.Backoff(attempt)
		var ra RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > wait {
			wait = ra.RetryAfter()
		}
		DefaultLogger.Warn(ctx, "attempt %d/%d failed, retry in %v: %v", attempt, max, wait, err)
		if werr := sleep(ctx, wait); werr != nil {
			return NewBatchError(ErrCodeCancelled, "retry interrupted after attempt %d", attempt, werr)
		}
	}
	return NewBatchError(CodeOf(err), "gave up after %d attempts", max, err)
}

// RetryBounded is Retry for loops nested inside a retried stage, e.g. page requests. A
// transient error left after the last attempt is reported as ErrCodeRetriesExhausted so
// the stage is not attempted again on top of it.
func RetryBounded(ctx context.Context, p RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	err := Retry(ctx, p, fn)
	if err != nil && ctx.Err() == nil && IsTransient(err) {
		return NewBatchError(ErrCodeRetriesExhausted, "retries exhausted", err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
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
