package tunepipe

import (
	"context"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
)

type retryAfter struct {
	d time.Duration
}

func (r retryAfter) Error() string             { return "429 too many requests" }
func (r retryAfter) RetryAfter() time.Duration { return r.d }

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, Multiplier: 2, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
}

func TestRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2}
	ctx := context.Background()

	var attempts []int
	err := Retry(ctx, p, func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)

	calls := 0
	err = Retry(ctx, p, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("malformed response")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, Fatal, KindOf(err))

	calls = 0
	err = Retry(ctx, p, func(ctx context.Context, attempt int) error {
		calls++
		return NewBatchError(ErrCodeRateLimited, "throttled", retryAfter{d: 2 * time.Millisecond})
	})
	assert.Equal(t, 3, calls)
	assert.Equal(t, ErrCodeRateLimited, CodeOf(err))
	assert.T(t, IsTransient(err))
}

func TestNewBatchError(t *testing.T) {
	cause := errors.New("boom")
	err := NewBatchError(ErrCodeDbFail, "query %s failed", "songs", cause)
	assert.Equal(t, "query songs failed", err.Message())
	assert.Equal(t, Transient, err.Kind())
	assert.T(t, errors.Is(err, cause))
	assert.Equal(t, "BatchError[tunepipe.db_fail]: query songs failed, cause: boom", err.Error())

	plain := NewBatchError(ErrCodeSchema, "100% rejected")
	assert.Equal(t, "100% rejected", plain.Message())
	assert.Equal(t, Schema, KindOf(errors.Wrap(plain, "transform users")))
}

func TestParameters(t *testing.T) {
	p := NewParameters().Set(ParamLogicalDate, "2025-06-01").Set(ParamPipeline, "api")
	assert.Equal(t, ErrCodeConfig, CodeOf(p.Validate()))
	p = p.Set(ParamRunID, "r1").Set(ParamSourcePrefix+"users", "raw/users")
	assert.Equal(t, nil, p.Validate())
	assert.Equal(t, map[string]string{"users": "raw/users"}, p.Prefixed(ParamSourcePrefix))

	var q Parameters
	assert.Equal(t, nil, q.FromString(p.ToString()))
	assert.Equal(t, p.Footprint(), q.Footprint())
	assert.NotEqual(t, p.Footprint(), q.Set("x", 1).Footprint())
}

func TestRetryBounded(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, Multiplier: 1}
	ctx := context.Background()

	calls := 0
	err := RetryBounded(ctx, p, func(ctx context.Context, attempt int) error {
		calls++
		return NewBatchError(ErrCodeRateLimited, "429")
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, ErrCodeRetriesExhausted, CodeOf(err))
	assert.Equal(t, false, IsTransient(err))

	err = RetryBounded(ctx, p, func(ctx context.Context, attempt int) error {
		return NewBatchError(ErrCodeSchema, "bad record")
	})
	assert.Equal(t, ErrCodeSchema, CodeOf(err))
}
