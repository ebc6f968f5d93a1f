package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/planforge/planforge/types"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	r := New(fastPolicy(3), zap.NewNop())

	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_ExhaustsBudget(t *testing.T) {
	t.Parallel()
	calls := 0
	r := New(fastPolicy(2), zap.NewNop())

	err := r.Do(context.Background(), func() error {
		calls++
		return errors.New("always")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.Contains(t, err.Error(), "failed after 2 retries")
}

func TestRetryer_NonRetryableStopsImmediately(t *testing.T) {
	t.Parallel()
	calls := 0
	policy := fastPolicy(5)
	policy.Classify = types.IsRetryable
	r := New(policy, zap.NewNop())

	fatal := types.NewError(types.ErrCodeBackendConfig, "missing api key")
	err := r.Do(context.Background(), func() error {
		calls++
		return fatal
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, types.HasErrorCode(err, types.ErrCodeBackendConfig))
}

func TestRetryer_ContextCancellation(t *testing.T) {
	t.Parallel()
	policy := &Policy{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}
	r := New(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error { return errors.New("transient") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelay_GrowsAndCaps(t *testing.T) {
	t.Parallel()
	p := &Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2.0}

	assert.Equal(t, 10*time.Millisecond, Delay(p, 1))
	assert.Equal(t, 20*time.Millisecond, Delay(p, 2))
	assert.Equal(t, 40*time.Millisecond, Delay(p, 3))
	// Capped from here on.
	assert.Equal(t, 40*time.Millisecond, Delay(p, 10))
}

func TestDelay_JitterStaysBounded(t *testing.T) {
	t.Parallel()
	p := &Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0, Jitter: true}

	for i := 0; i < 100; i++ {
		d := Delay(p, 3)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}
