package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig(attempts int) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(2), func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetry_NotRetryable(t *testing.T) {
	cfg := fastConfig(5)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, errTransient) }

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestRetry_Disabled(t *testing.T) {
	cfg := fastConfig(5)
	cfg.Enabled = false
	calls := 0
	_ = Retry(context.Background(), cfg, func() error { calls++; return errTransient })
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	cfg := fastConfig(-1)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := Retry(ctx, cfg, func() error { return errTransient })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_ReturnsResult(t *testing.T) {
	v, err := Do(context.Background(), fastConfig(1), func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	b := NewBackoff(Config{InitialDelay: 250 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	assert.Equal(t, 250*time.Millisecond, b.Next())
	assert.Equal(t, 500*time.Millisecond, b.Next())
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, 4, b.Attempt())

	b.Reset()
	assert.Equal(t, 250*time.Millisecond, b.Next())
}

func TestBackoff_JitterBounds(t *testing.T) {
	cfg := ReconnectConfig()
	for i := 0; i < 100; i++ {
		b := NewBackoff(cfg)
		d := b.Next()
		assert.GreaterOrEqual(t, d, 187*time.Millisecond)
		assert.LessOrEqual(t, d, 313*time.Millisecond)
	}
}
