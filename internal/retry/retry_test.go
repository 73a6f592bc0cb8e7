package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{Retries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	var calls int32
	got, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), calls)
}

func TestDo_ExhaustsBudget(t *testing.T) {
	var calls int32
	boom := errors.New("boom")
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	// One attempt plus two retries
	assert.Equal(t, int32(3), calls)
}

func TestDo_PermanentErrorStops(t *testing.T) {
	var calls int32
	bad := errors.New("bad input")
	err := Run(context.Background(), fastConfig(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Stop(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, int32(1), calls)
}

func TestDo_PerAttemptTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.Retries = 1

	var calls int32
	err := Run(context.Background(), cfg, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), calls)
}

func TestDo_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	err := Run(ctx, fastConfig(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("fails")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls)
}
