package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseDelayExponentialCapped(t *testing.T) {
	c := Config{MaxAttempts: 10, MinDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3}

	assert.Equal(t, 100*time.Millisecond, c.BaseDelay(0))
	assert.Equal(t, 300*time.Millisecond, c.BaseDelay(1))
	assert.Equal(t, 900*time.Millisecond, c.BaseDelay(2))
	assert.Equal(t, time.Second, c.BaseDelay(3))
	assert.Equal(t, time.Second, c.BaseDelay(1000))
}

func TestDelayJitterBounded(t *testing.T) {
	c := Config{MaxAttempts: 5, MinDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxJitterFactor: 0.5}

	assert.Equal(t, 100*time.Millisecond, c.Delay(0, NoJitter))
	assert.Equal(t, 150*time.Millisecond, c.Delay(0, func() float64 { return 1 }))

	for i := 0; i < 100; i++ {
		d := c.Delay(1, RandomJitter)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.Less(t, d, 300*time.Millisecond)
	}
}

func TestDecide(t *testing.T) {
	c := Config{MaxAttempts: 3, MinDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		name      string
		attempts  uint32
		retryable bool
		expected  Decision
	}{
		{"first failure", 1, true, Decision{Retry: true, Delay: 10 * time.Millisecond}},
		{"second failure", 2, true, Decision{Retry: true, Delay: 20 * time.Millisecond}},
		{"attempts exhausted", 3, true, Decision{}},
		{"not retryable", 1, false, Decision{}},
		{"zero treated as first", 0, true, Decision{Retry: true, Delay: 10 * time.Millisecond}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.Decide(tt.attempts, tt.retryable, NoJitter))
		})
	}

	assert.False(t, None().Decide(1, true, NoJitter).Retry)
	assert.Equal(t, "fail", Decision{}.String())
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	bad := Default()
	bad.MaxDelay = bad.MinDelay / 2
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Multiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.MaxJitterFactor = 2
	assert.Error(t, bad.Validate())
}

var errShard = errors.New("invalid shard")

func TestDoRetriesUntilSuccess(t *testing.T) {
	c := Config{MaxAttempts: 5, MinDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	calls := 0
	err := Do(context.Background(), c, "route", func(context.Context) error {
		calls++
		if calls < 3 {
			return errShard
		}
		return nil
	}, func(err error) bool { return errors.Is(err, errShard) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), Default(), "route", func(context.Context) error {
		calls++
		return permanent
	}, func(err error) bool { return errors.Is(err, errShard) })

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoExhausts(t *testing.T) {
	c := Config{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	err := Do(context.Background(), c, "route", func(context.Context) error {
		return errShard
	}, func(error) bool { return true })

	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errShard)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := Config{MaxAttempts: 10, MinDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	err := Do(ctx, c, "route", func(context.Context) error {
		cancel()
		return errShard
	}, func(error) bool { return true })

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithoutRetriesRunsOnce(t *testing.T) {
	for _, c := range []Config{None(), {MaxAttempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}} {
		calls := 0
		err := Do(context.Background(), c, "route", func(context.Context) error {
			calls++
			return errShard
		}, func(error) bool { return true })

		assert.ErrorIs(t, err, ErrExhausted)
		assert.Equal(t, 1, calls)
	}
}
