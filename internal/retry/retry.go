// Package retry decides whether a failed operation is retried and when.
//
// The same Config drives two loops: worker-level recovery after a failed
// invocation (the executor counts trailing Error entries in the oplog and
// asks Decide), and short transport loops such as routing a call to a
// worker whose shard moved (Do).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config is the retry policy of a worker or a call site.
//
// Delay for attempt n (0-based) is min(MaxDelay, MinDelay * Multiplier^n),
// then extended by up to MaxJitterFactor of itself.
type Config struct {
	MaxAttempts     uint32        `json:"max_attempts" yaml:"max_attempts" msgpack:"max_attempts"`
	MinDelay        time.Duration `json:"min_delay" yaml:"min_delay" msgpack:"min_delay"`
	MaxDelay        time.Duration `json:"max_delay" yaml:"max_delay" msgpack:"max_delay"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier" msgpack:"multiplier"`
	MaxJitterFactor float64       `json:"max_jitter_factor" yaml:"max_jitter_factor" msgpack:"max_jitter_factor"`
}

// Default returns the policy used when neither configuration nor the worker
// overrides it.
func Default() Config {
	return Config{
		MaxAttempts:     3,
		MinDelay:        100 * time.Millisecond,
		MaxDelay:        time.Second,
		Multiplier:      3,
		MaxJitterFactor: 0.15,
	}
}

// None never retries.
func None() Config {
	return Config{MaxAttempts: 0}
}

// Validate checks the policy for values that would make the backoff
// ill-defined.
func (c Config) Validate() error {
	switch {
	case c.MinDelay < 0 || c.MaxDelay < 0:
		return fmt.Errorf("retry: delays must not be negative")
	case c.MaxDelay < c.MinDelay:
		return fmt.Errorf("retry: max_delay %s is below min_delay %s", c.MaxDelay, c.MinDelay)
	case c.Multiplier < 1:
		return fmt.Errorf("retry: multiplier %v must be at least 1", c.Multiplier)
	case c.MaxJitterFactor < 0 || c.MaxJitterFactor > 1:
		return fmt.Errorf("retry: max_jitter_factor %v must be within [0, 1]", c.MaxJitterFactor)
	}
	return nil
}

// exponential returns a started backoff whose intervals follow c. It never
// gives up on its own; callers bound it by attempts.
func (c Config) exponential(randomization float64) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.MinDelay,
		RandomizationFactor: randomization,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// BaseDelay returns the un-jittered delay before retry number attempt
// (0-based).
func (c Config) BaseDelay(attempt uint32) time.Duration {
	b := c.exponential(0)
	d := b.NextBackOff()
	for i := uint32(0); i < attempt && d < c.MaxDelay && c.Multiplier > 1; i++ {
		d = b.NextBackOff()
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Jitter returns a value in [0, 1). Injected so tests are deterministic.
type Jitter func() float64

// NoJitter always returns 0.
func NoJitter() float64 { return 0 }

// RandomJitter draws from math/rand/v2.
func RandomJitter() float64 { return rand.Float64() }

// Delay returns the jittered delay before retry number attempt.
func (c Config) Delay(attempt uint32, jitter Jitter) time.Duration {
	base := c.BaseDelay(attempt)
	if c.MaxJitterFactor <= 0 || jitter == nil {
		return base
	}
	return base + time.Duration(float64(base)*c.MaxJitterFactor*jitter())
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

func (d Decision) String() string {
	if d.Retry {
		return fmt.Sprintf("retry after %s", d.Delay)
	}
	return "fail"
}

// Decide returns the decision after a failure. attempts is the number of
// consecutive failed attempts including the one just observed, so
// MaxAttempts bounds the total number of executions.
func (c Config) Decide(attempts uint32, retryable bool, jitter Jitter) Decision {
	if attempts == 0 {
		attempts = 1
	}
	if !retryable || attempts >= c.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: c.Delay(attempts-1, jitter)}
}

// ErrExhausted wraps the last error once Do gives up.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do runs op until it succeeds, returns a non-retriable error, attempts run
// out, or ctx is done. Waits between attempts are randomized by
// MaxJitterFactor in both directions.
func Do(ctx context.Context, c Config, description string, op func(context.Context) error, isRetriable func(error) bool) error {
	var retries uint64
	if c.MaxAttempts > 1 {
		retries = uint64(c.MaxAttempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.exponential(c.MaxJitterFactor), retries), ctx)

	var attempts uint32
	permanent := false
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err != nil && (isRetriable == nil || !isRetriable(err)) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		slog.Warn("retrying", "op", description, "attempt", attempts, "delay", delay, "error", err)
	})
	if err == nil || permanent || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", description, ErrExhausted, attempts, err)
}
