package executor

import "time"

// Clock supplies wall-clock time to the executor: entry timestamps, the
// durable Now capability and retry backoff waits.
//
// Tests inject testutil.FakeClock so backoff can be stepped explicitly.
//
// Thread-safety: implementations must be safe for concurrent use; every
// worker goroutine shares the executor's clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// After returns time.After.
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
