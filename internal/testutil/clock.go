package testutil

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced wall clock for tests.
//
// Time only moves when Advance or Set is called. Timers created by After
// fire once the clock reaches their deadline, which lets tests step a
// worker through its retry backoff without sleeping.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	waiters []chan struct{}
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// FakeEpoch is the default start time of a FakeClock.
var FakeEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewFakeClock creates a clock at FakeEpoch.
func NewFakeClock() *FakeClock {
	return NewFakeClockAt(FakeEpoch)
}

// NewFakeClockAt creates a clock at t.
func NewFakeClockAt(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives the fake time once the clock has
// been advanced by at least d. A non-positive d fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, &fakeTimer{deadline: c.now.Add(d), ch: ch})
	sort.SliceStable(c.timers, func(i, j int) bool {
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	c.notifyLocked()
	return ch
}

// Advance moves the clock forward by d and fires every timer whose
// deadline has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(c.now.Add(d))
}

// Set moves the clock to t. Moving backwards fires nothing.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(t)
}

func (c *FakeClock) setLocked(t time.Time) {
	c.now = t
	i := 0
	for ; i < len(c.timers); i++ {
		if c.timers[i].deadline.After(t) {
			break
		}
		c.timers[i].ch <- t
	}
	c.timers = c.timers[i:]
}

// Pending returns the number of timers that have not fired yet.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// NextDeadline returns how far the earliest pending timer is from now.
// ok is false if no timer is pending.
func (c *FakeClock) NextDeadline() (d time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return 0, false
	}
	return c.timers[0].deadline.Sub(c.now), true
}

// BlockUntil waits until at least n timers are pending or the timeout
// elapses (in real time). It returns whether the count was reached.
//
// Used to synchronize with a goroutine that is about to wait on the clock:
//
//	require.True(t, clock.BlockUntil(1, time.Second))
//	clock.Advance(backoff)
func (c *FakeClock) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		if len(c.timers) >= n {
			c.mu.Unlock()
			return true
		}
		wake := make(chan struct{})
		c.waiters = append(c.waiters, wake)
		c.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return false
		}
	}
}

func (c *FakeClock) notifyLocked() {
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}
