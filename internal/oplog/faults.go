package oplog

import (
	"errors"
	"fmt"
	"sync"
)

// FaultInjector is consulted by FallibleAdd before an entry is written.
// A non-nil error makes the add fail as if storage had rejected it.
//
// Production oplogs use no injector; tests pass one explicitly.
type FaultInjector interface {
	BeforeAdd(worker WorkerID, kind Kind) error
}

// ErrInjected is the cause of every failure produced by CountingFaults.
var ErrInjected = errors.New("injected oplog failure")

// CountingFaults fails the first N fallible adds of chosen kinds, counted
// separately for every worker.
type CountingFaults struct {
	mu       sync.Mutex
	budget   map[Kind]int
	consumed map[faultKey]int
}

type faultKey struct {
	worker WorkerID
	kind   Kind
}

// NewCountingFaults creates an injector with no armed faults.
func NewCountingFaults() *CountingFaults {
	return &CountingFaults{
		budget:   make(map[Kind]int),
		consumed: make(map[faultKey]int),
	}
}

// FailTimes arms the injector to fail the first n adds of kind on every worker.
func (f *CountingFaults) FailTimes(kind Kind, n int) *CountingFaults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budget[kind] = n
	return f
}

// BeforeAdd implements FaultInjector.
func (f *CountingFaults) BeforeAdd(worker WorkerID, kind Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := faultKey{worker: worker, kind: kind}
	if f.consumed[key] >= f.budget[kind] {
		return nil
	}
	f.consumed[key]++
	return fmt.Errorf("%w: %s #%d", ErrInjected, kind, f.consumed[key])
}

// Injected returns how many failures were produced for worker and kind.
func (f *CountingFaults) Injected(worker WorkerID, kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumed[faultKey{worker: worker, kind: kind}]
}
