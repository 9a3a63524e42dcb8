package executor

import (
	"errors"
	"fmt"
)

// FuelMeter tracks the fuel one invocation consumes and enforces the
// per-invocation budget.
//
// Each attempt has its own meter. It is reset when an invocation starts
// and charged by Host.ConsumeFuel while the worker runs live; replayed
// execution is free, so a worker suspended for lack of fuel gets its full
// budget again when it resumes.
type FuelMeter struct {
	budget   int64 // 0 means unlimited
	consumed int64
}

// NewFuelMeter creates a meter with the given per-invocation budget.
// A budget of 0 disables the limit.
func NewFuelMeter(budget int64) *FuelMeter {
	return &FuelMeter{budget: budget}
}

// Consume charges n units and reports exhaustion.
func (m *FuelMeter) Consume(n int64) error {
	if n < 0 {
		return fmt.Errorf("fuel: cannot consume %d units", n)
	}
	m.consumed += n
	if m.budget > 0 && m.consumed > m.budget {
		return &OutOfFuelError{Consumed: m.consumed, Budget: m.budget}
	}
	return nil
}

// Reset starts a new invocation.
func (m *FuelMeter) Reset() {
	m.consumed = 0
}

// Consumed returns the fuel charged since the last Reset.
func (m *FuelMeter) Consumed() int64 {
	return m.consumed
}

// Budget returns the per-invocation budget.
func (m *FuelMeter) Budget() int64 {
	return m.budget
}

// OutOfFuelError is returned when an invocation exceeds its fuel budget.
//
// The worker is suspended, not failed: it records a Suspend entry and
// continues by replay when resumed.
type OutOfFuelError struct {
	Consumed int64
	Budget   int64
}

// Error implements the error interface.
func (e *OutOfFuelError) Error() string {
	return fmt.Sprintf("out of fuel: consumed %d of %d", e.Consumed, e.Budget)
}

// IsOutOfFuel returns true if the error is an OutOfFuelError.
// Uses errors.As to handle wrapped errors.
func IsOutOfFuel(err error) bool {
	var oe *OutOfFuelError
	return errors.As(err, &oe)
}
