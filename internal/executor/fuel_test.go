package executor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuelMeter_WithinBudget(t *testing.T) {
	m := NewFuelMeter(10)

	for i := 0; i < 10; i++ {
		assert.NoError(t, m.Consume(1), "unit %d should be allowed", i+1)
	}
	assert.Equal(t, int64(10), m.Consumed())
	assert.Equal(t, int64(10), m.Budget())
}

func TestFuelMeter_ExceedsBudget(t *testing.T) {
	m := NewFuelMeter(5)
	require.NoError(t, m.Consume(5))

	err := m.Consume(2)
	require.Error(t, err)

	var oof *OutOfFuelError
	require.ErrorAs(t, err, &oof)
	assert.Equal(t, int64(7), oof.Consumed)
	assert.Equal(t, int64(5), oof.Budget)
	assert.True(t, IsOutOfFuel(fmt.Errorf("invoke: %w", err)))
}

func TestFuelMeter_Unlimited(t *testing.T) {
	m := NewFuelMeter(0)
	assert.NoError(t, m.Consume(1<<40))
}

func TestFuelMeter_Reset(t *testing.T) {
	m := NewFuelMeter(5)
	require.NoError(t, m.Consume(5))

	m.Reset()
	assert.Equal(t, int64(0), m.Consumed())
	assert.NoError(t, m.Consume(5))
}

func TestFuelMeter_NegativeRejected(t *testing.T) {
	m := NewFuelMeter(5)
	err := m.Consume(-1)
	require.Error(t, err)
	assert.False(t, IsOutOfFuel(err))
}

func TestOutOfFuelError_Error(t *testing.T) {
	err := &OutOfFuelError{Consumed: 1001, Budget: 1000}
	assert.Equal(t, "out of fuel: consumed 1001 of 1000", err.Error())
}
