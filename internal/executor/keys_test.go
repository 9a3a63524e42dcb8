package executor

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/testutil"
)

func TestUUIDv7Generator_Sortable(t *testing.T) {
	gen := UUIDv7Generator{}
	a, b := gen.Generate(), gen.Generate()

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, a, b)
}

func TestFixedGenerator_Order(t *testing.T) {
	gen := NewFixedGenerator("k-1", "k-2")
	assert.Equal(t, "k-1", gen.Generate())
	assert.Equal(t, "k-2", gen.Generate())
	assert.PanicsWithValue(t, "FixedGenerator: all keys exhausted", func() { gen.Generate() })
}

func TestRPCKey_Deterministic(t *testing.T) {
	caller := oplog.WorkerID{ComponentID: testutil.ComponentID(1), Name: "caller"}

	k1 := rpcKey(caller, 7, 1)
	assert.Equal(t, k1, rpcKey(caller, 7, 1), "same position must give the same key")
	assert.NotEqual(t, k1, rpcKey(caller, 7, 2))
	assert.NotEqual(t, k1, rpcKey(caller, 8, 1))

	other := oplog.WorkerID{ComponentID: testutil.ComponentID(1), Name: "other"}
	assert.NotEqual(t, k1, rpcKey(other, 7, 1))

	id, err := uuid.Parse(k1)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), id.Version())
}
