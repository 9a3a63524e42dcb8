package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentID_IsReadable(t *testing.T) {
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", ComponentID(1).String())
	assert.Equal(t, "00000000-0000-0000-0000-000000000042", ComponentID(42).String())
}

func TestSequentialKeys_Order(t *testing.T) {
	gen := NewSequentialKeys("inv")
	assert.Equal(t, "inv-1", gen.Generate())
	assert.Equal(t, "inv-2", gen.Generate())
}

func TestSequentialKeys_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "key-1", NewSequentialKeys("").Generate())
}

func TestSequentialKeys_ThreadSafe(t *testing.T) {
	gen := NewSequentialKeys("k")
	const n = 200

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := gen.Generate()
			mu.Lock()
			seen[key] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, n, "every key should be distinct")
}
