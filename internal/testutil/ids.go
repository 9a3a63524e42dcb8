package testutil

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ComponentID returns a fixed, readable component id for test n:
// ComponentID(1) is 00000000-0000-0000-0000-000000000001.
//
// Fixed ids keep worker ids, pool keys and golden dumps reproducible.
func ComponentID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

// SequentialKeys generates idempotency keys "<prefix>-1", "<prefix>-2", ...
//
// Unlike executor.FixedGenerator it never runs out, which suits tests that
// only need keys to be distinct and reproducible.
//
// Thread-safety: SequentialKeys is safe for concurrent use via internal mutex.
type SequentialKeys struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialKeys creates a generator. An empty prefix defaults to "key".
func NewSequentialKeys(prefix string) *SequentialKeys {
	if prefix == "" {
		prefix = "key"
	}
	return &SequentialKeys{prefix: prefix}
}

// Generate returns the next key.
func (g *SequentialKeys) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
