package executor

import (
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/golemexec/internal/oplog"
)

// KeyGenerator produces idempotency keys for invocations submitted
// without one. Implemented by UUIDv7Generator (production) and
// FixedGenerator (tests).
type KeyGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 idempotency keys.
//
// UUIDv7 embeds a timestamp in the most significant bits, so keys sort by
// submission time in oplog dumps.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined keys for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

// NewFixedGenerator creates a generator that returns keys in order.
//
//	gen := NewFixedGenerator("k-1", "k-2")
//	gen.Generate() // "k-1"
//	gen.Generate() // "k-2"
//	gen.Generate() // panic: all keys exhausted
func NewFixedGenerator(keys ...string) *FixedGenerator {
	return &FixedGenerator{keys: keys}
}

// Generate returns the next predetermined key.
//
// Panics if all keys have been consumed, to catch tests that submit more
// invocations than they expect.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.keys) {
		panic("FixedGenerator: all keys exhausted")
	}
	key := g.keys[g.idx]
	g.idx++
	return key
}

// rpcNamespace scopes the idempotency keys of worker-to-worker calls.
var rpcNamespace = uuid.MustParse("6a4b1f1e-6f0e-4c61-9d8a-7e0f1d2c3b4a")

// rpcKey derives the idempotency key of an outgoing call from the caller,
// the oplog index of the invocation making it and the call's position
// within that invocation. A retried invocation makes the same calls in the
// same order, so the callee sees the same keys and deduplicates.
func rpcKey(caller oplog.WorkerID, invocation oplog.Index, seq uint64) string {
	name := caller.String() + "#" + invocation.String() + "#" + strconv.FormatUint(seq, 10)
	return uuid.NewSHA1(rpcNamespace, []byte(name)).String()
}
