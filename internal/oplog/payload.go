package oplog

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
)

// PayloadHash is the 128-bit xxh3 digest of the uncompressed payload bytes.
type PayloadHash [16]byte

// HashPayload computes the integrity hash of raw payload bytes.
func HashPayload(data []byte) PayloadHash {
	return PayloadHash(xxh3.Hash128(data).Bytes())
}

func (h PayloadHash) String() string { return hex.EncodeToString(h[:]) }

// ExternalPayload references bytes stored out of band.
type ExternalPayload struct {
	ID   uuid.UUID   `msgpack:"id" json:"id"`
	Hash PayloadHash `msgpack:"hash" json:"hash"`
	Size uint64      `msgpack:"size" json:"size"`
}

// Payload is either inline bytes or a reference to an external payload.
type Payload struct {
	Inline   []byte           `msgpack:"inline,omitempty" json:"inline,omitempty"`
	External *ExternalPayload `msgpack:"external,omitempty" json:"external,omitempty"`
}

// InlinePayload wraps bytes stored directly in the entry.
func InlinePayload(data []byte) Payload {
	return Payload{Inline: data}
}

// IsExternal reports whether the payload lives in the payload store.
func (p Payload) IsExternal() bool { return p.External != nil }

// Size is the uncompressed size of the payload bytes.
func (p Payload) Size() uint64 {
	if p.External != nil {
		return p.External.Size
	}
	return uint64(len(p.Inline))
}

// PayloadStore holds external payloads. Stored bytes are opaque to the
// store (compressed and framed by the oplog).
type PayloadStore interface {
	PutPayload(ctx context.Context, worker WorkerID, id uuid.UUID, data []byte) error
	GetPayload(ctx context.Context, worker WorkerID, id uuid.UUID) ([]byte, error)
	DeletePayloads(ctx context.Context, worker WorkerID) error
}

// ErrPayloadNotFound is returned by payload stores for missing payloads.
var ErrPayloadNotFound = errors.New("payload not found")

// MemoryPayloads is an in-process PayloadStore.
type MemoryPayloads struct {
	mu   sync.RWMutex
	data map[WorkerID]map[uuid.UUID][]byte
}

// NewMemoryPayloads creates an empty in-memory payload store.
func NewMemoryPayloads() *MemoryPayloads {
	return &MemoryPayloads{data: make(map[WorkerID]map[uuid.UUID][]byte)}
}

// PutPayload implements PayloadStore.
func (m *MemoryPayloads) PutPayload(_ context.Context, worker WorkerID, id uuid.UUID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.data[worker]
	if !ok {
		byID = make(map[uuid.UUID][]byte)
		m.data[worker] = byID
	}
	byID[id] = append([]byte(nil), data...)
	return nil
}

// GetPayload implements PayloadStore.
func (m *MemoryPayloads) GetPayload(_ context.Context, worker WorkerID, id uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[worker][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPayloadNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

// DeletePayloads implements PayloadStore.
func (m *MemoryPayloads) DeletePayloads(_ context.Context, worker WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, worker)
	return nil
}

// Tamper overwrites a stored payload. Test helper for corruption checks.
func (m *MemoryPayloads) Tamper(worker WorkerID, id uuid.UUID, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byID, ok := m.data[worker]; ok {
		byID[id] = data
	}
}

// EntryPayloads returns the payloads an entry carries, in field order.
func EntryPayloads(e Entry) []Payload {
	switch e := e.(type) {
	case *ImportedFunctionInvoked:
		return []Payload{e.Request, e.Response}
	case *ExportedFunctionInvoked:
		return []Payload{e.Request}
	case *ExportedFunctionCompleted:
		return []Payload{e.Response}
	case *PendingWorkerInvocation:
		return []Payload{e.Invocation.Params}
	case *DescribeResource:
		return []Payload{e.Params}
	case *CreateAgentInstance:
		return []Payload{e.Parameters}
	default:
		return nil
	}
}
