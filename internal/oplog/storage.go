package oplog

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// RawRecord is an encoded entry at its index. Backends store these opaquely.
type RawRecord struct {
	Index Index
	Data  []byte
}

// Storage is the durable backend of every worker's oplog.
//
// Implementations must make Append all-or-nothing: after a failed or
// cancelled Append none of its records are visible.
type Storage interface {
	// Append stores records that must continue the log exactly: the first
	// record's index is the stored last index plus one. Otherwise it fails
	// with ErrIndexConflict.
	Append(ctx context.Context, worker WorkerID, records []RawRecord) error

	// Read returns up to n records starting at from, in index order.
	Read(ctx context.Context, worker WorkerID, from Index, n int) ([]RawRecord, error)

	// Bounds returns the first and last retained index; (None, None) for
	// an empty log. After DeletePrefix, first is greater than Initial.
	Bounds(ctx context.Context, worker WorkerID) (first, last Index, err error)

	// DeletePrefix removes every record up to and including last and
	// returns how many were removed.
	DeletePrefix(ctx context.Context, worker WorkerID, last Index) (uint64, error)

	// Delete removes the worker's whole log.
	Delete(ctx context.Context, worker WorkerID) error

	// Workers lists workers with a non-empty log.
	Workers(ctx context.Context) ([]WorkerID, error)

	// WaitForReplicas blocks until n replicas acknowledged everything
	// appended so far. It returns false, not an error, on timeout.
	WaitForReplicas(ctx context.Context, n int, timeout time.Duration) (bool, error)
}

// MemoryStorage is an in-process Storage, used by tests and by executors
// configured with the memory backend.
type MemoryStorage struct {
	mu       sync.RWMutex
	logs     map[WorkerID]*memoryLog
	replicas int
}

type memoryLog struct {
	first   Index
	records []RawRecord
}

func (l *memoryLog) last() Index {
	if len(l.records) == 0 {
		return l.first.Prev()
	}
	return l.records[len(l.records)-1].Index
}

// NewMemoryStorage creates an empty memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{logs: make(map[WorkerID]*memoryLog)}
}

// SetReplicas sets how many replicas WaitForReplicas reports as in sync.
func (s *MemoryStorage) SetReplicas(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas = n
}

// Append implements Storage.
func (s *MemoryStorage) Append(ctx context.Context, worker WorkerID, records []RawRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[worker]
	if !ok {
		log = &memoryLog{first: Initial}
		s.logs[worker] = log
	}
	expected := log.last().Next()
	for i, r := range records {
		if r.Index != expected+Index(i) {
			return fmt.Errorf("%w: %s expected index %d, got %d", ErrIndexConflict, worker, expected+Index(i), r.Index)
		}
	}
	for _, r := range records {
		log.records = append(log.records, RawRecord{Index: r.Index, Data: slices.Clone(r.Data)})
	}
	return nil
}

// Read implements Storage.
func (s *MemoryStorage) Read(ctx context.Context, worker WorkerID, from Index, n int) ([]RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.logs[worker]
	if !ok || n <= 0 || from > log.last() {
		return nil, nil
	}
	if from < log.first {
		from = log.first
	}
	start := int(from - log.first)
	end := min(start+n, len(log.records))
	out := make([]RawRecord, 0, end-start)
	for _, r := range log.records[start:end] {
		out = append(out, RawRecord{Index: r.Index, Data: slices.Clone(r.Data)})
	}
	return out, nil
}

// Bounds implements Storage.
func (s *MemoryStorage) Bounds(_ context.Context, worker WorkerID) (Index, Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[worker]
	if !ok || len(log.records) == 0 {
		if ok {
			return None, log.last(), nil
		}
		return None, None, nil
	}
	return log.first, log.last(), nil
}

// DeletePrefix implements Storage.
func (s *MemoryStorage) DeletePrefix(_ context.Context, worker WorkerID, last Index) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[worker]
	if !ok || last < log.first {
		return 0, nil
	}
	last = min(last, log.last())
	n := int(last - log.first + 1)
	log.records = slices.Clone(log.records[n:])
	log.first = last.Next()
	return uint64(n), nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, worker WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, worker)
	return nil
}

// Workers implements Storage.
func (s *MemoryStorage) Workers(_ context.Context) ([]WorkerID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkerID, 0, len(s.logs))
	for w, log := range s.logs {
		if len(log.records) > 0 {
			out = append(out, w)
		}
	}
	slices.SortFunc(out, compareWorkers)
	return out, nil
}

// WaitForReplicas implements Storage. Replicas are simulated by SetReplicas.
func (s *MemoryStorage) WaitForReplicas(ctx context.Context, n int, timeout time.Duration) (bool, error) {
	s.mu.RLock()
	available := s.replicas
	s.mu.RUnlock()
	if n <= available {
		return true, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, nil
	}
}

func compareWorkers(a, b WorkerID) int {
	if c := slices.Compare(a.ComponentID[:], b.ComponentID[:]); c != 0 {
		return c
	}
	switch {
	case a.Name < b.Name:
		return -1
	case a.Name > b.Name:
		return 1
	default:
		return 0
	}
}
