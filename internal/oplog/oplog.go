// Package oplog is the per-worker, append-only, totally ordered log of
// everything a worker did: host calls with their results, invocation
// boundaries, failures, and lifecycle changes.
//
// Entries are buffered by Add and made durable by Commit; FallibleAdd adds
// and commits in one step and reports failure. Indexes are assigned at Add
// time, start at Initial and never have gaps.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/golemexec/internal/compress"
)

// Record is an entry at its index.
type Record struct {
	Index Index
	Entry Entry
}

// Observer receives oplog activity. The metrics collector implements it.
type Observer interface {
	EntryAdded(kind Kind)
	FallibleAddFailed(kind Kind)
	Committed(entries int, elapsed time.Duration)
}

// Options configures an Oplog.
type Options struct {
	// Payloads stores payloads above InlineThreshold. Defaults to an
	// in-memory store.
	Payloads PayloadStore

	// InlineThreshold is the largest payload kept inside its entry.
	InlineThreshold int

	// Compression is applied to external payloads.
	Compression compress.Type

	// Replicas is the replica count Always commits wait for.
	Replicas int

	// ReplicaTimeout bounds the wait of Always commits.
	ReplicaTimeout time.Duration

	// Faults is consulted by FallibleAdd. Nil injects nothing.
	Faults FaultInjector

	// Now supplies entry timestamps. Defaults to time.Now.
	Now func() time.Time

	Observer Observer
	Logger   *slog.Logger
}

// DefaultInlineThreshold keeps payloads up to 1 KiB inside entries.
const DefaultInlineThreshold = 1024

// Oplog is one worker's log. It is owned by the worker's execution task;
// the mutex protects readers such as status queries and the CLI.
type Oplog struct {
	worker  WorkerID
	storage Storage
	opts    Options
	logger  *slog.Logger

	mu            sync.Mutex
	first         Index
	lastCommitted Index
	pending       []Record
	level         PersistenceLevel
	closed        bool
}

// Open attaches to the worker's stored log.
func Open(ctx context.Context, worker WorkerID, storage Storage, opts Options) (*Oplog, error) {
	if opts.Payloads == nil {
		opts.Payloads = NewMemoryPayloads()
	}
	if opts.InlineThreshold <= 0 {
		opts.InlineThreshold = DefaultInlineThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	first, last, err := storage.Bounds(ctx, worker)
	if err != nil {
		return nil, fmt.Errorf("open oplog of %s: %w", worker, err)
	}
	if first == None {
		first = last.Next()
	}
	return &Oplog{
		worker:        worker,
		storage:       storage,
		opts:          opts,
		logger:        logger.With("component", "oplog", "worker", worker.String()),
		first:         first,
		lastCommitted: last,
	}, nil
}

// WorkerID returns the owning worker.
func (o *Oplog) WorkerID() WorkerID { return o.worker }

// Add appends an entry to the buffer and returns its index. It never fails;
// durability is reconciled by Commit. With persistence off the entry is
// dropped and the current index is returned.
func (o *Oplog) Add(e Entry) Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.level == PersistNothing {
		return o.currentLocked()
	}
	return o.addLocked(e)
}

func (o *Oplog) addLocked(e Entry) Index {
	e.stamp(o.opts.Now())
	idx := o.currentLocked().Next()
	o.pending = append(o.pending, Record{Index: idx, Entry: e})
	if o.opts.Observer != nil {
		o.opts.Observer.EntryAdded(e.Kind())
	}
	return idx
}

// FallibleAdd appends and commits a single entry, reporting failure as a
// *DurabilityError. On failure nothing of e is stored and its index is not
// consumed. Earlier buffered entries are committed first.
func (o *Oplog) FallibleAdd(ctx context.Context, e Entry) (Index, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return None, ErrClosed
	}
	if o.level == PersistNothing {
		return o.currentLocked(), nil
	}
	if _, err := o.commitLocked(ctx); err != nil {
		return None, o.durabilityError(e.Kind(), err)
	}
	if o.opts.Faults != nil {
		if err := o.opts.Faults.BeforeAdd(o.worker, e.Kind()); err != nil {
			return None, o.durabilityError(e.Kind(), err)
		}
	}
	idx := o.addLocked(e)
	if _, err := o.commitLocked(ctx); err != nil {
		o.pending = o.pending[:0]
		return None, o.durabilityError(e.Kind(), err)
	}
	return idx, nil
}

func (o *Oplog) durabilityError(kind Kind, err error) error {
	if o.opts.Observer != nil {
		o.opts.Observer.FallibleAddFailed(kind)
	}
	o.logger.Warn("fallible add failed", "kind", kind.String(), "error", err)
	return &DurabilityError{Worker: o.worker, Kind: kind, Err: err}
}

// Commit flushes buffered entries and returns the entries made durable by
// this call. Either all buffered entries land or none do; on failure they
// stay buffered for the next attempt.
func (o *Oplog) Commit(ctx context.Context, level CommitLevel) ([]Record, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if level == DurableOnly && o.level == PersistNothing {
		o.mu.Unlock()
		return nil, nil
	}
	committed, err := o.commitLocked(ctx)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if level == Always && o.opts.Replicas > 0 && len(committed) > 0 {
		ok, err := o.WaitForReplicas(ctx, o.opts.Replicas, o.opts.ReplicaTimeout)
		if err != nil {
			return committed, fmt.Errorf("wait for replicas: %w", err)
		}
		if !ok {
			o.logger.Warn("replicas did not acknowledge in time",
				"replicas", o.opts.Replicas, "timeout", o.opts.ReplicaTimeout)
		}
	}
	return committed, nil
}

func (o *Oplog) commitLocked(ctx context.Context) ([]Record, error) {
	if len(o.pending) == 0 {
		return nil, nil
	}
	start := time.Now()
	raw := make([]RawRecord, len(o.pending))
	for i, r := range o.pending {
		data, err := Encode(r.Entry)
		if err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		raw[i] = RawRecord{Index: r.Index, Data: data}
	}
	if err := o.storage.Append(ctx, o.worker, raw); err != nil {
		return nil, fmt.Errorf("commit %d entries: %w", len(raw), err)
	}

	committed := o.pending
	o.pending = nil
	o.lastCommitted = committed[len(committed)-1].Index
	if o.opts.Observer != nil {
		o.opts.Observer.Committed(len(committed), time.Since(start))
	}
	return committed, nil
}

// Read returns the entry at idx, buffered or stored.
func (o *Oplog) Read(ctx context.Context, idx Index) (Entry, error) {
	records, err := o.ReadMany(ctx, idx, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || records[0].Index != idx {
		return nil, fmt.Errorf("%w: %s at %d", ErrNotFound, o.worker, idx)
	}
	return records[0].Entry, nil
}

// ReadMany returns up to n entries starting at from, in index order.
func (o *Oplog) ReadMany(ctx context.Context, from Index, n int) ([]Record, error) {
	o.mu.Lock()
	lastCommitted := o.lastCommitted
	pending := append([]Record(nil), o.pending...)
	o.mu.Unlock()

	if from == None {
		from = Initial
	}
	var out []Record
	if from <= lastCommitted {
		count := min(n, int(lastCommitted-from+1))
		raw, err := o.storage.Read(ctx, o.worker, from, count)
		if err != nil {
			return nil, fmt.Errorf("read oplog of %s at %d: %w", o.worker, from, err)
		}
		out = make([]Record, 0, len(raw))
		for _, r := range raw {
			e, err := Decode(r.Data)
			if err != nil {
				return nil, fmt.Errorf("read oplog of %s at %d: %w", o.worker, r.Index, err)
			}
			out = append(out, Record{Index: r.Index, Entry: e})
		}
	}
	for _, r := range pending {
		if len(out) >= n {
			break
		}
		if r.Index >= from {
			out = append(out, r)
		}
	}
	return out, nil
}

// ReadAll returns every retained entry.
func (o *Oplog) ReadAll(ctx context.Context) ([]Record, error) {
	o.mu.Lock()
	first, last := o.first, o.currentLocked()
	o.mu.Unlock()
	if last < first {
		return nil, nil
	}
	return o.ReadMany(ctx, first, int(last-first+1))
}

// ErrSkippedRegion is returned by DropPrefix when the cut would fall inside
// or before a region that a retained Jump or Revert tells replay to skip.
var ErrSkippedRegion = errors.New("cut inside a skipped region")

// DropPrefix removes committed entries up to and including last and returns
// how many were removed. It refuses cuts that would leave a retained Jump or
// Revert pointing into the dropped prefix.
func (o *Oplog) DropPrefix(ctx context.Context, last Index) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if last > o.lastCommitted {
		return 0, fmt.Errorf("drop prefix of %s: index %d is not committed (last committed %d)", o.worker, last, o.lastCommitted)
	}
	if err := o.checkCutLocked(ctx, last); err != nil {
		return 0, fmt.Errorf("drop prefix of %s: %w", o.worker, err)
	}
	n, err := o.storage.DeletePrefix(ctx, o.worker, last)
	if err != nil {
		return 0, fmt.Errorf("drop prefix of %s: %w", o.worker, err)
	}
	if last >= o.first {
		o.first = last.Next()
	}
	o.logger.Info("dropped oplog prefix", "last_dropped", last, "count", n)
	return n, nil
}

// checkCutLocked rejects last when an entry after it declares a skipped
// region that extends past last.
func (o *Oplog) checkCutLocked(ctx context.Context, last Index) error {
	retained := append([]Record(nil), o.pending...)
	if last < o.lastCommitted {
		raw, err := o.storage.Read(ctx, o.worker, last.Next(), int(o.lastCommitted-last))
		if err != nil {
			return err
		}
		stored := make([]Record, 0, len(raw))
		for _, r := range raw {
			e, err := Decode(r.Data)
			if err != nil {
				return fmt.Errorf("entry %d: %w", r.Index, err)
			}
			stored = append(stored, Record{Index: r.Index, Entry: e})
		}
		retained = append(stored, retained...)
	}
	for _, r := range retained {
		var region Region
		switch e := r.Entry.(type) {
		case *Jump:
			region = e.Jump
		case *Revert:
			region = e.DroppedRegion
		default:
			continue
		}
		if region.End >= region.Start && last < region.End {
			return fmt.Errorf("%w: %s at %d skips [%d, %d], cut at %d", ErrSkippedRegion, r.Entry.Kind(), r.Index, region.Start, region.End, last)
		}
	}
	return nil
}

// CurrentIndex returns the index of the last added entry.
func (o *Oplog) CurrentIndex() Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentLocked()
}

func (o *Oplog) currentLocked() Index {
	if n := len(o.pending); n > 0 {
		return o.pending[n-1].Index
	}
	return o.lastCommitted
}

// LastCommitted returns the index of the last durable entry.
func (o *Oplog) LastCommitted() Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCommitted
}

// FirstIndex returns the first retained index.
func (o *Oplog) FirstIndex() Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.first
}

// Length returns the number of retained entries, buffered ones included.
func (o *Oplog) Length() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.currentLocked()
	if cur < o.first {
		return 0
	}
	return uint64(cur - o.first + 1)
}

// PersistenceLevel returns the current level.
func (o *Oplog) PersistenceLevel() PersistenceLevel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.level
}

// SwitchPersistenceLevel changes the level. Recording the change is the
// caller's job, so that it is replayed in order with the calls around it.
func (o *Oplog) SwitchPersistenceLevel(level PersistenceLevel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.level != level {
		o.logger.Debug("persistence level changed", "from", o.level.String(), "to", level.String())
	}
	o.level = level
}

// WaitForReplicas blocks until n replicas acknowledged the current index.
// It returns false on timeout.
func (o *Oplog) WaitForReplicas(ctx context.Context, n int, timeout time.Duration) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	return o.storage.WaitForReplicas(ctx, n, timeout)
}

// UploadPayload stores data out of band and returns its reference.
func (o *Oplog) UploadPayload(ctx context.Context, data []byte) (ExternalPayload, error) {
	framed, err := compress.Encode(o.opts.Compression, data)
	if err != nil {
		return ExternalPayload{}, fmt.Errorf("upload payload: %w", err)
	}
	ref := ExternalPayload{ID: uuid.New(), Hash: HashPayload(data), Size: uint64(len(data))}
	if err := o.opts.Payloads.PutPayload(ctx, o.worker, ref.ID, framed); err != nil {
		return ExternalPayload{}, fmt.Errorf("upload payload %s: %w", ref.ID, err)
	}
	return ref, nil
}

// DownloadPayload fetches an external payload and verifies its hash. A
// mismatch or undecodable payload is a *PayloadCorruptedError.
func (o *Oplog) DownloadPayload(ctx context.Context, ref ExternalPayload) ([]byte, error) {
	framed, err := o.opts.Payloads.GetPayload(ctx, o.worker, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("download payload %s: %w", ref.ID, err)
	}
	data, err := compress.Decode(framed)
	if err != nil {
		return nil, &PayloadCorruptedError{Worker: o.worker, Payload: ref, Cause: err}
	}
	if actual := HashPayload(data); actual != ref.Hash || uint64(len(data)) != ref.Size {
		return nil, &PayloadCorruptedError{Worker: o.worker, Payload: ref, Actual: actual}
	}
	return data, nil
}

// MakePayload keeps small values inline and uploads large ones.
func (o *Oplog) MakePayload(ctx context.Context, data []byte) (Payload, error) {
	if len(data) <= o.opts.InlineThreshold {
		return InlinePayload(data), nil
	}
	ref, err := o.UploadPayload(ctx, data)
	if err != nil {
		return Payload{}, err
	}
	return Payload{External: &ref}, nil
}

// PayloadBytes resolves a payload to its bytes.
func (o *Oplog) PayloadBytes(ctx context.Context, p Payload) ([]byte, error) {
	if p.External == nil {
		return p.Inline, nil
	}
	return o.DownloadPayload(ctx, *p.External)
}

// Close commits buffered entries and rejects further commits.
func (o *Oplog) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	_, err := o.commitLocked(ctx)
	o.closed = true
	return err
}
