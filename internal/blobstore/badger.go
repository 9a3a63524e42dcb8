// Package blobstore keeps external oplog payloads in a badger database.
//
// Keys are "payload/<worker>/<payload id>". All payloads of a worker share a
// prefix, so deleting a worker is a single prefix drop.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/roach88/golemexec/internal/oplog"
)

var _ oplog.PayloadStore = (*Badger)(nil)

// Options configures a Badger store.
type Options struct {
	// Dir is the database directory. Empty keeps everything in memory.
	Dir string

	Logger *slog.Logger
}

// Badger is an oplog.PayloadStore on badger/v3.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens or creates the store.
func Open(opts Options) (*Badger, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open payload store %q: %w", opts.Dir, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Badger{db: db, logger: logger.With("component", "blobstore")}, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func workerPrefix(worker oplog.WorkerID) []byte {
	return []byte("payload/" + worker.String() + "/")
}

func payloadKey(worker oplog.WorkerID, id uuid.UUID) []byte {
	return append(workerPrefix(worker), id[:]...)
}

// PutPayload implements oplog.PayloadStore.
func (b *Badger) PutPayload(ctx context.Context, worker oplog.WorkerID, id uuid.UUID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(payloadKey(worker, id), data)
	})
	if err != nil {
		return fmt.Errorf("put payload %s: %w", id, err)
	}
	return nil
}

// GetPayload implements oplog.PayloadStore.
func (b *Badger) GetPayload(ctx context.Context, worker oplog.WorkerID, id uuid.UUID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(payloadKey(worker, id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", oplog.ErrPayloadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s: %w", id, err)
	}
	return data, nil
}

// DeletePayloads implements oplog.PayloadStore.
func (b *Badger) DeletePayloads(_ context.Context, worker oplog.WorkerID) error {
	if err := b.db.DropPrefix(workerPrefix(worker)); err != nil {
		return fmt.Errorf("delete payloads of %s: %w", worker, err)
	}
	b.logger.Debug("deleted payloads", "worker", worker.String())
	return nil
}

// Count returns how many payloads are stored for worker.
func (b *Badger) Count(worker oplog.WorkerID) (int, error) {
	prefix := workerPrefix(worker)
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count payloads of %s: %w", worker, err)
	}
	return n, nil
}
