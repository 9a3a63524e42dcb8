// Package kv is the key-value capability offered to workers.
//
// Store is the backend contract; Badger implements it. Durable wraps a
// Store so every operation a worker performs goes through its durability
// controller: reads are recorded as ReadRemote calls and writes as
// WriteRemote calls, so a replaying worker sees the values it saw live and
// does not write again.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

// Store is a bucketed key-value backend.
type Store interface {
	// Get returns the value of key; ok is false if it is absent.
	Get(ctx context.Context, bucket, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	// Keys lists the keys of bucket in byte order.
	Keys(ctx context.Context, bucket string) ([]string, error)
}

// ErrInvalidBucket is returned for bucket names containing a slash.
var ErrInvalidBucket = errors.New("invalid bucket name")

// Badger is a Store on badger/v3.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ Store = (*Badger)(nil)

// OpenBadger opens the store in dir, or in memory when dir is empty.
func OpenBadger(dir string, logger *slog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open key-value store %q: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Badger{db: db, logger: logger.With("component", "kv")}, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func bucketPrefix(bucket string) ([]byte, error) {
	if bucket == "" || strings.Contains(bucket, "/") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBucket, bucket)
	}
	return []byte("kv/" + bucket + "/"), nil
}

func itemKey(bucket, key string) ([]byte, error) {
	prefix, err := bucketPrefix(bucket)
	if err != nil {
		return nil, err
	}
	return append(prefix, key...), nil
}

// Get implements Store.
func (b *Badger) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	k, err := itemKey(bucket, key)
	if err != nil {
		return nil, false, err
	}
	var value []byte
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (b *Badger) Set(ctx context.Context, bucket, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := itemKey(bucket, key)
	if err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error { return txn.Set(k, value) }); err != nil {
		return fmt.Errorf("set %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete implements Store. Deleting an absent key is not an error.
func (b *Badger) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := itemKey(bucket, key)
	if err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error { return txn.Delete(k) }); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Keys implements Store.
func (b *Badger) Keys(ctx context.Context, bucket string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix, err := bucketPrefix(bucket)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", bucket, err)
	}
	return keys, nil
}
