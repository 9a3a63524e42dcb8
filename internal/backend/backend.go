// Package backend opens the stores a configuration selects and turns the
// rest of the configuration into executor options.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/golemexec/internal/blobstore"
	"github.com/roach88/golemexec/internal/config"
	"github.com/roach88/golemexec/internal/executor"
	"github.com/roach88/golemexec/internal/kv"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/rdbms"
	"github.com/roach88/golemexec/internal/redisstore"
	"github.com/roach88/golemexec/internal/store"
)

// Backend holds the opened stores. Close releases them in reverse order.
type Backend struct {
	Storage  oplog.Storage
	Payloads oplog.PayloadStore
	KV       kv.Store

	cfg     *config.Config
	logger  *slog.Logger
	closers []io.Closer
}

// Open opens the oplog storage, the payload store, and the key-value store
// selected by cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{cfg: cfg, logger: logger}
	if err := b.open(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	logger.Info("backend opened",
		"component", "backend",
		"storage", cfg.Storage.Backend,
		"payloads", cfg.Payloads.Backend)
	return b, nil
}

func (b *Backend) open(ctx context.Context) error {
	cfg := b.cfg
	switch cfg.Storage.Backend {
	case "memory":
		b.Storage = oplog.NewMemoryStorage()
	case "sqlite":
		st, err := store.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open sqlite storage %q: %w", cfg.Storage.Path, err)
		}
		b.closers = append(b.closers, st)
		b.Storage = st
		if cfg.Payloads.Backend == "sqlite" {
			b.Payloads = st
		}
	case "redis":
		r := redisstore.New(redisstore.NewPool(cfg.Storage.Redis.Address, cfg.Storage.Redis.MaxIdle), cfg.Storage.Redis.Prefix)
		b.closers = append(b.closers, r)
		if _, err := r.Workers(ctx); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.Storage.Redis.Address, err)
		}
		b.Storage = r
		if cfg.Payloads.Backend == "redis" {
			b.Payloads = r
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	switch cfg.Payloads.Backend {
	case "memory":
		b.Payloads = oplog.NewMemoryPayloads()
	case "badger":
		blobs, err := blobstore.Open(blobstore.Options{Dir: cfg.Payloads.Dir, Logger: b.logger})
		if err != nil {
			return err
		}
		b.closers = append(b.closers, blobs)
		b.Payloads = blobs
	}
	if b.Payloads == nil {
		return fmt.Errorf("payload backend %q is not available with storage backend %q", cfg.Payloads.Backend, cfg.Storage.Backend)
	}

	kvs, err := kv.OpenBadger(cfg.Executor.KVDir, b.logger)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, kvs)
	b.KV = kvs
	return nil
}

// OplogOptions returns the options for opening a worker's oplog outside an
// executor, as the inspection commands do.
func (b *Backend) OplogOptions() (oplog.Options, error) {
	c, err := b.cfg.Compression()
	if err != nil {
		return oplog.Options{}, err
	}
	return oplog.Options{
		Payloads:        b.Payloads,
		InlineThreshold: b.cfg.Payloads.InlineThreshold,
		Compression:     c,
		Logger:          b.logger,
	}, nil
}

// OpenOplog opens one worker's oplog.
func (b *Backend) OpenOplog(ctx context.Context, worker oplog.WorkerID) (*oplog.Oplog, error) {
	opts, err := b.OplogOptions()
	if err != nil {
		return nil, err
	}
	return oplog.Open(ctx, worker, b.Storage, opts)
}

// ExecutorOptions translates the configuration into executor options.
// extra options are applied last and win.
func (b *Backend) ExecutorOptions(extra ...executor.Option) ([]executor.Option, error) {
	cfg := b.cfg
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	level, err := config.ParseCommitLevel(cfg.Executor.CommitLevel)
	if err != nil {
		return nil, err
	}
	c, err := cfg.Compression()
	if err != nil {
		return nil, err
	}
	recovery, err := cfg.RecoveryPolicy()
	if err != nil {
		return nil, err
	}

	opts := []executor.Option{
		executor.WithLogger(b.logger),
		executor.WithPayloads(b.Payloads),
		executor.WithCompression(c),
		executor.WithInlineThreshold(cfg.Payloads.InlineThreshold),
		executor.WithRetryPolicy(policy),
		executor.WithCommitLevel(level),
		executor.WithRDBMS(rdbms.NewSQLiteDriver(b.logger), recovery),
		executor.WithKV(b.KV),
		executor.WithFuel(cfg.Executor.Fuel),
		executor.WithMaxMemory(cfg.Executor.MaxMemory),
		executor.WithRecoveryParallelism(cfg.Executor.RecoveryParallelism),
	}
	if cfg.Executor.Replicas > 0 {
		// WithReplicas forces Always; the configured level only applies
		// without replicas.
		opts = append(opts, executor.WithReplicas(cfg.Executor.Replicas, cfg.Executor.ReplicaTimeout.Std()))
	}
	return append(opts, extra...), nil
}

// Close releases every opened store.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i].Close())
	}
	b.closers = nil
	return errors.Join(errs...)
}
