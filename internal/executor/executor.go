package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/golemexec/internal/compress"
	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/kv"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/rdbms"
	"github.com/roach88/golemexec/internal/retry"
)

// Observer receives executor activity. The metrics collector implements it.
type Observer interface {
	oplog.Observer
	durability.ReplayObserver
	rdbms.RecoveryObserver

	WorkerRetried(kind oplog.WorkerErrorKind)
	WorkerStatusChanged(from, to Status)
}

// options holds the executor configuration set by Option functions.
type options struct {
	payloads        oplog.PayloadStore
	compression     compress.Type
	inlineThreshold int
	replicas        int
	replicaTimeout  time.Duration
	commitLevel     oplog.CommitLevel
	faults          oplog.FaultInjector

	retry         retry.Config
	jitter        retry.Jitter
	rpcRetry      retry.Config
	nonIdempotent bool

	rdbms    rdbms.Driver
	recovery rdbms.RecoveryPolicy
	kv       kv.Store

	fuel        int64
	maxMemory   uint64
	parallelism int

	router   Router
	tracer   trace.Tracer
	observer Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithPayloads sets the store for payloads too large to inline.
func WithPayloads(store oplog.PayloadStore) Option {
	return func(e *Executor) { e.opts.payloads = store }
}

// WithCompression sets the codec applied to external payloads.
func WithCompression(t compress.Type) Option {
	return func(e *Executor) { e.opts.compression = t }
}

// WithInlineThreshold sets the largest payload kept inside its entry.
func WithInlineThreshold(n int) Option {
	return func(e *Executor) { e.opts.inlineThreshold = n }
}

// WithReplicas makes completions wait for n replica acknowledgements, up
// to timeout. A timeout only logs a warning.
func WithReplicas(n int, timeout time.Duration) Option {
	return func(e *Executor) {
		e.opts.replicas = n
		e.opts.replicaTimeout = timeout
		e.opts.commitLevel = oplog.Always
	}
}

// WithCommitLevel sets the commit level of invocation completions.
// Default: DurableOnly.
func WithCommitLevel(level oplog.CommitLevel) Option {
	return func(e *Executor) { e.opts.commitLevel = level }
}

// WithFaults injects oplog write failures. Tests only.
func WithFaults(f oplog.FaultInjector) Option {
	return func(e *Executor) { e.opts.faults = f }
}

// WithRetryPolicy sets the default worker retry policy.
// Default: retry.Default().
func WithRetryPolicy(cfg retry.Config) Option {
	return func(e *Executor) { e.opts.retry = cfg }
}

// WithJitter sets the jitter source of worker retry delays.
// Default: retry.RandomJitter.
func WithJitter(j retry.Jitter) Option {
	return func(e *Executor) { e.opts.jitter = j }
}

// WithRPCRetryPolicy sets the policy for retrying worker-to-worker calls
// whose target moved to another shard.
func WithRPCRetryPolicy(cfg retry.Config) Option {
	return func(e *Executor) { e.opts.rpcRetry = cfg }
}

// WithNonIdempotentWrites stops assuming remote writes may be repeated.
func WithNonIdempotentWrites() Option {
	return func(e *Executor) { e.opts.nonIdempotent = true }
}

// WithRDBMS enables the database capability.
func WithRDBMS(driver rdbms.Driver, policy rdbms.RecoveryPolicy) Option {
	return func(e *Executor) {
		e.opts.rdbms = driver
		e.opts.recovery = policy
	}
}

// WithKV enables the key-value capability.
func WithKV(store kv.Store) Option {
	return func(e *Executor) { e.opts.kv = store }
}

// WithFuel sets the per-invocation fuel budget. 0 (the default) is unlimited.
func WithFuel(budget int64) Option {
	return func(e *Executor) { e.opts.fuel = budget }
}

// WithMaxMemory limits worker memory growth. 0 (the default) is unlimited.
func WithMaxMemory(limit uint64) Option {
	return func(e *Executor) { e.opts.maxMemory = limit }
}

// WithRecoveryParallelism bounds how many workers RecoverAll loads at once.
func WithRecoveryParallelism(n int) Option {
	return func(e *Executor) { e.opts.parallelism = n }
}

// WithRouter sets how worker-to-worker calls find their target.
// Default: every worker is local.
func WithRouter(r Router) Option {
	return func(e *Executor) { e.opts.router = r }
}

// WithTracer exports invocation spans started live.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.opts.tracer = t }
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.opts.observer = o }
}

// WithClock sets the wall clock.
func WithClock(c Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithKeyGenerator sets how idempotency keys are generated for invocations
// submitted without one.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(e *Executor) { e.keys = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// Executor runs the workers whose oplogs live in one storage.
//
// Each worker is driven by its own goroutine; the executor only routes
// requests to it. Workers are loaded on first use or by RecoverAll.
type Executor struct {
	registry *Registry
	storage  oplog.Storage
	opts     options
	clock    Clock
	keys     KeyGenerator
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[oplog.WorkerID]*worker
	closed  bool
}

// New creates an executor over storage.
func New(registry *Registry, storage oplog.Storage, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		storage:  storage,
		opts: options{
			commitLevel: oplog.DurableOnly,
			retry:       retry.Default(),
			jitter:      retry.RandomJitter,
			rpcRetry:    retry.Default(),
			recovery:    rdbms.RecoveryRetry,
			parallelism: 8,
		},
		clock:   SystemClock{},
		keys:    UUIDv7Generator{},
		workers: make(map[oplog.WorkerID]*worker),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.opts.payloads == nil {
		e.opts.payloads = oplog.NewMemoryPayloads()
	}
	if e.opts.router == nil {
		e.opts.router = localRouter{exec: e}
	}
	if e.opts.parallelism < 1 {
		e.opts.parallelism = 1
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "executor")
	return e
}

func (e *Executor) oplogOptions() oplog.Options {
	return oplog.Options{
		Payloads:        e.opts.payloads,
		InlineThreshold: e.opts.inlineThreshold,
		Compression:     e.opts.compression,
		Replicas:        e.opts.replicas,
		ReplicaTimeout:  e.opts.replicaTimeout,
		Faults:          e.opts.faults,
		Now:             e.clock.Now,
		Observer:        e.opts.observer,
		Logger:          e.logger,
	}
}

// CreateOptions configures a new worker.
type CreateOptions struct {
	// Version selects the component version; 0 selects the latest.
	Version oplog.ComponentVersion
	Args    []string
	Env     map[string]string
	Parent  *oplog.WorkerID
}

// CreateWorker records a new worker and starts it. The worker idles until
// its first invocation.
func (e *Executor) CreateWorker(ctx context.Context, id oplog.WorkerID, opts CreateOptions) error {
	if id.Name == "" {
		return newError(ErrCodeInvalidRequest, id, "worker name must not be empty")
	}
	e.mu.Lock()
	_, loaded := e.workers[id]
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return newError(ErrCodeShuttingDown, id, "executor is shutting down")
	}
	if loaded {
		return newError(ErrCodeWorkerExists, id, "worker already exists")
	}
	if _, last, err := e.storage.Bounds(ctx, id); err != nil {
		return fmt.Errorf("create worker %s: %w", id, err)
	} else if last != oplog.None {
		return newError(ErrCodeWorkerExists, id, "worker already exists")
	}

	version := opts.Version
	if version == 0 {
		latest, err := e.registry.Latest(id.ComponentID)
		if err != nil {
			return err
		}
		version = latest
	}
	_, info, err := e.registry.Lookup(id.ComponentID, version)
	if err != nil {
		return err
	}

	log, err := oplog.Open(ctx, id, e.storage, e.oplogOptions())
	if err != nil {
		return err
	}
	log.Add(&oplog.Create{
		WorkerID:          id,
		ComponentVersion:  version,
		Args:              opts.Args,
		Env:               opts.Env,
		Parent:            opts.Parent,
		ComponentSize:     info.Size,
		InitialMemorySize: info.InitialMemory,
		InitialPlugins:    info.Plugins,
	})
	if _, err := log.Commit(ctx, oplog.Always); err != nil {
		if errors.Is(err, oplog.ErrIndexConflict) {
			return newError(ErrCodeWorkerExists, id, "worker already exists")
		}
		return fmt.Errorf("create worker %s: %w", id, err)
	}

	if _, err := e.start(ctx, id, log); err != nil {
		return err
	}
	e.logger.Info("worker created", "worker", id.String(), "version", version)
	return nil
}

// worker returns the running worker, loading it from storage if needed.
func (e *Executor) worker(ctx context.Context, id oplog.WorkerID) (*worker, error) {
	e.mu.Lock()
	w, ok := e.workers[id]
	closed := e.closed
	e.mu.Unlock()
	if ok {
		return w, nil
	}
	if closed {
		return nil, newError(ErrCodeShuttingDown, id, "executor is shutting down")
	}

	_, last, err := e.storage.Bounds(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load worker %s: %w", id, err)
	}
	if last == oplog.None {
		return nil, newError(ErrCodeWorkerNotFound, id, "worker does not exist")
	}
	log, err := oplog.Open(ctx, id, e.storage, e.oplogOptions())
	if err != nil {
		return nil, err
	}
	return e.start(ctx, id, log)
}

// start registers a worker over an opened log and launches its goroutine.
func (e *Executor) start(ctx context.Context, id oplog.WorkerID, log *oplog.Oplog) (*worker, error) {
	w := newWorker(e, id, log)
	if err := w.refresh(ctx); err != nil {
		return nil, fmt.Errorf("load worker %s: %w", id, err)
	}

	e.mu.Lock()
	if existing, ok := e.workers[id]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	if e.closed {
		e.mu.Unlock()
		return nil, newError(ErrCodeShuttingDown, id, "executor is shutting down")
	}
	e.workers[id] = w
	e.mu.Unlock()

	go w.run()
	return w, nil
}

// Invocation is a request to run an exported function.
type Invocation struct {
	Function string
	Params   []ir.IRValue
	// IdempotencyKey deduplicates the invocation: a key already completed
	// returns the recorded result without running again. Empty keys are
	// generated.
	IdempotencyKey string
}

type invocationResult struct {
	value ir.IRValue
	err   error
}

// Invoke runs a function on a worker and waits for its result.
//
// An invocation survives retries, crashes and executor restarts; only an
// interrupt, a permanent failure or an exit answers it with an error.
func (e *Executor) Invoke(ctx context.Context, id oplog.WorkerID, inv Invocation) (ir.IRValue, error) {
	if inv.Function == "" {
		return nil, newError(ErrCodeInvalidRequest, id, "function name must not be empty")
	}
	w, err := e.worker(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.IdempotencyKey == "" {
		inv.IdempotencyKey = e.keys.Generate()
	}

	result := make(chan invocationResult, 1)
	cmd := &command{kind: cmdInvoke, invocation: inv, result: result}
	if !w.queue.Enqueue(cmd) {
		return nil, newError(ErrCodeShuttingDown, id, "worker is stopping")
	}
	select {
	case r := <-result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue records an invocation in the worker's durable queue and returns
// its idempotency key without waiting for it to run.
func (e *Executor) Enqueue(ctx context.Context, id oplog.WorkerID, inv Invocation) (string, error) {
	if inv.Function == "" {
		return "", newError(ErrCodeInvalidRequest, id, "function name must not be empty")
	}
	if inv.IdempotencyKey == "" {
		inv.IdempotencyKey = e.keys.Generate()
	}
	err := e.send(ctx, id, &command{kind: cmdEnqueue, invocation: inv})
	return inv.IdempotencyKey, err
}

// CancelInvocation removes a queued invocation that has not started.
func (e *Executor) CancelInvocation(ctx context.Context, id oplog.WorkerID, key string) error {
	return e.send(ctx, id, &command{kind: cmdCancel, invocation: Invocation{IdempotencyKey: key}})
}

// Interrupt stops a worker, abandoning the running invocation. The worker
// continues by replay when resumed or invoked again.
func (e *Executor) Interrupt(ctx context.Context, id oplog.WorkerID) error {
	return e.signal(ctx, id, cmdInterrupt)
}

// SimulateCrash drops the worker's in-memory state, including oplog
// entries not yet committed, and restarts it by replay.
func (e *Executor) SimulateCrash(ctx context.Context, id oplog.WorkerID) error {
	return e.signal(ctx, id, cmdCrash)
}

// Resume restarts an interrupted, suspended or retrying worker now.
func (e *Executor) Resume(ctx context.Context, id oplog.WorkerID) error {
	return e.send(ctx, id, &command{kind: cmdResume})
}

// RevertToIndex drops everything the worker recorded after target and
// restarts it.
func (e *Executor) RevertToIndex(ctx context.Context, id oplog.WorkerID, target oplog.Index) error {
	return e.send(ctx, id, &command{kind: cmdRevert, revert: revertTarget{index: target}})
}

// RevertInvocations drops the last n invocations and restarts the worker.
func (e *Executor) RevertInvocations(ctx context.Context, id oplog.WorkerID, n int) error {
	if n < 1 {
		return newError(ErrCodeInvalidRequest, id, "cannot revert %d invocations", n)
	}
	return e.send(ctx, id, &command{kind: cmdRevert, revert: revertTarget{invocations: n}})
}

// UpdateWorker moves a worker to another component version. The update is
// applied once the worker is idle by replaying its history against the
// target version; if that replay diverges the update is recorded as failed
// and the worker keeps its version.
func (e *Executor) UpdateWorker(ctx context.Context, id oplog.WorkerID, target oplog.ComponentVersion, mode oplog.UpdateMode) error {
	return e.send(ctx, id, &command{kind: cmdUpdate, update: oplog.UpdateDescription{TargetVersion: target, Mode: mode}})
}

// ActivatePlugin activates a plugin on a worker.
func (e *Executor) ActivatePlugin(ctx context.Context, id oplog.WorkerID, plugin string) error {
	return e.send(ctx, id, &command{kind: cmdActivatePlugin, plugin: plugin})
}

// DeactivatePlugin deactivates a plugin on a worker.
func (e *Executor) DeactivatePlugin(ctx context.Context, id oplog.WorkerID, plugin string) error {
	return e.send(ctx, id, &command{kind: cmdDeactivatePlugin, plugin: plugin})
}

func (e *Executor) send(ctx context.Context, id oplog.WorkerID, cmd *command) error {
	w, err := e.worker(ctx, id)
	if err != nil {
		return err
	}
	cmd.reply = make(chan error, 1)
	if !w.queue.Enqueue(cmd) {
		return newError(ErrCodeShuttingDown, id, "worker is stopping")
	}
	return await(ctx, cmd.reply)
}

func (e *Executor) signal(ctx context.Context, id oplog.WorkerID, kind commandKind) error {
	w, err := e.worker(ctx, id)
	if err != nil {
		return err
	}
	cmd := &command{kind: kind, reply: make(chan error, 1)}
	if !w.signal(cmd) {
		return newError(ErrCodeShuttingDown, id, "worker is stopping")
	}
	return await(ctx, cmd.reply)
}

func await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a worker's current status.
func (e *Executor) Status(ctx context.Context, id oplog.WorkerID) (Status, error) {
	w, err := e.worker(ctx, id)
	if err != nil {
		return Idle, err
	}
	return w.Status(), nil
}

// WorkerMetadata summarizes a worker.
type WorkerMetadata struct {
	WorkerID         oplog.WorkerID
	Status           Status
	ComponentVersion oplog.ComponentVersion
	ComponentSize    uint64
	MemorySize       uint64
	Args             []string
	Env              map[string]string
	ActivePlugins    []string
	Agents           []oplog.AgentKey
	Resources        int

	PendingInvocations int
	PendingUpdates     []oplog.UpdateDescription
	LastFailedUpdate   *oplog.FailedUpdate

	Invocations  int
	ConsumedFuel int64
	RetryCount   uint32
	LastError    string
	OplogIndex   oplog.Index
}

// Metadata derives a worker's metadata from its oplog.
func (e *Executor) Metadata(ctx context.Context, id oplog.WorkerID) (*WorkerMetadata, error) {
	w, err := e.worker(ctx, id)
	if err != nil {
		return nil, err
	}
	log := w.oplog()
	records, err := log.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	st, err := CalculateState(records, e.opts.retry)
	if err != nil {
		return nil, err
	}
	md := &WorkerMetadata{
		WorkerID:           id,
		Status:             w.Status(),
		ComponentVersion:   st.ComponentVersion,
		ComponentSize:      st.ComponentSize,
		MemorySize:         st.MemorySize,
		Args:               st.Args,
		Env:                st.Env,
		ActivePlugins:      st.ActivePlugins,
		Agents:             st.Agents,
		Resources:          len(st.Resources),
		PendingInvocations: len(st.Pending),
		PendingUpdates:     st.PendingUpdates,
		LastFailedUpdate:   st.LastFailedUpdate,
		Invocations:        st.Invocations,
		ConsumedFuel:       st.ConsumedFuel,
		RetryCount:         st.ConsecutiveErrors,
		OplogIndex:         log.CurrentIndex(),
	}
	if st.LastError != nil {
		md.LastError = st.LastError.String()
	}
	return md, nil
}

// Workers lists the workers with an oplog in storage.
func (e *Executor) Workers(ctx context.Context) ([]oplog.WorkerID, error) {
	return e.storage.Workers(ctx)
}

// RecoverAll loads every worker in storage, for example after the executor
// restarted. Workers that were running resume by replay; the others wait
// for their next request. It returns the number of workers loaded.
func (e *Executor) RecoverAll(ctx context.Context) (int, error) {
	ids, err := e.storage.Workers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list workers: %w", err)
	}

	var recovered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := e.worker(gctx, id); err != nil {
				return fmt.Errorf("recover %s: %w", id, err)
			}
			recovered.Add(1)
			return nil
		})
	}
	err = g.Wait()
	e.logger.Info("recovered workers", "count", recovered.Load(), "total", len(ids))
	return int(recovered.Load()), err
}

// DeleteWorker stops a worker and deletes its oplog and payloads.
func (e *Executor) DeleteWorker(ctx context.Context, id oplog.WorkerID) error {
	e.mu.Lock()
	w, ok := e.workers[id]
	delete(e.workers, id)
	e.mu.Unlock()
	if ok {
		if err := w.stopAndWait(ctx); err != nil {
			return err
		}
	} else if _, last, err := e.storage.Bounds(ctx, id); err != nil {
		return err
	} else if last == oplog.None {
		return newError(ErrCodeWorkerNotFound, id, "worker does not exist")
	}

	if err := e.storage.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete oplog of %s: %w", id, err)
	}
	if err := e.opts.payloads.DeletePayloads(ctx, id); err != nil {
		return fmt.Errorf("delete payloads of %s: %w", id, err)
	}
	e.logger.Info("worker deleted", "worker", id.String())
	return nil
}

// Shutdown stops every worker, committing what they buffered. Running
// invocations are abandoned and continue by replay on the next start.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.workers = make(map[oplog.WorkerID]*worker)
	e.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if err := w.stopAndWait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("executor stopped", "workers", len(workers))
	return errors.Join(errs...)
}
