package durability

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/retry"
)

type worker struct {
	id      oplog.WorkerID
	storage *oplog.MemoryStorage
	faults  *oplog.CountingFaults
}

func newWorker() *worker {
	return &worker{
		id:      oplog.WorkerID{ComponentID: uuid.New(), Name: "w"},
		storage: oplog.NewMemoryStorage(),
		faults:  oplog.NewCountingFaults(),
	}
}

// start opens the worker's log and a controller over it, as a restart would.
func (w *worker) start(t *testing.T, opts Options) *Controller {
	t.Helper()
	ctx := context.Background()
	log, err := oplog.Open(ctx, w.id, w.storage, oplog.Options{Faults: w.faults})
	require.NoError(t, err)
	if log.CurrentIndex() == oplog.None {
		log.Add(&oplog.Create{WorkerID: w.id})
		_, err := log.Commit(ctx, oplog.Immediate)
		require.NoError(t, err)
	}
	c, err := New(ctx, log, opts)
	require.NoError(t, err)
	return c
}

func stop(t *testing.T, c *Controller) {
	t.Helper()
	require.NoError(t, c.Oplog().Close(context.Background()))
}

func counting(calls *int, v ir.IRValue) LiveFunc {
	return func(context.Context) (ir.IRValue, error) {
		*calls++
		return v, nil
	}
}

func entries(t *testing.T, c *Controller) []oplog.Record {
	t.Helper()
	records, err := c.Oplog().ReadAll(context.Background())
	require.NoError(t, err)
	return records
}

func TestFreshWorkerIsLive(t *testing.T) {
	c := newWorker().start(t, Options{})
	assert.True(t, c.IsLive())
	assert.Equal(t, Live, c.Mode())
}

func TestReplayReturnsRecordedResult(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	calls := 0
	call := Call{Function: "wasi:clocks/now", Type: oplog.ReadLocalFn(), Request: ir.IRNull{}}

	c := w.start(t, Options{})
	v, err := c.Invoke(ctx, call, counting(&calls, ir.IRInt(42)))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(42), v)
	stop(t, c)

	c = w.start(t, Options{})
	assert.True(t, c.IsReplay())
	v, err = c.Invoke(ctx, call, counting(&calls, ir.IRInt(99)))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(42), v)
	assert.Equal(t, 1, calls, "live function must not run during replay")
	assert.True(t, c.IsLive())

	// Past the recorded history calls run live again.
	v, err = c.Invoke(ctx, call, counting(&calls, ir.IRInt(7)))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(7), v)
	assert.Equal(t, 2, calls)
}

func TestReplayReproducesRecordedError(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	call := Call{Function: "http::send", Type: oplog.ReadRemoteFn(), Request: ir.Object(ir.O("url", ir.IRString("http://x")))}

	c := w.start(t, Options{})
	_, liveErr := c.Invoke(ctx, call, func(context.Context) (ir.IRValue, error) {
		return nil, errors.New("connection refused")
	})
	require.Error(t, liveErr)
	stop(t, c)

	c = w.start(t, Options{})
	_, replayErr := c.Invoke(ctx, call, func(context.Context) (ir.IRValue, error) {
		t.Fatal("live function called during replay")
		return nil, nil
	})
	var recorded *RecordedError
	require.ErrorAs(t, replayErr, &recorded)
	assert.Equal(t, liveErr, replayErr)
	assert.Equal(t, "connection refused", recorded.Message)
}

func TestReplayDetectsNonDeterminism(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		replay Call
	}{
		{"different function", Call{Function: "kv::delete", Type: oplog.WriteRemoteFn(), Request: ir.IRString("k")}},
		{"different request", Call{Function: "kv::set", Type: oplog.WriteRemoteFn(), Request: ir.IRString("other")}},
		{"different function type", Call{Function: "kv::set", Type: oplog.ReadRemoteFn(), Request: ir.IRString("k")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorker()
			calls := 0
			c := w.start(t, Options{})
			_, err := c.Invoke(ctx, Call{Function: "kv::set", Type: oplog.WriteRemoteFn(), Request: ir.IRString("k")},
				counting(&calls, ir.IRNull{}))
			require.NoError(t, err)
			stop(t, c)

			c = w.start(t, Options{})
			_, err = c.Invoke(ctx, tt.replay, counting(&calls, ir.IRNull{}))
			require.Error(t, err)
			assert.True(t, IsNonDeterminism(err), "got %v", err)
			assert.True(t, IsFatal(err))
			assert.Equal(t, 1, calls)
		})
	}
}

func TestReplaySkipsHints(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	calls := 0
	call := Call{Function: "random::get", Type: oplog.ReadLocalFn(), Request: ir.IRNull{}}

	c := w.start(t, Options{})
	c.AddHint(&oplog.Log{Level: oplog.LogInfo, Message: "hello"})
	c.AddHint(&oplog.GrowMemory{Delta: 65536})
	_, err := c.Invoke(ctx, call, counting(&calls, ir.IRInt(4)))
	require.NoError(t, err)
	c.AddHint(&oplog.Log{Level: oplog.LogInfo, Message: "bye"})
	stop(t, c)

	c = w.start(t, Options{})
	require.True(t, c.IsReplay())
	c.AddHint(&oplog.Log{Level: oplog.LogInfo, Message: "hello"})
	v, err := c.Invoke(ctx, call, counting(&calls, ir.IRInt(5)))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(4), v)
	assert.True(t, c.IsLive(), "only hints remain")
	assert.Len(t, entries(t, c), 5, "replayed hints are not written again")
}

func TestUnclosedAtomicRegionIsExecutedAgain(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	calls := 0
	call := Call{Function: "kv::set", Type: oplog.WriteRemoteFn(), Request: ir.IRString("k")}

	c := w.start(t, Options{})
	begin, err := c.BeginAtomicRegion(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(2), begin)
	_, err = c.Invoke(ctx, call, counting(&calls, ir.IRNull{}))
	require.NoError(t, err)
	stop(t, c)

	c = w.start(t, Options{})
	begin, err = c.BeginAtomicRegion(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(5), begin, "a fresh region follows the jump")
	assert.True(t, c.IsLive())
	_, err = c.Invoke(ctx, call, counting(&calls, ir.IRNull{}))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.NoError(t, c.EndAtomicRegion(ctx, begin))

	jump, ok := entries(t, c)[3].Entry.(*oplog.Jump)
	require.True(t, ok)
	assert.Equal(t, oplog.Region{Start: 2, End: 3}, jump.Jump)
	stop(t, c)

	// A third run replays the closed region and skips the discarded one.
	c = w.start(t, Options{})
	begin, err = c.BeginAtomicRegion(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(5), begin)
	_, err = c.Invoke(ctx, call, counting(&calls, ir.IRNull{}))
	require.NoError(t, err)
	require.NoError(t, c.EndAtomicRegion(ctx, begin))
	assert.Equal(t, 2, calls)
	assert.True(t, c.IsLive())
}

func TestUnterminatedNonIdempotentWriteFails(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	opts := Options{NonIdempotentWrites: true}

	c := w.start(t, opts)
	_, err := c.BeginFunction(ctx, oplog.WriteRemoteFn())
	require.NoError(t, err)
	stop(t, c)

	c = w.start(t, opts)
	_, err = c.Invoke(ctx, Call{Function: "http::post", Type: oplog.WriteRemoteFn(), Request: ir.IRNull{}},
		counting(new(int), ir.IRNull{}))
	require.Error(t, err)
	assert.True(t, IsRemoteWriteUnknown(err))
	assert.True(t, IsFatal(err))
}

func TestNonIdempotentWriteIsBracketed(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	opts := Options{NonIdempotentWrites: true}
	calls := 0
	call := Call{Function: "http::post", Type: oplog.WriteRemoteFn(), Request: ir.IRNull{}}

	c := w.start(t, opts)
	_, err := c.Invoke(ctx, call, counting(&calls, ir.IRString("created")))
	require.NoError(t, err)
	kinds := []oplog.Kind{}
	for _, r := range entries(t, c) {
		kinds = append(kinds, r.Entry.Kind())
	}
	assert.Equal(t, []oplog.Kind{oplog.KindCreate, oplog.KindBeginRemoteWrite,
		oplog.KindImportedFunctionInvoked, oplog.KindEndRemoteWrite}, kinds)
	stop(t, c)

	c = w.start(t, opts)
	v, err := c.Invoke(ctx, call, counting(&calls, ir.IRString("again")))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("created"), v)
	assert.Equal(t, 1, calls)
	assert.True(t, c.IsLive())
}

func TestUnterminatedBatchIsRetriedWhenIdempotent(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	calls := 0
	first := Call{Function: "rdbms::batch::execute", Request: ir.IRString("INSERT 1")}

	c := w.start(t, Options{})
	_, begin, err := c.InvokeBatched(ctx, first, counting(&calls, ir.IRInt(1)))
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(2), begin)
	stop(t, c)

	c = w.start(t, Options{})
	_, begin, err = c.InvokeBatched(ctx, first, counting(&calls, ir.IRInt(1)))
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(5), begin)
	_, err = c.Invoke(ctx, Call{Function: "rdbms::batch::execute", Type: oplog.WriteRemoteBatchedFn(begin), Request: ir.IRString("INSERT 2")},
		counting(&calls, ir.IRInt(1)))
	require.NoError(t, err)
	require.NoError(t, c.EndBatch(ctx, begin))
	assert.Equal(t, 3, calls)
	stop(t, c)

	c = w.start(t, Options{})
	_, begin, err = c.InvokeBatched(ctx, first, counting(&calls, ir.IRInt(1)))
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(5), begin)
	_, err = c.Invoke(ctx, Call{Function: "rdbms::batch::execute", Type: oplog.WriteRemoteBatchedFn(begin), Request: ir.IRString("INSERT 2")},
		counting(&calls, ir.IRInt(1)))
	require.NoError(t, err)
	require.NoError(t, c.EndBatch(ctx, begin))
	assert.Equal(t, 3, calls, "completed batch is replayed")
	assert.True(t, c.IsLive())
}

func TestPersistNothingRecordsNothing(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	calls := 0
	call := Call{Function: "kv::set", Type: oplog.WriteRemoteFn(), Request: ir.IRString("k")}

	c := w.start(t, Options{})
	require.NoError(t, c.SetPersistenceLevel(ctx, oplog.PersistNothing))
	_, err := c.Invoke(ctx, call, counting(&calls, ir.IRNull{}))
	require.NoError(t, err)
	require.NoError(t, c.SetPersistenceLevel(ctx, oplog.Smart))
	_, err = c.Invoke(ctx, call, counting(&calls, ir.IRNull{}))
	require.NoError(t, err)
	assert.Len(t, entries(t, c), 4, "create, two level changes, one call")
	stop(t, c)

	c = w.start(t, Options{})
	require.NoError(t, c.SetPersistenceLevel(ctx, oplog.PersistNothing))
	_, err = c.Invoke(ctx, call, counting(&calls, ir.IRNull{}))
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "unpersisted calls run again")
	require.NoError(t, c.SetPersistenceLevel(ctx, oplog.Smart))
	_, err = c.Invoke(ctx, call, counting(&calls, ir.IRNull{}))
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "persisted call is replayed")
}

func TestPersistRemoteSideEffectsRunsLocalCallsLive(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	calls := 0
	c := w.start(t, Options{})
	require.NoError(t, c.SetPersistenceLevel(ctx, oplog.PersistRemoteSideEffects))
	_, err := c.Invoke(ctx, Call{Function: "clock::now", Type: oplog.ReadLocalFn(), Request: ir.IRNull{}}, counting(&calls, ir.IRInt(1)))
	require.NoError(t, err)
	assert.Len(t, entries(t, c), 2, "only the level change is recorded")
}

func TestDurabilityFailurePoisonsAttempt(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	w.faults.FailTimes(oplog.KindJump, 1)
	c := w.start(t, Options{})

	_, err := c.FallibleAdd(ctx, &oplog.Jump{Jump: oplog.Region{Start: 1, End: 1}})
	require.Error(t, err)
	assert.True(t, oplog.IsDurabilityError(err))

	_, err = c.Invoke(ctx, Call{Function: "clock::now", Type: oplog.ReadLocalFn(), Request: ir.IRNull{}}, counting(new(int), ir.IRNull{}))
	assert.ErrorIs(t, err, ErrPoisoned)
	assert.ErrorIs(t, c.Poisoned(), oplog.ErrInjected)
}

func TestCancelledCallIsNotRecorded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newWorker().start(t, Options{})
	_, err := c.Invoke(ctx, Call{Function: "http::get", Type: oplog.ReadRemoteFn(), Request: ir.IRNull{}},
		func(ctx context.Context) (ir.IRValue, error) {
			cancel()
			return nil, ctx.Err()
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, oplog.Index(1), c.Oplog().CurrentIndex())
}

func TestRetryPolicyChangeIsReplayed(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	policy := retry.Config{MaxAttempts: 10, MinDelay: 1, MaxDelay: 2, Multiplier: 2}

	c := w.start(t, Options{})
	require.NoError(t, c.SetRetryPolicy(ctx, policy))
	stop(t, c)

	c = w.start(t, Options{})
	_, ok := c.RetryPolicy()
	assert.False(t, ok)
	require.NoError(t, c.SetRetryPolicy(ctx, policy))
	got, ok := c.RetryPolicy()
	require.True(t, ok)
	assert.Equal(t, policy, got)
	assert.Len(t, entries(t, c), 2)
}

func TestSpanIDsAreReplayed(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := provider.Tracer("golemexec-test")

	c := w.start(t, Options{Tracer: tracer})
	id, err := c.StartSpan(ctx, "outer", trace.SpanID{}, map[string]string{"k": "v"})
	require.NoError(t, err)
	require.True(t, id.IsValid())
	require.NoError(t, c.SetSpanAttribute(ctx, id, "step", "1"))
	require.NoError(t, c.FinishSpan(ctx, id))
	assert.Len(t, exporter.GetSpans(), 1)
	stop(t, c)

	c = w.start(t, Options{Tracer: tracer})
	replayed, err := c.StartSpan(ctx, "outer", trace.SpanID{}, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, id, replayed)
	require.NoError(t, c.SetSpanAttribute(ctx, id, "step", "1"))
	require.NoError(t, c.FinishSpan(ctx, id))
	assert.Len(t, exporter.GetSpans(), 1, "replayed spans are not exported again")
}

func TestSetOplogIndexRewinds(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	calls := 0
	call := Call{Function: "kv::set", Type: oplog.WriteRemoteFn(), Request: ir.IRString("k")}

	c := w.start(t, Options{})
	mark, err := c.GetOplogIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(2), mark)
	_, err = c.Invoke(ctx, call, counting(&calls, ir.IRNull{}))
	require.NoError(t, err)
	err = c.SetOplogIndex(ctx, mark)
	assert.ErrorIs(t, err, ErrRestartRequested)
	stop(t, c)

	c = w.start(t, Options{})
	replayedMark, err := c.GetOplogIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, mark, replayedMark)
	assert.True(t, c.IsLive(), "everything after the mark was jumped over")
	_, err = c.Invoke(ctx, call, counting(&calls, ir.IRNull{}))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSetOplogIndexRejectsFutureTarget(t *testing.T) {
	c := newWorker().start(t, Options{})
	err := c.SetOplogIndex(context.Background(), 10)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRestartRequested)
}

func TestUnknownEntriesAreSkipped(t *testing.T) {
	ctx := context.Background()
	w := newWorker()
	calls := 0
	call := Call{Function: "clock::now", Type: oplog.ReadLocalFn(), Request: ir.IRNull{}}

	c := w.start(t, Options{})
	c.Add(&oplog.Unknown{Tag: 201, Version: 1, Raw: []byte{0x80}})
	_, err := c.Invoke(ctx, call, counting(&calls, ir.IRInt(3)))
	require.NoError(t, err)
	stop(t, c)

	c = w.start(t, Options{})
	v, err := c.Invoke(ctx, call, counting(&calls, ir.IRInt(4)))
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(3), v)
}
