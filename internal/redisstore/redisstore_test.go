package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

func createTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	s := New(NewPool(srv.Addr(), 4), "test")
	t.Cleanup(func() { s.Close() })
	return s, srv
}

func testWorker(name string) oplog.WorkerID {
	return oplog.WorkerID{ComponentID: uuid.MustParse("0d8f3a52-6b1e-4f7c-8a9d-2e4b6c8d0f11"), Name: name}
}

func raw(t *testing.T, idx oplog.Index, e oplog.Entry) oplog.RawRecord {
	t.Helper()
	data, err := oplog.Encode(e)
	require.NoError(t, err)
	return oplog.RawRecord{Index: idx, Data: data}
}

func TestAppendReadBounds(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	w := testWorker("w1")

	first, last, err := s.Bounds(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, oplog.None, first)
	assert.Equal(t, oplog.None, last)

	require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{
		raw(t, 1, &oplog.Create{WorkerID: w}),
		raw(t, 2, &oplog.NoOp{}),
	}))
	require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{raw(t, 3, &oplog.Suspend{})}))

	first, last, err = s.Bounds(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(1), first)
	assert.Equal(t, oplog.Index(3), last)

	records, err := s.Read(ctx, w, 2, 5)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, oplog.Index(2), records[0].Index)
	e, err := oplog.Decode(records[1].Data)
	require.NoError(t, err)
	assert.Equal(t, oplog.KindSuspend, e.Kind())
}

func TestAppendRejectsConflicts(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	w := testWorker("w1")

	require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{raw(t, 1, &oplog.Create{WorkerID: w})}))

	err := s.Append(ctx, w, []oplog.RawRecord{raw(t, 2, &oplog.NoOp{}), raw(t, 4, &oplog.NoOp{})})
	assert.ErrorIs(t, err, oplog.ErrIndexConflict)
	_, last, err := s.Bounds(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(1), last, "rejected batch must leave nothing behind")

	err = s.Append(ctx, w, []oplog.RawRecord{raw(t, 1, &oplog.NoOp{})})
	assert.ErrorIs(t, err, oplog.ErrIndexConflict)
}

func TestDeletePrefixAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	w := testWorker("w1")

	require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{
		raw(t, 1, &oplog.Create{WorkerID: w}),
		raw(t, 2, &oplog.NoOp{}),
		raw(t, 3, &oplog.NoOp{}),
	}))
	n, err := s.DeletePrefix(ctx, w, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	first, last, err := s.Bounds(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(3), first)
	assert.Equal(t, oplog.Index(3), last)

	records, err := s.Read(ctx, w, oplog.Initial, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, oplog.Index(3), records[0].Index)

	n, err = s.DeletePrefix(ctx, w, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	first, last, err = s.Bounds(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, oplog.None, first)
	assert.Equal(t, oplog.Index(3), last, "head survives a full prefix deletion")

	require.NoError(t, s.Delete(ctx, w))
	workers, err := s.Workers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestWorkersAreSorted(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	for _, name := range []string{"c", "a", "b"} {
		w := testWorker(name)
		require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{raw(t, 1, &oplog.Create{WorkerID: w})}))
	}
	workers, err := s.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []oplog.WorkerID{testWorker("a"), testWorker("b"), testWorker("c")}, workers)
}

func TestPayloads(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	w := testWorker("w1")
	id := uuid.New()

	_, err := s.GetPayload(ctx, w, id)
	assert.ErrorIs(t, err, oplog.ErrPayloadNotFound)

	require.NoError(t, s.PutPayload(ctx, w, id, []byte{0, 1, 2}))
	data, err := s.GetPayload(ctx, w, id)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)

	require.NoError(t, s.DeletePayloads(ctx, w))
	_, err = s.GetPayload(ctx, w, id)
	assert.ErrorIs(t, err, oplog.ErrPayloadNotFound)
}

func TestKeysArePrefixed(t *testing.T) {
	ctx := context.Background()
	s, srv := createTestStore(t)
	w := testWorker("w1")
	require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{raw(t, 1, &oplog.Create{WorkerID: w})}))

	head, err := srv.Get("test:oplog:" + w.String() + ":head")
	require.NoError(t, err)
	assert.Equal(t, "1", head)
	assert.True(t, srv.Exists("test:workers"))
}

func TestOplogOverRedis(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	w := testWorker("w1")

	log, err := oplog.Open(ctx, w, s, oplog.Options{Payloads: s, InlineThreshold: 8})
	require.NoError(t, err)
	log.Add(&oplog.Create{WorkerID: w})
	resp, err := log.MakePayload(ctx, ir.MustMarshalCanonical(ir.Strings("a", "b", "c")))
	require.NoError(t, err)
	require.True(t, resp.IsExternal())
	log.Add(&oplog.ImportedFunctionInvoked{FunctionName: "kv::get", Request: oplog.InlinePayload([]byte("null")), Response: resp})
	_, err = log.Commit(ctx, oplog.Immediate)
	require.NoError(t, err)

	reopened, err := oplog.Open(ctx, w, s, oplog.Options{Payloads: s})
	require.NoError(t, err)
	records, err := reopened.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	inv := records[1].Entry.(*oplog.ImportedFunctionInvoked)
	data, err := reopened.PayloadBytes(ctx, inv.Response)
	require.NoError(t, err)
	assert.Equal(t, `["a","b","c"]`, string(data))
}
