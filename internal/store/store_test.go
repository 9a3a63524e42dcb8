package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/golemexec/internal/compress"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oplog.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testWorker(name string) oplog.WorkerID {
	return oplog.WorkerID{ComponentID: uuid.MustParse("7b0c1f4e-2d5a-4c89-9f13-5a3e6d2b8c01"), Name: name}
}

func encoded(t *testing.T, idx oplog.Index, e oplog.Entry) oplog.RawRecord {
	t.Helper()
	data, err := oplog.Encode(e)
	require.NoError(t, err)
	return oplog.RawRecord{Index: idx, Data: data}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"oplog_entries", "oplog_heads", "payloads"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q missing", table)
	}
	version, err := s.pragma("user_version")
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	mode, err := s.pragma("journal_mode")
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)

	timeout, err := s.pragma("busy_timeout")
	require.NoError(t, err)
	assert.Equal(t, "5000", timeout)
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	w := testWorker("reader")

	require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{
		encoded(t, 1, &oplog.Create{WorkerID: w}),
		encoded(t, 2, &oplog.NoOp{}),
		encoded(t, 3, &oplog.Suspend{}),
	}))

	first, last, err := s.Bounds(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(1), first)
	assert.Equal(t, oplog.Index(3), last)

	records, err := s.Read(ctx, w, 2, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, oplog.Index(2), records[0].Index)
	e, err := oplog.Decode(records[1].Data)
	require.NoError(t, err)
	assert.Equal(t, oplog.KindSuspend, e.Kind())

	suspends, err := s.ReadKind(ctx, w, oplog.KindSuspend, oplog.Initial, 10)
	require.NoError(t, err)
	require.Len(t, suspends, 1)
	assert.Equal(t, oplog.Index(3), suspends[0].Index)
}

func TestAppendRejectsGapsAtomically(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	w := testWorker("gaps")

	require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{encoded(t, 1, &oplog.Create{WorkerID: w})}))

	err := s.Append(ctx, w, []oplog.RawRecord{
		encoded(t, 2, &oplog.NoOp{}),
		encoded(t, 4, &oplog.NoOp{}),
	})
	assert.ErrorIs(t, err, oplog.ErrIndexConflict)

	_, last, err := s.Bounds(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(1), last, "partial batch must not be visible")

	err = s.Append(ctx, w, []oplog.RawRecord{encoded(t, 1, &oplog.NoOp{})})
	assert.ErrorIs(t, err, oplog.ErrIndexConflict)
}

func TestDeletePrefixKeepsHead(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	w := testWorker("prefix")

	require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{
		encoded(t, 1, &oplog.Create{WorkerID: w}),
		encoded(t, 2, &oplog.NoOp{}),
	}))
	n, err := s.DeletePrefix(ctx, w, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	first, last, err := s.Bounds(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, oplog.None, first)
	assert.Equal(t, oplog.Index(2), last)

	require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{encoded(t, 3, &oplog.NoOp{})}))
	first, _, err = s.Bounds(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(3), first)
}

func TestWorkersAndDelete(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	a, b := testWorker("a"), testWorker("b")

	for _, w := range []oplog.WorkerID{b, a} {
		require.NoError(t, s.Append(ctx, w, []oplog.RawRecord{encoded(t, 1, &oplog.Create{WorkerID: w})}))
	}
	workers, err := s.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []oplog.WorkerID{a, b}, workers)

	require.NoError(t, s.Delete(ctx, a))
	workers, err = s.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []oplog.WorkerID{b}, workers)

	first, last, err := s.Bounds(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, oplog.None, first)
	assert.Equal(t, oplog.None, last)
}

func TestPayloads(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	w := testWorker("payloads")
	id := uuid.New()

	_, err := s.GetPayload(ctx, w, id)
	assert.ErrorIs(t, err, oplog.ErrPayloadNotFound)

	require.NoError(t, s.PutPayload(ctx, w, id, []byte("blob")))
	data, err := s.GetPayload(ctx, w, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)

	require.NoError(t, s.DeletePayloads(ctx, w))
	_, err = s.GetPayload(ctx, w, id)
	assert.ErrorIs(t, err, oplog.ErrPayloadNotFound)
}

func TestWaitForReplicas(t *testing.T) {
	s := createTestStore(t)
	ok, err := s.WaitForReplicas(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.WaitForReplicas(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	start := time.Now()
	ok, err = s.WaitForReplicas(context.Background(), 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "the timeout is waited out")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.WaitForReplicas(ctx, 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations)+1))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this binary")
}

// The store backs a full oplog: entries and offloaded payloads survive a
// reopen of the database.
func TestOplogOverStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oplog.db")
	w := testWorker("durable")
	big := ir.MustMarshalCanonical(ir.IRString(string(make([]byte, 4096))))

	s, err := Open(path)
	require.NoError(t, err)
	log, err := oplog.Open(ctx, w, s, oplog.Options{Payloads: s, Compression: compress.Zstd})
	require.NoError(t, err)
	log.Add(&oplog.Create{WorkerID: w})
	payload, err := log.MakePayload(ctx, big)
	require.NoError(t, err)
	require.True(t, payload.IsExternal())
	log.Add(&oplog.ImportedFunctionInvoked{FunctionName: "blob::get", Request: oplog.InlinePayload([]byte("null")), Response: payload})
	require.NoError(t, log.Close(ctx))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	log, err = oplog.Open(ctx, w, s, oplog.Options{Payloads: s})
	require.NoError(t, err)
	assert.Equal(t, oplog.Index(2), log.CurrentIndex())

	e, err := log.Read(ctx, 2)
	require.NoError(t, err)
	inv, ok := e.(*oplog.ImportedFunctionInvoked)
	require.True(t, ok)
	data, err := log.PayloadBytes(ctx, inv.Response)
	require.NoError(t, err)
	assert.Equal(t, big, data)
}
