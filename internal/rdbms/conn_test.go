package rdbms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

func TestConnReplaysRecordedRows(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()

	c := w.start(t)
	conn := Connect(b.driver, c, b.addr, Options{})
	n, err := conn.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(5)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	res, err := conn.Query(ctx, "SELECT amount FROM ledger", nil)
	require.NoError(t, err)
	assert.Equal(t, [][]ir.IRValue{{ir.IRInt(5)}}, res.Rows)
	stop(t, c)

	_, err = b.driver.Execute(ctx, b.admin, "UPDATE ledger SET amount = 6", nil)
	require.NoError(t, err)

	c = w.start(t)
	conn = Connect(b.driver, c, b.addr, Options{})
	n, err = conn.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(5)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	res, err = conn.Query(ctx, "SELECT amount FROM ledger", nil)
	require.NoError(t, err)
	assert.Equal(t, [][]ir.IRValue{{ir.IRInt(5)}}, res.Rows, "replay returns the recorded rows")
	assert.Equal(t, int64(1), b.rows(t))

	// Live again: the database answers.
	res, err = conn.Query(ctx, "SELECT amount FROM ledger", nil)
	require.NoError(t, err)
	assert.Equal(t, [][]ir.IRValue{{ir.IRInt(6)}}, res.Rows)
}

func TestConnRecordsFailures(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()

	c := w.start(t)
	_, liveErr := Connect(b.driver, c, b.addr, Options{}).Execute(ctx, "INSERT INTO missing VALUES (1)", nil)
	require.Error(t, liveErr)
	stop(t, c)

	c = w.start(t)
	_, replayErr := Connect(b.driver, c, b.addr, Options{}).Execute(ctx, "INSERT INTO missing VALUES (1)", nil)
	require.Error(t, replayErr)
	assert.Equal(t, liveErr.Error(), replayErr.Error())
}

func TestExecuteBatchIsBracketed(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()
	batch := []Statement{
		{SQL: insertOnce, Params: []ir.IRValue{ir.IRInt(1)}},
		{SQL: insertOnce, Params: []ir.IRValue{ir.IRInt(2)}},
	}

	c := w.start(t)
	counts, err := Connect(b.driver, c, b.addr, Options{}).ExecuteBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 1}, counts)
	assert.Equal(t, []oplog.Kind{
		oplog.KindCreate,
		oplog.KindBeginRemoteWrite,
		oplog.KindImportedFunctionInvoked,
		oplog.KindImportedFunctionInvoked,
		oplog.KindEndRemoteWrite,
	}, kinds(t, c))
	stop(t, c)

	c = w.start(t)
	counts, err = Connect(b.driver, c, b.addr, Options{}).ExecuteBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 1}, counts)
	assert.Equal(t, int64(2), b.rows(t))
	assert.True(t, c.IsLive())
}

func seedLedger(t *testing.T, b *bank, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := b.driver.Execute(context.Background(), b.admin, insertOnce, []ir.IRValue{ir.IRInt(i * 10)})
		require.NoError(t, err)
	}
}

func TestQueryStreamResumesAfterReplay(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	seedLedger(t, b, 3)
	w := newWorker()
	const q = "SELECT amount FROM ledger ORDER BY amount"

	c := w.start(t)
	s, err := Connect(b.driver, c, b.addr, Options{}).QueryStream(ctx, q, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount"}, s.Columns())
	for want := 10; want <= 20; want += 10 {
		row, ok, err := s.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []ir.IRValue{ir.IRInt(want)}, row)
	}
	require.NoError(t, s.Close())
	stop(t, c)

	c = w.start(t)
	s, err = Connect(b.driver, c, b.addr, Options{}).QueryStream(ctx, q, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"amount"}, s.Columns())

	var got []ir.IRValue
	for {
		row, ok, err := s.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, row[0])
	}
	assert.Equal(t, []ir.IRValue{ir.IRInt(10), ir.IRInt(20), ir.IRInt(30)}, got,
		"two rows replayed, the third fetched live after skipping the consumed ones")
	assert.True(t, c.IsLive())

	_, ok, err := s.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueryStreamResumeDetectsShrunkResult(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	seedLedger(t, b, 2)
	w := newWorker()
	const q = "SELECT amount FROM ledger ORDER BY amount"

	c := w.start(t)
	s, err := Connect(b.driver, c, b.addr, Options{}).QueryStream(ctx, q, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, ok, err := s.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.Close())
	stop(t, c)

	_, err = b.driver.Execute(ctx, b.admin, "DELETE FROM ledger", nil)
	require.NoError(t, err)

	c = w.start(t)
	s, err = Connect(b.driver, c, b.addr, Options{}).QueryStream(ctx, q, nil)
	require.NoError(t, err)
	defer s.Close()
	for i := 0; i < 2; i++ {
		_, _, err := s.Next(ctx)
		require.NoError(t, err)
	}
	_, _, err = s.Next(ctx)
	assert.ErrorContains(t, err, "result has only 0 rows")
}
