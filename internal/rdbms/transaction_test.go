package rdbms

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

type recordingObserver struct {
	outcomes []string
}

func (o *recordingObserver) TransactionRecovered(outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

// bank is a test fixture: one database file shared by the workers of a test.
type bank struct {
	driver *SQLiteDriver
	addr   string
	admin  PoolKey
}

func newBank(t *testing.T) *bank {
	t.Helper()
	d, addr := newDriver(t)
	b := &bank{driver: d, addr: addr, admin: testKey(addr)}
	_, err := d.Execute(context.Background(), b.admin,
		"CREATE TABLE ledger (id INTEGER PRIMARY KEY, amount INTEGER NOT NULL)", nil)
	require.NoError(t, err)
	return b
}

func (b *bank) rows(t *testing.T) int64 {
	t.Helper()
	res, err := b.driver.Query(context.Background(), b.admin, "SELECT COUNT(*) FROM ledger", nil)
	require.NoError(t, err)
	return int64(res.Rows[0][0].(ir.IRInt))
}

// transfer is the worker program of these tests: one transaction with one
// insert, committed or rolled back.
func transfer(ctx context.Context, conn *Conn, statement string, commit bool) error {
	tx, err := conn.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Drop(ctx)
	if _, err := tx.Execute(ctx, statement, []ir.IRValue{ir.IRInt(100)}); err != nil {
		return err
	}
	if commit {
		return tx.Commit(ctx)
	}
	return tx.Rollback(ctx)
}

const (
	insertOnce   = "INSERT INTO ledger (amount) VALUES (?)"
	insertStable = "INSERT OR REPLACE INTO ledger (id, amount) VALUES (1, ?)"
)

func TestTransactionCommitRecordsMarkers(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()

	c := w.start(t)
	conn := Connect(b.driver, c, b.addr, Options{})
	require.NoError(t, transfer(ctx, conn, insertOnce, true))
	assert.Equal(t, []oplog.Kind{
		oplog.KindCreate,
		oplog.KindBeginRemoteTransaction,
		oplog.KindImportedFunctionInvoked,
		oplog.KindPreCommitRemoteTransaction,
		oplog.KindCommittedRemoteTransaction,
	}, kinds(t, c))
	assert.Equal(t, int64(1), b.rows(t))
	assert.Equal(t, 0, b.driver.Status().OpenTransactions)

	records, err := c.Oplog().ReadAll(ctx)
	require.NoError(t, err)
	inv := records[2].Entry.(*oplog.ImportedFunctionInvoked)
	assert.Equal(t, "rdbms::sqlite::transaction::execute", inv.FunctionName)
	assert.Equal(t, oplog.WriteRemoteBatchedFn(records[1].Index), inv.FunctionType)
	begin := records[1].Entry.(*oplog.BeginRemoteTransaction)
	assert.Equal(t, oplog.None, begin.OriginalBeginIndex)
	status, err := b.driver.GetTransactionStatus(ctx, conn.key, begin.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status, "marker row is cleaned up once Committed is recorded")
}

func TestTransactionRollbackRecordsMarkers(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	c := newWorker().start(t)
	require.NoError(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{}), insertOnce, false))
	assert.Equal(t, []oplog.Kind{
		oplog.KindCreate,
		oplog.KindBeginRemoteTransaction,
		oplog.KindImportedFunctionInvoked,
		oplog.KindPreRollbackRemoteTransaction,
		oplog.KindRolledBackRemoteTransaction,
	}, kinds(t, c))
	assert.Equal(t, int64(0), b.rows(t))
}

func TestCompletedTransactionReplaysWithoutDatabase(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()

	c := w.start(t)
	require.NoError(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{}), insertOnce, true))
	stop(t, c)

	obs := &recordingObserver{}
	c = w.start(t)
	require.True(t, c.IsReplay())
	require.NoError(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{Observer: obs}), insertOnce, true))
	assert.True(t, c.IsLive())
	assert.Equal(t, int64(1), b.rows(t), "replay must not insert again")
	assert.Equal(t, []string{OutcomeReplayed}, obs.outcomes)
	assert.Len(t, kinds(t, c), 5, "replay adds nothing")
}

func TestReplayWithDifferentOutcomeIsNonDeterministic(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()

	c := w.start(t)
	require.NoError(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{}), insertOnce, true))
	stop(t, c)

	c = w.start(t)
	err := transfer(ctx, Connect(b.driver, c, b.addr, Options{}), insertOnce, false)
	assert.True(t, durability.IsNonDeterminism(err), "got %v", err)
	assert.True(t, durability.IsFatal(err))
}

func TestCrashBeforeCommitRunsTransactionAgain(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()

	c := w.start(t)
	conn := Connect(b.driver, c, b.addr, Options{})
	tx, err := conn.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(100)})
	require.NoError(t, err)
	stop(t, c)
	assert.Equal(t, 1, b.driver.Status().OpenTransactions, "the crashed attempt left its transaction open")

	obs := &recordingObserver{}
	c = w.start(t)
	require.NoError(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{Observer: obs}), insertOnce, true))
	assert.Equal(t, int64(1), b.rows(t))
	assert.Equal(t, []string{OutcomeRetried}, obs.outcomes)
	assert.Equal(t, 0, b.driver.Status().OpenTransactions)

	records, err := c.Oplog().ReadAll(ctx)
	require.NoError(t, err)
	var begins []*oplog.BeginRemoteTransaction
	for _, r := range records {
		if begin, ok := r.Entry.(*oplog.BeginRemoteTransaction); ok {
			begins = append(begins, begin)
		}
	}
	require.Len(t, begins, 2)
	assert.Equal(t, records[1].Index, begins[1].OriginalBeginIndex)
	assert.True(t, c.Skipped().Contains(records[1].Index))
}

func TestTransactionFaultMatrix(t *testing.T) {
	cases := []struct {
		kind   oplog.Kind
		commit bool
		rows   int64
	}{
		{oplog.KindBeginRemoteTransaction, true, 1},
		{oplog.KindPreCommitRemoteTransaction, true, 1},
		{oplog.KindCommittedRemoteTransaction, true, 1},
		{oplog.KindBeginRemoteTransaction, false, 0},
		{oplog.KindPreRollbackRemoteTransaction, false, 0},
		{oplog.KindRolledBackRemoteTransaction, false, 0},
	}
	for _, tc := range cases {
		for _, failures := range []int{1, 2} {
			t.Run(fmt.Sprintf("%s/%d", tc.kind, failures), func(t *testing.T) {
				ctx := context.Background()
				b := newBank(t)
				w := newWorker()
				w.faults.FailTimes(tc.kind, failures)

				var (
					c   *durability.Controller
					err error
				)
				for attempt := 0; attempt <= failures; attempt++ {
					c = w.start(t)
					err = transfer(ctx, Connect(b.driver, c, b.addr, Options{}), insertOnce, tc.commit)
					if err == nil {
						break
					}
					require.ErrorIs(t, err, oplog.ErrInjected, "attempt %d", attempt)
					stop(t, c)
				}
				require.NoError(t, err)
				assert.Equal(t, failures, w.faults.Injected(w.id, tc.kind))
				assert.Equal(t, tc.rows, b.rows(t), "statements applied exactly once")
				assert.Equal(t, 0, b.driver.Status().OpenTransactions)

				ks := kinds(t, c)
				want := oplog.KindCommittedRemoteTransaction
				if !tc.commit {
					want = oplog.KindRolledBackRemoteTransaction
				}
				assert.Equal(t, want, ks[len(ks)-1])

				// A further restart replays the settled history.
				stop(t, c)
				c = w.start(t)
				require.NoError(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{}), insertOnce, tc.commit))
				assert.Equal(t, tc.rows, b.rows(t))
			})
		}
	}
}

// lostCommit records a committed transaction whose Committed marker failed
// to land, then makes the database forget its status.
func lostCommit(t *testing.T, b *bank, w *worker, statement string) {
	t.Helper()
	w.faults.FailTimes(oplog.KindCommittedRemoteTransaction, 1)
	c := w.start(t)
	err := transfer(context.Background(), Connect(b.driver, c, b.addr, Options{}), statement, true)
	require.ErrorIs(t, err, oplog.ErrInjected)
	stop(t, c)
	require.Equal(t, int64(1), b.rows(t), "the commit itself went through")
	b.driver.LoseStatuses(1)
}

func TestUnknownCommitStatusWithRetryPolicy(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()
	lostCommit(t, b, w, insertStable)

	obs := &recordingObserver{}
	c := w.start(t)
	require.NoError(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{Policy: RecoveryRetry, Observer: obs}), insertStable, true))
	assert.Equal(t, []string{OutcomeRetried}, obs.outcomes)
	assert.Equal(t, int64(1), b.rows(t), "idempotent statements tolerate the second run")
}

func TestUnknownCommitStatusRetryAppliesNonIdempotentTwice(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()
	lostCommit(t, b, w, insertOnce)

	c := w.start(t)
	require.NoError(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{Policy: RecoveryRetry}), insertOnce, true))
	assert.Equal(t, int64(2), b.rows(t))
}

func TestUnknownCommitStatusWithFailSafePolicy(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()
	lostCommit(t, b, w, insertOnce)

	obs := &recordingObserver{}
	c := w.start(t)
	err := transfer(ctx, Connect(b.driver, c, b.addr, Options{Policy: RecoveryFailSafe, Observer: obs}), insertOnce, true)
	require.True(t, IsTransactionRecovery(err), "got %v", err)
	assert.True(t, durability.IsFatal(err))
	assert.Equal(t, []string{OutcomeFailed}, obs.outcomes)
	assert.Equal(t, int64(1), b.rows(t))

	var te *TransactionRecoveryError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusNotFound, te.Status)
	assert.Equal(t, oplog.Index(2), te.BeginIndex)
}

func TestCommittedStatusCompletesTransaction(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()
	w.faults.FailTimes(oplog.KindCommittedRemoteTransaction, 1)

	c := w.start(t)
	require.Error(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{}), insertOnce, true))
	stop(t, c)

	obs := &recordingObserver{}
	c = w.start(t)
	require.NoError(t, transfer(ctx, Connect(b.driver, c, b.addr, Options{Observer: obs}), insertOnce, true))
	assert.Equal(t, []string{OutcomeCommitted}, obs.outcomes)
	assert.Equal(t, int64(1), b.rows(t))
}

func TestClosedTransactionRejectsStatements(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	c := newWorker().start(t)
	tx, err := Connect(b.driver, c, b.addr, Options{}).BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	_, err = tx.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(1)})
	assert.ErrorIs(t, err, ErrTransactionClosed)
	assert.ErrorIs(t, tx.Rollback(ctx), ErrTransactionClosed)
	assert.NoError(t, tx.Drop(ctx))
}

func TestDropRollsBackActiveTransaction(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	c := newWorker().start(t)
	tx, err := Connect(b.driver, c, b.addr, Options{}).BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(1)})
	require.NoError(t, err)

	require.NoError(t, tx.Drop(ctx))
	assert.Equal(t, int64(0), b.rows(t))
	ks := kinds(t, c)
	assert.Equal(t, oplog.KindRolledBackRemoteTransaction, ks[len(ks)-1])
}

func TestTransactionQuery(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()

	program := func(c *durability.Controller) *Result {
		tx, err := Connect(b.driver, c, b.addr, Options{}).BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = tx.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(7)})
		require.NoError(t, err)
		res, err := tx.Query(ctx, "SELECT amount FROM ledger", nil)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		return res
	}

	c := w.start(t)
	live := program(c)
	stop(t, c)
	assert.Equal(t, [][]ir.IRValue{{ir.IRInt(7)}}, live.Rows)

	_, err := b.driver.Execute(ctx, b.admin, "DELETE FROM ledger", nil)
	require.NoError(t, err)
	c = w.start(t)
	assert.Equal(t, live, program(c), "replay returns the recorded rows")
}

func TestDropOpenRollsBackForgottenTransactions(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	c := newWorker().start(t)
	conn := Connect(b.driver, c, b.addr, Options{})

	committed, err := conn.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = committed.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(1)})
	require.NoError(t, err)
	require.NoError(t, committed.Commit(ctx))

	forgotten, err := conn.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = forgotten.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(2)})
	require.NoError(t, err)

	require.NoError(t, conn.DropOpen(ctx))
	assert.Equal(t, int64(1), b.rows(t), "only the committed row remains")
	assert.Equal(t, 0, b.driver.Status().OpenTransactions)
	ks := kinds(t, c)
	assert.Equal(t, 1, countKind(ks, oplog.KindRolledBackRemoteTransaction))
	assert.Equal(t, oplog.KindRolledBackRemoteTransaction, ks[len(ks)-1])

	require.NoError(t, conn.DropOpen(ctx))
	assert.Equal(t, ks, kinds(t, c), "a second drop records nothing")
}

func TestUnclosedTransactionOfCompletedInvocationReplays(t *testing.T) {
	ctx := context.Background()
	b := newBank(t)
	w := newWorker()

	c := w.start(t)
	tx, err := Connect(b.driver, c, b.addr, Options{}).BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(100)})
	require.NoError(t, err)
	response, err := c.Oplog().MakePayload(ctx, []byte("null"))
	require.NoError(t, err)
	c.Add(&oplog.ExportedFunctionCompleted{Response: response})
	c.Add(&oplog.ExportedFunctionInvoked{FunctionName: "next", IdempotencyKey: "k2"})
	require.NoError(t, c.Commit(ctx, oplog.DurableOnly))
	stop(t, c)
	require.Equal(t, 1, b.driver.Status().OpenTransactions)

	obs := &recordingObserver{}
	c = w.start(t)
	conn := Connect(b.driver, c, b.addr, Options{Observer: obs})
	tx, err = conn.BeginTransaction(ctx)
	require.NoError(t, err)
	n, err := tx.Execute(ctx, insertOnce, []ir.IRValue{ir.IRInt(100)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "the statement result is replayed")
	require.NoError(t, conn.DropOpen(ctx))

	assert.Equal(t, []string{OutcomeReplayed}, obs.outcomes)
	assert.Equal(t, int64(0), b.rows(t))
	assert.Equal(t, 0, b.driver.Status().OpenTransactions)
	assert.Zero(t, c.Skipped().Count(), "later invocations are not skipped")
	assert.Zero(t, countKind(kinds(t, c), oplog.KindJump))
	assert.True(t, c.IsReplay(), "the next invocation is still to be replayed")
}

func countKind(ks []oplog.Kind, k oplog.Kind) int {
	n := 0
	for _, kind := range ks {
		if kind == k {
			n++
		}
	}
	return n
}
