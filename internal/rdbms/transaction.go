package rdbms

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/golemexec/internal/durability"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

// Transaction is a worker's durable database transaction. Statements are
// recorded as one batch of remote writes anchored at the transaction's
// BeginRemoteTransaction entry.
type Transaction struct {
	conn  *Conn
	id    string
	begin oplog.Index
	state txState

	// abandoned is set on a replayed transaction that recorded no end
	// markers although its invocation completed. It was rolled back outside
	// the oplog, so Drop records nothing for it.
	abandoned bool

	// tx is nil when the transaction is replayed from the oplog.
	tx Tx
}

// Outcomes reported to the RecoveryObserver.
const (
	OutcomeReplayed  = "replayed"
	OutcomeCommitted = "committed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// BeginTransaction opens a transaction.
//
// Live, the database transaction is opened first and its id recorded in a
// BeginRemoteTransaction entry. On replay the recorded transaction is
// reconciled with the database:
//
//   - a recorded Committed or RolledBack marker settles it; it is replayed
//   - after PreCommit only, the database status decides: committed
//     transactions are replayed and get their Committed marker, open ones
//     are rolled back and run again, rolled back ones run again, and for
//     an unknown status the RecoveryPolicy decides
//   - after PreRollback only, the transaction is rolled back if still open
//     and replayed; a committed status is unrecoverable
//   - without markers it never reached commit: open ones are rolled back.
//     If its invocation completed anyway, the recorded statements are
//     replayed as a rolled back transaction; otherwise it runs again
//
// Running again means the recorded attempt is skipped from its
// BeginRemoteTransaction to the replay target and a new transaction begins
// live, recording the index of the first attempt. The skipped region only
// ever covers the tail of the invocation in flight.
//
// Every transaction returned is tracked by the connection until DropOpen.
func (c *Conn) BeginTransaction(ctx context.Context) (*Transaction, error) {
	if err := c.ctl.Poisoned(); err != nil {
		return nil, err
	}
	begin, err := durability.Expect[*oplog.BeginRemoteTransaction](ctx, c.ctl, "BeginRemoteTransaction")
	switch {
	case err == nil:
		t, err := c.recoverTransaction(ctx, begin)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return c.track(t), nil
		}
		original := begin.Entry.OriginalBeginIndex
		if original == oplog.None {
			original = begin.Index
		}
		c.ctl.SkipRest(begin.Index)
		return c.beginLive(ctx, original)
	case errors.Is(err, durability.ErrLive):
		return c.beginLive(ctx, oplog.None)
	default:
		return nil, err
	}
}

func (c *Conn) beginLive(ctx context.Context, original oplog.Index) (*Transaction, error) {
	tx, err := c.driver.BeginTransaction(ctx, c.key)
	if err != nil {
		return nil, err
	}
	idx, err := c.ctl.FallibleAdd(ctx, &oplog.BeginRemoteTransaction{
		TransactionID:      tx.ID(),
		OriginalBeginIndex: original,
	})
	if err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			c.logger.Warn("rollback after failed begin marker", "transaction", tx.ID(), "error", rerr)
		}
		return nil, err
	}
	c.logger.Debug("transaction begun", "transaction", tx.ID(), "begin_index", idx, "original_begin_index", original)
	return c.track(&Transaction{conn: c, id: tx.ID(), begin: idx, tx: tx}), nil
}

// recoverTransaction decides the fate of a recorded transaction. It returns
// the replayed transaction, or nil when it must run again.
func (c *Conn) recoverTransaction(ctx context.Context, begin durability.Replayed[*oplog.BeginRemoteTransaction]) (*Transaction, error) {
	id := begin.Entry.TransactionID
	markers := make(map[oplog.Kind]oplog.Index)
	c.ctl.LookAhead(begin.Index, func(idx oplog.Index, e oplog.Entry) bool {
		if e.Kind().IsRemoteTransactionMarker() && oplog.TransactionBeginIndex(e) == begin.Index {
			markers[e.Kind()] = idx
		}
		return false
	})
	replayed := &Transaction{conn: c, id: id, begin: begin.Index}
	has := func(k oplog.Kind) bool { _, ok := markers[k]; return ok }
	fail := func(status TransactionStatus, reason string) error {
		c.observe(OutcomeFailed)
		err := &TransactionRecoveryError{BeginIndex: begin.Index, TransactionID: id, Status: status, Reason: reason}
		c.logger.Error("transaction recovery failed", "transaction", id, "begin_index", begin.Index, "error", err)
		return err
	}
	retry := func(status TransactionStatus) (*Transaction, error) {
		if status == StatusOpen {
			if err := c.driver.CleanupTransaction(ctx, c.key, id); err != nil {
				return nil, err
			}
		}
		c.observe(OutcomeRetried)
		c.logger.Info("transaction did not commit, running it again",
			"transaction", id, "begin_index", begin.Index, "status", status.String())
		return nil, nil
	}

	if has(oplog.KindCommittedRemoteTransaction) || has(oplog.KindRolledBackRemoteTransaction) {
		c.observe(OutcomeReplayed)
		return replayed, nil
	}

	status, err := c.driver.GetTransactionStatus(ctx, c.key, id)
	if err != nil {
		return nil, fmt.Errorf("recover transaction %s: %w", id, err)
	}

	switch {
	case has(oplog.KindPreCommitRemoteTransaction):
		switch status {
		case StatusCommitted:
			c.observe(OutcomeCommitted)
			c.logger.Info("transaction committed before the crash, completing it",
				"transaction", id, "begin_index", begin.Index)
			return replayed, nil
		case StatusNotFound:
			if c.opts.Policy == RecoveryFailSafe {
				return nil, fail(status, "commit was requested but its outcome is unknown")
			}
			c.logger.Warn("transaction status unknown after commit was requested, running it again; non-idempotent statements may be applied twice",
				"transaction", id, "begin_index", begin.Index)
			return retry(status)
		default:
			return retry(status)
		}

	case has(oplog.KindPreRollbackRemoteTransaction):
		if status == StatusCommitted {
			return nil, fail(status, "rollback was requested but the transaction committed")
		}
		if status == StatusOpen {
			if err := c.driver.CleanupTransaction(ctx, c.key, id); err != nil {
				return nil, err
			}
		}
		c.observe(OutcomeReplayed)
		return replayed, nil

	default:
		if status == StatusCommitted {
			return nil, fail(status, "transaction committed without a recorded commit request")
		}
		if _, completed := c.ctl.LookAhead(begin.Index, func(_ oplog.Index, e oplog.Entry) bool {
			return e.Kind() == oplog.KindExportedFunctionCompleted
		}); completed {
			if status == StatusOpen {
				if err := c.driver.CleanupTransaction(ctx, c.key, id); err != nil {
					return nil, err
				}
			}
			c.observe(OutcomeReplayed)
			c.logger.Info("transaction was never closed by its completed invocation, replaying it as rolled back",
				"transaction", id, "begin_index", begin.Index, "status", status.String())
			replayed.abandoned = true
			return replayed, nil
		}
		return retry(status)
	}
}

func (c *Conn) observe(outcome string) {
	if c.opts.Observer != nil {
		c.opts.Observer.TransactionRecovered(outcome)
	}
}

// ID returns the database transaction id.
func (t *Transaction) ID() string { return t.id }

// BeginIndex returns the index of the BeginRemoteTransaction entry.
func (t *Transaction) BeginIndex() oplog.Index { return t.begin }

func (t *Transaction) call(op, statement string, params []ir.IRValue) durability.Call {
	req := t.conn.request(statement, params)
	req["transaction_id"] = ir.IRString(t.id)
	return durability.Call{
		Function: t.conn.fn("transaction::" + op),
		Type:     oplog.WriteRemoteBatchedFn(t.begin),
		Request:  req,
	}
}

func (t *Transaction) liveTx() (Tx, error) {
	if t.tx == nil {
		return nil, fmt.Errorf("transaction %s is not open in the database", t.id)
	}
	return t.tx, nil
}

// Execute runs a statement inside the transaction.
func (t *Transaction) Execute(ctx context.Context, statement string, params []ir.IRValue) (uint64, error) {
	if t.state != txActive {
		return 0, ErrTransactionClosed
	}
	v, err := t.conn.ctl.Invoke(ctx, t.call("execute", statement, params), func(ctx context.Context) (ir.IRValue, error) {
		tx, err := t.liveTx()
		if err != nil {
			return nil, err
		}
		n, err := tx.Execute(ctx, statement, params)
		return ir.IRInt(n), err
	})
	if err != nil {
		return 0, err
	}
	return affected(v)
}

// Query runs a query inside the transaction.
func (t *Transaction) Query(ctx context.Context, statement string, params []ir.IRValue) (*Result, error) {
	if t.state != txActive {
		return nil, ErrTransactionClosed
	}
	v, err := t.conn.ctl.Invoke(ctx, t.call("query", statement, params), func(ctx context.Context) (ir.IRValue, error) {
		tx, err := t.liveTx()
		if err != nil {
			return nil, err
		}
		res, err := tx.Query(ctx, statement, params)
		if err != nil {
			return nil, err
		}
		return res.toIR(), nil
	})
	if err != nil {
		return nil, err
	}
	return resultFromIR(v)
}

// Commit commits the transaction: PreCommit is made durable, the commit is
// sent, and Committed is made durable. A failure to record either marker
// aborts the attempt; replay then settles the transaction.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.state != txActive {
		return ErrTransactionClosed
	}
	replayed, err := mark(ctx, t, "PreCommitRemoteTransaction", &oplog.PreCommitRemoteTransaction{BeginIndex: t.begin})
	if err != nil {
		return err
	}
	if !replayed {
		tx, err := t.liveTx()
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	replayed, err = mark(ctx, t, "CommittedRemoteTransaction", &oplog.CommittedRemoteTransaction{BeginIndex: t.begin})
	if err != nil {
		return err
	}
	t.state = txCommitted
	if !replayed {
		t.cleanup(ctx)
	}
	return nil
}

// Rollback rolls the transaction back with the PreRollback and RolledBack
// markers around the remote rollback.
func (t *Transaction) Rollback(ctx context.Context) error {
	if t.state != txActive {
		return ErrTransactionClosed
	}
	replayed, err := mark(ctx, t, "PreRollbackRemoteTransaction", &oplog.PreRollbackRemoteTransaction{BeginIndex: t.begin})
	if err != nil {
		return err
	}
	if !replayed && t.tx != nil {
		if err := t.tx.Rollback(ctx); err != nil {
			return err
		}
	}
	replayed, err = mark(ctx, t, "RolledBackRemoteTransaction", &oplog.RolledBackRemoteTransaction{BeginIndex: t.begin})
	if err != nil {
		return err
	}
	t.state = txRolledBack
	if !replayed {
		t.cleanup(ctx)
	}
	return nil
}

// Drop releases the transaction. One that is still active is rolled back.
// After a durability failure nothing is recorded; replay settles the
// transaction instead.
func (t *Transaction) Drop(ctx context.Context) error {
	if t.state != txActive || t.conn.ctl.Poisoned() != nil {
		return nil
	}
	if t.abandoned {
		t.state = txRolledBack
		return nil
	}
	return t.Rollback(ctx)
}

func (t *Transaction) cleanup(ctx context.Context) {
	if err := t.conn.driver.CleanupTransaction(ctx, t.conn.key, t.id); err != nil {
		t.conn.logger.Warn("transaction cleanup failed", "transaction", t.id, "error", err)
	}
}

// mark consumes the recorded marker of type T or, live, durably adds
// entry. It reports whether the marker was replayed.
func mark[T oplog.Entry](ctx context.Context, t *Transaction, name string, entry T) (bool, error) {
	rec, err := durability.Expect[T](ctx, t.conn.ctl, name)
	switch {
	case err == nil:
		if begin := oplog.TransactionBeginIndex(rec.Entry); begin != t.begin {
			return false, &durability.NonDeterminismError{
				Index:    rec.Index,
				Expected: fmt.Sprintf("%s(%d)", name, begin),
				Actual:   fmt.Sprintf("%s(%d)", name, t.begin),
			}
		}
		return true, nil
	case errors.Is(err, durability.ErrLive):
		_, err := t.conn.ctl.FallibleAdd(ctx, entry)
		return false, err
	default:
		return false, err
	}
}
