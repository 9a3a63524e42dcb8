// Package rdbms is the relational database capability offered to workers.
//
// A Driver talks to the database. Conn wraps a Driver for one worker and
// routes every statement through the worker's durability controller, so
// replay returns recorded rows instead of querying again. Transactions
// follow a marker protocol in the oplog that lets a restarted worker find
// out whether a transaction it was committing actually committed.
//
// # Transaction markers
//
// A transaction writes, each with a fallible add:
//
//	BeginRemoteTransaction        after the database opened it
//	PreCommitRemoteTransaction    before the commit is sent
//	CommittedRemoteTransaction    after the commit succeeded
//
// or PreRollbackRemoteTransaction and RolledBackRemoteTransaction on the
// rollback path. A crash between a Pre marker and its completion marker
// leaves the outcome open; recovery asks the driver for the transaction
// status to settle it. See Conn.BeginTransaction.
package rdbms

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/oplog"
)

// PoolKey selects a connection pool. Pools are never shared between
// workers.
type PoolKey struct {
	Worker  oplog.WorkerID
	Address string
}

func (k PoolKey) String() string { return k.Worker.String() + "@" + k.Address }

// TransactionStatus is the database's view of a transaction.
type TransactionStatus int

const (
	StatusNotFound TransactionStatus = iota
	StatusOpen
	StatusCommitted
	StatusRolledBack
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled-back"
	default:
		return "not-found"
	}
}

// Result is a fully read query result.
type Result struct {
	Columns []string
	Rows    [][]ir.IRValue
}

// DriverStatus summarizes a driver's resources.
type DriverStatus struct {
	Pools            int
	OpenTransactions int
}

// Driver is a database backend. Implementations must be safe for
// concurrent use by many workers.
type Driver interface {
	// Name identifies the database type in recorded function names.
	Name() string

	Execute(ctx context.Context, key PoolKey, statement string, params []ir.IRValue) (uint64, error)
	Query(ctx context.Context, key PoolKey, statement string, params []ir.IRValue) (*Result, error)
	QueryStream(ctx context.Context, key PoolKey, statement string, params []ir.IRValue) (RowStream, error)

	BeginTransaction(ctx context.Context, key PoolKey) (Tx, error)

	// GetTransactionStatus reports what the database knows about a
	// transaction begun through key. StatusNotFound means it cannot tell.
	GetTransactionStatus(ctx context.Context, key PoolKey, id string) (TransactionStatus, error)

	// CleanupTransaction releases what the driver keeps for a transaction
	// once its outcome is recorded. A transaction that is still open is
	// rolled back.
	CleanupTransaction(ctx context.Context, key PoolKey, id string) error

	Status() DriverStatus
}

// Tx is an open database transaction.
type Tx interface {
	ID() string
	Execute(ctx context.Context, statement string, params []ir.IRValue) (uint64, error)
	Query(ctx context.Context, statement string, params []ir.IRValue) (*Result, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// RowStream yields query rows one at a time.
type RowStream interface {
	Columns() []string
	// Next returns the next row; ok is false after the last one.
	Next(ctx context.Context) (row []ir.IRValue, ok bool, err error)
	Close() error
}

// toArgs converts statement parameters to driver arguments.
func toArgs(params []ir.IRValue) ([]any, error) {
	args := make([]any, len(params))
	for i, p := range params {
		switch v := p.(type) {
		case nil, ir.IRNull:
			args[i] = nil
		case ir.IRString:
			args[i] = string(v)
		case ir.IRInt:
			args[i] = int64(v)
		case ir.IRBool:
			args[i] = bool(v)
		default:
			return nil, fmt.Errorf("parameter %d: %T cannot be bound", i+1, p)
		}
	}
	return args, nil
}

// fromColumn converts a scanned column value. Values without an IR
// counterpart become strings: floats in shortest round-trip form, times in
// RFC 3339.
func fromColumn(v any) ir.IRValue {
	switch val := v.(type) {
	case nil:
		return ir.IRNull{}
	case int64:
		return ir.IRInt(val)
	case float64:
		return ir.IRString(strconv.FormatFloat(val, 'g', -1, 64))
	case bool:
		return ir.IRBool(val)
	case []byte:
		return ir.IRString(val)
	case string:
		return ir.IRString(val)
	case time.Time:
		return ir.IRString(val.UTC().Format(time.RFC3339Nano))
	default:
		return ir.IRString(fmt.Sprint(val))
	}
}

func paramsIR(params []ir.IRValue) ir.IRArray {
	out := make(ir.IRArray, len(params))
	for i, p := range params {
		if p == nil {
			p = ir.IRNull{}
		}
		out[i] = p
	}
	return out
}

func (r *Result) toIR() ir.IRValue {
	rows := make(ir.IRArray, len(r.Rows))
	for i, row := range r.Rows {
		rows[i] = paramsIR(row)
	}
	return ir.Object(ir.O("columns", ir.Strings(r.Columns...)), ir.O("rows", rows))
}

func resultFromIR(v ir.IRValue) (*Result, error) {
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("recorded result is %T", v)
	}
	cols, _ := obj["columns"].(ir.IRArray)
	rows, _ := obj["rows"].(ir.IRArray)
	res := &Result{Columns: make([]string, len(cols)), Rows: make([][]ir.IRValue, len(rows))}
	for i, c := range cols {
		s, ok := c.(ir.IRString)
		if !ok {
			return nil, fmt.Errorf("recorded column %d is %T", i, c)
		}
		res.Columns[i] = string(s)
	}
	for i, r := range rows {
		row, ok := r.(ir.IRArray)
		if !ok {
			return nil, fmt.Errorf("recorded row %d is %T", i, r)
		}
		res.Rows[i] = []ir.IRValue(row)
	}
	return res, nil
}
