package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/golemexec/internal/executor"
	"github.com/roach88/golemexec/internal/ir"
	"github.com/roach88/golemexec/internal/rdbms"
)

// LedgerComponentID identifies the component every scenario runs.
var LedgerComponentID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("golem:harness:ledger"))

const (
	createLedger = `CREATE TABLE IF NOT EXISTS ledger (
		worker TEXT NOT NULL,
		seq    INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		PRIMARY KEY (worker, seq)
	)`
	// Rows are keyed by worker and sequence number, so a transaction run
	// again after a lost commit status rewrites the same rows.
	insertRow   = "INSERT OR REPLACE INTO ledger (worker, seq, amount) VALUES (?, ?, ?)"
	countRows   = "SELECT COUNT(*) FROM ledger WHERE worker = ?"
	deleteRows  = "DELETE FROM ledger WHERE worker = ? AND seq <= ?"
	countLedger = "SELECT COUNT(*) FROM ledger"
)

// ledger builds the scenario component. Its exports:
//
//	create_table()          create the ledger table
//	write(rows, end)        insert rows in one transaction ended by end
//	count()                 count the worker's rows
//	delete(rows)            delete the worker's first rows, report what is left
func ledger(address string) executor.Component {
	return executor.Exports(map[string]executor.ExportFunc{
		"create_table": func(ctx context.Context, h *executor.Host, _ []ir.IRValue) (ir.IRValue, error) {
			conn, err := h.RDBMS(address)
			if err != nil {
				return nil, err
			}
			if _, err := conn.Execute(ctx, createLedger, nil); err != nil {
				return nil, err
			}
			return ir.IRBool(true), nil
		},
		"write": func(ctx context.Context, h *executor.Host, p []ir.IRValue) (ir.IRValue, error) {
			rows, err := intParam(p, 0)
			if err != nil {
				return nil, err
			}
			end, err := stringParam(p, 1)
			if err != nil {
				return nil, err
			}
			conn, err := h.RDBMS(address)
			if err != nil {
				return nil, err
			}
			return write(ctx, conn, h.WorkerID().Name, rows, end)
		},
		"count": func(ctx context.Context, h *executor.Host, _ []ir.IRValue) (ir.IRValue, error) {
			conn, err := h.RDBMS(address)
			if err != nil {
				return nil, err
			}
			return count(ctx, conn, h.WorkerID().Name)
		},
		"delete": func(ctx context.Context, h *executor.Host, p []ir.IRValue) (ir.IRValue, error) {
			rows, err := intParam(p, 0)
			if err != nil {
				return nil, err
			}
			conn, err := h.RDBMS(address)
			if err != nil {
				return nil, err
			}
			name := h.WorkerID().Name
			deleted, err := conn.Execute(ctx, deleteRows, []ir.IRValue{ir.IRString(name), ir.IRInt(rows)})
			if err != nil {
				return nil, err
			}
			remaining, err := count(ctx, conn, name)
			if err != nil {
				return nil, err
			}
			return ir.Object(
				ir.O("deleted", ir.IRInt(int64(deleted))),
				ir.O("remaining", remaining),
			), nil
		},
	})
}

func write(ctx context.Context, conn *rdbms.Conn, worker string, rows int64, end string) (ir.IRValue, error) {
	tx, err := conn.BeginTransaction(ctx)
	if err != nil {
		return nil, err
	}
	for seq := int64(1); seq <= rows; seq++ {
		params := []ir.IRValue{ir.IRString(worker), ir.IRInt(seq), ir.IRInt(seq * 10)}
		if _, err := tx.Execute(ctx, insertRow, params); err != nil {
			if derr := tx.Drop(ctx); derr != nil {
				slog.Warn("rollback after failed insert", "worker", worker, "transaction", tx.ID(), "seq", seq, "error", derr)
			}
			return nil, err
		}
	}
	switch end {
	case EndCommit:
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return ir.IRInt(rows), nil
	case EndRollback:
		if err := tx.Rollback(ctx); err != nil {
			return nil, err
		}
	default:
		if err := tx.Drop(ctx); err != nil {
			return nil, err
		}
	}
	return ir.IRInt(0), nil
}

func count(ctx context.Context, conn *rdbms.Conn, worker string) (ir.IRValue, error) {
	res, err := conn.Query(ctx, countRows, []ir.IRValue{ir.IRString(worker)})
	if err != nil {
		return nil, err
	}
	return firstInt(res)
}

func firstInt(res *rdbms.Result) (ir.IRInt, error) {
	if len(res.Rows) != 1 || len(res.Rows[0]) != 1 {
		return 0, fmt.Errorf("expected a single value, got %d rows", len(res.Rows))
	}
	n, ok := res.Rows[0][0].(ir.IRInt)
	if !ok {
		return 0, fmt.Errorf("expected an integer, got %T", res.Rows[0][0])
	}
	return n, nil
}

func intParam(p []ir.IRValue, i int) (int64, error) {
	if len(p) <= i {
		return 0, fmt.Errorf("missing parameter %d", i)
	}
	n, ok := p[i].(ir.IRInt)
	if !ok {
		return 0, fmt.Errorf("parameter %d: expected an integer, got %T", i, p[i])
	}
	return int64(n), nil
}

func stringParam(p []ir.IRValue, i int) (string, error) {
	if len(p) <= i {
		return "", fmt.Errorf("missing parameter %d", i)
	}
	s, ok := p[i].(ir.IRString)
	if !ok {
		return "", fmt.Errorf("parameter %d: expected a string, got %T", i, p[i])
	}
	return string(s), nil
}
