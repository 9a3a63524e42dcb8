package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/golemexec/internal/oplog"
)

var (
	_ oplog.Storage      = (*Store)(nil)
	_ oplog.PayloadStore = (*Store)(nil)
)

// Append implements oplog.Storage. The contiguity check and the inserts run
// in one transaction, so a failed or cancelled append leaves nothing behind.
func (s *Store) Append(ctx context.Context, worker oplog.WorkerID, records []oplog.RawRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback()

	last, err := lastIndex(ctx, tx, worker)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}

	expected := last.Next()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO oplog_entries (component_id, worker_name, idx, kind, data)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("append: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.Index != expected {
			return fmt.Errorf("%w: %s expected index %d, got %d", oplog.ErrIndexConflict, worker, expected, r.Index)
		}
		kind, err := oplog.PeekKind(r.Data)
		if err != nil {
			return fmt.Errorf("append %d: %w", r.Index, err)
		}
		if _, err := stmt.ExecContext(ctx, worker.ComponentID.String(), worker.Name, int64(r.Index), int(kind), r.Data); err != nil {
			return fmt.Errorf("append %d: %w", r.Index, err)
		}
		expected++
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO oplog_heads (component_id, worker_name, last_idx)
		VALUES (?, ?, ?)
		ON CONFLICT DO UPDATE SET last_idx = excluded.last_idx
	`, worker.ComponentID.String(), worker.Name, int64(expected.Prev()))
	if err != nil {
		return fmt.Errorf("append: update head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lastIndex(ctx context.Context, q queryRower, worker oplog.WorkerID) (oplog.Index, error) {
	var last int64
	err := q.QueryRowContext(ctx, `
		SELECT last_idx FROM oplog_heads
		WHERE component_id = ? AND worker_name = ?
	`, worker.ComponentID.String(), worker.Name).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return oplog.None, nil
	}
	if err != nil {
		return oplog.None, fmt.Errorf("read last index: %w", err)
	}
	return oplog.Index(last), nil
}

// Read implements oplog.Storage.
func (s *Store) Read(ctx context.Context, worker oplog.WorkerID, from oplog.Index, n int) ([]oplog.RawRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, data FROM oplog_entries
		WHERE component_id = ? AND worker_name = ? AND idx >= ?
		ORDER BY idx ASC
		LIMIT ?
	`, worker.ComponentID.String(), worker.Name, int64(from), n)
	if err != nil {
		return nil, fmt.Errorf("query oplog: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ReadKind returns up to n records of one kind starting at from. Used by
// the CLI to search without decoding every entry.
func (s *Store) ReadKind(ctx context.Context, worker oplog.WorkerID, kind oplog.Kind, from oplog.Index, n int) ([]oplog.RawRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, data FROM oplog_entries
		WHERE component_id = ? AND worker_name = ? AND kind = ? AND idx >= ?
		ORDER BY idx ASC
		LIMIT ?
	`, worker.ComponentID.String(), worker.Name, int(kind), int64(from), n)
	if err != nil {
		return nil, fmt.Errorf("query oplog by kind: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]oplog.RawRecord, error) {
	var records []oplog.RawRecord
	for rows.Next() {
		var (
			idx  int64
			data []byte
		)
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, fmt.Errorf("scan oplog entry: %w", err)
		}
		records = append(records, oplog.RawRecord{Index: oplog.Index(idx), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate oplog: %w", err)
	}
	return records, nil
}

// Bounds implements oplog.Storage.
func (s *Store) Bounds(ctx context.Context, worker oplog.WorkerID) (oplog.Index, oplog.Index, error) {
	var first sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(idx) FROM oplog_entries
		WHERE component_id = ? AND worker_name = ?
	`, worker.ComponentID.String(), worker.Name).Scan(&first)
	if err != nil {
		return oplog.None, oplog.None, fmt.Errorf("query bounds: %w", err)
	}
	last, err := lastIndex(ctx, s.db, worker)
	if err != nil {
		return oplog.None, oplog.None, err
	}
	return oplog.Index(first.Int64), last, nil
}

// DeletePrefix implements oplog.Storage.
func (s *Store) DeletePrefix(ctx context.Context, worker oplog.WorkerID, last oplog.Index) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM oplog_entries
		WHERE component_id = ? AND worker_name = ? AND idx <= ?
	`, worker.ComponentID.String(), worker.Name, int64(last))
	if err != nil {
		return 0, fmt.Errorf("delete prefix: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete prefix: %w", err)
	}
	return uint64(n), nil
}

// Delete implements oplog.Storage.
func (s *Store) Delete(ctx context.Context, worker oplog.WorkerID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete oplog of %s: %w", worker, err)
	}
	defer tx.Rollback()
	for _, table := range []string{"oplog_entries", "oplog_heads"} {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE component_id = ? AND worker_name = ?",
			worker.ComponentID.String(), worker.Name)
		if err != nil {
			return fmt.Errorf("delete oplog of %s: %w", worker, err)
		}
	}
	return tx.Commit()
}

// Workers implements oplog.Storage.
func (s *Store) Workers(ctx context.Context) ([]oplog.WorkerID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT component_id, worker_name FROM oplog_entries
		ORDER BY component_id ASC, worker_name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var workers []oplog.WorkerID
	for rows.Next() {
		var component, name string
		if err := rows.Scan(&component, &name); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		id, err := uuid.Parse(component)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, oplog.WorkerID{ComponentID: id, Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}

// WaitForReplicas implements oplog.Storage. A SQLite file has no replicas:
// zero replicas are acknowledged at once; for more the wait runs out its
// timeout and reports false, as a primary whose replicas never answer would.
func (s *Store) WaitForReplicas(ctx context.Context, n int, timeout time.Duration) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	if timeout <= 0 {
		return false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// PutPayload implements oplog.PayloadStore.
func (s *Store) PutPayload(ctx context.Context, worker oplog.WorkerID, id uuid.UUID, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payloads (component_id, worker_name, id, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO UPDATE SET data = excluded.data
	`, worker.ComponentID.String(), worker.Name, id.String(), data)
	if err != nil {
		return fmt.Errorf("put payload %s: %w", id, err)
	}
	return nil
}

// GetPayload implements oplog.PayloadStore.
func (s *Store) GetPayload(ctx context.Context, worker oplog.WorkerID, id uuid.UUID) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM payloads
		WHERE component_id = ? AND worker_name = ? AND id = ?
	`, worker.ComponentID.String(), worker.Name, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", oplog.ErrPayloadNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s: %w", id, err)
	}
	return data, nil
}

// DeletePayloads implements oplog.PayloadStore.
func (s *Store) DeletePayloads(ctx context.Context, worker oplog.WorkerID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM payloads WHERE component_id = ? AND worker_name = ?
	`, worker.ComponentID.String(), worker.Name)
	if err != nil {
		return fmt.Errorf("delete payloads of %s: %w", worker, err)
	}
	return nil
}
