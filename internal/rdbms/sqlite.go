package rdbms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/golemexec/internal/ir"
)

// markerTable records the ids of committed transactions. Every transaction
// inserts its id here before anything else, so the row exists exactly when
// the transaction committed.
const markerTable = `
CREATE TABLE IF NOT EXISTS golem_transactions (
    id         TEXT PRIMARY KEY,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`

// SQLiteDriver is a Driver for SQLite database files. The address of a
// pool is the database file path.
//
// Transaction status comes from three places: transactions this driver
// still holds open, transactions it rolled back, and the marker table.
// Reset forgets the first two, as a pool reset of a server database would.
type SQLiteDriver struct {
	logger *slog.Logger

	mu         sync.Mutex
	pools      map[PoolKey]*sql.DB
	open       map[string]*sqliteTx
	rolledBack map[string]PoolKey
	forceLost  int
}

var _ Driver = (*SQLiteDriver)(nil)

// NewSQLiteDriver creates a driver with no pools.
func NewSQLiteDriver(logger *slog.Logger) *SQLiteDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteDriver{
		logger:     logger.With("component", "rdbms", "driver", "sqlite"),
		pools:      make(map[PoolKey]*sql.DB),
		open:       make(map[string]*sqliteTx),
		rolledBack: make(map[string]PoolKey),
	}
}

// Name implements Driver.
func (d *SQLiteDriver) Name() string { return "sqlite" }

func (d *SQLiteDriver) pool(ctx context.Context, key PoolKey) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.pools[key]; ok {
		return db, nil
	}
	dsn := "file:" + key.Address + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool %s: %w", key, err)
	}
	if _, err := db.ExecContext(ctx, markerTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("open pool %s: create marker table: %w", key, err)
	}
	d.pools[key] = db
	d.logger.Debug("opened pool", "pool", key.String())
	return db, nil
}

// Execute implements Driver.
func (d *SQLiteDriver) Execute(ctx context.Context, key PoolKey, statement string, params []ir.IRValue) (uint64, error) {
	db, err := d.pool(ctx, key)
	if err != nil {
		return 0, err
	}
	return execute(ctx, db, statement, params)
}

// Query implements Driver.
func (d *SQLiteDriver) Query(ctx context.Context, key PoolKey, statement string, params []ir.IRValue) (*Result, error) {
	db, err := d.pool(ctx, key)
	if err != nil {
		return nil, err
	}
	return query(ctx, db, statement, params)
}

// QueryStream implements Driver.
func (d *SQLiteDriver) QueryStream(ctx context.Context, key PoolKey, statement string, params []ir.IRValue) (RowStream, error) {
	db, err := d.pool(ctx, key)
	if err != nil {
		return nil, err
	}
	args, err := toArgs(params)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("query: %w", err)
	}
	return &sqliteStream{rows: rows, columns: cols}, nil
}

// BeginTransaction implements Driver.
func (d *SQLiteDriver) BeginTransaction(ctx context.Context, key PoolKey) (Tx, error) {
	db, err := d.pool(ctx, key)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, "INSERT INTO golem_transactions (id) VALUES (?)", id); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("begin transaction: write marker: %w", err)
	}
	t := &sqliteTx{driver: d, key: key, id: id, tx: tx}
	d.mu.Lock()
	d.open[id] = t
	d.mu.Unlock()
	return t, nil
}

// GetTransactionStatus implements Driver.
func (d *SQLiteDriver) GetTransactionStatus(ctx context.Context, key PoolKey, id string) (TransactionStatus, error) {
	d.mu.Lock()
	if d.forceLost > 0 {
		d.forceLost--
		d.mu.Unlock()
		return StatusNotFound, nil
	}
	if t, ok := d.open[id]; ok && t.key == key {
		d.mu.Unlock()
		return StatusOpen, nil
	}
	if owner, ok := d.rolledBack[id]; ok && owner == key {
		d.mu.Unlock()
		return StatusRolledBack, nil
	}
	d.mu.Unlock()

	db, err := d.pool(ctx, key)
	if err != nil {
		return StatusNotFound, err
	}
	var found string
	err = db.QueryRowContext(ctx, "SELECT id FROM golem_transactions WHERE id = ?", id).Scan(&found)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return StatusNotFound, nil
	case err != nil:
		return StatusNotFound, fmt.Errorf("transaction status of %s: %w", id, err)
	default:
		return StatusCommitted, nil
	}
}

// CleanupTransaction implements Driver.
func (d *SQLiteDriver) CleanupTransaction(ctx context.Context, key PoolKey, id string) error {
	d.mu.Lock()
	t, open := d.open[id]
	d.mu.Unlock()
	if open && t.key == key {
		if err := t.Rollback(ctx); err != nil {
			return err
		}
	}
	db, err := d.pool(ctx, key)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM golem_transactions WHERE id = ?", id); err != nil {
		return fmt.Errorf("cleanup transaction %s: %w", id, err)
	}
	return nil
}

// Status implements Driver.
func (d *SQLiteDriver) Status() DriverStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DriverStatus{Pools: len(d.pools), OpenTransactions: len(d.open)}
}

// LoseStatuses makes the next n status lookups report StatusNotFound, as
// if the database could no longer tell.
func (d *SQLiteDriver) LoseStatuses(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceLost = n
}

// Reset rolls back every open transaction, forgets rolled back ones and
// closes all pools.
func (d *SQLiteDriver) Reset() {
	d.mu.Lock()
	open := make([]*sqliteTx, 0, len(d.open))
	for _, t := range d.open {
		open = append(open, t)
	}
	d.mu.Unlock()
	for _, t := range open {
		t.Rollback(context.Background())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for key, db := range d.pools {
		db.Close()
		delete(d.pools, key)
	}
	clear(d.rolledBack)
	d.logger.Info("reset all pools", "rolled_back", len(open))
}

// Close rolls back open transactions and closes all pools.
func (d *SQLiteDriver) Close() error {
	d.Reset()
	return nil
}

type sqliteTx struct {
	driver *SQLiteDriver
	key    PoolKey
	id     string
	tx     *sql.Tx
}

func (t *sqliteTx) ID() string { return t.id }

func (t *sqliteTx) Execute(ctx context.Context, statement string, params []ir.IRValue) (uint64, error) {
	return execute(ctx, t.tx, statement, params)
}

func (t *sqliteTx) Query(ctx context.Context, statement string, params []ir.IRValue) (*Result, error) {
	return query(ctx, t.tx, statement, params)
}

// finish removes the transaction from the open set and reports whether it
// was still open.
func (t *sqliteTx) finish() bool {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()
	if _, ok := t.driver.open[t.id]; !ok {
		return false
	}
	delete(t.driver.open, t.id)
	return true
}

func (t *sqliteTx) markRolledBack() {
	t.driver.mu.Lock()
	defer t.driver.mu.Unlock()
	t.driver.rolledBack[t.id] = t.key
}

func (t *sqliteTx) Commit(context.Context) error {
	if !t.finish() {
		return fmt.Errorf("commit transaction %s: %w", t.id, sql.ErrTxDone)
	}
	if err := t.tx.Commit(); err != nil {
		t.markRolledBack()
		return fmt.Errorf("commit transaction %s: %w", t.id, err)
	}
	return nil
}

// Rollback rolls back an open transaction. It is a no-op once the
// transaction finished.
func (t *sqliteTx) Rollback(context.Context) error {
	if !t.finish() {
		return nil
	}
	err := t.tx.Rollback()
	t.markRolledBack()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback transaction %s: %w", t.id, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func execute(ctx context.Context, db execer, statement string, params []ir.IRValue) (uint64, error) {
	args, err := toArgs(params)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, fmt.Errorf("execute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("execute: %w", err)
	}
	return uint64(n), nil
}

func query(ctx context.Context, db execer, statement string, params []ir.IRValue) (*Result, error) {
	args, err := toArgs(params)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	res := &Result{Columns: cols, Rows: [][]ir.IRValue{}}
	for rows.Next() {
		row, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return res, nil
}

func scanRow(rows *sql.Rows, n int) ([]ir.IRValue, error) {
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	row := make([]ir.IRValue, n)
	for i, v := range values {
		row[i] = fromColumn(v)
	}
	return row, nil
}

type sqliteStream struct {
	rows    *sql.Rows
	columns []string
}

func (s *sqliteStream) Columns() []string { return s.columns }

func (s *sqliteStream) Next(ctx context.Context) ([]ir.IRValue, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, false, fmt.Errorf("query stream: %w", err)
		}
		return nil, false, nil
	}
	row, err := scanRow(s.rows, len(s.columns))
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (s *sqliteStream) Close() error { return s.rows.Close() }
