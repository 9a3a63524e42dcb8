package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migrations[i] upgrades a database from user_version i to i+1. A new
// database gets schema.sql and then every migration, so schema.sql only
// ever describes version 0.
var migrations = []string{
	// 1: search and verify filter entries by kind without decoding them.
	`CREATE INDEX IF NOT EXISTS idx_oplog_entries_kind
		ON oplog_entries(component_id, worker_name, kind)`,
}

// Store is the SQLite oplog backend. It implements oplog.Storage and
// oplog.PayloadStore. One file holds the logs and payloads of every worker.
type Store struct {
	db *sql.DB
}

// Open opens the oplog database at path, creating it if needed, and brings
// its schema up to date. Opening an existing log is safe; nothing stored is
// rewritten.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open oplog database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open oplog database %s: %w", path, err)
	}

	// One connection: appends of different workers queue up instead of
	// failing with SQLITE_BUSY, and the head check of Append cannot race.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate oplog database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// dsn configures every connection: a write-ahead journal so readers see
// committed appends while a writer runs, NORMAL sync (a commit survives a
// process crash; with WAL it can only be lost with the machine), and
// immediate transactions so Append takes the write lock before it reads
// the head.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the database handle. Tests use it to damage logs on purpose.
func (s *Store) DB() *sql.DB {
	return s.db
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this binary (%d)", version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		if _, err := db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migrate to version %d: %w", v+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return fmt.Errorf("set user_version %d: %w", v+1, err)
		}
	}
	return nil
}

// pragma reads a pragma's current value.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("query pragma %s: %w", name, err)
	}
	return value, nil
}
