package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// SQLiteConfig holds configuration for OpenSQLite.
type SQLiteConfig struct {
	// BusyTimeout is how long a connection waits on a lock before failing
	BusyTimeout time.Duration

	// Retry controls retries of transient failures
	Retry RetryConfig

	// Logger for storage activity
	Logger *log.Logger
}

// DefaultSQLiteConfig returns sensible defaults.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		BusyTimeout: 5 * time.Second,
		Retry:       DefaultRetryConfig(),
		Logger:      log.New(os.Stderr, "[persistence] ", log.LstdFlags),
	}
}

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	conn   *sql.DB
	path   string
	config *SQLiteConfig

	closeOnce sync.Once
}

var _ Store = (*SQLiteStore)(nil)

// storageError marks failures that came from the database rather than from
// a transaction body.
type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return "failed to " + e.op + ": " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

// OpenSQLite opens (creating if needed) the database at path.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	return OpenSQLiteWithConfig(path, DefaultSQLiteConfig())
}

// OpenSQLiteWithConfig opens the database with custom configuration.
func OpenSQLiteWithConfig(path string, config *SQLiteConfig) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout is per connection, so it goes in the DSN where every
	// pooled connection picks it up.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_txlock=immediate",
		path, config.BusyTimeout.Milliseconds())
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{conn: conn, path: path, config: config}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than supported version %d",
			ErrUnrecoverable, version, schemaVersion)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		tbl TEXT NOT NULL,
		k BLOB NOT NULL,
		v BLOB NOT NULL,
		PRIMARY KEY (tbl, k)
	) WITHOUT ROWID;
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// RunTransaction runs fn inside one SQL transaction, retrying the whole
// transaction on transient failures.
func (s *SQLiteStore) RunTransaction(ctx context.Context, name string, mode Mode, fn func(Txn) error) error {
	if s.conn == nil {
		return ErrClosed
	}
	var bodyErr error
	err := retryOp(ctx, s.config.Retry, func() error {
		bodyErr = nil
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return &storageError{op: "begin transaction " + name, err: err}
		}
		defer tx.Rollback()

		txn := &sqliteTxn{ctx: ctx, tx: tx, mode: mode}
		if err := fn(txn); err != nil {
			var se *storageError
			if errors.As(err, &se) {
				return err
			}
			// Body errors are final.
			bodyErr = err
			return nil
		}
		if err := tx.Commit(); err != nil {
			return &storageError{op: "commit transaction " + name, err: err}
		}
		return nil
	})
	if bodyErr != nil {
		return bodyErr
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("transaction %s: %w", name, ctxErr)
	}
	if isTransientSQLiteErr(err) {
		s.config.Logger.Printf("Transaction %s still failing after %d retries: %v", name, s.config.Retry.MaxRetries, err)
		return fmt.Errorf("transaction %s: %w", name, err)
	}
	return fmt.Errorf("transaction %s: %w: %w", name, ErrUnrecoverable, err)
}

// Size returns page_count * page_size.
func (s *SQLiteStore) Size(ctx context.Context) (int64, error) {
	if s.conn == nil {
		return 0, ErrClosed
	}
	var pages, pageSize int64
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page size: %w", err)
	}
	return pages * pageSize, nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.conn == nil {
			return
		}
		if _, cerr := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cerr != nil {
			s.config.Logger.Printf("Warning: failed to checkpoint WAL: %v", cerr)
		}
		if cerr := s.conn.Close(); cerr != nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
		s.conn = nil
	})
	return err
}

type sqliteTxn struct {
	ctx  context.Context
	tx   *sql.Tx
	mode Mode
}

func (t *sqliteTxn) Get(table Table, key []byte) ([]byte, bool, error) {
	var v []byte
	err := t.tx.QueryRowContext(t.ctx, "SELECT v FROM kv WHERE tbl = ? AND k = ?", string(table), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &storageError{op: "read " + string(table), err: err}
	}
	return v, true, nil
}

func (t *sqliteTxn) Put(table Table, key, value []byte) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	query := `
	INSERT INTO kv (tbl, k, v) VALUES (?, ?, ?)
	ON CONFLICT(tbl, k) DO UPDATE SET v = excluded.v
	`
	if _, err := t.tx.ExecContext(t.ctx, query, string(table), key, value); err != nil {
		return &storageError{op: "write " + string(table), err: err}
	}
	return nil
}

func (t *sqliteTxn) Delete(table Table, key []byte) error {
	if t.mode == ReadOnly {
		return ErrReadOnly
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM kv WHERE tbl = ? AND k = ?", string(table), key); err != nil {
		return &storageError{op: "delete from " + string(table), err: err}
	}
	return nil
}

func (t *sqliteTxn) Scan(table Table, prefix []byte, fn VisitFunc) error {
	return t.ScanRange(table, prefix, prefixEnd(prefix), fn)
}

type kvRow struct {
	k, v []byte
}

// ScanRange reads the whole range before visiting it so fn may issue
// further statements on the transaction.
func (t *sqliteTxn) ScanRange(table Table, start, end []byte, fn VisitFunc) error {
	if start == nil {
		start = []byte{}
	}
	var rows *sql.Rows
	var err error
	if end == nil {
		rows, err = t.tx.QueryContext(t.ctx,
			"SELECT k, v FROM kv WHERE tbl = ? AND k >= ? ORDER BY k", string(table), start)
	} else {
		rows, err = t.tx.QueryContext(t.ctx,
			"SELECT k, v FROM kv WHERE tbl = ? AND k >= ? AND k < ? ORDER BY k", string(table), start, end)
	}
	if err != nil {
		return &storageError{op: "scan " + string(table), err: err}
	}
	defer rows.Close()

	var entries []kvRow
	for rows.Next() {
		var r kvRow
		if err := rows.Scan(&r.k, &r.v); err != nil {
			return &storageError{op: "scan " + string(table), err: err}
		}
		entries = append(entries, r)
	}
	if err := rows.Err(); err != nil {
		return &storageError{op: "scan " + string(table), err: err}
	}
	rows.Close()

	for _, r := range entries {
		more, err := fn(r.k, r.v)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}
