package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/ladder/internal/errors"
	_ "github.com/glebarez/go-sqlite"
)

// DefaultBusyTimeout bounds how long a scope waits on another writer before
// SQLite reports SQLITE_BUSY.
const DefaultBusyTimeout = 30 * time.Second

// SQLiteBackend stores the document as a single row in an embedded SQLite
// database. Exclusivity comes from BEGIN IMMEDIATE, which takes the
// database's write lock up front; COMMIT/ROLLBACK give all-or-nothing writes.
//
// Waiting is bounded by busy_timeout rather than blocking forever, and the
// lock is per connection, so it is not re-entrant either.
type SQLiteBackend struct {
	path string
	db   *sql.DB
}

// OpenSQLiteBackend opens (creating if needed) the database at path.
func OpenSQLiteBackend(path string, busyTimeout time.Duration) (*SQLiteBackend, error) {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.NewStateError("create state directory", err).WithPath(path)
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.NewStateError("open database", err).WithPath(path)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS state_document (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		doc BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.NewStateError("initialize schema", err).WithPath(path)
	}
	return &SQLiteBackend{path: path, db: db}, nil
}

// Name implements Backend.
func (b *SQLiteBackend) Name() string { return "sqlite" }

// Location implements Backend.
func (b *SQLiteBackend) Location() string { return b.path }

// Close implements Backend.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

// Begin pins a connection and starts an IMMEDIATE transaction on it.
func (b *SQLiteBackend) Begin(ctx context.Context) (Txn, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, errors.NewStateError("acquire connection", fmt.Errorf("%w: %w", errors.ErrLockFailed, err)).WithPath(b.path)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		_ = conn.Close()
		return nil, errors.NewStateError("begin immediate", fmt.Errorf("%w: %w", errors.ErrLockFailed, err)).WithPath(b.path)
	}
	return &sqliteTxn{backend: b, conn: conn}, nil
}

type sqliteTxn struct {
	backend *SQLiteBackend
	conn    *sql.Conn
	done    bool
}

// Statements run on a background context: once the write lock is held the
// scope must be able to finish or roll back even if the caller cancels.
func (t *sqliteTxn) Read() ([]byte, bool, error) {
	var doc []byte
	err := t.conn.QueryRowContext(context.Background(), "SELECT doc FROM state_document WHERE id = 1").Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewStateError("read state", fmt.Errorf("%w: %w", errors.ErrStateRead, err)).WithPath(t.backend.path)
	}
	return doc, true, nil
}

func (t *sqliteTxn) Write(data []byte) error {
	_, err := t.conn.ExecContext(context.Background(), `
		INSERT INTO state_document (id, doc, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		data, time.Now().UnixMilli())
	if err != nil {
		return errors.NewStateError("write state", fmt.Errorf("%w: %w", errors.ErrStateWrite, err)).WithPath(t.backend.path)
	}
	return nil
}

func (t *sqliteTxn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.conn.Close()
	if _, err := t.conn.ExecContext(context.Background(), "COMMIT"); err != nil {
		_, _ = t.conn.ExecContext(context.Background(), "ROLLBACK")
		return errors.NewStateError("commit", fmt.Errorf("%w: %w", errors.ErrStateWrite, err)).WithPath(t.backend.path)
	}
	return nil
}

func (t *sqliteTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.conn.Close()
	if _, err := t.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		return errors.NewStateError("rollback", err).WithPath(t.backend.path)
	}
	return nil
}
