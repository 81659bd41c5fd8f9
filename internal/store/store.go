// Package store persists sessions in a single-file sqlite database under the
// user's data directory. It is safe to open from multiple processes: worker
// supervisors and the CLI/UI share the file through WAL mode and a generous
// busy timeout.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/session"
)

// busyTimeoutMs is how long a connection waits on a locked database before
// failing. Workers and the UI write concurrently, so this errs high.
const busyTimeoutMs = 30000

// Store is the durable session store.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if necessary) the session store at path, applies
// pending migrations, and returns the store. The parent directory is created
// with 0700. When an existing database is present, a .bak copy is taken
// before migrations run.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := backupFile(path, path+".bak"); err != nil {
			log.Warn(log.CatStore, "pre-migration backup failed", "path", path, "error", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path, busyTimeoutMs)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &ConnectionError{Path: path, Err: err}
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Path: path, Err: err}
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Path: path, Err: err}
	}

	log.Debug(log.CatStore, "store opened", "path", path)
	return &Store{conn: conn, path: path}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn exposes the underlying connection for diagnostics.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func backupFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: backing up our own database file
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Database writes are retried a few times with linear backoff. Validation and
// not-found outcomes are surfaced immediately; only transient I/O deserves
// another attempt.
const (
	maxAttempts = 3
	retryDelay  = 100 * time.Millisecond
)

func withRetry(op func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt < maxAttempts {
			time.Sleep(retryDelay * time.Duration(attempt))
		}
	}
	return err
}

func retryable(err error) bool {
	var verr *session.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var nferr *session.NotFoundError
	if errors.As(err, &nferr) {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	return true
}
