package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

const (
	dirPerm  = 0o750
	filePerm = 0o600

	openTimeout = 5 * time.Second
	idleTimeout = 30 * time.Minute
)

// Config mirrors the database section of the platform configuration.
type Config struct {
	// Path of the SQLite file. Missing parent directories are created.
	Path string

	WALMode bool

	// BusyTimeout is how long a statement waits on a locked database, in
	// seconds.
	BusyTimeout int
}

// dsn returns the go-sqlite3 connection string for c.
func (c Config) dsn() string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(c.BusyTimeout*1000))
	q.Set("_foreign_keys", "on")
	if c.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + c.Path + "?" + q.Encode()
}

// DB holds the fleet store. The embedded handle is limited to one
// connection: the production-order writes are rare and SQLite has a single
// writer anyway.
type DB struct {
	*sql.DB
}

// Open opens the database at cfg.Path, creating the file when needed, and
// restricts it to its owner.
//
// Returns:
//   - *DB: Handle that answered a ping
//   - error: If the directory, the file or the first connection fails
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPerm); err != nil {
		return nil, fmt.Errorf("database directory: %w", err)
	}

	handle, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Path, err)
	}
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	handle.SetConnMaxIdleTime(idleTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := handle.PingContext(ctx); err != nil {
		handle.Close() //nolint:errcheck // the ping error is reported
		return nil, fmt.Errorf("opening %s: %w", cfg.Path, err)
	}

	// The first connection created the file, unless SQLite deferred it.
	if err := os.Chmod(cfg.Path, filePerm); err != nil && !errors.Is(err, fs.ErrNotExist) {
		handle.Close() //nolint:errcheck // the chmod error is reported
		return nil, fmt.Errorf("restricting %s: %w", cfg.Path, err)
	}
	return &DB{DB: handle}, nil
}

// Close releases the connection. Safe on a zero DB.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// HealthCheck runs SQLite's quick integrity check.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database health check: %s", result)
	}
	return nil
}
