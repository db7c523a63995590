// Package storage provides the persistent audit log backing deduplication
// and compliance reads.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/janhalen/azure-smartmail/internal/common"
	"github.com/janhalen/azure-smartmail/internal/service"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	timestamp_in TEXT NOT NULL,
	timestamp_out TEXT NOT NULL,
	timestamp_email_ms INTEGER NOT NULL,
	sender TEXT NOT NULL,
	classification TEXT NOT NULL,
	confidence REAL NOT NULL,
	decision_source TEXT NOT NULL,
	text TEXT NOT NULL,
	sorting_threshold REAL NOT NULL,
	sorting_threshold_type TEXT NOT NULL,
	model_classification TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	model_version TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_message
	ON audit_log(tenant_id, message_id);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_email_ts
	ON audit_log(tenant_id, timestamp_email_ms);
`

// SQLiteStore implements service.AuditStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	reopen service.StoreRetryOptions
}

var _ service.AuditStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the audit database and initializes the
// schema.
func NewSQLiteStore(dbPath string, reopen service.StoreRetryOptions) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("%w: dbPath must not be empty", common.ErrInvalidConfig)
	}
	if reopen.MaxAttempts <= 0 {
		reopen.MaxAttempts = 5
	}
	if reopen.BaseDelay <= 0 {
		reopen.BaseDelay = time.Second
	}

	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	s := &SQLiteStore{dbPath: dbPath, reopen: reopen}
	if err := s.connect(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) connect() error {
	db, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't benefit from multiple connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// reconnect closes and reopens the connection with exponential backoff and
// jitter between attempts.
func (s *SQLiteStore) reconnect(ctx context.Context) error {
	if s.db != nil {
		_ = s.db.Close()
	}

	var lastErr error
	for attempt := 0; attempt < s.reopen.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(common.Backoff(s.reopen.BaseDelay, attempt-1)):
			}
		}
		if lastErr = s.connect(); lastErr == nil {
			return nil
		}
		slog.Warn("audit store reconnect failed",
			"attempt", attempt+1,
			"max_attempts", s.reopen.MaxAttempts,
			"error", lastErr)
	}
	return fmt.Errorf("%w: %v", common.ErrStoreUnavailable, lastErr)
}

// withReconnect runs op, and on failure performs one reconnect-and-retry
// before surfacing the error. A second failure is fatal for that single
// operation only.
func (s *SQLiteStore) withReconnect(ctx context.Context, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}

	slog.Warn("audit store operation failed, reconnecting", "error", err)
	if rcErr := s.reconnect(ctx); rcErr != nil {
		return rcErr
	}
	if err = op(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
