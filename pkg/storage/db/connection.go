package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/clef/pkg/observability"
)

const (
	driverName = "sqlite3_clef"

	maxOpenConns    = 20
	maxIdleConns    = 2
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute

	// Busy retry policy for acquisition and contended writes.
	acquireAttempts    = 5
	acquireBaseBackoff = 10 * time.Millisecond
)

var (
	registerOnce sync.Once
	hookLogger   *observability.Logger
)

// Store provides access to the registry's relational data.
type Store struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewStore wraps an already-open pool. Migrations are not run; callers that
// need a fully initialized database use Open.
func NewStore(db *sql.DB, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Store{db: db, logger: logger}
}

// Open opens (creating if necessary) the SQLite database at path, configures
// the connection pool, applies per-connection pragmas, and runs migrations.
func Open(path string, logger *observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	registerOnce.Do(func() {
		hookLogger = logger
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: connectHook,
		})
	})

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := pingWithRetry(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// connectHook runs on every new pool connection. The busy timeout is the one
// pragma the registry cannot operate without; everything else degrades to a
// warning.
func connectHook(conn *sqlite3.SQLiteConn) error {
	if _, err := conn.Exec("PRAGMA busy_timeout = 60000", nil); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// WAL switching can race with another connection doing the same; retry
	// a few times before settling for the current journal mode.
	var walErr error
	for i := 0; i < 3; i++ {
		if _, walErr = conn.Exec("PRAGMA journal_mode = WAL", nil); walErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if walErr != nil {
		hookLogger.WithError(walErr).Warn("failed to enable WAL journal mode")
	}

	optional := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -32000",
		"PRAGMA wal_autocheckpoint = 1000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
	}
	for _, pragma := range optional {
		if _, err := conn.Exec(pragma, nil); err != nil {
			hookLogger.WithError(err).Warnf("failed to apply %q", pragma)
		}
	}

	return nil
}

// pingWithRetry attempts to acquire a connection with exponential backoff.
func pingWithRetry(ctx context.Context, db *sql.DB) error {
	var err error
	backoff := acquireBaseBackoff
	for attempt := 1; attempt <= acquireAttempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == acquireAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// retryable reports whether an operation failed on lock contention and is
// worth retrying.
func retryable(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, sql.ErrConnDone)
}

// withRetry runs fn with the store's busy-retry policy.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := acquireBaseBackoff
	for attempt := 1; attempt <= acquireAttempts; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		if attempt == acquireAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// observe records a query duration when metrics are attached.
func (s *Store) observe(operation string, start time.Time) {
	if s.metrics != nil {
		s.metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// SetMetrics attaches Prometheus metrics to the store.
func (s *Store) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// CollectPoolStats exports current pool gauges.
func (s *Store) CollectPoolStats() {
	if s.metrics == nil {
		return
	}
	stats := s.db.Stats()
	s.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	s.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}
