// Copyright 2026 The Ceramic Anchor Service Authors
//
// Database Client for the anchor batch pipeline.
// Provides connection pooling, health checks, migration support, and the
// advisory-lock + serializable-retry transaction coordinator.

package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ceramicnetwork/cas/pkg/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// transactionMutexID is the fixed key for the process-wide advisory lock
// that serializes anchor batches across the worker fleet (spec §4.8).
const transactionMutexID = 847_002_931

// postgresSerializationFailure is the SQLSTATE for a transaction that lost
// a serializable-isolation race and must be retried by the caller.
const postgresSerializationFailure = "40001"

// Client represents a database client with connection pooling.
type Client struct {
	db     *sql.DB
	config *config.Config
	logger *log.Logger

	onManyMutexAttempts func()
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithLogger sets a custom logger for the client.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithManyMutexAttemptsHook registers a callback invoked once per
// WithTransactionMutex call that needed more than five acquisition
// attempts, so pkg/metrics can count MANY_ATTEMPTS_TO_ACQUIRE_MUTEX.
func WithManyMutexAttemptsHook(hook func()) ClientOption {
	return func(c *Client) {
		c.onManyMutexAttempts = hook
	}
}

// NewClient creates a new database client with connection pooling.
func NewClient(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL cannot be empty")
	}

	client := &Client{
		config: cfg,
		logger: log.New(log.Writer(), "[Database] ", log.LstdFlags),
	}

	for _, opt := range opts {
		opt(client)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxConns)
	db.SetMaxIdleConns(cfg.DatabaseMinConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.DatabaseMaxIdleTime) * time.Second)
	db.SetConnMaxLifetime(time.Duration(cfg.DatabaseMaxLifetime) * time.Second)

	client.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client.logger.Printf("Connected to database (max_conns=%d, min_conns=%d)",
		cfg.DatabaseMaxConns, cfg.DatabaseMinConns)

	return client, nil
}

// DB returns the underlying *sql.DB for direct access.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		c.logger.Println("Closing database connection")
		return c.db.Close()
	}
	return nil
}

// Ping verifies the database connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Health returns database health information.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{
		CheckedAt: time.Now(),
	}

	if err := c.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
		return status, nil
	}

	stats := c.db.Stats()
	status.Healthy = true
	status.OpenConnections = stats.OpenConnections
	status.InUse = stats.InUse
	status.Idle = stats.Idle
	status.WaitCount = stats.WaitCount
	status.WaitDuration = stats.WaitDuration
	status.MaxOpenConnections = stats.MaxOpenConnections

	var version string
	if err := c.db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err == nil {
		status.Version = version
	}

	return status, nil
}

// HealthStatus represents the health status of the database.
type HealthStatus struct {
	Healthy            bool          `json:"healthy"`
	Error              string        `json:"error,omitempty"`
	Version            string        `json:"version,omitempty"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxOpenConnections int           `json:"max_open_connections"`
	CheckedAt          time.Time     `json:"checked_at"`
}

// ============================================================================
// MIGRATION SUPPORT
// ============================================================================

// MigrateUp runs all pending database migrations.
func (c *Client) MigrateUp(ctx context.Context) error {
	c.logger.Println("Running database migrations...")

	migrations, err := c.getMigrations()
	if err != nil {
		return fmt.Errorf("failed to get migrations: %w", err)
	}

	applied, err := c.getAppliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("failed to get applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			c.logger.Printf("  Skipping %s (already applied)", migration.Version)
			continue
		}

		c.logger.Printf("  Applying %s...", migration.Version)
		if err := c.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		c.logger.Printf("  Applied %s successfully", migration.Version)
	}

	c.logger.Println("Migrations complete")
	return nil
}

// Migration represents a database migration.
type Migration struct {
	Version  string
	Filename string
	SQL      string
}

func (c *Client) getMigrations() ([]Migration, error) {
	var migrations []Migration

	err := fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".sql") {
			return nil
		}

		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		filename := d.Name()
		version := strings.TrimSuffix(filename, ".sql")

		migrations = append(migrations, Migration{
			Version:  version,
			Filename: filename,
			SQL:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (c *Client) getAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func (c *Client) applyMigration(ctx context.Context, migration Migration) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	return tx.Commit()
}

// MigrationInfo represents the status of a single migration.
type MigrationInfo struct {
	Version string `json:"version"`
	Applied bool   `json:"applied"`
}

// MigrationStatus returns the status of all migrations.
func (c *Client) MigrationStatus(ctx context.Context) ([]MigrationInfo, error) {
	migrations, err := c.getMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations: %w", err)
	}

	applied, err := c.getAppliedMigrations(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "does not exist") {
			return nil, fmt.Errorf("failed to get applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	var status []MigrationInfo
	for _, m := range migrations {
		status = append(status, MigrationInfo{
			Version: m.Version,
			Applied: applied[m.Version],
		})
	}

	return status, nil
}

// ============================================================================
// TRANSACTION SUPPORT
// ============================================================================

// Tx represents a database transaction.
type Tx struct {
	tx *sql.Tx
}

// BeginTx starts a new transaction.
func (c *Client) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// BeginSerializable starts a new SERIALIZABLE-isolation transaction.
func (c *Client) BeginSerializable(ctx context.Context) (*Tx, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin serializable transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Tx returns the underlying *sql.Tx for direct access.
func (t *Tx) Tx() *sql.Tx {
	return t.tx
}

// ============================================================================
// QUERY HELPERS
// ============================================================================

// ExecContext executes a query that doesn't return rows.
func (c *Client) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (c *Client) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns at most one row.
func (c *Client) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

// ============================================================================
// TRANSACTION COORDINATOR (spec §4.8)
// ============================================================================

// IsSerializationFailure reports whether err is a Postgres SQLSTATE 40001
// serialization failure, the signal that a SERIALIZABLE transaction lost a
// race and the whole operation must be retried.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == postgresSerializationFailure
	}
	return false
}

// WithTransactionMutex runs operation inside a SERIALIZABLE transaction
// while holding the process-wide advisory lock (spec §4.8):
//
//   - Opens a transaction and attempts pg_try_advisory_xact_lock. If the
//     lock is held elsewhere, it sleeps delay and tries again, making at
//     most maxAttempts attempts in all; more than five attempts fires the registered
//     onManyMutexAttempts hook once per call.
//   - Exhausting attempts fails with ErrMutexUnavailable.
//   - A serialization failure (40001) from operation surfaces as
//     ErrSerializationConflict; the caller is expected to retry the whole
//     WithTransactionMutex invocation.
func (c *Client) WithTransactionMutex(ctx context.Context, maxAttempts int, delay time.Duration, operation func(tx *Tx) error) error {
	reportedMany := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tx, err := c.BeginSerializable(ctx)
		if err != nil {
			return fmt.Errorf("begin mutex transaction: %w", err)
		}

		var acquired bool
		if err := tx.tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", transactionMutexID).Scan(&acquired); err != nil {
			tx.Rollback()
			return fmt.Errorf("acquire advisory lock: %w", err)
		}

		if !acquired {
			tx.Rollback()
			if attempt > 5 && !reportedMany {
				reportedMany = true
				if c.onManyMutexAttempts != nil {
					c.onManyMutexAttempts()
				}
			}
			if attempt == maxAttempts {
				return ErrMutexUnavailable
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		if opErr := operation(tx); opErr != nil {
			tx.Rollback()
			if IsSerializationFailure(opErr) {
				return fmt.Errorf("%w: %v", ErrSerializationConflict, opErr)
			}
			return opErr
		}

		if err := tx.Commit(); err != nil {
			if IsSerializationFailure(err) {
				return fmt.Errorf("%w: %v", ErrSerializationConflict, err)
			}
			return fmt.Errorf("commit mutex transaction: %w", err)
		}
		return nil
	}

	return ErrMutexUnavailable
}

// WithSessionMutex holds the process-wide advisory lock on a single
// dedicated connection for the duration of operation, rather than scoping
// it to one transaction. The anchor builder (spec §4.7) needs the lock to
// span a selection transaction, an out-of-transaction candidate/tree build,
// a blockchain submission, and a second persistence transaction — a span
// pg_try_advisory_xact_lock cannot cover since it releases at transaction
// end. operation receives a function for opening transactions on the same
// locked connection.
func (c *Client) WithSessionMutex(ctx context.Context, maxAttempts int, delay time.Duration, operation func(begin func(ctx context.Context) (*Tx, error)) error) error {
	reportedMany := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := c.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("acquire session connection: %w", err)
		}

		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", transactionMutexID).Scan(&acquired); err != nil {
			conn.Close()
			return fmt.Errorf("acquire session advisory lock: %w", err)
		}

		if !acquired {
			conn.Close()
			if attempt > 5 && !reportedMany {
				reportedMany = true
				if c.onManyMutexAttempts != nil {
					c.onManyMutexAttempts()
				}
			}
			if attempt == maxAttempts {
				return ErrMutexUnavailable
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		begin := func(ctx context.Context) (*Tx, error) {
			tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
			if err != nil {
				return nil, fmt.Errorf("begin transaction on locked connection: %w", err)
			}
			return &Tx{tx: tx}, nil
		}

		opErr := operation(begin)

		var unlocked bool
		if err := conn.QueryRowContext(context.Background(), "SELECT pg_advisory_unlock($1)", transactionMutexID).Scan(&unlocked); err != nil {
			c.logger.Printf("release session advisory lock: %v", err)
		}
		conn.Close()

		if opErr != nil {
			if IsSerializationFailure(opErr) {
				return fmt.Errorf("%w: %v", ErrSerializationConflict, opErr)
			}
			return opErr
		}
		return nil
	}

	return ErrMutexUnavailable
}

// RetryOnSerializationFailure runs fn up to maxRetries+1 times, retrying
// only when fn's error is (or wraps) a 40001 serialization failure, with
// capped exponential backoff plus jitter. Callers not holding the advisory
// mutex (simple status-transition writes) use this directly instead of
// WithTransactionMutex.
func RetryOnSerializationFailure(ctx context.Context, maxRetries int, fn func() error) error {
	var lastErr error
	backoff := 25 * time.Millisecond
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsSerializationFailure(lastErr) {
			return lastErr
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: %v", ErrSerializationConflict, lastErr)
}
