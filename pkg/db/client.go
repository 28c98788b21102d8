package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type TxFunc func(ctx context.Context, tx *sql.Tx) error

// SQLExecutor defines the interface for database operations
// This allows for easy mocking in unit tests
type SQLExecutor interface {
	DB() *sql.DB
	Driver() string
	Rebind(query string) string
	WithTransaction(ctx context.Context, isolation sql.IsolationLevel, fn TxFunc) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLClient struct {
	db     *sql.DB
	driver string
}

func NewSQLClient(ctx context.Context, driver, dsn string) (*SQLClient, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &SQLClient{db: db, driver: driver}, nil
}

// SQLiteDSN builds a modernc sqlite DSN for a file path: foreign keys on,
// WAL, and immediate write transactions that wait on the busy timeout.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

func (c *SQLClient) DB() *sql.DB {
	return c.db
}

func (c *SQLClient) Driver() string {
	return c.driver
}

func (c *SQLClient) Close() error {
	return c.db.Close()
}

// Rebind converts '?' placeholders into the driver's bind syntax.
func (c *SQLClient) Rebind(query string) string {
	return Rebind(c.driver, query)
}

// Rebind converts '?' placeholders into the bind syntax of driver.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *SQLClient) WithTransaction(ctx context.Context, isolation sql.IsolationLevel, fn TxFunc) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback error: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit error: %w", err)
	}
	return nil
}

// ExecContext executes a query without returning rows (INSERT/UPDATE/DELETE)
func (c *SQLClient) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.Rebind(query), args...)
}

// QueryRowContext executes a query that returns a single row
func (c *SQLClient) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.Rebind(query), args...)
}

// IsUniqueViolation reports whether err is a unique or primary key
// constraint failure from either supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
