package db

import (
	"context"
	"time"
)

// Database defines the unified interface for relational database access.
// This abstraction keeps repositories independent of the concrete driver
// and makes transactions injectable for tests.
type Database interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Transaction runs fn inside a transaction, committing on nil return
	// and rolling back otherwise.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// BeginTx starts a transaction the caller must commit or roll back.
	BeginTx(ctx context.Context) (Transaction, error)

	// Ping verifies the database connection is alive
	Ping(ctx context.Context) error

	// Close closes the database connection pool
	Close() error

	// Stats returns connection pool statistics
	Stats() Stats
}

// Transaction defines operations available inside a database transaction.
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Commit() error
	Rollback() error
}

// Rows abstracts sql.Rows.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row abstracts sql.Row.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result abstracts sql.Result.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Stats carries connection pool statistics for diagnostics.
type Stats struct {
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
	WaitDuration    time.Duration
}
