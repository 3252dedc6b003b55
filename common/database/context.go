// Package database holds shared helpers for SQL-backed stores.
package database

import (
	"context"
	"time"
)

// Standard timeout durations for database operations
const (
	// DefaultQueryTimeout bounds read queries.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds single-row writes.
	DefaultWriteTimeout = 10 * time.Second
)

// QueryContext creates a context with DefaultQueryTimeout.
// Use this for SELECT queries and read operations.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// WriteContext creates a context with DefaultWriteTimeout.
// Use this for INSERT, UPDATE, DELETE operations.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}
