// Package sqlite provides a store.Driver backed by a single SQLite file,
// accessed through database/sql with OTEL instrumentation via otelsql.
//
// Amounts are stored as decimal text so no precision is lost. The pool is
// limited to one connection because SQLite allows a single writer.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/XSAM/otelsql"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/bidsync/internal/clock"
	"github.com/jensholdgaard/bidsync/internal/config"
	"github.com/jensholdgaard/bidsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

func init() {
	store.Register("sqlite", openSQLite)
}

// openSQLite is the store.Driver for the "sqlite" backend.
func openSQLite(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Open(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	return NewRepositories(db, clk), nil
}

// NewRepositories wires all repositories onto an open database.
func NewRepositories(db *sql.DB, clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Listings:      NewListingRepo(db, clk),
		Ledger:        NewLedger(db),
		Notifications: NewNotificationRepo(db, clk),
		Closer:        store.CloserFunc(db.Close),
		Ping:          db.PingContext,
	}
}

// Open opens or creates the database at path, applies pragmas and the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("opening sqlite database: empty path")
	}

	db, err := otelsql.Open("sqlite3", path,
		otelsql.WithAttributes(semconv.DBSystemSqlite),
	)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return db, nil
}

// noLimit maps a non-positive limit onto SQLite's "unbounded" LIMIT value.
func noLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
