// Package database provides the embedded sqlite connection used by the
// broker's persisted stores (tickets, bootstrap history, compaction
// metrics).
package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/DeanSCND/agentbroker/internal/common/config"
)

// DB wraps a sqlx.DB configured for a single-writer sqlite file.
type DB struct {
	db *sqlx.DB
}

// Open creates (or opens) the sqlite database at cfg.Path and verifies the
// connection with a ping. WAL mode and foreign keys are enabled; the pool
// is capped at one connection since sqlite only supports one writer.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dsn := cfg.Path + "?_foreign_keys=on&_journal_mode=WAL"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db: db}, nil
}

// Conn returns the underlying *sqlx.DB for repository use.
func (d *DB) Conn() *sqlx.DB { return d.db }

// Close closes the connection.
func (d *DB) Close() error { return d.db.Close() }

// Ping verifies the database connection is still alive.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
