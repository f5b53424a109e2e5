// Package pg implements the store contracts on Postgres (managed mode).
// Schema is owned by the migrate command; this package only reads and
// writes.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agentgw/agentgw/internal/store"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
)

// OpenDB opens a pooled Postgres connection via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores creates all stores backed by Postgres.
func NewStores(dsn string, opts store.Options) (*store.Stores, *sql.DB, error) {
	opts = opts.WithDefaults()
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, nil, err
	}
	return &store.Stores{
		Sessions:    NewSessionStore(db),
		Idempotency: &IdempotencyStore{db: db, ttl: opts.IdempotencyTTL},
		Dedupe:      &DedupeStore{db: db, ttl: opts.DedupeTTL},
		Cursors:     &CursorStore{db: db},
	}, db, nil
}
