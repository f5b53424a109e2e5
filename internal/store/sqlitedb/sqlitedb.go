// Package sqlitedb implements the store contracts on a local SQLite file
// (standalone mode). Pure-Go driver, no CGO.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agentgw/agentgw/internal/store"
	"github.com/agentgw/agentgw/pkg/protocol"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DB wraps the shared connection used by all sqlite-backed stores.
// A single connection serializes writers and avoids SQLITE_BUSY.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database file and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			resume_engine TEXT,
			resume_value TEXT,
			last_run_id TEXT,
			last_run_ok INTEGER,
			last_run_error TEXT,
			last_run_ended_at INTEGER,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_compaction (
			session_key TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			threshold_tokens INTEGER NOT NULL DEFAULT 0,
			context_window_tokens INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_dedupe (
			channel TEXT NOT NULL,
			account TEXT NOT NULL,
			peer TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			provider_ref TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (channel, account, peer, idem_key)
		)`,
		`CREATE TABLE IF NOT EXISTS inbound_dedupe (
			channel TEXT NOT NULL,
			peer TEXT NOT NULL,
			message_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (channel, peer, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			channel TEXT NOT NULL,
			account TEXT NOT NULL,
			offset_value INTEGER NOT NULL,
			PRIMARY KEY (channel, account)
		)`,
	}
	for _, ddl := range tables {
		if _, err := d.db.Exec(ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

// NewStores builds the full store set on one database file.
func NewStores(path string, opts store.Options) (*store.Stores, *DB, error) {
	opts = opts.WithDefaults()
	d, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	return &store.Stores{
		Sessions:    &SessionStore{d: d},
		Idempotency: &IdempotencyStore{d: d, ttl: opts.IdempotencyTTL},
		Dedupe:      &DedupeStore{d: d, ttl: opts.DedupeTTL},
		Cursors:     &CursorStore{d: d},
	}, d, nil
}

// SessionStore implements store.SessionStore on SQLite.
type SessionStore struct {
	d *DB
}

func (s *SessionStore) ensure(key string) error {
	_, err := s.d.db.Exec(
		`INSERT INTO sessions (session_key, updated_at) VALUES (?, ?)
		 ON CONFLICT (session_key) DO NOTHING`,
		key, time.Now().UnixMilli(),
	)
	return err
}

func (s *SessionStore) Resume(key string) (protocol.ResumeRef, bool, error) {
	var engine, value sql.NullString
	err := s.d.db.QueryRow(
		`SELECT resume_engine, resume_value FROM sessions WHERE session_key = ?`, key,
	).Scan(&engine, &value)
	if err == sql.ErrNoRows {
		return protocol.ResumeRef{}, false, nil
	}
	if err != nil {
		return protocol.ResumeRef{}, false, fmt.Errorf("load resume: %w", err)
	}
	if !value.Valid || value.String == "" {
		return protocol.ResumeRef{}, false, nil
	}
	return protocol.ResumeRef{Engine: engine.String, Value: value.String}, true, nil
}

func (s *SessionStore) SetResume(key string, ref protocol.ResumeRef) error {
	if err := s.ensure(key); err != nil {
		return err
	}
	_, err := s.d.db.Exec(
		`UPDATE sessions SET resume_engine = ?, resume_value = ?, updated_at = ?
		 WHERE session_key = ?`,
		ref.Engine, ref.Value, time.Now().UnixMilli(), key,
	)
	if err != nil {
		return fmt.Errorf("set resume: %w", err)
	}
	return nil
}

func (s *SessionStore) ClearResume(key string) error {
	_, err := s.d.db.Exec(
		`UPDATE sessions SET resume_engine = NULL, resume_value = NULL, updated_at = ?
		 WHERE session_key = ?`,
		time.Now().UnixMilli(), key,
	)
	if err != nil {
		return fmt.Errorf("clear resume: %w", err)
	}
	return nil
}

func (s *SessionStore) SetPendingCompaction(pc store.PendingCompaction) error {
	_, err := s.d.db.Exec(
		`INSERT OR REPLACE INTO pending_compaction
		 (session_key, reason, created_at, input_tokens, threshold_tokens, context_window_tokens)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pc.SessionKey, pc.Reason, pc.CreatedAt.UnixMilli(),
		pc.InputTokens, pc.ThresholdTokens, pc.ContextWindowTokens,
	)
	if err != nil {
		return fmt.Errorf("set pending compaction: %w", err)
	}
	return nil
}

func (s *SessionStore) PendingCompaction(key string) (store.PendingCompaction, bool, error) {
	pc := store.PendingCompaction{SessionKey: key}
	var createdAt int64
	err := s.d.db.QueryRow(
		`SELECT reason, created_at, input_tokens, threshold_tokens, context_window_tokens
		 FROM pending_compaction WHERE session_key = ?`, key,
	).Scan(&pc.Reason, &createdAt, &pc.InputTokens, &pc.ThresholdTokens, &pc.ContextWindowTokens)
	if err == sql.ErrNoRows {
		return store.PendingCompaction{}, false, nil
	}
	if err != nil {
		return store.PendingCompaction{}, false, fmt.Errorf("load pending compaction: %w", err)
	}
	pc.CreatedAt = time.UnixMilli(createdAt)
	return pc, true, nil
}

func (s *SessionStore) ClearPendingCompaction(key string) error {
	_, err := s.d.db.Exec(`DELETE FROM pending_compaction WHERE session_key = ?`, key)
	if err != nil {
		return fmt.Errorf("clear pending compaction: %w", err)
	}
	return nil
}

func (s *SessionStore) SetLastRun(key string, run store.RunSummary) error {
	if err := s.ensure(key); err != nil {
		return err
	}
	_, err := s.d.db.Exec(
		`UPDATE sessions SET last_run_id = ?, last_run_ok = ?, last_run_error = ?,
		 last_run_ended_at = ?, updated_at = ? WHERE session_key = ?`,
		run.RunID, boolToInt(run.OK), run.Error, run.EndedAt.UnixMilli(),
		time.Now().UnixMilli(), key,
	)
	if err != nil {
		return fmt.Errorf("set last run: %w", err)
	}
	return nil
}

func (s *SessionStore) LastRun(key string) (store.RunSummary, bool, error) {
	var runID, runErr sql.NullString
	var ok sql.NullInt64
	var endedAt sql.NullInt64
	err := s.d.db.QueryRow(
		`SELECT last_run_id, last_run_ok, last_run_error, last_run_ended_at
		 FROM sessions WHERE session_key = ?`, key,
	).Scan(&runID, &ok, &runErr, &endedAt)
	if err == sql.ErrNoRows {
		return store.RunSummary{}, false, nil
	}
	if err != nil {
		return store.RunSummary{}, false, fmt.Errorf("load last run: %w", err)
	}
	if !runID.Valid || runID.String == "" {
		return store.RunSummary{}, false, nil
	}
	return store.RunSummary{
		RunID:   runID.String,
		OK:      ok.Int64 != 0,
		Error:   runErr.String,
		EndedAt: time.UnixMilli(endedAt.Int64),
	}, true, nil
}

// IdempotencyStore implements store.IdempotencyStore on SQLite.
type IdempotencyStore struct {
	d   *DB
	ttl time.Duration
}

func (s *IdempotencyStore) Lookup(k store.IdempotencyKey) (string, bool, error) {
	var ref string
	var expiresAt int64
	err := s.d.db.QueryRow(
		`SELECT provider_ref, expires_at FROM outbox_dedupe
		 WHERE channel = ? AND account = ? AND peer = ? AND idem_key = ?`,
		k.Channel, k.Account, k.Peer, k.Key,
	).Scan(&ref, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency: %w", err)
	}
	if time.Now().UnixMilli() > expiresAt {
		_ = s.Remove(k)
		return "", false, nil
	}
	return ref, true, nil
}

func (s *IdempotencyStore) Record(k store.IdempotencyKey, ref string) error {
	_, err := s.d.db.Exec(
		`INSERT OR REPLACE INTO outbox_dedupe (channel, account, peer, idem_key, provider_ref, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		k.Channel, k.Account, k.Peer, k.Key, ref, time.Now().Add(s.ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record idempotency: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Remove(k store.IdempotencyKey) error {
	_, err := s.d.db.Exec(
		`DELETE FROM outbox_dedupe WHERE channel = ? AND account = ? AND peer = ? AND idem_key = ?`,
		k.Channel, k.Account, k.Peer, k.Key,
	)
	if err != nil {
		return fmt.Errorf("remove idempotency: %w", err)
	}
	return nil
}

// DedupeStore implements store.InboundDedupeStore on SQLite.
type DedupeStore struct {
	d   *DB
	ttl time.Duration
}

func (s *DedupeStore) Seen(channel, peer, messageID string) (bool, error) {
	now := time.Now().UnixMilli()
	var expiresAt int64
	err := s.d.db.QueryRow(
		`SELECT expires_at FROM inbound_dedupe WHERE channel = ? AND peer = ? AND message_id = ?`,
		channel, peer, messageID,
	).Scan(&expiresAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, fmt.Errorf("lookup dedupe: %w", err)
	case now <= expiresAt:
		return true, nil
	}

	_, err = s.d.db.Exec(
		`INSERT OR REPLACE INTO inbound_dedupe (channel, peer, message_id, expires_at)
		 VALUES (?, ?, ?, ?)`,
		channel, peer, messageID, time.Now().Add(s.ttl).UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("record dedupe: %w", err)
	}
	// Opportunistic cleanup of expired rows.
	_, _ = s.d.db.Exec(`DELETE FROM inbound_dedupe WHERE expires_at < ?`, now)
	return false, nil
}

// CursorStore implements store.CursorStore on SQLite.
type CursorStore struct {
	d *DB
}

func (s *CursorStore) Cursor(channel, account string) (int64, error) {
	var offset int64
	err := s.d.db.QueryRow(
		`SELECT offset_value FROM cursors WHERE channel = ? AND account = ?`,
		channel, account,
	).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return offset, nil
}

func (s *CursorStore) SetCursor(channel, account string, offset int64) error {
	_, err := s.d.db.Exec(
		`INSERT OR REPLACE INTO cursors (channel, account, offset_value) VALUES (?, ?, ?)`,
		channel, account, offset,
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
