package pg

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/agentgw/agentgw/internal/store"
)

// IdempotencyStore implements store.IdempotencyStore on Postgres.
type IdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

func (s *IdempotencyStore) Lookup(k store.IdempotencyKey) (string, bool, error) {
	var ref string
	var expiresAt time.Time
	err := s.db.QueryRow(
		`SELECT provider_ref, expires_at FROM outbox_dedupe
		 WHERE channel = $1 AND account = $2 AND peer = $3 AND idem_key = $4`,
		k.Channel, k.Account, k.Peer, k.Key,
	).Scan(&ref, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency: %w", err)
	}
	if time.Now().After(expiresAt) {
		_ = s.Remove(k)
		return "", false, nil
	}
	return ref, true, nil
}

func (s *IdempotencyStore) Record(k store.IdempotencyKey, ref string) error {
	_, err := s.db.Exec(
		`INSERT INTO outbox_dedupe (channel, account, peer, idem_key, provider_ref, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (channel, account, peer, idem_key)
		 DO UPDATE SET provider_ref = $5, expires_at = $6`,
		k.Channel, k.Account, k.Peer, k.Key, ref, time.Now().Add(s.ttl),
	)
	if err != nil {
		return fmt.Errorf("record idempotency: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) Remove(k store.IdempotencyKey) error {
	_, err := s.db.Exec(
		`DELETE FROM outbox_dedupe WHERE channel = $1 AND account = $2 AND peer = $3 AND idem_key = $4`,
		k.Channel, k.Account, k.Peer, k.Key,
	)
	if err != nil {
		return fmt.Errorf("remove idempotency: %w", err)
	}
	return nil
}

// DedupeStore implements store.InboundDedupeStore on Postgres.
type DedupeStore struct {
	db  *sql.DB
	ttl time.Duration
}

func (s *DedupeStore) Seen(channel, peer, messageID string) (bool, error) {
	now := time.Now()
	var expiresAt time.Time
	err := s.db.QueryRow(
		`SELECT expires_at FROM inbound_dedupe WHERE channel = $1 AND peer = $2 AND message_id = $3`,
		channel, peer, messageID,
	).Scan(&expiresAt)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, fmt.Errorf("lookup dedupe: %w", err)
	case now.Before(expiresAt):
		return true, nil
	}

	_, err = s.db.Exec(
		`INSERT INTO inbound_dedupe (channel, peer, message_id, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (channel, peer, message_id) DO UPDATE SET expires_at = $4`,
		channel, peer, messageID, now.Add(s.ttl),
	)
	if err != nil {
		return false, fmt.Errorf("record dedupe: %w", err)
	}
	_, _ = s.db.Exec(`DELETE FROM inbound_dedupe WHERE expires_at < $1`, now)
	return false, nil
}

// CursorStore implements store.CursorStore on Postgres.
type CursorStore struct {
	db *sql.DB
}

func (s *CursorStore) Cursor(channel, account string) (int64, error) {
	var offset int64
	err := s.db.QueryRow(
		`SELECT offset_value FROM cursors WHERE channel = $1 AND account = $2`,
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
	_, err := s.db.Exec(
		`INSERT INTO cursors (channel, account, offset_value) VALUES ($1, $2, $3)
		 ON CONFLICT (channel, account) DO UPDATE SET offset_value = $3`,
		channel, account, offset,
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
