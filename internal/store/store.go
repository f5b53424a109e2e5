// Package store defines the persistence contracts for session resume state,
// outbound idempotency, inbound dedupe and channel cursors, plus the
// in-memory implementations used in standalone tests. SQLite and Postgres
// backends live in the sqlitedb and pg subpackages.
package store

import (
	"time"

	"github.com/agentgw/agentgw/pkg/protocol"
)

// PendingCompaction marks a session whose history must be compacted before
// the next run starts.
type PendingCompaction struct {
	SessionKey string    `json:"sessionKey"`
	Reason     string    `json:"reason"` // "overflow" or "near_limit"
	CreatedAt  time.Time `json:"createdAt"`

	// Token accounting, set for near_limit markers.
	InputTokens         int `json:"inputTokens,omitempty"`
	ThresholdTokens     int `json:"thresholdTokens,omitempty"`
	ContextWindowTokens int `json:"contextWindowTokens,omitempty"`
}

// RunSummary is the last-run metadata kept per session.
type RunSummary struct {
	RunID   string    `json:"runId"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	EndedAt time.Time `json:"endedAt"`
}

// SessionStore persists per-session resume state and compaction markers.
type SessionStore interface {
	Resume(key string) (protocol.ResumeRef, bool, error)
	SetResume(key string, ref protocol.ResumeRef) error
	ClearResume(key string) error

	SetPendingCompaction(pc PendingCompaction) error
	PendingCompaction(key string) (PendingCompaction, bool, error)
	ClearPendingCompaction(key string) error

	SetLastRun(key string, run RunSummary) error
	LastRun(key string) (RunSummary, bool, error)
}

// IdempotencyKey identifies one logical outbound operation.
type IdempotencyKey struct {
	Channel string
	Account string
	Peer    string
	Key     string
}

// IdempotencyStore remembers completed outbound sends within a retention
// window so duplicate enqueues return the prior provider ref instead of
// delivering twice. Terminal failures remove the record so a later retry is
// not suppressed.
type IdempotencyStore interface {
	// Lookup returns the provider ref of a prior completed send, if any
	// within the retention window.
	Lookup(k IdempotencyKey) (ref string, ok bool, err error)
	Record(k IdempotencyKey, ref string) error
	Remove(k IdempotencyKey) error
}

// InboundDedupeStore suppresses duplicate inbound messages. Seen records the
// sighting and reports whether it was already present within the window.
type InboundDedupeStore interface {
	Seen(channel, peer, messageID string) (bool, error)
}

// CursorStore persists per-(channel,account) inbound cursors (e.g. the
// Telegram long-poll update offset) across restarts.
type CursorStore interface {
	Cursor(channel, account string) (int64, error)
	SetCursor(channel, account string, offset int64) error
}

// Stores is the top-level container for all storage backends. The gateway
// selects memory, sqlitedb or pg construction by Database.Mode.
type Stores struct {
	Sessions    SessionStore
	Idempotency IdempotencyStore
	Dedupe      InboundDedupeStore
	Cursors     CursorStore
}

// Options tune retention windows shared by all backends.
type Options struct {
	// IdempotencyTTL bounds how long completed-send records suppress
	// duplicates. Default 10 minutes.
	IdempotencyTTL time.Duration
	// DedupeTTL bounds inbound duplicate suppression. Default 10 minutes.
	DedupeTTL time.Duration
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 10 * time.Minute
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = 10 * time.Minute
	}
	return o
}
