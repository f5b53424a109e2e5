package store

import (
	"sync"
	"time"

	"github.com/agentgw/agentgw/pkg/protocol"
)

// NewMemoryStores builds a fully in-memory Stores set. Used by tests and as
// the fallback when no database is configured.
func NewMemoryStores(opts Options) *Stores {
	opts = opts.WithDefaults()
	return &Stores{
		Sessions:    NewMemorySessionStore(),
		Idempotency: NewMemoryIdempotencyStore(opts.IdempotencyTTL),
		Dedupe:      NewMemoryDedupeStore(opts.DedupeTTL),
		Cursors:     NewMemoryCursorStore(),
	}
}

type memorySession struct {
	resume  *protocol.ResumeRef
	pending *PendingCompaction
	lastRun *RunSummary
}

// MemorySessionStore implements SessionStore with a plain map.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*memorySession)}
}

func (s *MemorySessionStore) get(key string) *memorySession {
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	sess := &memorySession{}
	s.sessions[key] = sess
	return sess
}

func (s *MemorySessionStore) Resume(key string) (protocol.ResumeRef, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[key]; ok && sess.resume != nil {
		return *sess.resume, true, nil
	}
	return protocol.ResumeRef{}, false, nil
}

func (s *MemorySessionStore) SetResume(key string, ref protocol.ResumeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(key).resume = &ref
	return nil
}

func (s *MemorySessionStore) ClearResume(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.resume = nil
	}
	return nil
}

func (s *MemorySessionStore) SetPendingCompaction(pc PendingCompaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(pc.SessionKey).pending = &pc
	return nil
}

func (s *MemorySessionStore) PendingCompaction(key string) (PendingCompaction, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[key]; ok && sess.pending != nil {
		return *sess.pending, true, nil
	}
	return PendingCompaction{}, false, nil
}

func (s *MemorySessionStore) ClearPendingCompaction(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.pending = nil
	}
	return nil
}

func (s *MemorySessionStore) SetLastRun(key string, run RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(key).lastRun = &run
	return nil
}

func (s *MemorySessionStore) LastRun(key string) (RunSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[key]; ok && sess.lastRun != nil {
		return *sess.lastRun, true, nil
	}
	return RunSummary{}, false, nil
}

type idemEntry struct {
	ref    string
	expiry time.Time
}

// MemoryIdempotencyStore implements IdempotencyStore with TTL eviction on
// access.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[IdempotencyKey]idemEntry
	ttl     time.Duration
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[IdempotencyKey]idemEntry),
		ttl:     ttl,
	}
}

func (s *MemoryIdempotencyStore) Lookup(k IdempotencyKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(e.expiry) {
		delete(s.entries, k)
		return "", false, nil
	}
	return e.ref, true, nil
}

func (s *MemoryIdempotencyStore) Record(k IdempotencyKey, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k] = idemEntry{ref: ref, expiry: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Remove(k IdempotencyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
	return nil
}

// MemoryDedupeStore implements InboundDedupeStore with TTL eviction.
type MemoryDedupeStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func NewMemoryDedupeStore(ttl time.Duration) *MemoryDedupeStore {
	return &MemoryDedupeStore{entries: make(map[string]time.Time), ttl: ttl}
}

func (s *MemoryDedupeStore) Seen(channel, peer, messageID string) (bool, error) {
	key := channel + "\x00" + peer + "\x00" + messageID
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return true, nil
	}
	for k, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = now.Add(s.ttl)
	return false, nil
}

// MemoryCursorStore implements CursorStore with a plain map.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]int64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]int64)}
}

func (s *MemoryCursorStore) Cursor(channel, account string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[channel+"\x00"+account], nil
}

func (s *MemoryCursorStore) SetCursor(channel, account string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[channel+"\x00"+account] = offset
	return nil
}
