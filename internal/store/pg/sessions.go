package pg

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/agentgw/agentgw/internal/store"
	"github.com/agentgw/agentgw/pkg/protocol"
)

// SessionStore implements store.SessionStore backed by Postgres.
type SessionStore struct {
	db *sql.DB
	mu sync.RWMutex
	// Hot-session cache so the run layer reads resume state without a DB
	// round trip on every submit.
	cache map[string]*sessionRow
}

type sessionRow struct {
	resume  *protocol.ResumeRef
	lastRun *store.RunSummary
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db, cache: make(map[string]*sessionRow)}
}

func (s *SessionStore) Resume(key string) (protocol.ResumeRef, bool, error) {
	s.mu.RLock()
	if row, ok := s.cache[key]; ok {
		defer s.mu.RUnlock()
		if row.resume == nil {
			return protocol.ResumeRef{}, false, nil
		}
		return *row.resume, true, nil
	}
	s.mu.RUnlock()

	row, err := s.load(key)
	if err != nil {
		return protocol.ResumeRef{}, false, err
	}
	if row == nil || row.resume == nil {
		return protocol.ResumeRef{}, false, nil
	}
	return *row.resume, true, nil
}

func (s *SessionStore) SetResume(key string, ref protocol.ResumeRef) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_key, resume_engine, resume_value, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_key) DO UPDATE
		 SET resume_engine = $2, resume_value = $3, updated_at = $4`,
		key, ref.Engine, ref.Value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set resume: %w", err)
	}

	s.mu.Lock()
	s.cached(key).resume = &ref
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) ClearResume(key string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET resume_engine = NULL, resume_value = NULL, updated_at = $2
		 WHERE session_key = $1`,
		key, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("clear resume: %w", err)
	}

	s.mu.Lock()
	if row, ok := s.cache[key]; ok {
		row.resume = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) SetPendingCompaction(pc store.PendingCompaction) error {
	_, err := s.db.Exec(
		`INSERT INTO pending_compaction
		 (session_key, reason, created_at, input_tokens, threshold_tokens, context_window_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_key) DO UPDATE
		 SET reason = $2, created_at = $3, input_tokens = $4,
		     threshold_tokens = $5, context_window_tokens = $6`,
		pc.SessionKey, pc.Reason, pc.CreatedAt,
		pc.InputTokens, pc.ThresholdTokens, pc.ContextWindowTokens,
	)
	if err != nil {
		return fmt.Errorf("set pending compaction: %w", err)
	}
	return nil
}

func (s *SessionStore) PendingCompaction(key string) (store.PendingCompaction, bool, error) {
	pc := store.PendingCompaction{SessionKey: key}
	err := s.db.QueryRow(
		`SELECT reason, created_at, input_tokens, threshold_tokens, context_window_tokens
		 FROM pending_compaction WHERE session_key = $1`, key,
	).Scan(&pc.Reason, &pc.CreatedAt, &pc.InputTokens, &pc.ThresholdTokens, &pc.ContextWindowTokens)
	if err == sql.ErrNoRows {
		return store.PendingCompaction{}, false, nil
	}
	if err != nil {
		return store.PendingCompaction{}, false, fmt.Errorf("load pending compaction: %w", err)
	}
	return pc, true, nil
}

func (s *SessionStore) ClearPendingCompaction(key string) error {
	_, err := s.db.Exec(`DELETE FROM pending_compaction WHERE session_key = $1`, key)
	if err != nil {
		return fmt.Errorf("clear pending compaction: %w", err)
	}
	return nil
}

func (s *SessionStore) SetLastRun(key string, run store.RunSummary) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_key, last_run_id, last_run_ok, last_run_error, last_run_ended_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_key) DO UPDATE
		 SET last_run_id = $2, last_run_ok = $3, last_run_error = $4,
		     last_run_ended_at = $5, updated_at = $6`,
		key, run.RunID, run.OK, nilStr(run.Error), run.EndedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("set last run: %w", err)
	}

	s.mu.Lock()
	s.cached(key).lastRun = &run
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) LastRun(key string) (store.RunSummary, bool, error) {
	s.mu.RLock()
	if row, ok := s.cache[key]; ok && row.lastRun != nil {
		defer s.mu.RUnlock()
		return *row.lastRun, true, nil
	}
	s.mu.RUnlock()

	row, err := s.load(key)
	if err != nil {
		return store.RunSummary{}, false, err
	}
	if row == nil || row.lastRun == nil {
		return store.RunSummary{}, false, nil
	}
	return *row.lastRun, true, nil
}

// cached returns the cache row for key, creating it when absent. Callers
// hold s.mu.
func (s *SessionStore) cached(key string) *sessionRow {
	if row, ok := s.cache[key]; ok {
		return row
	}
	row := &sessionRow{}
	s.cache[key] = row
	return row
}

// load reads one session from the DB and populates the cache. Returns nil
// when the session does not exist yet.
func (s *SessionStore) load(key string) (*sessionRow, error) {
	var engine, value, runID, runErr sql.NullString
	var runOK sql.NullBool
	var endedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT resume_engine, resume_value, last_run_id, last_run_ok, last_run_error, last_run_ended_at
		 FROM sessions WHERE session_key = $1`, key,
	).Scan(&engine, &value, &runID, &runOK, &runErr, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	row := &sessionRow{}
	if value.Valid && value.String != "" {
		row.resume = &protocol.ResumeRef{Engine: engine.String, Value: value.String}
	}
	if runID.Valid && runID.String != "" {
		row.lastRun = &store.RunSummary{
			RunID:   runID.String,
			OK:      runOK.Bool,
			Error:   runErr.String,
			EndedAt: endedAt.Time,
		}
	}

	s.mu.Lock()
	s.cache[key] = row
	s.mu.Unlock()
	return row, nil
}

func nilStr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
