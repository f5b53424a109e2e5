// Package run owns the life of agent runs: the orchestrator admits
// requests, one process actor per run translates engine events into the
// normalized client stream, and policies (watchdog, overflow detection,
// zero-answer retry) ride on top.
package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueMode decides what happens when a session already has an active run.
type QueueMode string

const (
	QueueCollect   QueueMode = "collect"   // reject with busy
	QueueSteer     QueueMode = "steer"     // forward into the running turn
	QueueFollowup  QueueMode = "followup"  // queue after the current run
	QueueInterrupt QueueMode = "interrupt" // cancel current, admit new
)

// Request is an immutable run submission.
type Request struct {
	Origin     string // "telegram", "sms", "gateway", "retry"
	SessionKey string
	AgentID    string
	Prompt     string
	QueueMode  QueueMode
	EngineID   string // "" resolves the default engine
	Cwd        string
	ToolPolicy string
	Meta       Meta
}

// Meta carries opaque counters and reply routing for a request.
type Meta struct {
	ZeroAnswerRetryAttempt int
	ReplyChannel           string
	ReplyAccount           string
	ReplyPeer              string
	ReplyThread            string
	ReplyTo                string
	Tags                   map[string]string
}

// Job is the post-admission form of a Request.
type Job struct {
	RunID       string
	Request     Request
	StartedAtMs int64
}

// NewRunID generates a globally unique, lexicographically sortable run id:
// zero-padded hex nanoseconds plus a random suffix.
func NewRunID() string {
	return fmt.Sprintf("%016x-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
