package run

import "github.com/agentgw/agentgw/pkg/protocol"

// Event is one normalized client event emitted by a run process. Exactly one
// of the payload fields is set, matching Type.
type Event struct {
	Type      string // protocol.FrameStarted / FrameAction / FrameDelta / FrameCompleted
	Started   *protocol.StartedFrame
	Action    *protocol.ActionFrame
	Delta     *protocol.DeltaFrame
	Completed *protocol.CompletedFrame
}

// EmitFunc receives normalized events in emission order. Called from the run
// process actor; implementations must not block for long.
type EmitFunc func(job Job, ev Event)

// CompletedPayload is the run_completed bus payload.
type CompletedPayload struct {
	RunID      string              `json:"run_id"`
	SessionKey string              `json:"session_key"`
	OK         bool                `json:"ok"`
	Answer     string              `json:"answer"`
	Error      string              `json:"error,omitempty"`
	Resume     *protocol.ResumeRef `json:"resume,omitempty"`
	Usage      *protocol.Usage     `json:"usage,omitempty"`
	DurationMs int64               `json:"duration_ms"`
}

// StartedPayload is the run_started bus payload.
type StartedPayload struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
	Origin     string `json:"origin"`
	EngineID   string `json:"engine_id"`
}
