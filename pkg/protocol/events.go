// Package protocol defines the wire-level constants and frame shapes shared
// between the gateway core and its clients (WebSocket control plane, channel
// adapters, CLI).
package protocol

// Run bus event names published on topic "run:<run_id>".
const (
	RunEventStarted   = "run_started"
	RunEventCompleted = "run_completed"
)

// Normalized client event frame types (payload.type).
const (
	FrameStarted   = "started"
	FrameAction    = "action"
	FrameDelta     = "delta"
	FrameCompleted = "completed"
)

// Action kinds for FrameAction.
const (
	ActionCommand    = "command"
	ActionFileChange = "file_change"
	ActionTool       = "tool"
	ActionWebSearch  = "web_search"
	ActionSubagent   = "subagent"
)

// Action phases for FrameAction.
const (
	PhaseStarted   = "started"
	PhaseUpdated   = "updated"
	PhaseCompleted = "completed"
)

// ResumeRef identifies an engine checkpoint a session can resume from.
// The value is opaque to the gateway.
type ResumeRef struct {
	Engine string `json:"engine"`
	Value  string `json:"value"`
}

// Usage reports token accounting for a completed run.
type Usage struct {
	InputTokens         int `json:"input_tokens,omitempty"`
	OutputTokens        int `json:"output_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// InputTotal returns the effective input-side token count used for context
// budgeting: prompt tokens plus everything served from or written to cache.
func (u Usage) InputTotal() int {
	return u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
}

// StartedFrame is sent once per run before any action or delta.
type StartedFrame struct {
	Type   string     `json:"type"` // FrameStarted
	Resume *ResumeRef `json:"resume,omitempty"`
}

// ActionFrame describes a tool-level activity within a run.
type ActionFrame struct {
	Type   string         `json:"type"` // FrameAction
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Title  string         `json:"title"`
	Phase  string         `json:"phase"`
	OK     *bool          `json:"ok,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// DeltaFrame carries one chunk of streamed assistant text.
type DeltaFrame struct {
	Type string `json:"type"` // FrameDelta
	Seq  int    `json:"seq"`
	TsMs int64  `json:"ts_ms"`
	Text string `json:"text"`
}

// CompletedFrame terminates the normalized stream of a run. Exactly one is
// emitted per run.
type CompletedFrame struct {
	Type   string     `json:"type"` // FrameCompleted
	OK     bool       `json:"ok"`
	Answer string     `json:"answer"`
	Error  string     `json:"error,omitempty"`
	Usage  *Usage     `json:"usage,omitempty"`
	Resume *ResumeRef `json:"resume,omitempty"`
}
