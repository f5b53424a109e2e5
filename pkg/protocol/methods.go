package protocol

// ProtocolVersion is bumped on breaking changes to frames or methods.
const ProtocolVersion = 1

// RPC method name constants for the control plane.
const (
	// Agent runs
	MethodAgent     = "agent"      // submit a prompt, returns run_id
	MethodAgentWait = "agent.wait" // block until a run completes

	// Chat
	MethodChatAbort = "chat.abort" // cancel by run id or session key

	// Sessions
	MethodSessionsCompact = "sessions.compact" // request manual compaction

	// Outbound
	MethodSend = "send" // enqueue outbound text to a channel peer

	// System
	MethodHealth = "health"
	MethodStatus = "status"
)

// Structured error codes returned by control-plane methods.
const (
	ErrNotFound      = "NOT_FOUND"
	ErrInvalidParams = "INVALID_PARAMS"
	ErrConflict      = "CONFLICT" // session already has an active run
	ErrRateLimited   = "RATE_LIMITED"
	ErrTimeout       = "TIMEOUT"
	ErrInternal      = "INTERNAL_ERROR"
	ErrUnavailable   = "UNAVAILABLE"
)

// ErrorShape is the structured error carried in RPC responses.
type ErrorShape struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
