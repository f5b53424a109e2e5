// Package engine defines the contract between the gateway core and the
// external LLM/tool engines that produce agent event streams. The gateway
// consumes events; how an engine calls models or executes tools is its own
// business.
package engine

import "github.com/agentgw/agentgw/pkg/protocol"

// EventType tags the agent event union.
type EventType string

const (
	AgentStart         EventType = "agent_start"
	TurnStart          EventType = "turn_start"
	MessageStart       EventType = "message_start"
	MessageUpdate      EventType = "message_update"
	MessageEnd         EventType = "message_end"
	ToolExecutionStart EventType = "tool_execution_start"
	ToolExecutionUpd   EventType = "tool_execution_update"
	ToolExecutionEnd   EventType = "tool_execution_end"
	TurnEnd            EventType = "turn_end"
	AgentEnd           EventType = "agent_end"
	Completed          EventType = "completed"
	ErrorEvent         EventType = "error"
	Canceled           EventType = "canceled"
)

// Message is one conversation message as reported by an engine.
type Message struct {
	Role    string          `json:"role"` // "user", "assistant", "tool"
	Content string          `json:"content"`
	Usage   *protocol.Usage `json:"usage,omitempty"`
}

// Completion is the synthesized terminal state of an engine run.
type Completion struct {
	OK     bool
	Answer string
	Error  string
	Resume *protocol.ResumeRef
	Usage  *protocol.Usage
}

// Event is the tagged union produced by engines. Only the fields relevant
// to the Type are populated; consumers dispatch on Type exhaustively.
type Event struct {
	Type EventType

	// message_start / message_update / message_end / turn_end
	Msg *Message
	// message_update: appended text. Non-text updates carry Delta == ""
	// and Binary == false.
	Delta  string
	Binary bool

	// tool_execution_*
	ToolID   string
	ToolName string
	ToolArgs map[string]any
	Partial  map[string]any // tool_execution_update
	Result   any            // tool_execution_end
	IsError  bool           // tool_execution_end
	ToolRuns []any          // turn_end tool results

	// agent_end: messages CREATED THIS RUN, not history.
	NewMessages []Message

	// completed
	Completion *Completion

	// error / canceled
	Reason       string
	PartialState map[string]any
}

// Sink receives engine events. The gateway's EventStream implements Sink;
// engines push a finite sequence of events followed by exactly one terminal
// event (completed, error or canceled) via Complete or a terminal Push.
type Sink interface {
	// Push delivers one event. It returns an error when the stream is full
	// (with the error overflow policy) or already terminated.
	Push(Event) error
	// PushAsync delivers one event without waiting for the result.
	PushAsync(Event)
	// Complete signals normal end of the event sequence.
	Complete(final []Message)
}
