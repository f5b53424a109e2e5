package cli

import (
	"encoding/json"
	"fmt"

	"github.com/agentgw/agentgw/internal/engine"
	"github.com/agentgw/agentgw/pkg/protocol"
)

// wireEvent is one stdout line of the agent CLI.
type wireEvent struct {
	Type string `json:"type"`

	Delta  string `json:"delta,omitempty"`
	Binary bool   `json:"binary,omitempty"`

	ToolID   string         `json:"tool_id,omitempty"`
	ToolName string         `json:"tool_name,omitempty"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
	Partial  map[string]any `json:"partial,omitempty"`
	Result   any            `json:"result,omitempty"`
	IsError  bool           `json:"is_error,omitempty"`

	Message     *engine.Message  `json:"message,omitempty"`
	NewMessages []engine.Message `json:"new_messages,omitempty"`

	Completion *wireCompletion `json:"completion,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type wireCompletion struct {
	OK     bool                `json:"ok"`
	Answer string              `json:"answer,omitempty"`
	Error  string              `json:"error,omitempty"`
	Resume *protocol.ResumeRef `json:"resume,omitempty"`
	Usage  *protocol.Usage     `json:"usage,omitempty"`
}

var wireTypes = map[string]engine.EventType{
	"agent_start":           engine.AgentStart,
	"turn_start":            engine.TurnStart,
	"message_start":         engine.MessageStart,
	"message_update":        engine.MessageUpdate,
	"message_end":           engine.MessageEnd,
	"tool_execution_start":  engine.ToolExecutionStart,
	"tool_execution_update": engine.ToolExecutionUpd,
	"tool_execution_end":    engine.ToolExecutionEnd,
	"turn_end":              engine.TurnEnd,
	"agent_end":             engine.AgentEnd,
	"completed":             engine.Completed,
	"error":                 engine.ErrorEvent,
	"canceled":              engine.Canceled,
}

// parseEvent decodes one stdout line into an engine event.
func parseEvent(line []byte) (engine.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return engine.Event{}, fmt.Errorf("decode event: %w", err)
	}
	typ, ok := wireTypes[w.Type]
	if !ok {
		return engine.Event{}, fmt.Errorf("unknown event type %q", w.Type)
	}

	ev := engine.Event{
		Type:        typ,
		Msg:         w.Message,
		Delta:       w.Delta,
		Binary:      w.Binary,
		ToolID:      w.ToolID,
		ToolName:    w.ToolName,
		ToolArgs:    w.ToolArgs,
		Partial:     w.Partial,
		Result:      w.Result,
		IsError:     w.IsError,
		NewMessages: w.NewMessages,
		Reason:      w.Reason,
	}
	if typ == engine.Completed {
		if w.Completion == nil {
			return engine.Event{}, fmt.Errorf("completed event without completion")
		}
		ev.Completion = &engine.Completion{
			OK:     w.Completion.OK,
			Answer: w.Completion.Answer,
			Error:  w.Completion.Error,
			Resume: w.Completion.Resume,
			Usage:  w.Completion.Usage,
		}
	}
	return ev, nil
}
