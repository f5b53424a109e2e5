package protocol

import "encoding/json"

// Frame type discriminators.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is one client-to-server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"` // FrameTypeRequest
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers one RequestFrame. Exactly one of Payload and Error
// is set.
type ResponseFrame struct {
	Type    string      `json:"type"` // FrameTypeResponse
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload any         `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server-initiated push.
type EventFrame struct {
	Type    string `json:"type"` // FrameTypeEvent
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// NewOKResponse builds a success response for a request id.
func NewOKResponse(id string, payload any) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds an error response with a structured code.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		Error: &ErrorShape{Code: code, Message: message},
	}
}

// NewEvent builds a server push frame.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}
