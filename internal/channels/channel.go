// Package channels provides the channel abstraction layer for multi-platform
// messaging. Adapters connect external platforms (Telegram, SMS) to the run
// pipeline; the Delivery façade validates outbound requests and hands them to
// the per-peer outbound queues.
package channels

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OpKind is the outbound operation type. Priority order is delete < edit <
// send: deletes and edits jump ahead of queued sends for the same peer.
type OpKind string

const (
	OpSend   OpKind = "send"
	OpEdit   OpKind = "edit"
	OpDelete OpKind = "delete"
)

// Priority returns the drain priority (lower drains first).
func (k OpKind) Priority() int {
	switch k {
	case OpDelete:
		return -1
	case OpEdit:
		return 0
	default:
		return 1
	}
}

// MediaItem is one attachment in an outbound send.
type MediaItem struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// Button is one inline keyboard button.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data"`
}

// Op is one outbound operation against a single peer.
type Op struct {
	Kind    OpKind
	Channel string
	Account string
	Peer    string
	Thread  string

	// Key enables coalescing and idempotency. Queued ops with the same
	// kind and key are replaced in place; completed sends with the same key
	// short-circuit to the prior provider ref.
	Key string

	Text      string
	MessageID string // edit/delete target
	ReplyTo   string
	Media     []MediaItem
	Buttons   [][]Button
}

// ProviderResult is what a provider reports for a completed operation.
type ProviderResult struct {
	MessageID string
}

// Result is the terminal outcome of one enqueued operation. Every enqueue
// receives exactly one Result on its notify channel.
type Result struct {
	OK        bool
	Duplicate bool // suppressed by idempotency, Ref holds the prior send
	Skipped   bool // superseded in the queue (edit dropped by a delete)
	Ref       ProviderResult
	Err       error
}

// Capabilities describes what a channel's provider supports.
type Capabilities struct {
	EditSupport bool
	// ChunkLimit is the provider's maximum message length. Zero means the
	// default (4096).
	ChunkLimit int
}

// DefaultChunkLimit applies when an adapter reports no limit of its own.
const DefaultChunkLimit = 4096

// Meta is adapter metadata surfaced on status endpoints.
type Meta struct {
	Name         string
	Capabilities Capabilities
}

// InboundMessage is a provider message normalized for the router.
type InboundMessage struct {
	Channel    string
	Account    string
	PeerKind   string // "dm", "group", "channel"
	Peer       string
	Thread     string
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
	ReplyTo    string
	Timestamp  time.Time
}

// Adapter is the contract every channel implementation satisfies.
type Adapter interface {
	// ID is the channel identifier ("telegram", "sms").
	ID() string

	Meta() Meta

	// Start begins consuming inbound messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the adapter.
	Stop(ctx context.Context) error

	// Deliver executes one outbound operation against the provider.
	// Failures are reported through the typed errors below so the queue
	// can classify them.
	Deliver(ctx context.Context, op Op) (ProviderResult, error)
}

// RateLimitedError reports a provider 429. RetryAfter is the provider's
// requested wait, zero when the provider gave none.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransientError wraps failures worth retrying: 5xx responses, timeouts,
// connection resets.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient delivery failure: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that will not succeed on retry (other 4xx).
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure (status %d): %v", e.Status, e.Err)
}
func (e *PermanentError) Unwrap() error { return e.Err }

// ErrDeleteNotFound marks a delete whose target is already gone. The queue
// treats it as success.
var ErrDeleteNotFound = errors.New("message to delete not found")

// ErrUnknownChannel is returned by the Delivery façade for unregistered
// channel ids.
var ErrUnknownChannel = errors.New("unknown channel")
