package gateway

import (
	"context"
	"sync"

	"github.com/agentgw/agentgw/pkg/protocol"
)

// HandlerFunc handles one RPC request. Handlers respond via
// client.SendResponse; they run on a per-request goroutine and may block.
type HandlerFunc func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches RPC requests to registered method handlers.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMethodRouter creates an empty router.
func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a method name, replacing any previous one.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Dispatch routes a request to its handler. Unknown methods get a NOT_FOUND
// response.
func (r *MethodRouter) Dispatch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown method: "+req.Method))
		return
	}
	h(ctx, client, req)
}
