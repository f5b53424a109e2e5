package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentgw/agentgw/pkg/protocol"
)

const (
	// sendQueueSize bounds per-client outbound buffering. A client that
	// cannot drain loses frames rather than stalling the server.
	sendQueueSize = 64

	writeTimeout = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

// Client is one WebSocket connection. Outbound frames go through a bounded
// queue drained by a single writer goroutine; the read loop dispatches each
// request on its own goroutine so long-running methods do not block reads.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger *slog.Logger

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		server: s,
		logger: s.logger.With("client", id[:8]),
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// SendResponse enqueues an RPC response frame.
func (c *Client) SendResponse(res *protocol.ResponseFrame) {
	c.enqueue(res)
}

// SendEvent enqueues a server push frame.
func (c *Client) SendEvent(ev *protocol.EventFrame) {
	c.enqueue(ev)
}

func (c *Client) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("marshal frame", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		c.logger.Warn("send queue full, dropping frame")
	}
}

// Run services the connection until it closes or ctx is done.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", "error", err)
			}
			c.Close()
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidParams, "malformed request frame"))
			continue
		}

		if !c.server.rateLimiter.Allow() {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded"))
			continue
		}

		go c.dispatch(ctx, &req)
	}
}

func (c *Client) dispatch(ctx context.Context, req *protocol.RequestFrame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("method panic", "method", req.Method, "panic", r)
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "internal error"))
		}
	}()
	c.server.router.Dispatch(ctx, c, req)
}
