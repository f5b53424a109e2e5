// Package gateway exposes the control plane: a WebSocket RPC endpoint for
// clients plus plain HTTP routes (health, channel webhooks) on one listener.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentgw/agentgw/pkg/protocol"
)

// Options configures the gateway listener.
type Options struct {
	Host string
	Port int

	// Token authenticates WebSocket clients; empty disables auth.
	Token string

	// AllowedOrigins whitelists browser origins for the WS upgrade. Empty
	// allows all; non-browser clients (no Origin header) always pass.
	AllowedOrigins []string

	// RateLimitRPM throttles RPC requests across clients; <= 0 disables.
	RateLimitRPM int
}

// Server owns the HTTP listener, the connected WebSocket clients and the RPC
// method router.
type Server struct {
	opts   Options
	logger *slog.Logger

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	router      *MethodRouter

	mu      sync.RWMutex
	clients map[string]*Client

	// webhooks are extra HTTP routes mounted by channel adapters.
	webhooks map[string]http.Handler

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. Method handlers are registered on
// Router() before Start.
func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:        opts,
		logger:      logger,
		rateLimiter: NewRateLimiter(opts.RateLimitRPM, 5),
		router:      NewMethodRouter(),
		clients:     make(map[string]*Client),
		webhooks:    make(map[string]http.Handler),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the method router for registering handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// RateLimiter returns the shared request limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// MountWebhook registers an extra HTTP route, e.g. "/webhook/sms". Must be
// called before BuildMux.
func (s *Server) MountWebhook(pattern string, h http.Handler) {
	s.webhooks[pattern] = h
}

// checkOrigin validates the WS upgrade origin against the whitelist. No
// configured origins means allow all; an empty Origin header (CLI, SDK)
// always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.opts.AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("ws origin rejected", "origin", origin)
	return false
}

// authorized checks the client token on the upgrade request. The token rides
// in Authorization: Bearer or the token query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) == 1
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, h := range s.webhooks {
		mux.Handle(pattern, h)
	}
	s.mux = mux
	return mux
}

// Start listens until ctx is done, then shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	s.logger.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("ws rejected: bad token", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent pushes an event to every connected client.
func (s *Server) BroadcastEvent(ev *protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(ev)
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("client connected", "id", c.id[:8])
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.logger.Info("client disconnected", "id", c.id[:8])
}

// StartTestServer binds the server to a random loopback port and returns the
// address and a start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
