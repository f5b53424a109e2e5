package methods

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/agentgw/agentgw/internal/gateway"
	"github.com/agentgw/agentgw/internal/store"
	"github.com/agentgw/agentgw/pkg/protocol"
)

// SessionMethods handles session maintenance.
type SessionMethods struct {
	sessions store.SessionStore
	logger   *slog.Logger
}

// NewSessionMethods creates the handler set for session maintenance.
func NewSessionMethods(sessions store.SessionStore, logger *slog.Logger) *SessionMethods {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionMethods{sessions: sessions, logger: logger}
}

// Register binds the session RPC methods.
func (m *SessionMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSessionsCompact, m.handleCompact)
}

// handleCompact resets a session's context: the resume checkpoint and any
// pending compaction flag are dropped so the next run starts fresh.
func (m *SessionMethods) handleCompact(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		SessionKey string `json:"session_key"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.SessionKey == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidParams, "session_key is required"))
		return
	}

	if err := m.sessions.ClearResume(params.SessionKey); err != nil {
		m.logger.Error("sessions.compact clear resume", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "compaction failed"))
		return
	}
	if err := m.sessions.ClearPendingCompaction(params.SessionKey); err != nil {
		m.logger.Error("sessions.compact clear pending", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "compaction failed"))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"session_key": params.SessionKey,
		"compacted":   true,
	}))
}
