// Package methods implements the control-plane RPC handlers and registers
// them on the gateway's method router.
package methods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/agentgw/agentgw/internal/bus"
	"github.com/agentgw/agentgw/internal/engine"
	"github.com/agentgw/agentgw/internal/gateway"
	"github.com/agentgw/agentgw/internal/run"
	"github.com/agentgw/agentgw/pkg/protocol"
)

const (
	defaultWaitTimeout = time.Minute
	maxWaitTimeout     = 10 * time.Minute
)

// RunMethods handles run submission, waiting and aborting.
type RunMethods struct {
	orch    *run.Orchestrator
	engines *engine.Registry
	bus     *bus.Bus
	logger  *slog.Logger
}

// NewRunMethods creates the handler set for agent runs.
func NewRunMethods(orch *run.Orchestrator, engines *engine.Registry, b *bus.Bus, logger *slog.Logger) *RunMethods {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunMethods{orch: orch, engines: engines, bus: b, logger: logger}
}

// Register binds the run RPC methods.
func (m *RunMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodAgent, m.handleAgent)
	router.Register(protocol.MethodAgentWait, m.handleAgentWait)
	router.Register(protocol.MethodChatAbort, m.handleChatAbort)
}

func (m *RunMethods) handleAgent(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		SessionKey string `json:"session_key"`
		Prompt     string `json:"prompt"`
		AgentID    string `json:"agent_id"`
		Engine     string `json:"engine"`
		QueueMode  string `json:"queue_mode"`
		Cwd        string `json:"cwd"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.SessionKey == "" || params.Prompt == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidParams, "session_key and prompt are required"))
		return
	}
	if params.Engine != "" {
		if _, err := m.engines.Get(params.Engine); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidParams, "unknown engine: "+params.Engine))
			return
		}
	}

	job, err := m.orch.Submit(ctx, run.Request{
		Origin:     "gateway",
		SessionKey: params.SessionKey,
		AgentID:    params.AgentID,
		Prompt:     params.Prompt,
		QueueMode:  run.QueueMode(params.QueueMode),
		EngineID:   params.Engine,
		Cwd:        params.Cwd,
	})
	if err != nil {
		var busy *run.BusyError
		if errors.As(err, &busy) {
			res := protocol.NewErrorResponse(req.ID, protocol.ErrConflict, "session has an active run")
			res.Error.Details = map[string]any{"active_run_id": busy.ActiveRunID}
			client.SendResponse(res)
			return
		}
		m.logger.Error("agent submit", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "submit failed"))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"run_id":      job.RunID,
		"session_key": job.Request.SessionKey,
	}))
}

func (m *RunMethods) handleAgentWait(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RunID     string `json:"run_id"`
		TimeoutMs int    `json:"timeout_ms"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.RunID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidParams, "run_id is required"))
		return
	}

	timeout := defaultWaitTimeout
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
		if timeout > maxWaitTimeout {
			timeout = maxWaitTimeout
		}
	}

	// Subscribe before the liveness check so the terminal event cannot slip
	// between check and subscribe.
	sub := m.bus.Subscribe("run:" + params.RunID)
	defer sub.Cancel()

	if _, ok := m.orch.Get(params.RunID); !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "run not found or already completed"))
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "run completed before wait attached"))
				return
			}
			if ev.Name != protocol.RunEventCompleted {
				continue
			}
			client.SendResponse(protocol.NewOKResponse(req.ID, ev.Payload))
			return
		case <-timer.C:
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrTimeout, "run did not complete in time"))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *RunMethods) handleChatAbort(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		RunID      string `json:"run_id"`
		SessionKey string `json:"session_key"`
		Reason     string `json:"reason"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	reason := params.Reason
	if reason == "" {
		reason = "user_requested"
	}

	switch {
	case params.RunID != "":
		if err := m.orch.CancelRun(params.RunID, reason); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no active run with that id"))
			return
		}
	case params.SessionKey != "":
		if !m.orch.CancelSession(params.SessionKey, reason) {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no active run for that session"))
			return
		}
	default:
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidParams, "run_id or session_key is required"))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"aborted": true}))
}
