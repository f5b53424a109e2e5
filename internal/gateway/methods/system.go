package methods

import (
	"context"

	"github.com/agentgw/agentgw/internal/bus"
	"github.com/agentgw/agentgw/internal/engine"
	"github.com/agentgw/agentgw/internal/gateway"
	"github.com/agentgw/agentgw/internal/run"
	"github.com/agentgw/agentgw/pkg/protocol"
)

// SystemMethods handles health and status introspection.
type SystemMethods struct {
	server  *gateway.Server
	orch    *run.Orchestrator
	engines *engine.Registry
	bus     *bus.Bus
}

// NewSystemMethods creates the handler set for system introspection.
func NewSystemMethods(server *gateway.Server, orch *run.Orchestrator, engines *engine.Registry, b *bus.Bus) *SystemMethods {
	return &SystemMethods{server: server, orch: orch, engines: engines, bus: b}
}

// Register binds the system RPC methods.
func (m *SystemMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodHealth, m.handleHealth)
	router.Register(protocol.MethodStatus, m.handleStatus)
}

func (m *SystemMethods) handleHealth(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
	}))
}

func (m *SystemMethods) handleStatus(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"active_runs":    m.orch.ActiveCount(),
		"clients":        m.server.ClientCount(),
		"engines":        m.engines.IDs(),
		"dropped_events": m.bus.Dropped(),
		"protocol":       protocol.ProtocolVersion,
	}))
}
