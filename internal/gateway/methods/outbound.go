package methods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/agentgw/agentgw/internal/channels"
	"github.com/agentgw/agentgw/internal/gateway"
	"github.com/agentgw/agentgw/pkg/protocol"
)

// OutboundMethods handles direct outbound sends to channel peers.
type OutboundMethods struct {
	delivery *channels.Delivery
	logger   *slog.Logger
}

// NewOutboundMethods creates the handler set for outbound delivery.
func NewOutboundMethods(d *channels.Delivery, logger *slog.Logger) *OutboundMethods {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboundMethods{delivery: d, logger: logger}
}

// Register binds the outbound RPC methods.
func (m *OutboundMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSend, m.handleSend)
}

func (m *OutboundMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Channel string `json:"channel"`
		Account string `json:"account"`
		Peer    string `json:"peer"`
		Thread  string `json:"thread"`
		Text    string `json:"text"`
		ReplyTo string `json:"reply_to"`
		Key     string `json:"key"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.Channel == "" || params.Peer == "" || params.Text == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidParams, "channel, peer and text are required"))
		return
	}

	results, err := m.delivery.Send(channels.Op{
		Channel: params.Channel,
		Account: params.Account,
		Peer:    params.Peer,
		Thread:  params.Thread,
		Text:    params.Text,
		ReplyTo: params.ReplyTo,
		Key:     params.Key,
	})
	if err != nil {
		if errors.Is(err, channels.ErrUnknownChannel) {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "unknown channel: "+params.Channel))
			return
		}
		m.logger.Error("send enqueue", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "enqueue failed"))
		return
	}

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"queued": len(results),
	}))
}
