package cmd

import (
	"log/slog"

	"github.com/agentgw/agentgw/internal/channels"
	"github.com/agentgw/agentgw/internal/channels/telegram"
	"github.com/agentgw/agentgw/internal/run"
	"github.com/agentgw/agentgw/pkg/protocol"
)

// presenter turns normalized run events into outbound channel messages for
// runs that originated on a channel. Gateway-originated runs are observed
// over agent.wait instead.
type presenter struct {
	delivery *channels.Delivery
	logger   *slog.Logger
}

func newPresenter(delivery *channels.Delivery, logger *slog.Logger) *presenter {
	return &presenter{delivery: delivery, logger: logger}
}

// Emit implements run.EmitFunc.
func (p *presenter) Emit(job run.Job, ev run.Event) {
	meta := job.Request.Meta
	if meta.ReplyChannel == "" {
		return
	}

	switch ev.Type {
	case protocol.FrameCompleted:
		text := ev.Completed.Answer
		if !ev.Completed.OK && text == "" {
			text = "Run failed: " + ev.Completed.Error
		}
		if text == "" {
			return
		}
		p.send(job, text, channels.Op{ReplyTo: meta.ReplyTo, Key: "run:" + job.RunID + ":answer"})

	case protocol.FrameAction:
		// Action traffic stays off the channel; it is visible to WS
		// subscribers and in debug logs.
		p.logger.Debug("action",
			"run", job.RunID,
			"kind", ev.Action.Kind,
			"title", ev.Action.Title,
			"phase", ev.Action.Phase)
	}
}

// Keepalive resolves the watchdog prompt for a job. Only Telegram supports
// the inline-button confirm flow; other origins stay non-interactive.
func (p *presenter) Keepalive(job run.Job) run.KeepaliveFunc {
	if job.Request.Meta.ReplyChannel != telegram.ChannelID {
		return nil
	}
	return func(job run.Job) {
		p.send(job, "Still working on your request. Keep waiting?", channels.Op{
			Buttons: telegram.KeepaliveButtons(job.RunID),
			Key:     "run:" + job.RunID + ":keepalive",
		})
	}
}

func (p *presenter) send(job run.Job, text string, tmpl channels.Op) {
	meta := job.Request.Meta
	tmpl.Channel = meta.ReplyChannel
	tmpl.Account = meta.ReplyAccount
	tmpl.Peer = meta.ReplyPeer
	tmpl.Thread = meta.ReplyThread
	tmpl.Text = text

	if _, err := p.delivery.Send(tmpl); err != nil {
		p.logger.Warn("outbound send failed", "run", job.RunID, "channel", tmpl.Channel, "error", err)
	}
}
