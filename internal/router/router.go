// Package router turns inbound channel messages into run submissions:
// dedupe, binding resolution, command directives, session key construction.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentgw/agentgw/internal/channels"
	"github.com/agentgw/agentgw/internal/run"
	"github.com/agentgw/agentgw/internal/sessions"
	"github.com/agentgw/agentgw/internal/store"
)

var (
	// ErrDuplicateMessage marks a redelivered inbound message.
	ErrDuplicateMessage = errors.New("router: duplicate message")
	// ErrEmptyMessage marks a message with nothing to submit.
	ErrEmptyMessage = errors.New("router: empty message")
)

// Submitter admits run requests. Implemented by run.Orchestrator.
type Submitter interface {
	Submit(ctx context.Context, req run.Request) (run.Job, error)
}

// Router routes inbound messages to the orchestrator.
type Router struct {
	submit   Submitter
	dedupe   store.InboundDedupeStore
	bindings *Bindings
	// engines lists ids accepted as /<engine> directives.
	engines map[string]bool
	logger  *slog.Logger
}

// New creates a router. engineIDs are the ids accepted as engine directives.
func New(submit Submitter, dedupe store.InboundDedupeStore, bindings *Bindings, engineIDs []string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	engines := make(map[string]bool, len(engineIDs))
	for _, id := range engineIDs {
		engines[id] = true
	}
	if bindings == nil {
		bindings = NewBindings(nil)
	}
	return &Router{
		submit:   submit,
		dedupe:   dedupe,
		bindings: bindings,
		engines:  engines,
		logger:   logger,
	}
}

// directives is the parsed command prefix set of one message.
type directives struct {
	queueMode run.QueueMode
	engineID  string
	prompt    string
}

// parseDirectives strips leading slash commands. Queue-mode commands
// (/steer, /followup, /interrupt) and engine selectors (/claude, /codex,
// any configured engine id) may stack in any order.
func (r *Router) parseDirectives(text string) directives {
	d := directives{prompt: strings.TrimSpace(text)}
	for {
		if !strings.HasPrefix(d.prompt, "/") {
			return d
		}
		word, rest, _ := strings.Cut(d.prompt, " ")
		switch cmd := strings.TrimPrefix(word, "/"); cmd {
		case "steer":
			d.queueMode = run.QueueSteer
		case "followup":
			d.queueMode = run.QueueFollowup
		case "interrupt":
			d.queueMode = run.QueueInterrupt
		default:
			if !r.engines[cmd] {
				// Unknown command: leave it in the prompt.
				return d
			}
			d.engineID = cmd
		}
		d.prompt = strings.TrimSpace(rest)
	}
}

// Route processes one inbound message. Duplicate deliveries return
// ErrDuplicateMessage; messages with no submittable text return
// ErrEmptyMessage.
func (r *Router) Route(ctx context.Context, msg channels.InboundMessage) (run.Job, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return run.Job{}, ErrEmptyMessage
	}

	if msg.MessageID != "" {
		seen, err := r.dedupe.Seen(msg.Channel, msg.Peer, msg.MessageID)
		if err != nil {
			return run.Job{}, fmt.Errorf("dedupe check: %w", err)
		}
		if seen {
			r.logger.Debug("duplicate inbound dropped",
				"channel", msg.Channel, "peer", msg.Peer, "message_id", msg.MessageID)
			return run.Job{}, ErrDuplicateMessage
		}
	}

	d := r.parseDirectives(msg.Text)
	if d.prompt == "" {
		return run.Job{}, ErrEmptyMessage
	}

	binding := r.bindings.Resolve(msg)
	mode := d.queueMode
	if mode == "" {
		mode = run.QueueMode(binding.QueueMode)
	}
	if mode == "" {
		mode = run.QueueCollect
	}
	engineID := d.engineID
	if engineID == "" {
		engineID = binding.EngineID
	}

	key := sessions.MakeChannelPeer(msg.Channel, msg.Account, peerKind(msg), msg.Peer, msg.Thread)
	req := run.Request{
		Origin:     msg.Channel,
		SessionKey: key,
		AgentID:    binding.AgentID,
		Prompt:     d.prompt,
		QueueMode:  mode,
		EngineID:   engineID,
		Meta: run.Meta{
			ReplyChannel: msg.Channel,
			ReplyAccount: msg.Account,
			ReplyPeer:    msg.Peer,
			ReplyThread:  msg.Thread,
			ReplyTo:      msg.MessageID,
		},
	}

	job, err := r.submit.Submit(ctx, req)
	if err != nil {
		return run.Job{}, err
	}
	r.logger.Info("inbound routed",
		"channel", msg.Channel, "peer", msg.Peer, "session_key", key,
		"run_id", job.RunID, "queue_mode", string(mode), "agent", binding.AgentID)
	return job, nil
}

func peerKind(msg channels.InboundMessage) sessions.PeerKind {
	switch msg.PeerKind {
	case string(sessions.PeerGroup):
		return sessions.PeerGroup
	case string(sessions.PeerChannel):
		return sessions.PeerChannel
	default:
		return sessions.PeerDM
	}
}
