package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentgw/agentgw/internal/channels"
	"github.com/agentgw/agentgw/internal/run"
	"github.com/agentgw/agentgw/internal/store"
)

type captureSubmitter struct {
	mu   sync.Mutex
	reqs []run.Request
	err  error
}

func (s *captureSubmitter) Submit(ctx context.Context, req run.Request) (run.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return run.Job{}, s.err
	}
	return run.Job{RunID: "r1", Request: req}, nil
}

func (s *captureSubmitter) last(t *testing.T) run.Request {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		t.Fatal("nothing submitted")
	}
	return s.reqs[len(s.reqs)-1]
}

func newTestRouter(sub *captureSubmitter, bindings *Bindings) *Router {
	return New(sub, store.NewMemoryDedupeStore(time.Minute), bindings, []string{"claude", "codex"}, nil)
}

func dm(text string) channels.InboundMessage {
	return channels.InboundMessage{
		Channel:   "telegram",
		Account:   "bot1",
		PeerKind:  "dm",
		Peer:      "42",
		MessageID: "m1",
		SenderID:  "42",
		Text:      text,
		Timestamp: time.Now(),
	}
}

func TestRouteBuildsSessionKeyAndRequest(t *testing.T) {
	sub := &captureSubmitter{}
	r := newTestRouter(sub, nil)

	job, err := r.Route(context.Background(), dm("hello there"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if job.RunID != "r1" {
		t.Fatalf("job = %+v", job)
	}

	req := sub.last(t)
	if req.SessionKey != "channel_peer:telegram:bot1:dm:42" {
		t.Fatalf("session key = %s", req.SessionKey)
	}
	if req.Prompt != "hello there" || req.QueueMode != run.QueueCollect || req.AgentID != "default" {
		t.Fatalf("request = %+v", req)
	}
	if req.Meta.ReplyPeer != "42" || req.Meta.ReplyTo != "m1" {
		t.Fatalf("meta = %+v", req.Meta)
	}
}

func TestRouteThreadedGroupKey(t *testing.T) {
	sub := &captureSubmitter{}
	r := newTestRouter(sub, nil)

	msg := dm("hi")
	msg.PeerKind = "group"
	msg.Peer = "-100123"
	msg.Thread = "99"
	if _, err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("route: %v", err)
	}
	if key := sub.last(t).SessionKey; key != "channel_peer:telegram:bot1:group:-100123:99" {
		t.Fatalf("session key = %s", key)
	}
}

func TestRouteDuplicateDropped(t *testing.T) {
	sub := &captureSubmitter{}
	r := newTestRouter(sub, nil)

	if _, err := r.Route(context.Background(), dm("hello")); err != nil {
		t.Fatalf("first route: %v", err)
	}
	if _, err := r.Route(context.Background(), dm("hello")); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("err = %v, want duplicate", err)
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.reqs) != 1 {
		t.Fatalf("submissions = %d", len(sub.reqs))
	}
}

func TestRouteEmptyMessages(t *testing.T) {
	sub := &captureSubmitter{}
	r := newTestRouter(sub, nil)

	for _, text := range []string{"", "   ", "/steer", "/claude  "} {
		msg := dm(text)
		msg.MessageID = "m-" + text
		if _, err := r.Route(context.Background(), msg); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Route(%q) err = %v, want empty", text, err)
		}
	}
}

func TestQueueModeDirectives(t *testing.T) {
	cases := []struct {
		text   string
		mode   run.QueueMode
		prompt string
	}{
		{"/steer focus on tests", run.QueueSteer, "focus on tests"},
		{"/followup and then deploy", run.QueueFollowup, "and then deploy"},
		{"/interrupt stop and do this", run.QueueInterrupt, "stop and do this"},
		{"plain message", run.QueueCollect, "plain message"},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			sub := &captureSubmitter{}
			r := newTestRouter(sub, nil)
			if _, err := r.Route(context.Background(), dm(tc.text)); err != nil {
				t.Fatalf("route: %v", err)
			}
			req := sub.last(t)
			if req.QueueMode != tc.mode || req.Prompt != tc.prompt {
				t.Fatalf("request = %+v", req)
			}
		})
	}
}

func TestEngineDirectives(t *testing.T) {
	sub := &captureSubmitter{}
	r := newTestRouter(sub, nil)

	if _, err := r.Route(context.Background(), dm("/codex write a parser")); err != nil {
		t.Fatalf("route: %v", err)
	}
	req := sub.last(t)
	if req.EngineID != "codex" || req.Prompt != "write a parser" {
		t.Fatalf("request = %+v", req)
	}
}

func TestStackedDirectives(t *testing.T) {
	sub := &captureSubmitter{}
	r := newTestRouter(sub, nil)

	if _, err := r.Route(context.Background(), dm("/interrupt /claude drop everything")); err != nil {
		t.Fatalf("route: %v", err)
	}
	req := sub.last(t)
	if req.QueueMode != run.QueueInterrupt || req.EngineID != "claude" || req.Prompt != "drop everything" {
		t.Fatalf("request = %+v", req)
	}
}

func TestUnknownSlashCommandStaysInPrompt(t *testing.T) {
	sub := &captureSubmitter{}
	r := newTestRouter(sub, nil)

	if _, err := r.Route(context.Background(), dm("/weather london")); err != nil {
		t.Fatalf("route: %v", err)
	}
	if req := sub.last(t); req.Prompt != "/weather london" {
		t.Fatalf("prompt = %q", req.Prompt)
	}
}

func TestBindingResolutionSpecificity(t *testing.T) {
	bindings := NewBindings([]Binding{
		{Channel: "telegram", AgentID: "channel-wide"},
		{Channel: "telegram", Peer: "42", AgentID: "peer-agent", EngineID: "codex"},
		{Channel: "telegram", Peer: "42", Thread: "7", AgentID: "thread-agent"},
	})

	sub := &captureSubmitter{}
	r := newTestRouter(sub, bindings)

	if _, err := r.Route(context.Background(), dm("hi")); err != nil {
		t.Fatalf("route: %v", err)
	}
	req := sub.last(t)
	if req.AgentID != "peer-agent" || req.EngineID != "codex" {
		t.Fatalf("request = %+v", req)
	}

	threaded := dm("hi")
	threaded.MessageID = "m2"
	threaded.Thread = "7"
	if _, err := r.Route(context.Background(), threaded); err != nil {
		t.Fatalf("route: %v", err)
	}
	if req := sub.last(t); req.AgentID != "thread-agent" {
		t.Fatalf("request = %+v", req)
	}

	other := dm("hi")
	other.MessageID = "m3"
	other.Peer = "77"
	if _, err := r.Route(context.Background(), other); err != nil {
		t.Fatalf("route: %v", err)
	}
	if req := sub.last(t); req.AgentID != "channel-wide" {
		t.Fatalf("request = %+v", req)
	}
}

func TestDirectiveOverridesBindingQueueMode(t *testing.T) {
	bindings := NewBindings([]Binding{
		{Channel: "telegram", AgentID: "default", QueueMode: string(run.QueueFollowup)},
	})
	sub := &captureSubmitter{}
	r := newTestRouter(sub, bindings)

	if _, err := r.Route(context.Background(), dm("no directive")); err != nil {
		t.Fatalf("route: %v", err)
	}
	if req := sub.last(t); req.QueueMode != run.QueueFollowup {
		t.Fatalf("binding default not applied: %+v", req)
	}

	msg := dm("/interrupt now")
	msg.MessageID = "m2"
	if _, err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("route: %v", err)
	}
	if req := sub.last(t); req.QueueMode != run.QueueInterrupt {
		t.Fatalf("directive not overriding: %+v", req)
	}
}

func TestSubmitErrorPropagates(t *testing.T) {
	busy := &run.BusyError{ActiveRunID: "r0"}
	sub := &captureSubmitter{err: busy}
	r := newTestRouter(sub, nil)

	_, err := r.Route(context.Background(), dm("hi"))
	var got *run.BusyError
	if !errors.As(err, &got) || got.ActiveRunID != "r0" {
		t.Fatalf("err = %v", err)
	}
}
