package cli

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentgw/agentgw/internal/engine"
)

type collectSink struct {
	mu     sync.Mutex
	events []engine.Event
}

func (s *collectSink) Push(ev engine.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) PushAsync(ev engine.Event) { s.Push(ev) }

func (s *collectSink) Complete(final []engine.Message) {}

func (s *collectSink) all() []engine.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Event(nil), s.events...)
}

func newShellEngine(t *testing.T, script string) *Engine {
	t.Helper()
	e, err := New(Config{ID: "claude", Command: []string{"sh", "-c", script}, ContextWindow: 200000}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestParseEvent(t *testing.T) {
	cases := []struct {
		name  string
		line  string
		check func(t *testing.T, ev engine.Event, err error)
	}{
		{"delta", `{"type":"message_update","delta":"hel"}`,
			func(t *testing.T, ev engine.Event, err error) {
				if err != nil || ev.Type != engine.MessageUpdate || ev.Delta != "hel" {
					t.Fatalf("ev=%+v err=%v", ev, err)
				}
			}},
		{"tool start", `{"type":"tool_execution_start","tool_id":"1","tool_name":"Bash","tool_args":{"command":"ls"}}`,
			func(t *testing.T, ev engine.Event, err error) {
				if err != nil || ev.Type != engine.ToolExecutionStart || ev.ToolID != "1" || ev.ToolArgs["command"] != "ls" {
					t.Fatalf("ev=%+v err=%v", ev, err)
				}
			}},
		{"completed", `{"type":"completed","completion":{"ok":true,"answer":"done","resume":{"engine":"claude","value":"ck1"},"usage":{"input_tokens":10}}}`,
			func(t *testing.T, ev engine.Event, err error) {
				if err != nil || ev.Completion == nil {
					t.Fatalf("ev=%+v err=%v", ev, err)
				}
				if !ev.Completion.OK || ev.Completion.Resume.Value != "ck1" || ev.Completion.Usage.InputTokens != 10 {
					t.Fatalf("completion=%+v", ev.Completion)
				}
			}},
		{"completed missing completion", `{"type":"completed"}`,
			func(t *testing.T, ev engine.Event, err error) {
				if err == nil {
					t.Fatal("expected error")
				}
			}},
		{"unknown type", `{"type":"telemetry"}`,
			func(t *testing.T, ev engine.Event, err error) {
				if err == nil {
					t.Fatal("expected error")
				}
			}},
		{"garbage", `{nope`,
			func(t *testing.T, ev engine.Event, err error) {
				if err == nil {
					t.Fatal("expected error")
				}
			}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := parseEvent([]byte(tc.line))
			tc.check(t, ev, err)
		})
	}
}

func TestRunTranslatesEventStream(t *testing.T) {
	e := newShellEngine(t, `read header
echo '{"type":"agent_start"}'
echo '{"type":"message_update","delta":"hi"}'
echo '{"type":"completed","completion":{"ok":true,"answer":"hi"}}'`)

	sink := &collectSink{}
	e.Run(context.Background(), engine.RunParams{RunID: "r1", Prompt: "hello"}, sink)

	events := sink.all()
	if len(events) != 3 {
		t.Fatalf("events = %d: %+v", len(events), events)
	}
	if events[0].Type != engine.AgentStart || events[1].Delta != "hi" {
		t.Fatalf("events = %+v", events)
	}
	last := events[len(events)-1]
	if last.Type != engine.Completed || last.Completion.Answer != "hi" {
		t.Fatalf("terminal = %+v", last)
	}
}

func TestRunSilentExitSynthesizesError(t *testing.T) {
	e := newShellEngine(t, `read header
echo '{"type":"agent_start"}'
echo "model backend unavailable" >&2
exit 3`)

	sink := &collectSink{}
	e.Run(context.Background(), engine.RunParams{RunID: "r1", Prompt: "x"}, sink)

	events := sink.all()
	last := events[len(events)-1]
	if last.Type != engine.ErrorEvent {
		t.Fatalf("terminal = %+v", last)
	}
	if !strings.Contains(last.Reason, "engine_exited") || !strings.Contains(last.Reason, "model backend unavailable") {
		t.Fatalf("reason = %q", last.Reason)
	}
}

func TestRunContextCancelBecomesCanceled(t *testing.T) {
	e := newShellEngine(t, `read header; sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sink := &collectSink{}
	e.Run(ctx, engine.RunParams{RunID: "r1", Prompt: "x"}, sink)

	events := sink.all()
	last := events[len(events)-1]
	if last.Type != engine.Canceled || last.Reason != "interrupted" {
		t.Fatalf("terminal = %+v", last)
	}
}

func TestRunAbortFlagStopsSubprocess(t *testing.T) {
	// The script emits one event and then hangs; only the abort flag can end
	// the run, the context stays live throughout.
	e := newShellEngine(t, `read header
echo '{"type":"agent_start"}'
sleep 30`)

	var aborted atomic.Bool
	sink := &collectSink{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), engine.RunParams{
			RunID:   "r1",
			Prompt:  "x",
			Aborted: aborted.Load,
		}, sink)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first event never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}
	aborted.Store(true)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not wind down after abort")
	}

	events := sink.all()
	last := events[len(events)-1]
	if last.Type != engine.Canceled || last.Reason != "interrupted" {
		t.Fatalf("terminal = %+v", last)
	}
}

func TestRunSkipsMalformedLines(t *testing.T) {
	e := newShellEngine(t, `read header
echo 'not json at all'
echo '{"type":"unknown_kind"}'
echo '{"type":"completed","completion":{"ok":true,"answer":"ok"}}'`)

	sink := &collectSink{}
	e.Run(context.Background(), engine.RunParams{RunID: "r1", Prompt: "x"}, sink)

	events := sink.all()
	if len(events) != 1 || events[0].Type != engine.Completed {
		t.Fatalf("events = %+v", events)
	}
}

func TestSteerReachesSubprocess(t *testing.T) {
	// The script blocks on a second stdin line; completion proves the steer
	// directive arrived.
	e := newShellEngine(t, `read header
read steer
echo '{"type":"completed","completion":{"ok":true,"answer":"steered"}}'`)

	sink := &collectSink{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(context.Background(), engine.RunParams{RunID: "r1", Prompt: "x"}, sink)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := e.Steer("r1", "focus on tests"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("steer never attached to the run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after steer")
	}

	events := sink.all()
	last := events[len(events)-1]
	if last.Type != engine.Completed || last.Completion.Answer != "steered" {
		t.Fatalf("terminal = %+v", last)
	}
}

func TestSteerUnknownRun(t *testing.T) {
	e := newShellEngine(t, `read header`)
	if err := e.Steer("missing", "x"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Command: []string{"sh"}}, nil); err == nil {
		t.Fatal("missing id accepted")
	}
	if _, err := New(Config{ID: "claude"}, nil); err == nil {
		t.Fatal("missing command accepted")
	}
}
