package run

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentgw/agentgw/internal/abort"
	"github.com/agentgw/agentgw/internal/bus"
	"github.com/agentgw/agentgw/internal/engine"
	"github.com/agentgw/agentgw/internal/store"
	"github.com/agentgw/agentgw/pkg/protocol"
)

type scriptFunc func(ctx context.Context, params engine.RunParams, out engine.Sink)

// fakeEngine pops one script per run; with no script left it completes
// immediately.
type fakeEngine struct {
	id     string
	window int

	mu      sync.Mutex
	scripts []scriptFunc
	runs    []engine.RunParams
	steers  []string
}

func (e *fakeEngine) ID() string {
	if e.id == "" {
		return "claude"
	}
	return e.id
}

func (e *fakeEngine) ContextWindow() int { return e.window }

func (e *fakeEngine) Run(ctx context.Context, params engine.RunParams, out engine.Sink) {
	e.mu.Lock()
	e.runs = append(e.runs, params)
	var script scriptFunc
	if len(e.scripts) > 0 {
		script = e.scripts[0]
		e.scripts = e.scripts[1:]
	}
	e.mu.Unlock()

	if script == nil {
		out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{OK: true, Answer: "done"}})
		return
	}
	script(ctx, params, out)
}

func (e *fakeEngine) Steer(runID, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steers = append(e.steers, text)
	return nil
}

func (e *fakeEngine) runParams() []engine.RunParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.RunParams(nil), e.runs...)
}

func (e *fakeEngine) steered() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.steers...)
}

type recorded struct {
	job Job
	ev  Event
}

// recorder collects emitted events and signals completions.
type recorder struct {
	mu          sync.Mutex
	events      []recorded
	completions chan recorded
}

func newRecorder() *recorder {
	return &recorder{completions: make(chan recorded, 16)}
}

func (r *recorder) emit(job Job, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, recorded{job: job, ev: ev})
	r.mu.Unlock()
	if ev.Type == protocol.FrameCompleted {
		r.completions <- recorded{job: job, ev: ev}
	}
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

func (r *recorder) forRun(runID string) []Event {
	var evs []Event
	for _, rec := range r.all() {
		if rec.job.RunID == runID {
			evs = append(evs, rec.ev)
		}
	}
	return evs
}

func (r *recorder) waitCompletion(t *testing.T) recorded {
	t.Helper()
	select {
	case rec := <-r.completions:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("no completion emitted")
		return recorded{}
	}
}

type rig struct {
	orch     *Orchestrator
	rec      *recorder
	eng      *fakeEngine
	sessions *store.MemorySessionStore
	bus      *bus.Bus
}

func newRig(t *testing.T, eng *fakeEngine, opts Options, keepalive func(Job) KeepaliveFunc) *rig {
	t.Helper()
	rec := newRecorder()
	reg := engine.NewRegistry()
	reg.Register(eng)
	sessions := store.NewMemorySessionStore()
	b := bus.New()
	orch := NewOrchestrator(OrchestratorDeps{
		Engines:   reg,
		Sessions:  sessions,
		Bus:       b,
		Aborts:    abort.NewRegistry(),
		Emit:      rec.emit,
		Keepalive: keepalive,
		Options:   opts,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})
	return &rig{orch: orch, rec: rec, eng: eng, sessions: sessions, bus: b}
}

func testRequest(prompt string) Request {
	return Request{
		Origin:     "telegram",
		SessionKey: "channel_peer:telegram:bot1:dm:42",
		AgentID:    "default",
		Prompt:     prompt,
		QueueMode:  QueueCollect,
	}
}

// fastOpts keeps grace periods short so tests run quickly.
func fastOpts() Options {
	return Options{
		CancelGrace:   20 * time.Millisecond,
		FollowUpGrace: 10 * time.Millisecond,
	}
}

func TestHappyPathEventOrder(t *testing.T) {
	usage := &protocol.Usage{InputTokens: 120, OutputTokens: 30}
	eng := &fakeEngine{scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.MessageUpdate, Delta: "Hello "})
			out.Push(engine.Event{Type: engine.ToolExecutionStart, ToolID: "1", ToolName: "Bash",
				ToolArgs: map[string]any{"command": "ls -la"}})
			out.Push(engine.Event{Type: engine.ToolExecutionEnd, ToolID: "1", ToolName: "Bash", Result: "main.go"})
			out.Push(engine.Event{Type: engine.MessageUpdate, Delta: "world"})
			out.Push(engine.Event{Type: engine.AgentEnd, NewMessages: []engine.Message{
				{Role: "assistant", Content: "Hello world", Usage: usage},
			}})
			out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{
				OK:     true,
				Answer: "Hello world",
				Resume: &protocol.ResumeRef{Engine: "claude", Value: "ck1"},
				Usage:  usage,
			}})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	job, err := r.orch.Submit(context.Background(), testRequest("hi"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	comp := r.rec.waitCompletion(t)
	if !comp.ev.Completed.OK || comp.ev.Completed.Answer != "Hello world" {
		t.Fatalf("completed = %+v", comp.ev.Completed)
	}

	evs := r.rec.forRun(job.RunID)
	if evs[0].Type != protocol.FrameStarted {
		t.Fatalf("first frame = %s, want started", evs[0].Type)
	}
	if evs[len(evs)-1].Type != protocol.FrameCompleted {
		t.Fatalf("last frame = %s, want completed", evs[len(evs)-1].Type)
	}

	var seqs []int
	var actions []*protocol.ActionFrame
	completedCount := 0
	for _, ev := range evs {
		switch ev.Type {
		case protocol.FrameDelta:
			seqs = append(seqs, ev.Delta.Seq)
		case protocol.FrameAction:
			actions = append(actions, ev.Action)
		case protocol.FrameCompleted:
			completedCount++
		}
	}
	if completedCount != 1 {
		t.Fatalf("completed frames = %d, want exactly 1", completedCount)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("delta seqs = %v, want [1 2]", seqs)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %d, want start+complete", len(actions))
	}
	if actions[0].Phase != protocol.PhaseStarted || actions[0].Kind != protocol.ActionCommand ||
		actions[0].Title != "$ ls -la" || actions[0].ID != "tool_1" {
		t.Fatalf("action start = %+v", actions[0])
	}
	if actions[1].Phase != protocol.PhaseCompleted || actions[1].OK == nil || !*actions[1].OK {
		t.Fatalf("action complete = %+v", actions[1])
	}

	// Persistence follows the completed frame; poll for it.
	waitFor(t, func() bool {
		ref, ok, _ := r.sessions.Resume(job.Request.SessionKey)
		return ok && ref.Value == "ck1"
	}, "resume persisted")
	waitFor(t, func() bool {
		last, ok, _ := r.sessions.LastRun(job.Request.SessionKey)
		return ok && last.OK && last.RunID == job.RunID
	}, "last run persisted")
}

func TestStartedSynthesizedBeforeCompleted(t *testing.T) {
	eng := &fakeEngine{scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			out.Push(engine.Event{Type: engine.ErrorEvent, Reason: "assistant_error: timeout"})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	job, err := r.orch.Submit(context.Background(), testRequest("hi"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	comp := r.rec.waitCompletion(t)
	if comp.ev.Completed.OK || comp.ev.Completed.Error != "assistant_error: timeout" {
		t.Fatalf("completed = %+v", comp.ev.Completed)
	}

	evs := r.rec.forRun(job.RunID)
	if len(evs) != 2 || evs[0].Type != protocol.FrameStarted || evs[1].Type != protocol.FrameCompleted {
		t.Fatalf("frames = %+v, want [started completed]", evs)
	}
}

func TestBinaryAndEmptyDeltasSkipped(t *testing.T) {
	eng := &fakeEngine{scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.MessageUpdate, Delta: "", Binary: true})
			out.Push(engine.Event{Type: engine.MessageUpdate, Delta: ""})
			out.Push(engine.Event{Type: engine.MessageUpdate, Delta: "real"})
			out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{OK: true, Answer: "real"}})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	job, _ := r.orch.Submit(context.Background(), testRequest("hi"))
	r.rec.waitCompletion(t)

	var deltas []*protocol.DeltaFrame
	for _, ev := range r.rec.forRun(job.RunID) {
		if ev.Type == protocol.FrameDelta {
			deltas = append(deltas, ev.Delta)
		}
	}
	if len(deltas) != 1 || deltas[0].Seq != 1 || deltas[0].Text != "real" {
		t.Fatalf("deltas = %+v, want single seq-1 frame", deltas)
	}
}

func TestUntrackedToolEndSynthesizesCompletedAction(t *testing.T) {
	eng := &fakeEngine{scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.ToolExecutionEnd, ToolID: "9", ToolName: "Read",
				ToolArgs: map[string]any{"file_path": "/tmp/a.txt"}, Result: "contents"})
			out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{OK: true}})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	job, _ := r.orch.Submit(context.Background(), testRequest("hi"))
	r.rec.waitCompletion(t)

	var actions []*protocol.ActionFrame
	for _, ev := range r.rec.forRun(job.RunID) {
		if ev.Type == protocol.FrameAction {
			actions = append(actions, ev.Action)
		}
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1 standalone", len(actions))
	}
	a := actions[0]
	if a.Phase != protocol.PhaseCompleted || a.ID != "tool_9" || a.Title != "Read a.txt" || a.OK == nil || !*a.OK {
		t.Fatalf("action = %+v", a)
	}
	if a.Detail["result"] != "contents" {
		t.Fatalf("detail = %+v", a.Detail)
	}
}

func TestActionUpdateMergesDetailAndResultTruncates(t *testing.T) {
	longResult := strings.Repeat("y", 600)
	eng := &fakeEngine{scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.ToolExecutionStart, ToolID: "1", ToolName: "Bash",
				ToolArgs: map[string]any{"command": "make build"}})
			out.Push(engine.Event{Type: engine.ToolExecutionUpd, ToolID: "1",
				Partial: map[string]any{"lines": 5}})
			out.Push(engine.Event{Type: engine.ToolExecutionEnd, ToolID: "1", Result: longResult, IsError: true})
			out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{OK: true}})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	job, _ := r.orch.Submit(context.Background(), testRequest("hi"))
	r.rec.waitCompletion(t)

	var actions []*protocol.ActionFrame
	for _, ev := range r.rec.forRun(job.RunID) {
		if ev.Type == protocol.FrameAction {
			actions = append(actions, ev.Action)
		}
	}
	if len(actions) != 3 {
		t.Fatalf("actions = %d, want start/update/complete", len(actions))
	}
	if actions[1].Phase != protocol.PhaseUpdated || actions[1].Detail["lines"] != 5 {
		t.Fatalf("update = %+v", actions[1])
	}
	done := actions[2]
	if done.OK == nil || *done.OK {
		t.Fatalf("failed tool reported ok: %+v", done)
	}
	if done.Detail["lines"] != 5 {
		t.Fatal("earlier partial detail lost on completion")
	}
	display := done.Detail["result"].(string)
	if len(display) != resultDisplayLimit+3 || !strings.HasSuffix(display, "...") {
		t.Fatalf("display result len = %d", len(display))
	}
	if done.Detail["result_full"] != longResult {
		t.Fatal("full result not preserved")
	}
}

func TestOverflowClearsResumeAndMarksCompaction(t *testing.T) {
	eng := &fakeEngine{scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			if params.ResumeFrom != "old-ck" {
				t.Errorf("resume not passed to engine: %q", params.ResumeFrom)
			}
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{
				OK:    false,
				Error: "upstream: context_length_exceeded",
			}})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	req := testRequest("hi")
	if err := r.sessions.SetResume(req.SessionKey, protocol.ResumeRef{Engine: "claude", Value: "old-ck"}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.orch.Submit(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	comp := r.rec.waitCompletion(t)
	if comp.ev.Completed.OK {
		t.Fatalf("completed = %+v", comp.ev.Completed)
	}

	waitFor(t, func() bool {
		_, ok, _ := r.sessions.Resume(req.SessionKey)
		return !ok
	}, "resume cleared")
	pc, ok, err := r.sessions.PendingCompaction(req.SessionKey)
	if err != nil || !ok || pc.Reason != "overflow" {
		t.Fatalf("pending compaction = %+v ok=%v err=%v", pc, ok, err)
	}
}

func TestNearLimitMarksCompaction(t *testing.T) {
	eng := &fakeEngine{window: 100000, scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{
				OK:     true,
				Answer: "ok",
				Usage:  &protocol.Usage{InputTokens: 90000, CacheReadTokens: 5000},
			}})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	req := testRequest("hi")
	if _, err := r.orch.Submit(context.Background(), req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	r.rec.waitCompletion(t)

	var pc store.PendingCompaction
	waitFor(t, func() bool {
		var ok bool
		pc, ok, _ = r.sessions.PendingCompaction(req.SessionKey)
		return ok
	}, "pending compaction set")
	if pc.Reason != "near_limit" {
		t.Fatalf("reason = %s", pc.Reason)
	}
	// threshold = min(100000-16384, 100000*0.9) = 83616
	if pc.InputTokens != 95000 || pc.ThresholdTokens != 83616 || pc.ContextWindowTokens != 100000 {
		t.Fatalf("tokens = %+v", pc)
	}
}

func TestWellUnderLimitNoCompaction(t *testing.T) {
	eng := &fakeEngine{window: 100000, scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{
				OK: true, Answer: "ok", Usage: &protocol.Usage{InputTokens: 1000},
			}})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	req := testRequest("hi")
	r.orch.Submit(context.Background(), req)
	r.rec.waitCompletion(t)
	time.Sleep(20 * time.Millisecond)

	if _, ok, _ := r.sessions.PendingCompaction(req.SessionKey); ok {
		t.Fatal("compaction marked for a small run")
	}
}

func TestAnswerFallsBackToAgentEndMessages(t *testing.T) {
	eng := &fakeEngine{scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.AgentEnd, NewMessages: []engine.Message{
				{Role: "user", Content: "question"},
				{Role: "assistant", Content: "from messages"},
				{Role: "tool", Content: "noise"},
			}})
			out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{OK: true}})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	r.orch.Submit(context.Background(), testRequest("hi"))
	comp := r.rec.waitCompletion(t)
	if comp.ev.Completed.Answer != "from messages" {
		t.Fatalf("answer = %q", comp.ev.Completed.Answer)
	}
}

func TestAnswerFallsBackToAccumulatedText(t *testing.T) {
	eng := &fakeEngine{scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.MessageUpdate, Delta: "partial "})
			out.Push(engine.Event{Type: engine.MessageUpdate, Delta: "answer"})
			out.Push(engine.Event{Type: engine.ErrorEvent, Reason: "assistant_error: user_requested"})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	r.orch.Submit(context.Background(), testRequest("hi"))
	comp := r.rec.waitCompletion(t)
	if comp.ev.Completed.OK || comp.ev.Completed.Answer != "partial answer" {
		t.Fatalf("completed = %+v", comp.ev.Completed)
	}
}

func TestRunCompletedPublishedAfterCompletedFrame(t *testing.T) {
	release := make(chan struct{})
	eng := &fakeEngine{scripts: []scriptFunc{
		func(ctx context.Context, params engine.RunParams, out engine.Sink) {
			<-release
			out.Push(engine.Event{Type: engine.AgentStart})
			out.Push(engine.Event{Type: engine.Completed, Completion: &engine.Completion{OK: true, Answer: "x"}})
		},
	}}
	r := newRig(t, eng, fastOpts(), nil)

	job, err := r.orch.Submit(context.Background(), testRequest("hi"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sub := r.bus.Subscribe("run:" + job.RunID)
	defer sub.Cancel()
	close(release)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				t.Fatal("topic closed without run_completed")
			}
			if ev.Name != protocol.RunEventCompleted {
				continue
			}
			// The completed frame must already be visible to emit consumers.
			found := false
			for _, rec := range r.rec.all() {
				if rec.job.RunID == job.RunID && rec.ev.Type == protocol.FrameCompleted {
					found = true
				}
			}
			if !found {
				t.Fatal("run_completed published before the completed frame")
			}
			payload := ev.Payload.(CompletedPayload)
			if !payload.OK || payload.RunID != job.RunID {
				t.Fatalf("payload = %+v", payload)
			}
			return
		case <-deadline:
			t.Fatal("run_completed never published")
		}
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
