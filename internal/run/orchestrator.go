package run

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentgw/agentgw/internal/abort"
	"github.com/agentgw/agentgw/internal/bus"
	"github.com/agentgw/agentgw/internal/engine"
	"github.com/agentgw/agentgw/internal/store"
	"github.com/agentgw/agentgw/internal/stream"
	"github.com/agentgw/agentgw/pkg/protocol"
)

// ErrRunNotFound is returned for operations naming an unknown or finished
// run.
var ErrRunNotFound = fmt.Errorf("run not found")

// BusyError rejects a collect-mode submission against a busy session.
type BusyError struct {
	ActiveRunID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("session busy with run %s", e.ActiveRunID)
}

// OrchestratorDeps wires the orchestrator.
type OrchestratorDeps struct {
	Engines  *engine.Registry
	Sessions store.SessionStore
	Bus      *bus.Bus
	Aborts   *abort.Registry
	Emit     EmitFunc
	// Keepalive resolves the keepalive prompt func for a job's origin; nil
	// or a nil return means the origin is non-interactive.
	Keepalive func(job Job) KeepaliveFunc
	Options   Options
	Logger    *slog.Logger
}

// Orchestrator serializes runs per session: it admits requests, applies the
// queue-mode policy against the active run, spawns one process per admitted
// run and resubmits follow-ups and retries when runs finish.
type Orchestrator struct {
	deps   OrchestratorDeps
	tracer trace.Tracer

	mu        sync.Mutex
	bySession map[string]*Process
	byRunID   map[string]*Process
	spans     map[string]trace.Span
}

// NewOrchestrator creates an orchestrator. Options zero fields take
// defaults.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	deps.Options = deps.Options.WithDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		deps:      deps,
		tracer:    otel.Tracer("agentgw/run"),
		bySession: make(map[string]*Process),
		byRunID:   make(map[string]*Process),
		spans:     make(map[string]trace.Span),
	}
}

// Submit admits one request. When the session is idle a new run starts and
// its job is returned. When a run is active the queue mode decides:
// collect returns *BusyError, steer forwards the prompt into the active run
// and returns its job, followup queues behind it, interrupt cancels it and
// admits the new request once it winds down.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Job, error) {
	for {
		o.mu.Lock()
		active := o.bySession[req.SessionKey]
		if active == nil {
			job, err := o.admitLocked(req)
			o.mu.Unlock()
			return job, err
		}
		o.mu.Unlock()

		switch req.QueueMode {
		case QueueSteer:
			if err := active.Steer(ctx, req.Prompt); err != nil {
				if err == ErrRunFinished {
					continue // run ended under us, admit fresh
				}
				return Job{}, err
			}
			return active.deps.job, nil

		case QueueFollowup:
			if err := active.FollowUp(ctx, req); err != nil {
				if err == ErrRunFinished {
					continue
				}
				return Job{}, err
			}
			return active.deps.job, nil

		case QueueInterrupt:
			active.Cancel("interrupted")
			select {
			case <-active.Done():
			case <-ctx.Done():
				return Job{}, ctx.Err()
			}
			continue

		default: // QueueCollect
			return Job{}, &BusyError{ActiveRunID: active.RunID()}
		}
	}
}

// admitLocked starts a new run. Caller holds o.mu.
func (o *Orchestrator) admitLocked(req Request) (Job, error) {
	eng, err := o.deps.Engines.Get(req.EngineID)
	if err != nil {
		return Job{}, err
	}

	var resume *protocol.ResumeRef
	if ref, ok, serr := o.deps.Sessions.Resume(req.SessionKey); serr != nil {
		o.deps.Logger.Error("load resume failed", "session_key", req.SessionKey, "error", serr)
	} else if ok && (ref.Engine == "" || ref.Engine == eng.ID()) {
		resume = &ref
	}

	job := Job{
		RunID:       NewRunID(),
		Request:     req,
		StartedAtMs: time.Now().UnixMilli(),
	}

	_, span := o.tracer.Start(context.Background(), "run",
		trace.WithAttributes(
			attribute.String("run.id", job.RunID),
			attribute.String("run.session_key", req.SessionKey),
			attribute.String("run.engine", eng.ID()),
			attribute.String("run.origin", req.Origin),
		))

	strm := stream.New(stream.Config{
		MaxQueue: o.deps.Options.StreamMaxQueue,
		Timeout:  o.deps.Options.RunTimeout,
	})
	handle := o.deps.Aborts.New()
	prodCtx, cancelProducer := context.WithCancel(context.Background())

	var keepalive KeepaliveFunc
	if o.deps.Keepalive != nil {
		keepalive = o.deps.Keepalive(job)
	}

	p := newProcess(processDeps{
		job:            job,
		eng:            eng,
		stream:         strm,
		emit:           o.deps.Emit,
		bus:            o.deps.Bus,
		sessions:       o.deps.Sessions,
		aborts:         o.deps.Aborts,
		handle:         handle,
		cancelProducer: cancelProducer,
		resume:         resume,
		keepalive:      keepalive,
		opts:           o.deps.Options,
		logger:         o.deps.Logger.With("run_id", job.RunID),
		onFinish:       o.finished,
	})
	o.bySession[req.SessionKey] = p
	o.byRunID[job.RunID] = p
	o.spans[job.RunID] = span

	params := engine.RunParams{
		RunID:      job.RunID,
		SessionKey: req.SessionKey,
		Prompt:     req.Prompt,
		Cwd:        req.Cwd,
		ToolPolicy: req.ToolPolicy,
		Aborted:    func() bool { return o.deps.Aborts.Aborted(handle) },
	}
	if resume != nil {
		params.ResumeFrom = resume.Value
	}
	go o.runProducer(prodCtx, eng, params, strm)

	o.deps.Logger.Info("run admitted",
		"run_id", job.RunID, "session_key", req.SessionKey,
		"engine", eng.ID(), "origin", req.Origin, "resumed", resume != nil)
	return job, nil
}

// runProducer drives the engine; a panic in engine code becomes an error
// terminal event instead of taking the gateway down.
func (o *Orchestrator) runProducer(ctx context.Context, eng engine.Engine, params engine.RunParams, strm *stream.Stream) {
	defer func() {
		if r := recover(); r != nil {
			label := truncate(fmt.Sprintf("%v", r), 200)
			o.deps.Logger.Error("engine producer crashed",
				"run_id", params.RunID, "panic", label, "stack", string(debug.Stack()))
			strm.PushAsync(engine.Event{Type: engine.ErrorEvent, Reason: "process_crashed:" + label})
		}
	}()
	eng.Run(ctx, params, strm)
}

// finished is the process onFinish hook. Runs on the process goroutine.
func (o *Orchestrator) finished(p *Process, comp completion, followups []Request) {
	o.mu.Lock()
	if o.bySession[p.SessionKey()] == p {
		delete(o.bySession, p.SessionKey())
	}
	delete(o.byRunID, p.RunID())
	span := o.spans[p.RunID()]
	delete(o.spans, p.RunID())
	o.mu.Unlock()

	if span != nil {
		if comp.ok {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, comp.errMsg)
		}
		span.End()
	}

	if retry, ok := o.zeroAnswerRetry(p.deps.job, comp); ok {
		followups = append([]Request{retry}, followups...)
	}

	if len(followups) > 0 {
		go o.resubmit(followups)
	}
}

// resubmit replays queued requests in order once the prior run released the
// session.
func (o *Orchestrator) resubmit(reqs []Request) {
	for _, req := range reqs {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := o.Submit(ctx, req); err != nil {
			o.deps.Logger.Error("resubmit failed",
				"session_key", req.SessionKey, "origin", req.Origin, "error", err)
		}
		cancel()
	}
}

// zeroAnswerRetry decides whether a failed answerless run warrants one
// automatic resubmission with a retry notice prefixed to the prompt.
func (o *Orchestrator) zeroAnswerRetry(job Job, comp completion) (Request, bool) {
	if comp.ok || strings.TrimSpace(comp.answer) != "" {
		return Request{}, false
	}
	if !isRetryableZeroAnswer(comp.errMsg) {
		return Request{}, false
	}
	if job.Request.Meta.ZeroAnswerRetryAttempt >= o.deps.Options.MaxZeroAnswerRetries {
		return Request{}, false
	}

	req := job.Request
	req.Origin = "retry"
	req.QueueMode = QueueFollowup
	req.Meta.ZeroAnswerRetryAttempt++
	req.Prompt = fmt.Sprintf(
		"[retry notice: run %s failed with %q before producing an answer; this is automatic retry %d]\n%s",
		job.RunID, retryLabel(comp.errMsg), req.Meta.ZeroAnswerRetryAttempt, job.Request.Prompt,
	)
	o.deps.Logger.Info("zero-answer retry scheduled",
		"failed_run_id", job.RunID, "session_key", req.SessionKey,
		"attempt", req.Meta.ZeroAnswerRetryAttempt)
	return req, true
}

// Get resolves an active run by id.
func (o *Orchestrator) Get(runID string) (*Process, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.byRunID[runID]
	return p, ok
}

// FindBySession resolves the active run of a session.
func (o *Orchestrator) FindBySession(key string) (*Process, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.bySession[key]
	return p, ok
}

// CancelRun cancels an active run by id.
func (o *Orchestrator) CancelRun(runID, reason string) error {
	p, ok := o.Get(runID)
	if !ok {
		return ErrRunNotFound
	}
	p.Cancel(reason)
	return nil
}

// CancelSession cancels the active run of a session, if any. Reports whether
// a run was canceled.
func (o *Orchestrator) CancelSession(key, reason string) bool {
	p, ok := o.FindBySession(key)
	if !ok {
		return false
	}
	p.Cancel(reason)
	return true
}

// ActiveCount reports the number of live runs.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byRunID)
}

// Shutdown cancels all active runs and waits for them to wind down or ctx to
// expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	procs := make([]*Process, 0, len(o.byRunID))
	for _, p := range o.byRunID {
		procs = append(procs, p)
	}
	o.mu.Unlock()

	for _, p := range procs {
		p.Cancel("new_session")
	}
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
