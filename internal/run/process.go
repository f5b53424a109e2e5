package run

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/agentgw/agentgw/internal/abort"
	"github.com/agentgw/agentgw/internal/bus"
	"github.com/agentgw/agentgw/internal/engine"
	"github.com/agentgw/agentgw/internal/store"
	"github.com/agentgw/agentgw/internal/stream"
	"github.com/agentgw/agentgw/pkg/protocol"
)

// ErrRunFinished is returned by Steer and FollowUp after the run has ended.
var ErrRunFinished = fmt.Errorf("run already finished")

// WatchdogTimeoutError is the completion error of a run killed by the idle
// watchdog.
const WatchdogTimeoutError = "run_idle_watchdog_timeout"

// Options tune run process behavior. Zero fields take defaults.
type Options struct {
	// IdleTimeout kills runs that produce no events. Default 2 hours.
	IdleTimeout time.Duration
	// ConfirmTimeout bounds how long a keepalive prompt waits for an answer
	// before the watchdog fires anyway. Default 5 minutes.
	ConfirmTimeout time.Duration
	// CancelGrace is how long a cancel waits for the engine to emit its own
	// terminal event before one is synthesized. Default 1 second.
	CancelGrace time.Duration
	// FollowUpGrace holds finalization briefly so a follow-up racing the
	// natural end still lands on this session. Default 50ms.
	FollowUpGrace time.Duration
	// ReserveTokens is subtracted from the context window when computing the
	// near-limit threshold. Default 16384.
	ReserveTokens int
	// NearLimitRatio is the fraction of the window that triggers a
	// near-limit compaction marker. Default 0.9.
	NearLimitRatio float64
	// StreamMaxQueue bounds the per-run event buffer.
	StreamMaxQueue int
	// RunTimeout bounds the whole run; zero disables it.
	RunTimeout time.Duration
	// MaxZeroAnswerRetries caps automatic resubmission of failed answerless
	// runs. Default 1.
	MaxZeroAnswerRetries int
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 2 * time.Hour
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 5 * time.Minute
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = time.Second
	}
	if o.FollowUpGrace <= 0 {
		o.FollowUpGrace = 50 * time.Millisecond
	}
	if o.ReserveTokens <= 0 {
		o.ReserveTokens = 16384
	}
	if o.NearLimitRatio <= 0 {
		o.NearLimitRatio = 0.9
	}
	if o.MaxZeroAnswerRetries == 0 {
		o.MaxZeroAnswerRetries = 1
	}
	return o
}

// KeepaliveFunc asks the originating channel whether a silent run should keep
// waiting. The answer arrives asynchronously via Process.Keepalive. A nil
// func means the origin cannot be asked and the watchdog fails immediately.
type KeepaliveFunc func(job Job)

// State is a point-in-time snapshot of one run process.
type State struct {
	RunID                string
	SessionKey           string
	StartedEmitted       bool
	CompletedEmitted     bool
	DeltaSeq             int
	OpenActions          int
	AccumulatedBytes     int
	AwaitingConfirmation bool
}

// completion is the internal finalization record.
type completion struct {
	ok      bool
	answer  string
	errMsg  string
	usage   *protocol.Usage
	resume  *protocol.ResumeRef
	crashed bool
}

type steerCmd struct {
	text  string
	reply chan error
}

type followUpCmd struct {
	req   Request
	reply chan error
}

type cancelCmd struct {
	reason string
}

type keepaliveCmd struct {
	keep bool
}

type stateCmd struct {
	reply chan State
}

// processDeps wires one run process. All fields are required unless noted.
type processDeps struct {
	job            Job
	eng            engine.Engine
	stream         *stream.Stream
	emit           EmitFunc
	bus            *bus.Bus
	sessions       store.SessionStore
	aborts         *abort.Registry
	handle         abort.Handle
	cancelProducer context.CancelFunc
	resume         *protocol.ResumeRef // checkpoint the run resumed from, nil for fresh
	keepalive      KeepaliveFunc       // nil for non-interactive origins
	opts           Options
	logger         *slog.Logger

	// onFinish is called exactly once after the completed frame and the bus
	// run_completed event, from the process goroutine.
	onFinish func(p *Process, comp completion, followups []Request)
}

// Process owns one run: it consumes the engine event stream, emits the
// normalized client events, enforces the lifecycle invariants and applies
// the idle watchdog.
//
// All mutable state is confined to the loop goroutine; the exported methods
// communicate through the command channel.
type Process struct {
	deps processDeps
	cmds chan any
	done chan struct{}
}

func newProcess(deps processDeps) *Process {
	deps.opts = deps.opts.WithDefaults()
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	p := &Process{
		deps: deps,
		cmds: make(chan any, 32),
		done: make(chan struct{}),
	}
	go p.loop()
	return p
}

// RunID returns the run identifier.
func (p *Process) RunID() string { return p.deps.job.RunID }

// SessionKey returns the session this run belongs to.
func (p *Process) SessionKey() string { return p.deps.job.Request.SessionKey }

// Done is closed after the completed frame has been emitted and the process
// has wound down.
func (p *Process) Done() <-chan struct{} { return p.done }

// Steer injects text into the running turn. Fails once the run is over.
func (p *Process) Steer(ctx context.Context, text string) error {
	reply := make(chan error, 1)
	select {
	case p.cmds <- steerCmd{text: text, reply: reply}:
	case <-p.done:
		return ErrRunFinished
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return ErrRunFinished
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FollowUp queues a request to run on this session after the current run
// ends. Fails once the run is over; callers then resubmit directly.
func (p *Process) FollowUp(ctx context.Context, req Request) error {
	reply := make(chan error, 1)
	select {
	case p.cmds <- followUpCmd{req: req, reply: reply}:
	case <-p.done:
		return ErrRunFinished
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return ErrRunFinished
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cooperative cancellation. The engine gets CancelGrace to
// emit its own terminal event before one is synthesized with reason.
func (p *Process) Cancel(reason string) {
	select {
	case p.cmds <- cancelCmd{reason: reason}:
	case <-p.done:
	}
}

// Keepalive answers a pending watchdog prompt. keep re-arms the idle timer;
// !keep stops the run.
func (p *Process) Keepalive(keep bool) {
	select {
	case p.cmds <- keepaliveCmd{keep: keep}:
	case <-p.done:
	}
}

// State snapshots the process. ok is false once the run has finished.
func (p *Process) State(ctx context.Context) (State, bool) {
	reply := make(chan State, 1)
	select {
	case p.cmds <- stateCmd{reply: reply}:
	case <-p.done:
		return State{}, false
	case <-ctx.Done():
		return State{}, false
	}
	select {
	case st := <-reply:
		return st, true
	case <-p.done:
		return State{}, false
	case <-ctx.Done():
		return State{}, false
	}
}

// loopState is the mutable run state, confined to the loop goroutine.
type loopState struct {
	startedEmitted   bool
	completedEmitted bool
	deltaSeq         int
	accumulated      strings.Builder
	pending          map[string]*protocol.ActionFrame // open actions by id
	agentEndMsgs     []engine.Message
	agentEndUsage    protocol.Usage
	haveUsage        bool
	followups        []Request
	awaitingConfirm  bool
	canceling        bool
	cancelReason     string
}

func (p *Process) loop() {
	st := &loopState{pending: make(map[string]*protocol.ActionFrame)}
	defer close(p.done)
	defer p.recoverCrash(st)

	sub := p.deps.stream.Subscribe()

	p.deps.bus.Publish("run:"+p.deps.job.RunID, protocol.RunEventStarted, StartedPayload{
		RunID:      p.deps.job.RunID,
		SessionKey: p.SessionKey(),
		Origin:     p.deps.job.Request.Origin,
		EngineID:   p.deps.eng.ID(),
	})

	idle := time.NewTimer(p.deps.opts.IdleTimeout)
	defer idle.Stop()
	confirm := time.NewTimer(time.Hour)
	confirm.Stop()
	defer confirm.Stop()
	grace := time.NewTimer(time.Hour)
	grace.Stop()
	defer grace.Stop()

	touch := func() {
		if st.awaitingConfirm {
			st.awaitingConfirm = false
			confirm.Stop()
		}
		idle.Reset(p.deps.opts.IdleTimeout)
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Stream closed without a terminal event reaching us.
				p.finish(st, completion{ok: false, errMsg: "canceled: stream closed", answer: st.accumulated.String()})
				return
			}
			if done := p.handleEvent(st, ev, touch); done {
				return
			}

		case raw := <-p.cmds:
			if done := p.handleCmd(st, raw, touch, grace); done {
				return
			}

		case <-idle.C:
			if st.awaitingConfirm {
				continue
			}
			if p.deps.keepalive != nil {
				st.awaitingConfirm = true
				confirm.Reset(p.deps.opts.ConfirmTimeout)
				p.deps.keepalive(p.deps.job)
				continue
			}
			p.failWatchdog(st)
			return

		case <-confirm.C:
			if !st.awaitingConfirm {
				continue
			}
			p.failWatchdog(st)
			return

		case <-grace.C:
			// Cancel grace expired without an engine terminal event.
			p.deps.stream.Cancel(st.cancelReason)
		}
	}
}

// handleCmd serves one command while the run is live. Returns true when the
// command finalized the run and the loop must exit.
func (p *Process) handleCmd(st *loopState, raw any, touch func(), grace *time.Timer) bool {
	switch cmd := raw.(type) {
	case steerCmd:
		err := p.deps.eng.Steer(p.deps.job.RunID, cmd.text)
		if err == nil {
			touch()
		}
		cmd.reply <- err
	case followUpCmd:
		st.followups = append(st.followups, cmd.req)
		cmd.reply <- nil
	case cancelCmd:
		if st.canceling {
			return false
		}
		st.canceling = true
		st.cancelReason = cmd.reason
		if st.cancelReason == "" {
			st.cancelReason = "user_requested"
		}
		p.deps.aborts.Abort(p.deps.handle)
		p.deps.cancelProducer()
		grace.Reset(p.deps.opts.CancelGrace)
	case keepaliveCmd:
		if cmd.keep {
			touch()
			return false
		}
		// An explicit "stop" answer is the watchdog failing, same as the
		// confirm window expiring.
		p.failWatchdog(st)
		return true
	case stateCmd:
		cmd.reply <- State{
			RunID:                p.deps.job.RunID,
			SessionKey:           p.SessionKey(),
			StartedEmitted:       st.startedEmitted,
			CompletedEmitted:     st.completedEmitted,
			DeltaSeq:             st.deltaSeq,
			OpenActions:          len(st.pending),
			AccumulatedBytes:     st.accumulated.Len(),
			AwaitingConfirmation: st.awaitingConfirm,
		}
	}
	return false
}

// handleEvent translates one engine event. Returns true when the run has
// finalized and the loop must exit.
func (p *Process) handleEvent(st *loopState, ev engine.Event, touch func()) bool {
	touch()

	switch ev.Type {
	case engine.AgentStart:
		p.emitStarted(st)

	case engine.MessageUpdate:
		if ev.Binary || ev.Delta == "" {
			return false
		}
		p.emitStarted(st)
		st.deltaSeq++
		st.accumulated.WriteString(ev.Delta)
		p.emit(Event{Type: protocol.FrameDelta, Delta: &protocol.DeltaFrame{
			Type: protocol.FrameDelta,
			Seq:  st.deltaSeq,
			TsMs: time.Now().UnixMilli(),
			Text: ev.Delta,
		}})

	case engine.ToolExecutionStart:
		p.emitStarted(st)
		id := "tool_" + ev.ToolID
		frame := &protocol.ActionFrame{
			Type:  protocol.FrameAction,
			ID:    id,
			Kind:  classifyTool(ev.ToolName),
			Title: previewTool(ev.ToolName, ev.ToolArgs),
			Phase: protocol.PhaseStarted,
		}
		st.pending[id] = frame
		p.emit(Event{Type: protocol.FrameAction, Action: cloneAction(frame)})

	case engine.ToolExecutionUpd:
		id := "tool_" + ev.ToolID
		frame, ok := st.pending[id]
		if !ok {
			return false
		}
		if frame.Detail == nil {
			frame.Detail = make(map[string]any, len(ev.Partial))
		}
		for k, v := range ev.Partial {
			frame.Detail[k] = v
		}
		upd := cloneAction(frame)
		upd.Phase = protocol.PhaseUpdated
		p.emit(Event{Type: protocol.FrameAction, Action: upd})

	case engine.ToolExecutionEnd:
		p.emitStarted(st)
		id := "tool_" + ev.ToolID
		okVal := !ev.IsError
		full := flattenResult(ev.Result)

		frame, tracked := st.pending[id]
		if !tracked {
			// End without a start: emit a standalone completed action.
			frame = &protocol.ActionFrame{
				Type:  protocol.FrameAction,
				ID:    id,
				Kind:  classifyTool(ev.ToolName),
				Title: previewTool(ev.ToolName, ev.ToolArgs),
			}
		}
		delete(st.pending, id)
		if frame.Detail == nil {
			frame.Detail = make(map[string]any, 2)
		}
		frame.Detail["result"] = truncate(full, resultDisplayLimit)
		frame.Detail["result_full"] = full
		done := cloneAction(frame)
		done.Phase = protocol.PhaseCompleted
		done.OK = &okVal
		p.emit(Event{Type: protocol.FrameAction, Action: done})

	case engine.AgentEnd:
		st.agentEndMsgs = ev.NewMessages
		st.agentEndUsage = protocol.Usage{}
		st.haveUsage = false
		for _, m := range ev.NewMessages {
			if m.Usage != nil {
				st.agentEndUsage.Add(*m.Usage)
				st.haveUsage = true
			}
		}

	case engine.Completed:
		comp := p.buildNormalCompletion(st, ev)
		p.drainFollowups(st)
		p.finish(st, comp)
		return true

	case engine.ErrorEvent:
		p.drainFollowups(st)
		p.finish(st, completion{
			ok:     false,
			errMsg: ev.Reason,
			answer: st.accumulated.String(),
		})
		return true

	case engine.Canceled:
		p.drainFollowups(st)
		p.finish(st, completion{
			ok:     false,
			errMsg: "canceled: " + ev.Reason,
			answer: st.accumulated.String(),
		})
		return true
	}
	return false
}

// buildNormalCompletion resolves answer, usage and resume for an engine
// completed event. Answer preference: the engine's own answer, then the last
// assistant message of the run, then the accumulated delta text.
func (p *Process) buildNormalCompletion(st *loopState, ev engine.Event) completion {
	comp := completion{ok: true}
	c := ev.Completion
	if c != nil {
		comp.ok = c.OK
		comp.answer = c.Answer
		comp.errMsg = c.Error
		comp.resume = c.Resume
		comp.usage = c.Usage
	}
	if comp.answer == "" {
		msgs := ev.NewMessages
		if len(msgs) == 0 {
			msgs = st.agentEndMsgs
		}
		comp.answer = lastAssistantText(msgs)
	}
	if comp.answer == "" {
		comp.answer = st.accumulated.String()
	}
	if comp.usage == nil && st.haveUsage {
		u := st.agentEndUsage
		comp.usage = &u
	}
	return comp
}

// drainFollowups holds finalization for the follow-up grace so queued
// requests racing the natural end still attach to this run's wind-down.
func (p *Process) drainFollowups(st *loopState) {
	timer := time.NewTimer(p.deps.opts.FollowUpGrace)
	defer timer.Stop()
	for {
		select {
		case raw := <-p.cmds:
			switch cmd := raw.(type) {
			case followUpCmd:
				st.followups = append(st.followups, cmd.req)
				cmd.reply <- nil
			case steerCmd:
				cmd.reply <- ErrRunFinished
			case stateCmd:
				cmd.reply <- State{RunID: p.deps.job.RunID, SessionKey: p.SessionKey(), CompletedEmitted: st.completedEmitted}
			case cancelCmd, keepaliveCmd:
				// Already winding down.
			}
		case <-timer.C:
			return
		}
	}
}

// failWatchdog terminates an idle run: abort the engine, emit the failure
// completion and wind down.
func (p *Process) failWatchdog(st *loopState) {
	p.deps.logger.Warn("run killed by idle watchdog",
		"run_id", p.deps.job.RunID, "session_key", p.SessionKey())
	p.deps.aborts.Abort(p.deps.handle)
	p.deps.cancelProducer()
	p.deps.stream.Cancel(WatchdogTimeoutError)
	p.finish(st, completion{
		ok:     false,
		errMsg: WatchdogTimeoutError,
		answer: st.accumulated.String(),
	})
}

// finish emits the completed frame, persists session state, publishes
// run_completed and hands off to the orchestrator. Idempotent.
func (p *Process) finish(st *loopState, comp completion) {
	if st.completedEmitted {
		return
	}
	st.completedEmitted = true

	p.emitStarted(st)

	frame := &protocol.CompletedFrame{
		Type:   protocol.FrameCompleted,
		OK:     comp.ok,
		Answer: comp.answer,
		Error:  comp.errMsg,
		Usage:  comp.usage,
		Resume: comp.resume,
	}
	p.emit(Event{Type: protocol.FrameCompleted, Completed: frame})

	p.persist(comp)

	// Published after the final normalized event so bus consumers observe
	// the completed frame first.
	p.deps.bus.Publish("run:"+p.deps.job.RunID, protocol.RunEventCompleted, CompletedPayload{
		RunID:      p.deps.job.RunID,
		SessionKey: p.SessionKey(),
		OK:         comp.ok,
		Answer:     comp.answer,
		Error:      comp.errMsg,
		Resume:     comp.resume,
		Usage:      comp.usage,
		DurationMs: time.Now().UnixMilli() - p.deps.job.StartedAtMs,
	})
	p.deps.bus.CloseTopic("run:" + p.deps.job.RunID)

	p.deps.aborts.Clear(p.deps.handle)
	p.deps.cancelProducer()

	if p.deps.onFinish != nil {
		p.deps.onFinish(p, comp, st.followups)
	}
}

// persist writes resume state, compaction markers and the run summary.
// Storage failures are logged, never fatal to the completion path.
func (p *Process) persist(comp completion) {
	key := p.SessionKey()
	log := p.deps.logger

	if comp.ok && comp.resume != nil {
		if err := p.deps.sessions.SetResume(key, *comp.resume); err != nil {
			log.Error("persist resume failed", "session_key", key, "error", err)
		}
	}

	switch {
	case !comp.ok && isContextOverflow(comp.errMsg):
		// The stored checkpoint no longer fits the window. Drop it so the
		// next run starts fresh, and mark the session for compaction.
		if err := p.deps.sessions.ClearResume(key); err != nil {
			log.Error("clear resume failed", "session_key", key, "error", err)
		}
		if err := p.deps.sessions.SetPendingCompaction(store.PendingCompaction{
			SessionKey: key,
			Reason:     "overflow",
			CreatedAt:  time.Now(),
		}); err != nil {
			log.Error("set pending compaction failed", "session_key", key, "error", err)
		}

	case comp.ok:
		tokens := p.inputTokens(comp)
		window := p.deps.eng.ContextWindow()
		if window <= 0 {
			window = engine.DefaultContextWindow
		}
		threshold := window - p.deps.opts.ReserveTokens
		if ratio := int(float64(window) * p.deps.opts.NearLimitRatio); ratio < threshold {
			threshold = ratio
		}
		if tokens >= threshold {
			if err := p.deps.sessions.SetPendingCompaction(store.PendingCompaction{
				SessionKey:          key,
				Reason:              "near_limit",
				CreatedAt:           time.Now(),
				InputTokens:         tokens,
				ThresholdTokens:     threshold,
				ContextWindowTokens: window,
			}); err != nil {
				log.Error("set pending compaction failed", "session_key", key, "error", err)
			}
		}
	}

	if err := p.deps.sessions.SetLastRun(key, store.RunSummary{
		RunID:   p.deps.job.RunID,
		OK:      comp.ok,
		Error:   comp.errMsg,
		EndedAt: time.Now(),
	}); err != nil {
		log.Error("persist last run failed", "session_key", key, "error", err)
	}
}

// inputTokens estimates the input-side token load of the finished run:
// reported usage when available, otherwise bytes(prompt)/4.
func (p *Process) inputTokens(comp completion) int {
	if comp.usage != nil {
		if t := comp.usage.InputTotal(); t > 0 {
			return t
		}
	}
	return len(p.deps.job.Request.Prompt) / 4
}

// emitStarted emits the started frame once, before any other frame.
func (p *Process) emitStarted(st *loopState) {
	if st.startedEmitted {
		return
	}
	st.startedEmitted = true
	p.emit(Event{Type: protocol.FrameStarted, Started: &protocol.StartedFrame{
		Type:   protocol.FrameStarted,
		Resume: p.deps.resume,
	}})
}

func (p *Process) emit(ev Event) {
	p.deps.emit(p.deps.job, ev)
}

// recoverCrash converts a panic in the process goroutine into a failed
// completion so the run never ends without one.
func (p *Process) recoverCrash(st *loopState) {
	r := recover()
	if r == nil {
		return
	}
	label := truncate(fmt.Sprintf("%v", r), 200)
	p.deps.logger.Error("run process crashed",
		"run_id", p.deps.job.RunID, "panic", label, "stack", string(debug.Stack()))
	p.finish(st, completion{
		ok:      false,
		errMsg:  "process_crashed:" + label,
		answer:  st.accumulated.String(),
		crashed: true,
	})
}

func cloneAction(f *protocol.ActionFrame) *protocol.ActionFrame {
	c := *f
	if f.Detail != nil {
		c.Detail = make(map[string]any, len(f.Detail))
		for k, v := range f.Detail {
			c.Detail[k] = v
		}
	}
	return &c
}

// lastAssistantText returns the content of the last assistant message.
func lastAssistantText(msgs []engine.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	return ""
}
