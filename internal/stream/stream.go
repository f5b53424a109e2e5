// Package stream implements the bounded event stream connecting an engine
// producer to the run process that owns it plus any number of subscribers.
//
// A stream carries a finite sequence of engine events followed by exactly
// one terminal event (completed, error or canceled). All state is owned by a
// single goroutine; producers and consumers talk to it through command
// channels, so pushes and completions are ordered by arrival.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentgw/agentgw/internal/engine"
)

var (
	// ErrOverflow is returned by Push when the queue is full and the
	// strategy is DropError.
	ErrOverflow = errors.New("stream: queue overflow")
	// ErrCanceled is returned by Push after the stream has terminated and
	// by Result when the stream ended without a normal completion.
	ErrCanceled = errors.New("stream: canceled")
	// ErrTimeout is returned by Result when the wait deadline expires.
	ErrTimeout = errors.New("stream: timeout")
)

// DropStrategy selects the overflow policy for a full queue.
type DropStrategy string

const (
	DropError  DropStrategy = "error"       // reject the push
	DropOldest DropStrategy = "drop_oldest" // evict the head, accept the push
	DropNewest DropStrategy = "drop_newest" // discard the incoming event
)

// Config bounds and times one stream.
type Config struct {
	// MaxQueue caps the retained event buffer. Defaults to 256.
	MaxQueue int
	// Strategy applies when the buffer is full. Defaults to DropError.
	Strategy DropStrategy
	// Timeout bounds the whole run; on expiry the stream terminates with
	// canceled(timeout). Zero disables the timer.
	Timeout time.Duration
}

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	QueueSize int
	MaxQueue  int
	Dropped   int
}

// terminalState records how the stream ended.
type terminalState struct {
	event  engine.Event
	final  []engine.Message
	reason error // nil for normal completion
}

type pushCmd struct {
	ev    engine.Event
	reply chan error // nil for async pushes
}

type subscribeCmd struct {
	reply chan *Subscription
}

type resultCmd struct {
	reply chan terminalState
}

type statsCmd struct {
	reply chan Stats
}

// Stream is a bounded single-producer, multi-subscriber event queue.
type Stream struct {
	cfg  Config
	cmds chan any
	done chan struct{} // closed once the terminal event has been fanned out
	term atomic.Pointer[terminalState]
}

// New creates a stream and starts its owning goroutine.
func New(cfg Config) *Stream {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 256
	}
	if cfg.Strategy == "" {
		cfg.Strategy = DropError
	}
	s := &Stream{
		cfg:  cfg,
		cmds: make(chan any, 64),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Push delivers one event synchronously. Terminal event types (completed,
// error, canceled) terminate the stream. After termination Push returns
// ErrCanceled; on a full queue the configured strategy decides the result.
func (s *Stream) Push(ev engine.Event) error {
	select {
	case <-s.done:
		return ErrCanceled
	default:
	}
	reply := make(chan error, 1)
	select {
	case s.cmds <- pushCmd{ev: ev, reply: reply}:
	case <-s.done:
		return ErrCanceled
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		// The loop serves queued commands before and shortly after
		// termination; a missing reply means the push arrived after the
		// stream died.
		select {
		case err := <-reply:
			return err
		case <-time.After(time.Second):
			return ErrCanceled
		}
	}
}

// PushAsync delivers one event without waiting; overflow handling follows
// the same policy but the result is not observable by the caller.
func (s *Stream) PushAsync(ev engine.Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.cmds <- pushCmd{ev: ev}:
	case <-s.done:
	}
}

// Complete signals normal end of the sequence with the run's final message
// set. Subsequent pushes fail with ErrCanceled.
func (s *Stream) Complete(final []engine.Message) {
	s.PushAsync(engine.Event{
		Type:        engine.Completed,
		Completion:  &engine.Completion{OK: true},
		NewMessages: final,
	})
}

// Cancel terminates the stream with canceled(reason). Used when the owner
// dies before the producer finishes.
func (s *Stream) Cancel(reason string) {
	s.PushAsync(engine.Event{Type: engine.Canceled, Reason: reason})
}

// Subscribe attaches a consumer. The subscriber receives the retained
// buffer (events pushed before it attached) followed by live events, ending
// with the terminal event, after which its channel closes.
func (s *Stream) Subscribe() *Subscription {
	reply := make(chan *Subscription, 1)
	select {
	case s.cmds <- subscribeCmd{reply: reply}:
		select {
		case sub := <-reply:
			return sub
		case <-time.After(5 * time.Second):
		}
	case <-s.done:
	}
	// Dead stream: deliver the terminal event only.
	ch := make(chan engine.Event, 1)
	if ts := s.term.Load(); ts != nil {
		ch <- ts.event
	}
	close(ch)
	return &Subscription{ch: ch}
}

// Result blocks until the terminal event, returning the final messages from
// a normal completion, or ErrTimeout / ErrCanceled.
func (s *Stream) Result(timeout time.Duration) ([]engine.Message, error) {
	reply := make(chan terminalState, 1)
	select {
	case s.cmds <- resultCmd{reply: reply}:
	case <-s.done:
		if ts := s.term.Load(); ts != nil {
			reply <- *ts
		}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case ts := <-reply:
		if ts.reason != nil {
			return nil, ts.reason
		}
		return ts.final, nil
	case <-timer:
		return nil, ErrTimeout
	}
}

// Stats reports queue occupancy and the dropped-event counter.
func (s *Stream) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case s.cmds <- statsCmd{reply: reply}:
		select {
		case st := <-reply:
			return st
		case <-time.After(5 * time.Second):
		}
	case <-s.done:
	}
	return Stats{MaxQueue: s.cfg.MaxQueue}
}

// Done is closed after the terminal event has been delivered to all
// subscribers and waiters.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Subscription is one consumer's view of the stream.
type Subscription struct {
	ch chan engine.Event
}

// Events exposes the raw receive channel; it closes after the terminal
// event.
func (sub *Subscription) Events() <-chan engine.Event { return sub.ch }

// Next yields the next event. ok is false once the stream has terminated
// and all events were consumed, or when ctx is done.
func (sub *Subscription) Next(ctx context.Context) (engine.Event, bool) {
	select {
	case ev, ok := <-sub.ch:
		return ev, ok
	case <-ctx.Done():
		return engine.Event{}, false
	}
}

func isTerminal(t engine.EventType) bool {
	return t == engine.Completed || t == engine.ErrorEvent || t == engine.Canceled
}

// loop owns all stream state. After the terminal event it lingers briefly
// to serve commands that raced with termination, then exits.
func (s *Stream) loop() {
	var (
		buffer  []engine.Event
		subs    []*Subscription
		waiters []chan terminalState
		dropped int
	)

	var timeoutCh <-chan time.Time
	if s.cfg.Timeout > 0 {
		t := time.NewTimer(s.cfg.Timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	deliver := func(ev engine.Event) {
		for _, sub := range subs {
			select {
			case sub.ch <- ev:
			default:
				// Subscriber mailbox full: drop for that subscriber only.
				dropped++
				slog.Debug("stream: subscriber mailbox full, event dropped",
					"type", string(ev.Type))
			}
		}
	}

	terminate := func(ts terminalState) {
		s.term.Store(&ts)
		deliver(ts.event)
		for _, sub := range subs {
			close(sub.ch)
		}
		subs = nil
		for _, w := range waiters {
			w <- ts
		}
		waiters = nil
		close(s.done)
	}

	servePostTerminal := func(raw any) {
		ts := s.term.Load()
		switch cmd := raw.(type) {
		case pushCmd:
			if cmd.reply != nil {
				cmd.reply <- ErrCanceled
			}
		case subscribeCmd:
			sub := &Subscription{ch: make(chan engine.Event, len(buffer)+1)}
			for _, ev := range buffer {
				sub.ch <- ev
			}
			sub.ch <- ts.event
			close(sub.ch)
			cmd.reply <- sub
		case resultCmd:
			cmd.reply <- *ts
		case statsCmd:
			cmd.reply <- Stats{QueueSize: len(buffer), MaxQueue: s.cfg.MaxQueue, Dropped: dropped}
		}
	}

	drain := func() {
		idle := time.NewTimer(time.Second)
		defer idle.Stop()
		for {
			select {
			case raw := <-s.cmds:
				servePostTerminal(raw)
				idle.Reset(time.Second)
			case <-idle.C:
				return
			}
		}
	}

	for {
		select {
		case <-timeoutCh:
			terminate(terminalState{
				event:  engine.Event{Type: engine.Canceled, Reason: "timeout"},
				reason: ErrTimeout,
			})
			drain()
			return

		case raw := <-s.cmds:
			switch cmd := raw.(type) {
			case pushCmd:
				if isTerminal(cmd.ev.Type) {
					ts := terminalState{event: cmd.ev}
					switch cmd.ev.Type {
					case engine.Completed:
						ts.final = cmd.ev.NewMessages
						if ts.final == nil {
							ts.final = lastAgentEndMessages(buffer)
						}
					case engine.ErrorEvent, engine.Canceled:
						ts.reason = ErrCanceled
					}
					if cmd.reply != nil {
						cmd.reply <- nil
					}
					terminate(ts)
					drain()
					return
				}

				if len(buffer) >= s.cfg.MaxQueue {
					switch s.cfg.Strategy {
					case DropOldest:
						buffer = buffer[1:]
						dropped++
					case DropNewest:
						dropped++
						if cmd.reply != nil {
							cmd.reply <- nil
						}
						continue
					default: // DropError
						if cmd.reply != nil {
							cmd.reply <- ErrOverflow
						}
						continue
					}
				}
				buffer = append(buffer, cmd.ev)
				deliver(cmd.ev)
				if cmd.reply != nil {
					cmd.reply <- nil
				}

			case subscribeCmd:
				sub := &Subscription{ch: make(chan engine.Event, s.cfg.MaxQueue+len(buffer)+1)}
				// Replay the retained buffer so late subscribers see the
				// full sequence.
				for _, ev := range buffer {
					sub.ch <- ev
				}
				subs = append(subs, sub)
				cmd.reply <- sub

			case resultCmd:
				waiters = append(waiters, cmd.reply)

			case statsCmd:
				cmd.reply <- Stats{
					QueueSize: len(buffer),
					MaxQueue:  s.cfg.MaxQueue,
					Dropped:   dropped,
				}
			}
		}
	}
}

// lastAgentEndMessages extracts the new-message set from the most recent
// agent_end event in the buffer, for Result callers.
func lastAgentEndMessages(buffer []engine.Event) []engine.Message {
	for i := len(buffer) - 1; i >= 0; i-- {
		if buffer[i].Type == engine.AgentEnd {
			return buffer[i].NewMessages
		}
	}
	return nil
}
