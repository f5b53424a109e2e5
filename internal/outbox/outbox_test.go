package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentgw/agentgw/internal/channels"
	"github.com/agentgw/agentgw/internal/store"
)

// scriptAdapter records delivered ops and pops one scripted error per call.
type scriptAdapter struct {
	mu      sync.Mutex
	ops     []channels.Op
	errs    []error
	nextID  int
	started chan struct{} // closed on first Deliver, if set
	gate    chan struct{} // first Deliver blocks until closed, if set
}

func (a *scriptAdapter) ID() string { return "telegram" }
func (a *scriptAdapter) Meta() channels.Meta {
	return channels.Meta{Name: "telegram", Capabilities: channels.Capabilities{EditSupport: true, ChunkLimit: 4096}}
}
func (a *scriptAdapter) Start(context.Context) error { return nil }
func (a *scriptAdapter) Stop(context.Context) error  { return nil }

func (a *scriptAdapter) Deliver(ctx context.Context, op channels.Op) (channels.ProviderResult, error) {
	a.mu.Lock()
	first := len(a.ops) == 0
	a.ops = append(a.ops, op)
	var err error
	if len(a.errs) > 0 {
		err = a.errs[0]
		a.errs = a.errs[1:]
	}
	a.nextID++
	id := a.nextID
	started := a.started
	gate := a.gate
	a.mu.Unlock()

	if first {
		if started != nil {
			close(started)
		}
		if gate != nil {
			<-gate
		}
	}
	if err != nil {
		return channels.ProviderResult{}, err
	}
	return channels.ProviderResult{MessageID: fmt.Sprintf("m%d", id)}, nil
}

func (a *scriptAdapter) delivered() []channels.Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]channels.Op(nil), a.ops...)
}

func newTestManager(t *testing.T, a channels.Adapter) (*Manager, *channels.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := channels.NewRegistry()
	reg.Register(a)
	m := NewManager(ctx, reg, store.NewMemoryIdempotencyStore(time.Minute), Config{
		Throttle:         time.Millisecond,
		RateLimitMinWait: 5 * time.Millisecond,
		TransientBackoff: time.Millisecond,
		MediaBatchDelay:  time.Millisecond,
	})
	return m, reg
}

func wait(t *testing.T, ch <-chan channels.Result) channels.Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
		return channels.Result{}
	}
}

func TestSendSuccess(t *testing.T) {
	a := &scriptAdapter{}
	m, _ := newTestManager(t, a)

	res := wait(t, m.Enqueue(channels.Op{
		Kind: channels.OpSend, Channel: "telegram", Account: "bot1", Peer: "42",
		Key: "k1", Text: "hello",
	}))
	if !res.OK || res.Ref.MessageID == "" {
		t.Fatalf("result = %+v", res)
	}
}

func TestUnknownChannel(t *testing.T) {
	m, _ := newTestManager(t, &scriptAdapter{})
	res := wait(t, m.Enqueue(channels.Op{Kind: channels.OpSend, Channel: "pigeon", Peer: "1"}))
	if !errors.Is(res.Err, channels.ErrUnknownChannel) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestPriorityOrderAndDeleteSupersedesEdit(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	a := &scriptAdapter{started: started, gate: gate}
	m, _ := newTestManager(t, a)

	base := channels.Op{Channel: "telegram", Account: "bot1", Peer: "42"}

	// First send occupies the queue so the rest stack up behind it.
	blocker := base
	blocker.Kind = channels.OpSend
	blocker.Key = "blocker"
	blocker.Text = "first"
	r0 := m.Enqueue(blocker)
	<-started

	send := base
	send.Kind = channels.OpSend
	send.Key = "s1"
	send.Text = "second"
	r1 := m.Enqueue(send)

	edit := base
	edit.Kind = channels.OpEdit
	edit.Key = "e1"
	edit.MessageID = "m7"
	edit.Text = "edited"
	r2 := m.Enqueue(edit)

	del := base
	del.Kind = channels.OpDelete
	del.Key = "d1"
	del.MessageID = "m7"
	r3 := m.Enqueue(del)

	// Give the enqueues time to land in the command channel, then release.
	time.Sleep(20 * time.Millisecond)
	close(gate)

	if res := wait(t, r0); !res.OK {
		t.Fatalf("blocker = %+v", res)
	}
	if res := wait(t, r2); !res.OK || !res.Skipped {
		t.Fatalf("superseded edit = %+v, want skipped success", res)
	}
	if res := wait(t, r3); !res.OK {
		t.Fatalf("delete = %+v", res)
	}
	if res := wait(t, r1); !res.OK {
		t.Fatalf("send = %+v", res)
	}

	ops := a.delivered()
	// blocker, then delete (priority -1), then send. The edit never reaches
	// the provider.
	if len(ops) != 3 {
		t.Fatalf("delivered %d ops: %+v", len(ops), ops)
	}
	if ops[1].Kind != channels.OpDelete || ops[2].Kind != channels.OpSend {
		t.Fatalf("order = [%s %s %s]", ops[0].Kind, ops[1].Kind, ops[2].Kind)
	}
}

func TestCoalescingReplacesPayload(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	a := &scriptAdapter{started: started, gate: gate}
	m, _ := newTestManager(t, a)

	base := channels.Op{Kind: channels.OpSend, Channel: "telegram", Account: "bot1", Peer: "42"}

	blocker := base
	blocker.Key = "blocker"
	r0 := m.Enqueue(blocker)
	<-started

	v1 := base
	v1.Key = "status"
	v1.Text = "progress 10%"
	r1 := m.Enqueue(v1)

	v2 := base
	v2.Key = "status"
	v2.Text = "progress 90%"
	r2 := m.Enqueue(v2)

	time.Sleep(20 * time.Millisecond)
	close(gate)

	res1 := wait(t, r1)
	res2 := wait(t, r2)
	wait(t, r0)
	if !res1.OK || !res2.OK {
		t.Fatalf("results = %+v %+v", res1, res2)
	}
	if res1.Ref != res2.Ref {
		t.Fatalf("coalesced waiters got different refs: %+v vs %+v", res1.Ref, res2.Ref)
	}

	ops := a.delivered()
	if len(ops) != 2 {
		t.Fatalf("delivered %d ops, want 2 (blocker + coalesced)", len(ops))
	}
	if ops[1].Text != "progress 90%" {
		t.Fatalf("coalesced text = %q, want latest payload", ops[1].Text)
	}
}

func TestRateLimitRetry(t *testing.T) {
	a := &scriptAdapter{errs: []error{
		&channels.RateLimitedError{RetryAfter: time.Millisecond},
		&channels.RateLimitedError{},
	}}
	m, _ := newTestManager(t, a)

	res := wait(t, m.Enqueue(channels.Op{
		Kind: channels.OpSend, Channel: "telegram", Peer: "42", Key: "k", Text: "x",
	}))
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if got := len(a.delivered()); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestTransientRetryExhaustion(t *testing.T) {
	cause := errors.New("connection reset")
	a := &scriptAdapter{errs: []error{
		&channels.TransientError{Err: cause},
		&channels.TransientError{Err: cause},
		&channels.TransientError{Err: cause},
		&channels.TransientError{Err: cause},
	}}
	m, _ := newTestManager(t, a)

	res := wait(t, m.Enqueue(channels.Op{
		Kind: channels.OpSend, Channel: "telegram", Peer: "42", Key: "k", Text: "x",
	}))
	if res.OK {
		t.Fatalf("result = %+v, want failure", res)
	}
	var tr *channels.TransientError
	if !errors.As(res.Err, &tr) {
		t.Fatalf("err = %v", res.Err)
	}
	// Initial attempt + 3 retries.
	if got := len(a.delivered()); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
}

func TestPermanentFailureNoRetry(t *testing.T) {
	a := &scriptAdapter{errs: []error{
		&channels.PermanentError{Status: 400, Err: errors.New("bad request")},
	}}
	m, _ := newTestManager(t, a)

	res := wait(t, m.Enqueue(channels.Op{
		Kind: channels.OpSend, Channel: "telegram", Peer: "42", Key: "k", Text: "x",
	}))
	if res.OK {
		t.Fatalf("result = %+v", res)
	}
	if got := len(a.delivered()); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestDeleteNotFoundIsSuccess(t *testing.T) {
	a := &scriptAdapter{errs: []error{channels.ErrDeleteNotFound}}
	m, _ := newTestManager(t, a)

	res := wait(t, m.Enqueue(channels.Op{
		Kind: channels.OpDelete, Channel: "telegram", Peer: "42", MessageID: "gone",
	}))
	if !res.OK || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestIdempotentDuplicate(t *testing.T) {
	a := &scriptAdapter{}
	m, _ := newTestManager(t, a)

	op := channels.Op{Kind: channels.OpSend, Channel: "telegram", Account: "bot1", Peer: "42", Key: "once", Text: "hi"}
	first := wait(t, m.Enqueue(op))
	if !first.OK || first.Duplicate {
		t.Fatalf("first = %+v", first)
	}
	second := wait(t, m.Enqueue(op))
	if !second.OK || !second.Duplicate {
		t.Fatalf("second = %+v, want duplicate", second)
	}
	if second.Ref != first.Ref {
		t.Fatalf("duplicate ref %+v != original %+v", second.Ref, first.Ref)
	}
	if got := len(a.delivered()); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
}

func TestKeylessSendsAreNeverSuppressed(t *testing.T) {
	a := &scriptAdapter{}
	m, _ := newTestManager(t, a)

	op := channels.Op{Kind: channels.OpSend, Channel: "telegram", Account: "bot1", Peer: "42", Text: "hi"}
	first := wait(t, m.Enqueue(op))
	second := wait(t, m.Enqueue(op))
	if !first.OK || !second.OK {
		t.Fatalf("results = %+v %+v", first, second)
	}
	if first.Duplicate || second.Duplicate {
		t.Fatalf("keyless send flagged duplicate: %+v %+v", first, second)
	}
	if got := len(a.delivered()); got != 2 {
		t.Fatalf("deliveries = %d, want 2", got)
	}
}

func TestMediaBatching(t *testing.T) {
	a := &scriptAdapter{}
	m, _ := newTestManager(t, a)

	var media []channels.MediaItem
	for i := 0; i < 25; i++ {
		media = append(media, channels.MediaItem{URL: fmt.Sprintf("https://img/%d.png", i)})
	}
	res := wait(t, m.Enqueue(channels.Op{
		Kind: channels.OpSend, Channel: "telegram", Peer: "42", Key: "album", Text: "pics", Media: media,
	}))
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}

	ops := a.delivered()
	if len(ops) != 3 {
		t.Fatalf("batches = %d, want 3", len(ops))
	}
	if len(ops[0].Media) != 10 || len(ops[1].Media) != 10 || len(ops[2].Media) != 5 {
		t.Fatalf("batch sizes = %d/%d/%d", len(ops[0].Media), len(ops[1].Media), len(ops[2].Media))
	}
	if ops[1].Text != "" || ops[2].Text != "" {
		t.Fatal("caption repeated on follow-up batches")
	}
}
