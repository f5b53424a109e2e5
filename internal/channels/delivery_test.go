package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type stubAdapter struct {
	id   string
	caps Capabilities
}

func (a *stubAdapter) ID() string                  { return a.id }
func (a *stubAdapter) Meta() Meta                  { return Meta{Name: a.id, Capabilities: a.caps} }
func (a *stubAdapter) Start(context.Context) error { return nil }
func (a *stubAdapter) Stop(context.Context) error  { return nil }
func (a *stubAdapter) Deliver(context.Context, Op) (ProviderResult, error) {
	return ProviderResult{}, nil
}

type captureQueue struct {
	ops []Op
}

func (q *captureQueue) Enqueue(op Op) <-chan Result {
	q.ops = append(q.ops, op)
	ch := make(chan Result, 1)
	ch <- Result{OK: true, Ref: ProviderResult{MessageID: "m1"}}
	return ch
}

func TestSendUnknownChannel(t *testing.T) {
	d := NewDelivery(NewRegistry(), &captureQueue{})
	_, err := d.Send(Op{Channel: "pigeon", Peer: "42", Text: "hi"})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestSendChunksLongText(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAdapter{id: "telegram", caps: Capabilities{EditSupport: true, ChunkLimit: 100}})
	q := &captureQueue{}
	d := NewDelivery(reg, q)

	text := strings.Repeat("word ", 60) // 300 chars
	results, err := d.Send(Op{Channel: "telegram", Account: "bot1", Peer: "42", Text: text})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) < 3 {
		t.Fatalf("expected >= 3 chunks, got %d", len(results))
	}
	for i, op := range q.ops {
		if len(op.Text) > 100 {
			t.Fatalf("chunk %d length %d exceeds limit", i, len(op.Text))
		}
		if op.Kind != OpSend {
			t.Fatalf("chunk %d kind = %s", i, op.Kind)
		}
		if op.Key != "" {
			t.Fatalf("chunk %d grew a key %q on a keyless send", i, op.Key)
		}
	}
}

// Idempotency is opt-in: without a caller key nothing may be derived, or
// two legitimately identical messages within the retention window would
// collapse to one delivery.
func TestSendKeylessStaysKeyless(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAdapter{id: "telegram", caps: Capabilities{ChunkLimit: 4096}})
	q := &captureQueue{}
	d := NewDelivery(reg, q)

	for i := 0; i < 2; i++ {
		if _, err := d.Send(Op{Channel: "telegram", Account: "bot1", Peer: "42", Text: "same text"}); err != nil {
			t.Fatal(err)
		}
	}
	if len(q.ops) != 2 {
		t.Fatalf("enqueued %d ops, want 2", len(q.ops))
	}
	for i, op := range q.ops {
		if op.Key != "" {
			t.Fatalf("op %d key = %q, want empty", i, op.Key)
		}
	}
}

func TestSendKeyedChunksGetDistinctKeys(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAdapter{id: "telegram", caps: Capabilities{ChunkLimit: 100}})
	q := &captureQueue{}
	d := NewDelivery(reg, q)

	text := strings.Repeat("word ", 60)
	if _, err := d.Send(Op{Channel: "telegram", Account: "bot1", Peer: "42", Text: text, Key: "run:r1:answer"}); err != nil {
		t.Fatal(err)
	}
	if len(q.ops) < 3 {
		t.Fatalf("enqueued %d chunks, want >= 3", len(q.ops))
	}
	seen := map[string]bool{}
	for i, op := range q.ops {
		if op.Key == "" {
			t.Fatalf("chunk %d lost the caller key", i)
		}
		if seen[op.Key] {
			t.Fatalf("duplicate chunk key %q", op.Key)
		}
		seen[op.Key] = true
	}
}

func TestEditWithoutSupport(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAdapter{id: "sms", caps: Capabilities{EditSupport: false, ChunkLimit: 1600}})
	d := NewDelivery(reg, &captureQueue{})

	ch, err := d.Edit(Op{Channel: "sms", Peer: "+15551234", MessageID: "x", Text: "new"})
	if err != nil {
		t.Fatal(err)
	}
	res := <-ch
	var perm *PermanentError
	if res.OK || !errors.As(res.Err, &perm) {
		t.Fatalf("result = %+v, want permanent error", res)
	}
}

func TestDeleteEnqueues(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAdapter{id: "telegram", caps: Capabilities{EditSupport: true}})
	q := &captureQueue{}
	d := NewDelivery(reg, q)

	ch, err := d.Delete(Op{Channel: "telegram", Peer: "42", MessageID: "m9"})
	if err != nil {
		t.Fatal(err)
	}
	if res := <-ch; !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if len(q.ops) != 1 || q.ops[0].Kind != OpDelete {
		t.Fatalf("ops = %+v", q.ops)
	}
}

func TestChunkTextBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  int
	}{
		{"short", "hello", 100, 1},
		{"exact", strings.Repeat("a", 100), 100, 1},
		{"newline break", strings.Repeat("line\n", 40), 100, 3},
		{"hard cut", strings.Repeat("a", 250), 100, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkText(tt.text, tt.limit)
			if len(chunks) != tt.want {
				t.Fatalf("chunks = %d, want %d", len(chunks), tt.want)
			}
			for _, c := range chunks {
				if len(c) > tt.limit {
					t.Fatalf("chunk length %d exceeds limit %d", len(c), tt.limit)
				}
			}
		})
	}
}

func TestWebhookRateLimiter(t *testing.T) {
	r := NewWebhookRateLimiterWith(WebhookLimits{PerMinute: 1, Burst: 5, MaxKeys: 16})
	for i := 0; i < 5; i++ {
		if !r.Allow("1.2.3.4") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if r.Allow("1.2.3.4") {
		t.Fatal("request over burst allowed")
	}
	if !r.Allow("5.6.7.8") {
		t.Fatal("separate key denied")
	}
}

func TestWebhookRateLimiterBoundsTrackedKeys(t *testing.T) {
	r := NewWebhookRateLimiterWith(WebhookLimits{PerMinute: 60, Burst: 1, MaxKeys: 8})
	for i := 0; i < 50; i++ {
		if !r.Allow(fmt.Sprintf("10.0.0.%d", i)) {
			t.Fatalf("fresh key %d denied", i)
		}
	}
	r.mu.Lock()
	n := len(r.buckets)
	r.mu.Unlock()
	if n > 8 {
		t.Fatalf("tracked keys = %d, want <= 8", n)
	}
}
