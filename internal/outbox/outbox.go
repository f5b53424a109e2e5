// Package outbox implements the per-peer outbound queues. Each
// (channel, account, peer) gets one actor goroutine that drains operations
// in priority order (delete < edit < send, FIFO within priority), throttled,
// with retry classification and idempotent completion.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentgw/agentgw/internal/channels"
	"github.com/agentgw/agentgw/internal/store"
)

// Config tunes queue behavior. Zero fields take defaults.
type Config struct {
	// Throttle is the minimum gap between provider calls per peer.
	// Default 400ms.
	Throttle time.Duration
	// RateLimitMaxRetries bounds 429 retries. Default 5.
	RateLimitMaxRetries int
	// RateLimitMinWait floors the wait after a 429 regardless of the
	// provider's retry_after. Default 1s.
	RateLimitMinWait time.Duration
	// TransientMaxRetries bounds retries of 5xx/timeout failures.
	// Default 3.
	TransientMaxRetries int
	// TransientBackoff is the base of the exponential backoff
	// (backoff * 2^attempt). Default 500ms.
	TransientBackoff time.Duration
	// MediaBatchSize caps images per media-group send. Default 10.
	MediaBatchSize int
	// MediaBatchDelay separates consecutive batch or fallback sends.
	// Default 1s.
	MediaBatchDelay time.Duration
}

func (c Config) WithDefaults() Config {
	if c.Throttle <= 0 {
		c.Throttle = 400 * time.Millisecond
	}
	if c.RateLimitMaxRetries <= 0 {
		c.RateLimitMaxRetries = 5
	}
	if c.RateLimitMinWait <= 0 {
		c.RateLimitMinWait = time.Second
	}
	if c.TransientMaxRetries <= 0 {
		c.TransientMaxRetries = 3
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = 500 * time.Millisecond
	}
	if c.MediaBatchSize <= 0 {
		c.MediaBatchSize = 10
	}
	if c.MediaBatchDelay <= 0 {
		c.MediaBatchDelay = time.Second
	}
	return c
}

// Manager owns all per-peer queues and implements channels.Queue.
type Manager struct {
	ctx  context.Context
	reg  *channels.Registry
	idem store.IdempotencyStore
	cfg  Config

	mu     sync.Mutex
	queues map[string]*peerQueue
	seq    atomic.Int64
}

func NewManager(ctx context.Context, reg *channels.Registry, idem store.IdempotencyStore, cfg Config) *Manager {
	return &Manager{
		ctx:    ctx,
		reg:    reg,
		idem:   idem,
		cfg:    cfg.WithDefaults(),
		queues: make(map[string]*peerQueue),
	}
}

// Enqueue routes the op to its peer's queue, creating the queue on first
// use. The returned channel receives exactly one terminal Result.
func (m *Manager) Enqueue(op channels.Op) <-chan channels.Result {
	notify := make(chan channels.Result, 1)
	it := &item{
		op:     op,
		seq:    m.seq.Add(1),
		notify: []chan channels.Result{notify},
	}

	adapter, ok := m.reg.Get(op.Channel)
	if !ok {
		notify <- channels.Result{Err: fmt.Errorf("%w: %s", channels.ErrUnknownChannel, op.Channel)}
		return notify
	}

	key := op.Channel + "\x00" + op.Account + "\x00" + op.Peer
	m.mu.Lock()
	q, ok := m.queues[key]
	if !ok {
		q = &peerQueue{
			m:       m,
			adapter: adapter,
			cmds:    make(chan *item, 128),
			limiter: rate.NewLimiter(rate.Every(m.cfg.Throttle), 1),
		}
		m.queues[key] = q
		go q.loop(m.ctx)
	}
	m.mu.Unlock()

	select {
	case q.cmds <- it:
	case <-m.ctx.Done():
		notify <- channels.Result{Err: m.ctx.Err()}
	}
	return notify
}

type item struct {
	op     channels.Op
	seq    int64
	notify []chan channels.Result
}

func (it *item) resolve(res channels.Result) {
	for _, ch := range it.notify {
		ch <- res
	}
}

type peerQueue struct {
	m       *Manager
	adapter channels.Adapter
	cmds    chan *item
	limiter *rate.Limiter
}

func (q *peerQueue) loop(ctx context.Context) {
	var pending []*item

	for {
		// Absorb queued commands before dispatching so coalescing and
		// priority reordering see everything that has arrived.
		for {
			select {
			case it := <-q.cmds:
				pending = q.insert(pending, it)
				continue
			default:
			}
			break
		}

		if len(pending) == 0 {
			select {
			case it := <-q.cmds:
				pending = q.insert(pending, it)
				continue
			case <-ctx.Done():
				return
			}
		}

		head := pending[0]
		pending = pending[1:]
		q.dispatch(ctx, head)
	}
}

// insert applies delete-supersedes-edit, coalescing, and priority ordering.
func (q *peerQueue) insert(pending []*item, it *item) []*item {
	// A delete makes queued edits of the same message pointless.
	if it.op.Kind == channels.OpDelete && it.op.MessageID != "" {
		kept := pending[:0]
		for _, p := range pending {
			if p.op.Kind == channels.OpEdit && p.op.MessageID == it.op.MessageID {
				p.resolve(channels.Result{OK: true, Skipped: true})
				continue
			}
			kept = append(kept, p)
		}
		pending = kept
	}

	// Coalesce: same kind and key replaces the payload in place; all
	// waiters share the merged op's result.
	if it.op.Key != "" {
		for _, p := range pending {
			if p.op.Kind == it.op.Kind && p.op.Key == it.op.Key {
				p.op = it.op
				p.notify = append(p.notify, it.notify...)
				return pending
			}
		}
	}

	// Priority insert: after the last queued item with priority <= ours.
	pos := len(pending)
	for i := len(pending) - 1; i >= 0; i-- {
		if pending[i].op.Kind.Priority() <= it.op.Kind.Priority() {
			break
		}
		pos = i
	}
	pending = append(pending, nil)
	copy(pending[pos+1:], pending[pos:])
	pending[pos] = it
	return pending
}

// dispatch delivers one op with throttling and retry classification. At most
// one op is in flight per peer.
func (q *peerQueue) dispatch(ctx context.Context, it *item) {
	op := it.op

	if op.Kind == channels.OpSend && op.Key != "" {
		ref, dup, err := q.m.idem.Lookup(idemKey(op))
		if err != nil {
			slog.Warn("outbox: idempotency lookup failed", "channel", op.Channel, "error", err)
		} else if dup {
			it.resolve(channels.Result{OK: true, Duplicate: true, Ref: channels.ProviderResult{MessageID: ref}})
			return
		}
	}

	if err := q.limiter.Wait(ctx); err != nil {
		it.resolve(channels.Result{Err: err})
		return
	}

	var rateRetries, transientRetries int
	for {
		res, err := q.deliver(ctx, op)
		if err == nil {
			if op.Kind == channels.OpSend && op.Key != "" {
				if rerr := q.m.idem.Record(idemKey(op), res.MessageID); rerr != nil {
					slog.Warn("outbox: idempotency record failed", "channel", op.Channel, "error", rerr)
				}
			}
			it.resolve(channels.Result{OK: true, Ref: res})
			return
		}

		// Deleting an already-gone message is success.
		if op.Kind == channels.OpDelete && errors.Is(err, channels.ErrDeleteNotFound) {
			it.resolve(channels.Result{OK: true})
			return
		}

		var wait time.Duration
		var rl *channels.RateLimitedError
		var tr *channels.TransientError
		switch {
		case errors.As(err, &rl):
			rateRetries++
			if rateRetries > q.m.cfg.RateLimitMaxRetries {
				q.fail(it, err)
				return
			}
			wait = rl.RetryAfter
			if wait < q.m.cfg.RateLimitMinWait {
				wait = q.m.cfg.RateLimitMinWait
			}
			slog.Warn("outbox: rate limited", "channel", op.Channel, "peer", op.Peer,
				"attempt", rateRetries, "wait", wait)

		case errors.As(err, &tr):
			if transientRetries >= q.m.cfg.TransientMaxRetries {
				q.fail(it, err)
				return
			}
			wait = q.m.cfg.TransientBackoff * (1 << transientRetries)
			transientRetries++
			slog.Warn("outbox: transient failure", "channel", op.Channel, "peer", op.Peer,
				"attempt", transientRetries, "wait", wait, "error", err)

		default:
			// Permanent or unclassified: drop now.
			q.fail(it, err)
			return
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			it.resolve(channels.Result{Err: ctx.Err()})
			return
		}
	}
}

func (q *peerQueue) fail(it *item, err error) {
	if it.op.Kind == channels.OpSend && it.op.Key != "" {
		_ = q.m.idem.Remove(idemKey(it.op))
	}
	slog.Error("outbox: delivery failed", "channel", it.op.Channel, "peer", it.op.Peer,
		"kind", string(it.op.Kind), "error", err)
	it.resolve(channels.Result{Err: err})
}

// deliver runs one provider call, splitting oversized media sets into
// batches. A permanently failed batch falls back to individual sends with
// an inter-send delay.
func (q *peerQueue) deliver(ctx context.Context, op channels.Op) (channels.ProviderResult, error) {
	if op.Kind != channels.OpSend || len(op.Media) <= q.m.cfg.MediaBatchSize {
		return q.adapter.Deliver(ctx, op)
	}

	var last channels.ProviderResult
	media := op.Media
	first := true
	for len(media) > 0 {
		n := q.m.cfg.MediaBatchSize
		if n > len(media) {
			n = len(media)
		}
		batch := op
		batch.Media = media[:n]
		if !first {
			batch.Text = ""
			batch.ReplyTo = ""
			batch.Buttons = nil
		}

		res, err := q.adapter.Deliver(ctx, batch)
		var perm *channels.PermanentError
		if err != nil && errors.As(err, &perm) {
			res, err = q.deliverIndividually(ctx, batch)
		}
		if err != nil {
			return channels.ProviderResult{}, err
		}
		last = res

		media = media[n:]
		first = false
		if len(media) > 0 {
			select {
			case <-time.After(q.m.cfg.MediaBatchDelay):
			case <-ctx.Done():
				return channels.ProviderResult{}, ctx.Err()
			}
		}
	}
	return last, nil
}

func (q *peerQueue) deliverIndividually(ctx context.Context, op channels.Op) (channels.ProviderResult, error) {
	var last channels.ProviderResult
	for i, m := range op.Media {
		single := op
		single.Media = []channels.MediaItem{m}
		if i > 0 {
			single.Text = ""
			single.ReplyTo = ""
			single.Buttons = nil
			select {
			case <-time.After(q.m.cfg.MediaBatchDelay):
			case <-ctx.Done():
				return channels.ProviderResult{}, ctx.Err()
			}
		}
		res, err := q.adapter.Deliver(ctx, single)
		if err != nil {
			return channels.ProviderResult{}, err
		}
		last = res
	}
	return last, nil
}

func idemKey(op channels.Op) store.IdempotencyKey {
	return store.IdempotencyKey{
		Channel: op.Channel,
		Account: op.Account,
		Peer:    op.Peer,
		Key:     op.Key,
	}
}
