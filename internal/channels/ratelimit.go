package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

// WebhookLimits tunes inbound webhook throttling.
type WebhookLimits struct {
	// PerMinute is the sustained request budget per source key.
	PerMinute int
	// Burst is how many requests a key may fire before the sustained rate
	// applies.
	Burst int
	// MaxKeys bounds tracked sources so rotating keys cannot exhaust memory.
	MaxKeys int
}

// DefaultWebhookLimits returns the limits webhook mounts use unless
// configured otherwise.
func DefaultWebhookLimits() WebhookLimits {
	return WebhookLimits{PerMinute: 30, Burst: 10, MaxKeys: 4096}
}

// WebhookRateLimiter throttles inbound webhook requests, one token bucket
// per source key. Safe for concurrent use.
type WebhookRateLimiter struct {
	limits WebhookLimits

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewWebhookRateLimiter builds a limiter with DefaultWebhookLimits.
func NewWebhookRateLimiter() *WebhookRateLimiter {
	return NewWebhookRateLimiterWith(DefaultWebhookLimits())
}

// NewWebhookRateLimiterWith builds a limiter with explicit limits. Zero
// fields fall back to the defaults.
func NewWebhookRateLimiterWith(limits WebhookLimits) *WebhookRateLimiter {
	def := DefaultWebhookLimits()
	if limits.PerMinute <= 0 {
		limits.PerMinute = def.PerMinute
	}
	if limits.Burst <= 0 {
		limits.Burst = def.Burst
	}
	if limits.MaxKeys <= 0 {
		limits.MaxKeys = def.MaxKeys
	}
	return &WebhookRateLimiter{
		limits:  limits,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the key has budget for one more request.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	b, ok := r.buckets[key]
	if !ok {
		if len(r.buckets) >= r.limits.MaxKeys {
			r.evictLocked()
		}
		b = rate.NewLimiter(rate.Limit(float64(r.limits.PerMinute)/60.0), r.limits.Burst)
		r.buckets[key] = b
	}
	r.mu.Unlock()
	return b.Allow()
}

// evictLocked frees a slot for a new key: idle buckets (back at full burst)
// go first, then arbitrary ones.
func (r *WebhookRateLimiter) evictLocked() {
	for k, b := range r.buckets {
		if b.Tokens() >= float64(r.limits.Burst) {
			delete(r.buckets, k)
		}
	}
	for len(r.buckets) >= r.limits.MaxKeys {
		for k := range r.buckets {
			delete(r.buckets, k)
			break
		}
	}
}
