package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds the configured channel adapters by id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// StartAll starts every registered adapter. Adapters that fail to start are
// logged and skipped; one bad channel does not take the gateway down.
func (r *Registry) StartAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, a := range r.adapters {
		if err := a.Start(ctx); err != nil {
			slog.Error("channel failed to start", "channel", id, "error", err)
			continue
		}
		slog.Info("channel started", "channel", id)
	}
}

// StopAll stops every registered adapter.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for id, a := range r.adapters {
		if err := a.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop channel %s: %w", id, err)
		}
	}
	return firstErr
}
