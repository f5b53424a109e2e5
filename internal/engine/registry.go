package engine

import (
	"context"
	"fmt"
	"sync"
)

// RunParams carries everything an engine needs to start one turn.
type RunParams struct {
	RunID      string
	SessionKey string
	Prompt     string
	ResumeFrom string // opaque checkpoint value, "" for a fresh session
	Cwd        string
	ToolPolicy string

	// Aborted reports whether the run's abort flag has been raised. Engines
	// poll it between events and wind down with a canceled terminal event
	// when it fires. Nil means never aborted.
	Aborted func() bool
}

// Engine produces agent event streams for submitted turns.
//
// Run must push events into out and finish with exactly one terminal event;
// it returns once the terminal event has been pushed. Cancellation is
// cooperative: engines watch ctx and emit a canceled event on their way out.
type Engine interface {
	// ID is the stable engine identifier used in directives ("claude",
	// "codex", ...).
	ID() string

	// ContextWindow returns the engine's context window in tokens, or 0
	// when unknown (the run layer falls back to per-engine defaults).
	ContextWindow() int

	// Run executes one agent turn, pushing events into out.
	Run(ctx context.Context, params RunParams, out Sink)

	// Steer injects a mid-run directive. The engine may interrupt its
	// current tool batch and incorporate the text in the next turn.
	// Returns an error when the run is unknown or already finished.
	Steer(runID, text string) error
}

// DefaultContextWindow is assumed for codex-like engines that do not report
// a window of their own.
const DefaultContextWindow = 400_000

// Registry holds the configured engines by id.
type Registry struct {
	mu        sync.RWMutex
	engines   map[string]Engine
	defaultID string
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. The first registered engine becomes the default
// unless SetDefault is called.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.ID()] = e
	if r.defaultID == "" {
		r.defaultID = e.ID()
	}
}

// SetDefault selects the engine used when a request names none.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[id]; !ok {
		return fmt.Errorf("engine %s not registered", id)
	}
	r.defaultID = id
	return nil
}

// Get resolves an engine by id; empty id resolves the default.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("engine %s not registered", id)
	}
	return e, nil
}

// IDs lists the registered engine ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}
