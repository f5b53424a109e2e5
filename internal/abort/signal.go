// Package abort provides process-wide cooperative cancellation signals.
//
// Forced cancellation is unsafe while external side effects are in flight;
// a signal only flips a flag that consumers poll at cooperative points, so
// tools get a chance to clean up before the run winds down.
package abort

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle identifies one signal in the registry.
type Handle string

// Registry is a concurrency-safe table of abort flags.
type Registry struct {
	signals sync.Map // Handle → *atomic.Bool
}

// NewRegistry creates an empty signal registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// New allocates a fresh, un-aborted signal and returns its handle.
func (r *Registry) New() Handle {
	h := Handle(uuid.NewString())
	r.signals.Store(h, &atomic.Bool{})
	return h
}

// Abort flips the signal. Aborting is idempotent; aborting an unknown or
// cleared handle is a no-op.
func (r *Registry) Abort(h Handle) {
	if v, ok := r.signals.Load(h); ok {
		v.(*atomic.Bool).Store(true)
	}
}

// Aborted reports whether the signal has been aborted. Unknown handles
// report false.
func (r *Registry) Aborted(h Handle) bool {
	if v, ok := r.signals.Load(h); ok {
		return v.(*atomic.Bool).Load()
	}
	return false
}

// Clear removes the signal from the registry.
func (r *Registry) Clear(h Handle) {
	r.signals.Delete(h)
}
