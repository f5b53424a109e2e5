package abort

import (
	"sync"
	"testing"
)

func TestAbortLifecycle(t *testing.T) {
	r := NewRegistry()
	h := r.New()

	if r.Aborted(h) {
		t.Fatal("fresh signal reports aborted")
	}

	r.Abort(h)
	if !r.Aborted(h) {
		t.Fatal("signal not aborted after Abort")
	}

	// Idempotent
	r.Abort(h)
	if !r.Aborted(h) {
		t.Fatal("second Abort cleared the signal")
	}

	r.Clear(h)
	if r.Aborted(h) {
		t.Fatal("cleared handle reports aborted")
	}
}

func TestAbortUnknownHandle(t *testing.T) {
	r := NewRegistry()
	r.Abort(Handle("nope")) // no-op
	if r.Aborted(Handle("nope")) {
		t.Fatal("unknown handle reports aborted")
	}
}

func TestAbortConcurrent(t *testing.T) {
	r := NewRegistry()
	h := r.New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); r.Abort(h) }()
		go func() { defer wg.Done(); _ = r.Aborted(h) }()
	}
	wg.Wait()

	if !r.Aborted(h) {
		t.Fatal("signal lost under concurrent access")
	}
}
