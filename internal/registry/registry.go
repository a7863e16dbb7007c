// Package registry implements the process-wide mapping from composite
// handle key to a cancellable supervised forward, plus the broadcast
// cancel signal every stop path fires first.
package registry

import (
	"context"
	"sync"
)

// Handle is a cancellable supervised task, returned by a transport start.
// Abort is the forceful fallback the orchestrator calls on every stop path,
// independent of whatever cooperative cancellation the transport observes.
type Handle interface {
	Abort()
}

// Registry is a mutex-guarded map of composite key to Handle, plus a
// broadcast cancel notifier. All operations are infallible under the lock;
// the lock is held only across the map mutation itself, never across a
// suspending call.
type Registry struct {
	mu      sync.Mutex
	handles map[string]Handle

	cancelMu sync.Mutex
	cancelCh chan struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		handles:  make(map[string]Handle),
		cancelCh: make(chan struct{}),
	}
}

// Default is the process-wide registry used when callers don't want to
// thread an explicit instance through. The orchestrator holds its own
// *Registry field and does not rely on this by default.
var Default = New()

// Insert adds handle under key, overwriting any existing entry for that key
// (last-writer-wins; callers must stop the prior handle before restarting).
func (r *Registry) Insert(key string, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[key] = handle
}

// Remove deletes and returns the handle for key, or nil if none exists.
func (r *Registry) Remove(key string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[key]
	delete(r.handles, key)
	return h
}

// Drain empties the registry and returns everything that was in it.
func (r *Registry) Drain() map[string]Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := r.handles
	r.handles = make(map[string]Handle)
	return drained
}

// KeyPrefixed returns the first key starting with prefix, and true, or
// ("", false) if no such key exists. Key order is unspecified.
func (r *Registry) KeyPrefixed(prefix string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.handles {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return key, true
		}
	}
	return "", false
}

// Len returns the number of currently registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// CancelAllSignal fires the broadcast cancel notification. It is distinct
// from per-handle Abort: transports observe it cooperatively at their own
// suspension points, while Abort is the forceful fallback the orchestrator
// always applies as well. Firing the signal is idempotent and safe to call
// with no live forwards.
func (r *Registry) CancelAllSignal() {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	close(r.cancelCh)
	r.cancelCh = make(chan struct{})
}

// CancelSignal returns a channel that closes the next time CancelAllSignal
// is called. Transports select on this alongside ctx.Done() at their own
// suspension points.
func (r *Registry) CancelSignal() <-chan struct{} {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	return r.cancelCh
}

// WaitCanceled blocks until either ctx is done or CancelAllSignal fires.
func WaitCanceled(ctx context.Context, r *Registry) {
	select {
	case <-ctx.Done():
	case <-r.CancelSignal():
	}
}
