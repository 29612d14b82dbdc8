package chat

import "sync"

// Registry is the only shared mutable state between the acceptance loop and
// the workers: the active connection count and the shutdown flag. Both are
// read and written under mu only.
type Registry struct {
	mu       sync.Mutex
	active   int
	capacity int
	shutdown bool
	done     chan struct{}
}

// NewRegistry returns a registry admitting at most capacity connections.
func NewRegistry(capacity int) *Registry {
	if capacity < 1 {
		capacity = 1
	}
	return &Registry{
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

// TryAdmit takes a slot if one is free.
func (r *Registry) TryAdmit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active >= r.capacity {
		return false
	}
	r.active++
	return true
}

// Release gives a slot back. It reports false, and leaves the count at zero,
// when there was nothing to release.
func (r *Registry) Release() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == 0 {
		return false
	}
	r.active--
	return true
}

// RequestShutdown sets the shutdown flag. Idempotent.
func (r *Registry) RequestShutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return
	}
	r.shutdown = true
	close(r.done)
}

func (r *Registry) IsShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdown
}

// Done is closed once shutdown has been requested.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Active returns the number of admitted connections.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Registry) Capacity() int {
	return r.capacity
}
