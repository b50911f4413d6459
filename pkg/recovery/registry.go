package recovery

import (
	"context"
	"sync"
)

// HandlerFunc is a named reset or init handler, or a recovery callback.
type HandlerFunc func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

// Registry holds the handlers recovery runs, in registration order.
type Registry struct {
	mu        sync.Mutex
	resets    []namedHandler
	inits     []namedHandler
	nextID    uint64
	callbacks map[uint64]HandlerFunc
	order     []uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[uint64]HandlerFunc)}
}

// RegisterReset adds a state reset handler.
func (r *Registry) RegisterReset(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, namedHandler{name: name, fn: fn})
}

// RegisterInit adds a reinitialization handler.
func (r *Registry) RegisterInit(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits = append(r.inits, namedHandler{name: name, fn: fn})
}

// OnRecovery adds a callback run at the end of every recovery. The returned
// func unregisters it and may be called more than once.
func (r *Registry) OnRecovery(fn HandlerFunc) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.callbacks[id] = fn
	r.order = append(r.order, id)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.callbacks, id)
			for i, v := range r.order {
				if v == id {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Callbacks returns the number of registered recovery callbacks.
func (r *Registry) Callbacks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

func (r *Registry) snapshot() (resets, inits []namedHandler, callbacks []HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resets = append(resets, r.resets...)
	inits = append(inits, r.inits...)
	for _, id := range r.order {
		callbacks = append(callbacks, r.callbacks[id])
	}
	return resets, inits, callbacks
}
