package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Handler handles one dispatched event.
type Handler func(ctx context.Context, payload interface{}) error

// Binder attaches a target's canonical handlers.
type Binder func(b *Binding)

// Binding is the handler set of one target.
type Binding struct {
	handlers map[string][]Handler
}

// On adds a handler for event.
func (b *Binding) On(event string, h Handler) {
	b.handlers[event] = append(b.handlers[event], h)
}

func newBinding(binder Binder) *Binding {
	b := &Binding{handlers: make(map[string][]Handler)}
	if binder != nil {
		binder(b)
	}
	return b
}

// Subscriptions maps targets to their event handlers and remembers which
// target last received an event.
type Subscriptions struct {
	mu      sync.Mutex
	binders map[string]Binder
	bound   map[string]*Binding
	last    string
}

// NewSubscriptions returns an empty table.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		binders: make(map[string]Binder),
		bound:   make(map[string]*Binding),
	}
}

// Bind registers the binder for target and installs its handlers,
// replacing any existing set.
func (s *Subscriptions) Bind(target string, binder Binder) {
	binding := newBinding(binder)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binders[target] = binder
	s.bound[target] = binding
}

// Add attaches an ad-hoc handler outside the target's binder. Reset drops it.
func (s *Subscriptions) Add(target, event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bound[target]
	if !ok {
		b = newBinding(nil)
		s.bound[target] = b
	}
	b.On(event, h)
}

// Dispatch runs the handlers for event on target and records target as the
// last dispatched one. Handler errors are joined; a panicking handler is
// reported as an error and does not stop the others.
func (s *Subscriptions) Dispatch(ctx context.Context, target, event string, payload interface{}) error {
	s.mu.Lock()
	s.last = target
	var handlers []Handler
	if b, ok := s.bound[target]; ok {
		handlers = append(handlers, b.handlers[event]...)
	}
	s.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := callHandler(ctx, h, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func callHandler(ctx context.Context, h Handler, payload interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

// Reset rebuilds target's handler set from its registered binder.
func (s *Subscriptions) Reset(target string) error {
	s.mu.Lock()
	binder, ok := s.binders[target]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no binder registered for %q", target)
	}

	binding := newBinding(binder)
	s.mu.Lock()
	s.bound[target] = binding
	s.mu.Unlock()
	return nil
}

// LastTarget returns the most recently dispatched target.
func (s *Subscriptions) LastTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Handlers returns the number of handlers bound for event on target.
func (s *Subscriptions) Handlers(target, event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bound[target]; ok {
		return len(b.handlers[event])
	}
	return 0
}
