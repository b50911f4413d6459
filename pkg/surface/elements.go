package surface

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrMissingID is returned when registering an element without an ID.
var ErrMissingID = errors.New("element id is required")

var suspiciousContent = regexp.MustCompile(`(?i)<script|javascript:|eval\(|document\.write|\bon\w+\s*=`)

var eventAttribute = regexp.MustCompile(`(?i)^on\w+$`)

// Element is one piece of rendered content.
type Element struct {
	ID         string            `json:"id"`
	Tag        string            `json:"tag"`
	Content    string            `json:"content,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`

	// Temporary elements may be dropped under memory pressure.
	Temporary bool `json:"temporary,omitempty"`

	// Loading marks progress indicators cleared on reinitialization.
	Loading bool `json:"loading,omitempty"`
	Hidden  bool `json:"hidden,omitempty"`
}

// Suspicious reports whether the element carries script-like content.
func (e Element) Suspicious() bool {
	if suspiciousContent.MatchString(e.Content) {
		return true
	}
	for name, value := range e.Attributes {
		if eventAttribute.MatchString(name) || suspiciousContent.MatchString(value) {
			return true
		}
	}
	return false
}

// Elements is a concurrency-safe element registry.
type Elements struct {
	mu    sync.RWMutex
	items map[string]Element
	seq   map[string]uint64
	next  uint64
}

// NewElements returns an empty registry.
func NewElements() *Elements {
	return &Elements{
		items: make(map[string]Element),
		seq:   make(map[string]uint64),
	}
}

// Register adds or replaces an element.
func (r *Elements) Register(e Element) error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrMissingID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[e.ID]; !ok {
		r.next++
		r.seq[e.ID] = r.next
	}
	r.items[e.ID] = e
	return nil
}

// Remove deletes an element and reports whether it existed.
func (r *Elements) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Elements) removeLocked(id string) bool {
	if _, ok := r.items[id]; !ok {
		return false
	}
	delete(r.items, id)
	delete(r.seq, id)
	return true
}

// Get returns the element with id.
func (r *Elements) Get(id string) (Element, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[id]
	return e, ok
}

// List returns the elements in registration order.
func (r *Elements) List() []Element {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Element, 0, len(r.items))
	for _, e := range r.items {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return r.seq[out[i].ID] < r.seq[out[j].ID] })
	return out
}

// Len returns the number of registered elements.
func (r *Elements) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// PurgeSuspicious removes every suspicious element and returns their IDs.
func (r *Elements) PurgeSuspicious() []string {
	return r.removeWhere(Element.Suspicious)
}

// RemoveTemporary removes temporary elements and returns how many were removed.
func (r *Elements) RemoveTemporary() int {
	return len(r.removeWhere(func(e Element) bool { return e.Temporary }))
}

// HideLoading hides every loading indicator and returns how many changed.
func (r *Elements) HideLoading() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.items {
		if e.Loading && !e.Hidden {
			e.Hidden = true
			r.items[id] = e
			n++
		}
	}
	return n
}

func (r *Elements) removeWhere(match func(Element) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, e := range r.items {
		if match(e) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		r.removeLocked(id)
	}
	return removed
}
