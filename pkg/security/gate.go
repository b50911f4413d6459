package security

import (
	"errors"
	"mime"
	"net/http"
	"sync"
	"time"
)

// DefaultSuspension is how long outbound traffic and form submission stay
// blocked after an incident.
const DefaultSuspension = 5 * time.Minute

var (
	// ErrOutboundBlocked is returned for outbound requests while the network
	// is suspended.
	ErrOutboundBlocked = errors.New("outbound request blocked after security incident")

	// ErrFormIntercepted is returned for form submissions while forms are
	// suspended.
	ErrFormIntercepted = errors.New("form submission intercepted after security incident")
)

// Gate suspends outbound requests and form submissions. Deadlines are
// compared against the wall clock.
type Gate struct {
	mu           sync.RWMutex
	networkUntil time.Time
	formsUntil   time.Time
	now          func() time.Time
}

// NewGate creates an open gate. A nil clock uses time.Now.
func NewGate(clock func() time.Time) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{now: clock}
}

// SuspendNetwork blocks outbound requests until the given time. An earlier
// deadline never shortens an active suspension.
func (g *Gate) SuspendNetwork(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.networkUntil) {
		g.networkUntil = until
	}
}

// SuspendForms blocks form submissions until the given time.
func (g *Gate) SuspendForms(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.formsUntil) {
		g.formsUntil = until
	}
}

// Lift clears both suspensions.
func (g *Gate) Lift() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.networkUntil = time.Time{}
	g.formsUntil = time.Time{}
}

// NetworkSuspended reports whether outbound requests are blocked.
func (g *Gate) NetworkSuspended() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.now().Before(g.networkUntil)
}

// FormsSuspended reports whether form submissions are blocked.
func (g *Gate) FormsSuspended() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.now().Before(g.formsUntil)
}

// Until returns the network and form deadlines.
func (g *Gate) Until() (network, forms time.Time) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.networkUntil, g.formsUntil
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// RoundTripper wraps base so requests fail with ErrOutboundBlocked while the
// network is suspended. A nil base uses http.DefaultTransport.
func (g *Gate) RoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if g.NetworkSuspended() {
			return nil, ErrOutboundBlocked
		}
		return base.RoundTrip(req)
	})
}

// Middleware rejects form submissions with 403 while forms are suspended.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsFormSubmission(r) && g.FormsSuspended() {
			http.Error(w, ErrFormIntercepted.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Submit runs submit unless forms are suspended.
func (g *Gate) Submit(submit func() error) error {
	if g.FormsSuspended() {
		return ErrFormIntercepted
	}
	return submit()
}

// IsFormSubmission reports whether r is a POST, PUT or PATCH carrying form
// data.
func IsFormSubmission(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data"
}
