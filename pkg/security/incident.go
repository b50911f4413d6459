package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/stores"
)

// DefaultRingCapacity is how many incidents are retained.
const DefaultRingCapacity = 50

// FaultSummary is the sanitized view of the fault kept with an incident.
type FaultSummary struct {
	ID       string         `json:"id"`
	Kind     fault.Kind     `json:"kind"`
	Message  string         `json:"message"`
	Source   string         `json:"source,omitempty"`
	Category fault.Category `json:"category"`
}

// Incident is a recorded security event.
type Incident struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Severity  string       `json:"severity"`
	Fault     FaultSummary `json:"fault"`
	UserAgent string       `json:"userAgent,omitempty"`
	URL       string       `json:"url,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Actions   []Action     `json:"actions"`
}

// NewIncidentID returns an identifier of the form SEC-<base36 ms>-<rand6>.
func NewIncidentID(now time.Time) string {
	return fmt.Sprintf("SEC-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), fault.RandomToken(6))
}

// Ring is a capped, persistent list of incidents, oldest first.
type Ring struct {
	kv       stores.KeyValueStore
	capacity int
}

// NewRing creates a ring over kv. A non-positive capacity uses
// DefaultRingCapacity.
func NewRing(kv stores.KeyValueStore, capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{kv: kv, capacity: capacity}
}

// Push appends an incident, evicting the oldest beyond capacity.
func (r *Ring) Push(inc Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to encode incident: %w", err)
	}
	if _, err := r.kv.AppendCapped(stores.KeySecurityIncidents, [][]byte{data}, r.capacity, 1); err != nil {
		return fmt.Errorf("failed to store incident: %w", err)
	}
	return nil
}

// All returns every retained incident, oldest first.
func (r *Ring) All() ([]Incident, error) {
	var raw []json.RawMessage
	if err := r.kv.GetJSON(stores.KeySecurityIncidents, &raw); err != nil {
		if errors.Is(err, stores.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read incidents: %w", err)
	}

	incidents := make([]Incident, 0, len(raw))
	for _, item := range raw {
		var inc Incident
		if err := json.Unmarshal(item, &inc); err != nil {
			continue
		}
		incidents = append(incidents, inc)
	}
	return incidents, nil
}

// Since returns incidents at or after t.
func (r *Ring) Since(t time.Time) ([]Incident, error) {
	all, err := r.All()
	if err != nil {
		return nil, err
	}
	var out []Incident
	for _, inc := range all {
		if !inc.Timestamp.Before(t) {
			out = append(out, inc)
		}
	}
	return out, nil
}

// Recent returns at most n of the newest incidents, newest first.
func (r *Ring) Recent(n int) ([]Incident, error) {
	all, err := r.All()
	if err != nil {
		return nil, err
	}
	out := make([]Incident, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
