package engine

import (
	"sync"
	"time"

	"github.com/openfroyo/sentinel/pkg/fault"
)

const (
	// DefaultHistorySize bounds the in-memory fault history.
	DefaultHistorySize = 50

	// RecentWindow is the age below which a fault counts as recent.
	RecentWindow = 5 * time.Minute

	// trimKeep is how many faults survive a memory-pressure trim.
	trimKeep = 10
)

type historyEntry struct {
	record         fault.Record
	classification fault.Classification
}

// history is a capped, oldest-first list of classified faults.
type history struct {
	mu      sync.Mutex
	max     int
	entries []historyEntry
}

func newHistory(max int) *history {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &history{max: max}
}

func (h *history) add(rec fault.Record, c fault.Classification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, historyEntry{record: rec, classification: c})
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
}

func (h *history) snapshot() []historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]historyEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// trim keeps the newest keep entries and returns how many were dropped.
func (h *history) trim(keep int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) <= keep {
		return 0
	}
	dropped := len(h.entries) - keep
	h.entries = append(h.entries[:0:0], h.entries[dropped:]...)
	return dropped
}

func (h *history) clear() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.entries)
	h.entries = nil
	return n
}
