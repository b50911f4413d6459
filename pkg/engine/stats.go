package engine

import (
	"time"

	"github.com/openfroyo/sentinel/pkg/recovery"
)

// ErrorStats summarizes the in-memory fault history and recovery state.
type ErrorStats struct {
	TotalErrors        int            `json:"totalErrors"`
	RecentErrors       int            `json:"recentErrors"`
	CriticalErrorCount int            `json:"criticalErrorCount"`
	SecurityErrorCount int            `json:"securityErrorCount"`
	LastRecovery       *time.Time     `json:"lastRecovery,omitempty"`
	IsRecovering       bool           `json:"isRecovering"`
	Phase              recovery.Phase `json:"phase"`
	ErrorsByKind       map[string]int `json:"errorsByKind"`
	ErrorsBySeverity   map[string]int `json:"errorsBySeverity"`
	TrackedTimers      int            `json:"trackedTimers"`
	TrackedIntervals   int            `json:"trackedIntervals"`
	RecoveryCallbacks  int            `json:"recoveryCallbacks"`
}

// ErrorStats computes statistics over the fault history. Faults newer than
// RecentWindow count as recent.
func (e *Engine) ErrorStats() ErrorStats {
	now := e.now()
	entries := e.history.snapshot()
	snap := e.orchestrator.State().Snapshot()
	timeouts, intervals := e.orchestrator.Timers().Len()

	stats := ErrorStats{
		TotalErrors:        len(entries),
		CriticalErrorCount: snap.CriticalCount,
		SecurityErrorCount: snap.SecurityCount,
		IsRecovering:       snap.IsRecovering,
		Phase:              snap.Phase,
		ErrorsByKind:       make(map[string]int),
		ErrorsBySeverity:   make(map[string]int),
		TrackedTimers:      timeouts,
		TrackedIntervals:   intervals,
		RecoveryCallbacks:  e.orchestrator.Registry().Callbacks(),
	}
	if !snap.LastRecovery.IsZero() {
		t := snap.LastRecovery
		stats.LastRecovery = &t
	}

	for _, h := range entries {
		if now.Sub(h.record.Timestamp) < RecentWindow {
			stats.RecentErrors++
		}
		stats.ErrorsByKind[string(h.record.Kind)]++
		stats.ErrorsBySeverity[h.classification.Severity.String()]++
	}
	return stats
}
