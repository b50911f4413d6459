package recovery

import (
	"errors"
	"sync"
	"time"
)

// Phase is the recovery lifecycle phase.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseRecovering    Phase = "recovering"
	PhaseUnrecoverable Phase = "unrecoverable"
)

var (
	// ErrRecoveryInFlight is returned when a recovery is already running.
	ErrRecoveryInFlight = errors.New("recovery already in flight")

	// ErrUnrecoverable is returned once remediation has failed fatally and
	// no external reload has reset the state.
	ErrUnrecoverable = errors.New("application is unrecoverable")

	// ErrCooldown is returned by TryBegin inside the cooldown window.
	ErrCooldown = errors.New("recovery cooldown active")
)

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	IsRecovering  bool      `json:"isRecovering"`
	CriticalCount int       `json:"criticalCount"`
	SecurityCount int       `json:"securityCount"`
	LastRecovery  time.Time `json:"lastRecovery"`
	Phase         Phase     `json:"phase"`
}

// State is the shared escalation and recovery state. The zero value is not
// usable; call NewState.
type State struct {
	mu            sync.Mutex
	isRecovering  bool
	criticalCount int
	securityCount int
	lastRecovery  time.Time
	phase         Phase
}

// NewState returns an idle state.
func NewState() *State {
	return &State{phase: PhaseIdle}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		IsRecovering:  s.isRecovering,
		CriticalCount: s.criticalCount,
		SecurityCount: s.securityCount,
		LastRecovery:  s.lastRecovery,
		Phase:         s.phase,
	}
}

// IncrementCritical counts a critical fault and returns the new count.
func (s *State) IncrementCritical() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.criticalCount++
	return s.criticalCount
}

// IncrementSecurity counts a security fault, which also counts as critical.
func (s *State) IncrementSecurity() (security, critical int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.securityCount++
	s.criticalCount++
	return s.securityCount, s.criticalCount
}

// Begin atomically moves the state into recovery, stamping LastRecovery.
func (s *State) Begin(now time.Time) error {
	return s.TryBegin(now, 0)
}

// TryBegin claims a recovery unless one is in flight or the previous one
// started less than cooldown before now. The check and the claim happen
// under one lock, so concurrent callers get at most one claim per window.
func (s *State) TryBegin(now time.Time, cooldown time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseUnrecoverable {
		return ErrUnrecoverable
	}
	if s.isRecovering {
		return ErrRecoveryInFlight
	}
	if cooldown > 0 && !s.lastRecovery.IsZero() && now.Sub(s.lastRecovery) < cooldown {
		return ErrCooldown
	}
	s.isRecovering = true
	s.lastRecovery = now
	s.phase = PhaseRecovering
	return nil
}

// Complete ends a recovery. Success returns to idle and clears the critical
// count; failure leaves the state unrecoverable.
func (s *State) Complete(success bool) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isRecovering = false
	if success {
		s.phase = PhaseIdle
		s.criticalCount = 0
	} else {
		s.phase = PhaseUnrecoverable
	}
	return s.phase
}

// ClearCounts zeroes the fault counters without touching the phase.
func (s *State) ClearCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.criticalCount = 0
	s.securityCount = 0
}

// Reset returns to idle after an external reload.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isRecovering = false
	s.criticalCount = 0
	s.securityCount = 0
	s.lastRecovery = time.Time{}
	s.phase = PhaseIdle
}
