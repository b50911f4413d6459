package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/sentinel/pkg/fault"
)

// Level is the audit log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "CRITICAL"}

// String returns the upper-case level name.
func (l Level) String() string {
	if l < LevelDebug || l > LevelCritical {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	if strings.EqualFold(s, "warning") {
		return LevelWarn, nil
	}
	return LevelInfo, fmt.Errorf("invalid audit level: %q", s)
}

// LevelForSeverity maps a fault severity to the level it is logged at.
func LevelForSeverity(s fault.Severity) Level {
	switch s {
	case fault.SeverityInfo:
		return LevelInfo
	case fault.SeverityMedium:
		return LevelWarn
	case fault.SeverityHigh:
		return LevelError
	default:
		return LevelCritical
	}
}

// EventType classifies an audit entry.
type EventType string

const (
	EventXSSAttempt         EventType = "xss_attempt"
	EventInvalidInput       EventType = "invalid_input"
	EventCSPViolation       EventType = "csp_violation"
	EventErrorOccurred      EventType = "error_occurred"
	EventAuth               EventType = "auth_event"
	EventPermissionDenied   EventType = "permission_denied"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventRecovery           EventType = "recovery"
	EventResourcePressure   EventType = "resource_pressure"
)

// IsSecurity reports whether t is a security event. Security events are
// flushed as soon as they are appended.
func (t EventType) IsSecurity() bool {
	switch t {
	case EventXSSAttempt, EventInvalidInput, EventCSPViolation, EventAuth,
		EventPermissionDenied, EventSuspiciousActivity:
		return true
	default:
		return false
	}
}

// LevelForEvent returns the level a security event is logged at.
func LevelForEvent(t EventType) Level {
	switch t {
	case EventXSSAttempt, EventCSPViolation:
		return LevelCritical
	case EventErrorOccurred, EventPermissionDenied:
		return LevelError
	default:
		return LevelWarn
	}
}

// Entry is one sanitized audit log entry. Entries are never mutated after
// Append returns them.
type Entry struct {
	ID        string                 `json:"id"`
	Sequence  uint64                 `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	EventType EventType              `json:"eventType,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	SessionID string                 `json:"sessionId"`
}

// Fields are the caller-supplied parts of an entry.
type Fields struct {
	Level     Level
	Message   string
	EventType EventType
	Metadata  map[string]interface{}
}

// Criteria filters entries. Zero values match everything.
type Criteria struct {
	MinLevel  *Level
	EventType EventType
	Start     time.Time
	End       time.Time
	// Text matches message or event type, case-insensitively.
	Text  string
	Limit int
}

// Matches reports whether e satisfies the criteria, ignoring Limit.
func (c Criteria) Matches(e Entry) bool {
	if c.MinLevel != nil && e.Level < *c.MinLevel {
		return false
	}
	if c.EventType != "" && e.EventType != c.EventType {
		return false
	}
	if !c.Start.IsZero() && e.Timestamp.Before(c.Start) {
		return false
	}
	if !c.End.IsZero() && e.Timestamp.After(c.End) {
		return false
	}
	if c.Text != "" {
		needle := strings.ToLower(c.Text)
		if !strings.Contains(strings.ToLower(e.Message), needle) &&
			!strings.Contains(strings.ToLower(string(e.EventType)), needle) {
			return false
		}
	}
	return true
}

// Stats summarizes the audit trail.
type Stats struct {
	TotalLogs       int            `json:"totalLogs"`
	LogsBySeverity  map[string]int `json:"logsBySeverity"`
	LogsByEventType map[string]int `json:"logsByEventType"`
	BufferSize      int            `json:"bufferSize"`
	StorageBackend  string         `json:"storageBackend"`
	SessionID       string         `json:"sessionId"`
	Sequence        uint64         `json:"sequence"`
	FlushFailures   int            `json:"flushFailures"`
	IsFlushing      bool           `json:"isFlushing"`
	LastRotation    *time.Time     `json:"lastRotation,omitempty"`
}

// Format is an export format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// NewSessionID returns a session identifier of the form session_<ms>_<rand9>.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), fault.RandomToken(9))
}
