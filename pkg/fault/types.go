package fault

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Kind identifies the channel a fault was raised through.
type Kind string

const (
	KindScript   Kind = "script"
	KindPromise  Kind = "promise"
	KindResource Kind = "resource"
	KindMemory   Kind = "memory"
	KindNetwork  Kind = "network"
	KindSecurity Kind = "security"
	KindManual   Kind = "manual"
)

// Severity is the ordered importance tier of a fault.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
	// SeveritySecurity is orthogonal-highest and short-circuits normal counting.
	SeveritySecurity
)

// SeverityWarning is the name Medium goes by in user-facing output.
const SeverityWarning = SeverityMedium

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityMedium:   "warning",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
	SeveritySecurity: "security",
}

// String returns the lower-case name of the severity.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity converts a name back to a Severity. "medium" is accepted as an
// alias of "warning".
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	case "security":
		return SeveritySecurity, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity: %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Category groups faults for reporting and policy decisions.
type Category string

const (
	CategorySecurity   Category = "security"
	CategoryCritical   Category = "critical"
	CategoryRuntime    Category = "runtime"
	CategoryValidation Category = "validation"
	CategoryMemory     Category = "memory"
	CategoryNetwork    Category = "network"
	CategoryGeneral    Category = "general"
)

// Record is a single reported fault. It is immutable once classified.
type Record struct {
	// ID is unique per process, formatted err_<unixms>_<rand>.
	ID string `json:"id"`

	// Kind is the channel the fault came in on.
	Kind Kind `json:"kind"`

	// Message is the raw fault message.
	Message string `json:"message"`

	// Source is the optional location (file:line, component, URL).
	Source string `json:"source,omitempty"`

	// Stack is an optional stack trace.
	Stack string `json:"stack,omitempty"`

	// Err is the underlying error, if the reporter had one.
	Err error `json:"-"`

	// Timestamp is when the fault was reported.
	Timestamp time.Time `json:"timestamp"`

	// RetryCount is how many times the failing operation was retried.
	RetryCount int `json:"retry_count"`

	// Attributes carries reporter context, e.g. "usage" for memory faults.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewRecord builds a Record with a fresh ID and the given timestamp.
func NewRecord(kind Kind, message string, now time.Time) Record {
	return Record{
		ID:        NewID(now),
		Kind:      kind,
		Message:   message,
		Timestamp: now,
	}
}

// NewID generates an identifier of the form err_<unixms>_<rand>.
func NewID(now time.Time) string {
	return fmt.Sprintf("err_%d_%s", now.UnixMilli(), RandomToken(9))
}

// Float returns a numeric attribute, accepting the common numeric types.
func (r Record) Float(key string) (float64, bool) {
	v, ok := r.Attributes[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomToken returns n random lower-case alphanumeric characters.
func RandomToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenAlphabet[rand.IntN(len(tokenAlphabet))]
	}
	return string(b)
}
