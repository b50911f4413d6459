package notify

import "time"

// Kind is the presentation form of a notice.
type Kind string

const (
	KindToast  Kind = "toast"
	KindBanner Kind = "banner"
	KindModal  Kind = "modal"
)

// Level is the notice severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
	LevelSecurity Level = "security"
)

var levelRank = map[Level]int{
	LevelInfo:     0,
	LevelWarning:  1,
	LevelError:    2,
	LevelCritical: 3,
	LevelSecurity: 4,
}

// Notice is one user-visible notification.
type Notice struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`

	// Source names the component that raised the notice.
	Source string `json:"source"`

	// Blocking notices cover the whole surface until dismissed.
	Blocking bool `json:"blocking,omitempty"`

	// RequiresAck notices stay up until explicitly acknowledged.
	RequiresAck bool `json:"requires_ack,omitempty"`

	// Persistent notices are never auto-dismissed.
	Persistent bool `json:"persistent,omitempty"`

	// Actions lists the affordances offered, e.g. "reload" or "acknowledge".
	Actions []string `json:"actions,omitempty"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Subscriber handles delivered notices.
type Subscriber func(n Notice)

// Filter reports whether a notice should be delivered.
type Filter func(n Notice) bool

// FilterByLevel only allows notices of minLevel or higher.
func FilterByLevel(minLevel Level) Filter {
	floor := levelRank[minLevel]
	return func(n Notice) bool {
		return levelRank[n.Level] >= floor
	}
}

// FilterByKind only allows notices of the given kinds.
func FilterByKind(kinds ...Kind) Filter {
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(n Notice) bool {
		return set[n.Kind]
	}
}

// FilterBlocking only allows blocking notices.
func FilterBlocking() Filter {
	return func(n Notice) bool {
		return n.Blocking
	}
}
