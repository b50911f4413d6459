package stores

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned when a KV key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// Well-known fallback store keys.
const (
	KeySecurityIncidents = "security_incidents"
	KeyErrorLog          = "error_log"
	KeyPendingLogBuffer  = "pending_log_buffer"
)

// LogRecord is the persisted form of an audit log entry.
type LogRecord struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Level     int       `json:"level"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	Metadata  string    `json:"metadata"` // JSON blob
	SessionID string    `json:"session_id"`
}

// LogQuery filters persisted log records. Nil pointers match everything.
type LogQuery struct {
	MinLevel  *int
	EventType *string
	Start     *time.Time
	End       *time.Time
	Text      *string
	Limit     int
}

// LogStore defines the primary transactional store for log records.
type LogStore interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Log operations
	InsertLogs(ctx context.Context, records []LogRecord) error
	CountLogs(ctx context.Context) (int, error)
	DeleteOldestLogs(ctx context.Context, n int) (int64, error)
	ListLogs(ctx context.Context, q LogQuery) ([]LogRecord, error)
	CountByLevel(ctx context.Context) (map[int]int, error)
	CountByEventType(ctx context.Context) (map[string]int, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// KeyValueStore defines the fallback store operations used by callers.
type KeyValueStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	GetJSON(key string, v any) error
	PutJSON(key string, v any) error
	AppendCapped(key string, items [][]byte, max, evict int) (int, error)
	DeletePrefix(prefixes ...string) (int, error)
	Close() error
}
