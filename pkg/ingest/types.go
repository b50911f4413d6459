package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/sentinel/pkg/notify"
)

// FrameType identifies a frame.
type FrameType string

const (
	// FrameReport carries a fault from the client.
	FrameReport FrameType = "REPORT"
	// FrameStats asks for statistics.
	FrameStats FrameType = "STATS"
	// FrameAck acknowledges a report.
	FrameAck FrameType = "ACK"
	// FrameNotice forwards a user-visible notice.
	FrameNotice FrameType = "NOTICE"
	// FrameError reports a rejected frame.
	FrameError FrameType = "ERROR"
	// FrameStatsResult answers a STATS frame.
	FrameStatsResult FrameType = "STATS_RESULT"
)

// Validate checks if the frame type is known.
func (t FrameType) Validate() error {
	switch t {
	case FrameReport, FrameStats, FrameAck, FrameNotice, FrameError, FrameStatsResult:
		return nil
	default:
		return fmt.Errorf("invalid frame type: %q", t)
	}
}

// Frame is one NDJSON line.
type Frame struct {
	Type      FrameType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReportFrame is the payload of a REPORT frame.
type ReportFrame struct {
	// ID correlates the ACK or ERROR answer. Optional.
	ID      string         `json:"id,omitempty"`
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Validate checks the report.
func (r *ReportFrame) Validate() error {
	if r.Kind == "" {
		return errors.New("report kind is required")
	}
	if r.Message == "" {
		return errors.New("report message is required")
	}
	return nil
}

// Stats scopes.
const (
	ScopeLogs     = "logs"
	ScopeErrors   = "errors"
	ScopeSecurity = "security"
)

// StatsFrame is the payload of a STATS frame.
type StatsFrame struct {
	ID    string `json:"id,omitempty"`
	Scope string `json:"scope,omitempty"`
}

// Validate checks the scope. An empty scope means logs.
func (s *StatsFrame) Validate() error {
	switch s.Scope {
	case "", ScopeLogs, ScopeErrors, ScopeSecurity:
		return nil
	default:
		return fmt.Errorf("invalid stats scope: %q", s.Scope)
	}
}

// AckFrame is the payload of an ACK frame.
type AckFrame struct {
	ID string `json:"id,omitempty"`
}

// StatsResultFrame is the payload of a STATS_RESULT frame.
type StatsResultFrame struct {
	ID    string      `json:"id,omitempty"`
	Scope string      `json:"scope"`
	Stats interface{} `json:"stats"`
}

// Error codes.
const (
	CodeBadFrame    = "BAD_FRAME"
	CodeBadRequest  = "BAD_REQUEST"
	CodeUnsupported = "UNSUPPORTED"
	CodeInternal    = "INTERNAL"
)

// ErrorFrame is the payload of an ERROR frame.
type ErrorFrame struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NoticeFrame is the payload of a NOTICE frame.
type NoticeFrame = notify.Notice
