package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Search returns persisted and buffered entries matching c, in append order.
func (w *Writer) Search(ctx context.Context, c Criteria) ([]Entry, error) {
	unlimited := c
	unlimited.Limit = 0

	var results []Entry
	seen := make(map[string]bool)
	add := func(entries []Entry) {
		for _, e := range entries {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			results = append(results, e)
		}
	}

	if w.primary != nil {
		entries, err := w.primary.List(ctx, unlimited)
		if err != nil {
			w.logger.Warn().Err(err).Msg("primary search failed")
		} else {
			add(entries)
		}
	}

	entries, err := w.fallback.List(ctx, unlimited)
	if err != nil {
		w.logger.Warn().Err(err).Msg("fallback search failed")
	} else {
		add(entries)
	}

	w.mu.Lock()
	unpersisted := w.unpersistedLocked()
	w.mu.Unlock()
	for _, e := range unpersisted {
		if c.Matches(e) {
			add([]Entry{e})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Timestamp.Before(results[j].Timestamp)
		}
		return results[i].Sequence < results[j].Sequence
	})

	if c.Limit > 0 && len(results) > c.Limit {
		results = results[:c.Limit]
	}
	return results, nil
}

type exportRecord struct {
	Timestamp  int64                  `json:"timestamp"`
	DateString string                 `json:"dateString"`
	Level      Level                  `json:"level"`
	LevelName  string                 `json:"levelName"`
	Message    string                 `json:"message"`
	EventType  EventType              `json:"eventType,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	SessionID  string                 `json:"sessionId"`
	Sequence   uint64                 `json:"sequence"`
}

const dateLayout = "2006-01-02T15:04:05.000Z07:00"

// Export serializes every entry in the given format.
func (w *Writer) Export(ctx context.Context, format Format) (string, error) {
	if format != FormatJSON && format != FormatCSV {
		return "", fmt.Errorf("unsupported export format: %q", format)
	}

	entries, err := w.Search(ctx, Criteria{})
	if err != nil {
		return "", err
	}
	if format == FormatCSV {
		return exportCSV(entries)
	}

	records := make([]exportRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, exportRecord{
			Timestamp:  e.Timestamp.UnixMilli(),
			DateString: e.Timestamp.UTC().Format(dateLayout),
			Level:      e.Level,
			LevelName:  e.Level.String(),
			Message:    e.Message,
			EventType:  e.EventType,
			Metadata:   e.Metadata,
			SessionID:  e.SessionID,
			Sequence:   e.Sequence,
		})
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal export: %w", err)
	}
	return string(raw), nil
}

// exportCSV renders entries with a header row. Fields are quoted only when
// they contain a comma, quote or newline. No entries yields an empty string.
func exportCSV(entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write([]string{"timestamp", "dateString", "levelName", "message", "eventType"}); err != nil {
		return "", err
	}
	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
			e.Timestamp.UTC().Format(dateLayout),
			e.Level.String(),
			e.Message,
			string(e.EventType),
		}
		if err := cw.Write(row); err != nil {
			return "", err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Stats summarizes persisted and buffered entries.
func (w *Writer) Stats(ctx context.Context) (Stats, error) {
	w.mu.Lock()
	stats := Stats{
		BufferSize:     len(w.buffer),
		StorageBackend: w.activeLocked().Name(),
		SessionID:      w.sessionID,
		Sequence:       w.sequence,
		FlushFailures:  w.flushFailures,
		IsFlushing:     w.flushing,
	}
	if !w.lastRotation.IsZero() {
		t := w.lastRotation
		stats.LastRotation = &t
	}
	buffered := w.unpersistedLocked()
	w.mu.Unlock()

	stats.LogsBySeverity = make(map[string]int)
	stats.LogsByEventType = make(map[string]int)

	merge := func(b Backend) {
		byLevel, byType, err := b.Counts(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Str("backend", b.Name()).Msg("failed to count entries")
			return
		}
		for lvl, n := range byLevel {
			stats.LogsBySeverity[lvl.String()] += n
			stats.TotalLogs += n
		}
		for et, n := range byType {
			if et != "" {
				stats.LogsByEventType[string(et)] += n
			}
		}
	}
	if w.primary != nil {
		merge(w.primary)
	}
	merge(w.fallback)

	for _, e := range buffered {
		stats.TotalLogs++
		stats.LogsBySeverity[e.Level.String()]++
		if e.EventType != "" {
			stats.LogsByEventType[string(e.EventType)]++
		}
	}
	return stats, nil
}
