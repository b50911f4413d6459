package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/sentinel/pkg/stores"
)

// Backend names reported in stats and metrics.
const (
	BackendPrimary  = "primary"
	BackendFallback = "fallback"
)

// Backend persists flushed entries.
type Backend interface {
	Name() string
	Write(ctx context.Context, entries []Entry) error
	Count(ctx context.Context) (int, error)
	DeleteOldest(ctx context.Context, n int) (int, error)
	List(ctx context.Context, c Criteria) ([]Entry, error)
	Counts(ctx context.Context) (byLevel map[Level]int, byType map[EventType]int, err error)
	Healthy(ctx context.Context) error
}

// PrimaryBackend stores entries in the transactional log store.
type PrimaryBackend struct {
	store stores.LogStore
}

// NewPrimaryBackend wraps an initialized and migrated log store.
func NewPrimaryBackend(store stores.LogStore) *PrimaryBackend {
	return &PrimaryBackend{store: store}
}

func (b *PrimaryBackend) Name() string { return BackendPrimary }

func (b *PrimaryBackend) Write(ctx context.Context, entries []Entry) error {
	records := make([]stores.LogRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := toRecord(e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	return b.store.InsertLogs(ctx, records)
}

func (b *PrimaryBackend) Count(ctx context.Context) (int, error) {
	return b.store.CountLogs(ctx)
}

func (b *PrimaryBackend) DeleteOldest(ctx context.Context, n int) (int, error) {
	deleted, err := b.store.DeleteOldestLogs(ctx, n)
	return int(deleted), err
}

func (b *PrimaryBackend) List(ctx context.Context, c Criteria) ([]Entry, error) {
	var q stores.LogQuery
	if c.MinLevel != nil {
		lvl := int(*c.MinLevel)
		q.MinLevel = &lvl
	}
	if c.EventType != "" {
		et := string(c.EventType)
		q.EventType = &et
	}
	if !c.Start.IsZero() {
		q.Start = &c.Start
	}
	if !c.End.IsZero() {
		q.End = &c.End
	}
	if c.Text != "" {
		q.Text = &c.Text
	}
	q.Limit = c.Limit

	records, err := b.store.ListLogs(ctx, q)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, fromRecord(rec))
	}
	return entries, nil
}

func (b *PrimaryBackend) Counts(ctx context.Context) (map[Level]int, map[EventType]int, error) {
	levels, err := b.store.CountByLevel(ctx)
	if err != nil {
		return nil, nil, err
	}
	types, err := b.store.CountByEventType(ctx)
	if err != nil {
		return nil, nil, err
	}

	byLevel := make(map[Level]int, len(levels))
	for lvl, n := range levels {
		byLevel[Level(lvl)] = n
	}
	byType := make(map[EventType]int, len(types))
	for et, n := range types {
		byType[EventType(et)] = n
	}
	return byLevel, byType, nil
}

func (b *PrimaryBackend) Healthy(ctx context.Context) error {
	return b.store.HealthCheck(ctx)
}

func toRecord(e Entry) (stores.LogRecord, error) {
	rec := stores.LogRecord{
		ID:        e.ID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Level:     int(e.Level),
		EventType: string(e.EventType),
		Message:   e.Message,
		SessionID: e.SessionID,
	}
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return rec, fmt.Errorf("failed to marshal metadata for %s: %w", e.ID, err)
		}
		rec.Metadata = string(raw)
	}
	return rec, nil
}

func fromRecord(rec stores.LogRecord) Entry {
	e := Entry{
		ID:        rec.ID,
		Sequence:  rec.Sequence,
		Timestamp: rec.Timestamp.UTC(),
		Level:     Level(rec.Level),
		Message:   rec.Message,
		EventType: EventType(rec.EventType),
		SessionID: rec.SessionID,
	}
	if rec.Metadata != "" {
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(rec.Metadata), &meta); err == nil && len(meta) > 0 {
			e.Metadata = meta
		}
	}
	return e
}

// FallbackBackend stores obfuscated entries in a capped KV array.
type FallbackBackend struct {
	kv    stores.KeyValueStore
	codec *Codec
	max   int
	evict int
}

// NewFallbackBackend wraps the KV store. Entries are kept under the error_log
// key, capped at max with evict oldest entries dropped per overflow.
func NewFallbackBackend(kv stores.KeyValueStore, codec *Codec, max, evict int) *FallbackBackend {
	return &FallbackBackend{kv: kv, codec: codec, max: max, evict: evict}
}

func (b *FallbackBackend) Name() string { return BackendFallback }

func (b *FallbackBackend) Write(_ context.Context, entries []Entry) error {
	items := make([][]byte, 0, len(entries))
	for _, e := range entries {
		encoded, err := b.codec.Encode(e)
		if err != nil {
			return err
		}
		item, err := json.Marshal(encoded)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	_, err := b.kv.AppendCapped(stores.KeyErrorLog, items, b.max, b.evict)
	return err
}

func (b *FallbackBackend) raw() ([]string, error) {
	var items []string
	err := b.kv.GetJSON(stores.KeyErrorLog, &items)
	if errors.Is(err, stores.ErrKeyNotFound) {
		return nil, nil
	}
	return items, err
}

// decoded returns every entry this process can decode. Entries written under
// an earlier key are skipped.
func (b *FallbackBackend) decoded() ([]Entry, error) {
	items, err := b.raw()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		e, err := b.codec.Decode(item)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (b *FallbackBackend) Count(context.Context) (int, error) {
	items, err := b.raw()
	return len(items), err
}

func (b *FallbackBackend) DeleteOldest(_ context.Context, n int) (int, error) {
	items, err := b.raw()
	if err != nil || n <= 0 || len(items) == 0 {
		return 0, err
	}
	if n > len(items) {
		n = len(items)
	}
	if err := b.kv.PutJSON(stores.KeyErrorLog, items[n:]); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *FallbackBackend) List(_ context.Context, c Criteria) ([]Entry, error) {
	entries, err := b.decoded()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if c.Matches(e) {
			out = append(out, e)
		}
	}
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, nil
}

func (b *FallbackBackend) Counts(context.Context) (map[Level]int, map[EventType]int, error) {
	entries, err := b.decoded()
	if err != nil {
		return nil, nil, err
	}
	byLevel := make(map[Level]int)
	byType := make(map[EventType]int)
	for _, e := range entries {
		byLevel[e.Level]++
		if e.EventType != "" {
			byType[e.EventType]++
		}
	}
	return byLevel, byType, nil
}

func (b *FallbackBackend) Healthy(context.Context) error { return nil }
