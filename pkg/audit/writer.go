package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/recovery"
	"github.com/openfroyo/sentinel/pkg/stores"
	"github.com/openfroyo/sentinel/pkg/telemetry"
)

// ErrWriterClosed is returned by operations on a closed writer.
var ErrWriterClosed = errors.New("audit writer closed")

// Options wires the writer's collaborators.
type Options struct {
	// Primary is the transactional backend. Nil means fallback only.
	Primary Backend

	// KV holds the fallback error log and the pending buffer. Required.
	KV stores.KeyValueStore

	// Codec obfuscates fallback entries. Nil creates one owned by the writer.
	Codec *Codec

	Logger zerolog.Logger

	// Sink receives every accepted entry as a structured log line. Nil uses Logger.
	Sink *zerolog.Logger

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Timers schedules the periodic flush. Nil creates a private set.
	Timers *recovery.Timers

	SessionID string
	Clock     func() time.Time
}

// Writer buffers sanitized audit entries and flushes them in batches to the
// primary store, falling back to the KV store when the primary is unusable.
type Writer struct {
	cfg      Config
	minLevel Level

	primary   Backend
	fallback  *FallbackBackend
	kv        stores.KeyValueStore
	codec     *Codec
	ownsCodec bool

	logger  zerolog.Logger
	sink    zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	timers  *recovery.Timers
	now     func() time.Time

	sessionID string

	mu sync.Mutex
	// idle is signalled whenever a flush finishes.
	idle     *sync.Cond
	buffer   []Entry
	inflight []Entry
	sequence uint64
	flushing bool
	// urgent marks an entry that must be flushed without waiting for the
	// batch to fill.
	urgent          bool
	flushScheduled  bool
	usePrimary      bool
	primaryFailures int
	flushFailures   int
	lastRotation    time.Time
	closed          bool
	ticker          *recovery.Handle

	wg sync.WaitGroup
}

// NewWriter creates a writer. Call Open before use.
func NewWriter(cfg Config, opts Options) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.KV == nil {
		return nil, errors.New("audit writer requires a kv store")
	}

	w := &Writer{
		cfg:        cfg,
		minLevel:   cfg.minLevel(),
		primary:    opts.Primary,
		kv:         opts.KV,
		codec:      opts.Codec,
		logger:     opts.Logger.With().Str("component", "audit").Logger(),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		timers:     opts.Timers,
		now:        opts.Clock,
		sessionID:  opts.SessionID,
		usePrimary: opts.Primary != nil,
	}
	w.idle = sync.NewCond(&w.mu)

	if w.codec == nil {
		w.codec = NewCodec()
		w.ownsCodec = true
	}
	if w.timers == nil {
		w.timers = recovery.NewTimers()
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.sessionID == "" {
		w.sessionID = NewSessionID(w.now())
	}
	if opts.Sink != nil {
		w.sink = *opts.Sink
	} else {
		w.sink = w.logger
	}

	w.fallback = NewFallbackBackend(opts.KV, w.codec, cfg.FallbackCap, cfg.FallbackEvict)
	return w, nil
}

// SessionID returns the writer's session identifier.
func (w *Writer) SessionID() string {
	return w.sessionID
}

// Open checks the primary backend and replays any buffer persisted by a
// previous Close.
func (w *Writer) Open(ctx context.Context) error {
	if w.primary != nil {
		if err := w.primary.Healthy(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("primary audit store unavailable, using fallback")
			w.mu.Lock()
			w.usePrimary = false
			w.mu.Unlock()
		}
	}

	var pending []Entry
	err := w.kv.GetJSON(stores.KeyPendingLogBuffer, &pending)
	switch {
	case errors.Is(err, stores.ErrKeyNotFound):
		return nil
	case err != nil:
		w.logger.Warn().Err(err).Msg("discarding unreadable pending log buffer")
		return w.kv.Delete(stores.KeyPendingLogBuffer)
	}

	if err := w.kv.Delete(stores.KeyPendingLogBuffer); err != nil {
		return fault.NewStorageError("failed to clear pending log buffer", err)
	}
	if len(pending) == 0 {
		return nil
	}

	w.mu.Lock()
	w.buffer = append(pending, w.buffer...)
	w.mu.Unlock()

	w.logger.Info().Int("entries", len(pending)).Msg("replaying pending log buffer")
	if err := w.Flush(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("replayed entries stay buffered")
	}
	return nil
}

// Start begins the periodic flush.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.ticker != nil {
		return
	}

	flushCtx := context.WithoutCancel(ctx)
	w.ticker = w.timers.Every(w.cfg.FlushInterval, func() {
		if !w.track() {
			return
		}
		defer w.wg.Done()
		if err := w.Flush(flushCtx); err != nil {
			w.logger.Debug().Err(err).Msg("periodic flush failed")
		}
	})
}

// track registers background flush work with Close. It fails once the
// writer is closed.
func (w *Writer) track() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.wg.Add(1)
	return true
}

// Append sanitizes and buffers an entry. Entries below the configured
// minimum level are dropped and a zero Entry is returned. Reaching the batch
// size, a security event type or a level of ERROR and above schedules an
// asynchronous flush.
func (w *Writer) Append(ctx context.Context, f Fields) Entry {
	if f.Level < w.minLevel {
		return Entry{}
	}

	msg := SanitizeMessage(f.Message)
	meta := SanitizeMetadata(f.Metadata)

	w.mu.Lock()
	w.sequence++
	e := Entry{
		ID:        uuid.NewString(),
		Sequence:  w.sequence,
		Timestamp: w.now().UTC(),
		Level:     f.Level,
		Message:   msg,
		EventType: f.EventType,
		Metadata:  meta,
		SessionID: w.sessionID,
	}
	w.buffer = append(w.buffer, e)
	if e.EventType.IsSecurity() || e.Level >= LevelError {
		w.urgent = true
	}
	size := len(w.buffer)
	schedule := w.shouldScheduleLocked()
	w.mu.Unlock()

	w.emit(e)
	w.metrics.RecordLogEntry(e.Level.String())
	w.metrics.SetBufferSize(size)

	if schedule {
		w.flushAsync(ctx)
	}
	return e
}

// LogSecurityEvent appends a security event at the level its type implies.
func (w *Writer) LogSecurityEvent(ctx context.Context, eventType EventType, message string, metadata map[string]interface{}) Entry {
	return w.Append(ctx, Fields{
		Level:     LevelForEvent(eventType),
		Message:   message,
		EventType: eventType,
		Metadata:  metadata,
	})
}

// LogXSSAttempt records blocked markup. The input is escaped before storage.
func (w *Writer) LogXSSAttempt(ctx context.Context, input, source string) Entry {
	return w.LogSecurityEvent(ctx, EventXSSAttempt, "XSS attempt detected", map[string]interface{}{
		"input":  EscapeInput(input),
		"source": source,
	})
}

// LogInvalidInput records rejected input.
func (w *Writer) LogInvalidInput(ctx context.Context, input, reason string) Entry {
	return w.LogSecurityEvent(ctx, EventInvalidInput, "Invalid input: "+reason, map[string]interface{}{
		"input": EscapeInput(input),
	})
}

// LogCSPViolation records a content security policy violation report.
func (w *Writer) LogCSPViolation(ctx context.Context, directive, blockedURI string) Entry {
	return w.LogSecurityEvent(ctx, EventCSPViolation, "CSP violation: "+directive, map[string]interface{}{
		"directive":   directive,
		"blocked_uri": blockedURI,
	})
}

// LogAuthEvent records an authentication outcome.
func (w *Writer) LogAuthEvent(ctx context.Context, action string, success bool) Entry {
	et := EventAuth
	if !success {
		et = EventPermissionDenied
	}
	return w.LogSecurityEvent(ctx, et, "Auth event: "+action, map[string]interface{}{
		"action":  action,
		"success": success,
	})
}

// shouldScheduleLocked claims the next asynchronous flush. An urgent entry
// that arrives during a flush is picked up when that flush finishes.
func (w *Writer) shouldScheduleLocked() bool {
	if w.closed || w.flushing || w.flushScheduled || len(w.buffer) == 0 {
		return false
	}
	if len(w.buffer) < w.cfg.BatchSize && !w.urgent {
		return false
	}
	w.flushScheduled = true
	w.urgent = false
	w.wg.Add(1)
	return true
}

// flushAsync runs a flush claimed by shouldScheduleLocked.
func (w *Writer) flushAsync(ctx context.Context) {
	flushCtx := context.WithoutCancel(ctx)
	go func() {
		defer w.wg.Done()
		if err := w.Flush(flushCtx); err != nil {
			w.logger.Debug().Err(err).Msg("batch flush failed")
		}
	}()
}

func (w *Writer) emit(e Entry) {
	var evt *zerolog.Event
	switch e.Level {
	case LevelDebug:
		evt = w.sink.Debug()
	case LevelInfo:
		evt = w.sink.Info()
	case LevelWarn:
		evt = w.sink.Warn()
	default:
		evt = w.sink.Error()
	}
	evt.Str("audit_level", e.Level.String()).
		Uint64("sequence", e.Sequence).
		Str("session_id", e.SessionID)
	if e.EventType != "" {
		evt.Str("event_type", string(e.EventType))
	}
	if len(e.Metadata) > 0 {
		evt.Interface("metadata", e.Metadata)
	}
	evt.Msg(e.Message)
}

// Flush writes the buffer to the active backend. Calls during another flush
// and calls on an empty buffer return immediately. On failure the batch is
// put back at the front of the buffer, ahead of entries appended during the
// attempt.
func (w *Writer) Flush(ctx context.Context) error {
	return w.flush(ctx, false)
}

// Sync waits for a running flush to finish and then flushes everything
// appended so far. A nil error means every entry appended before the call
// is in a backend.
func (w *Writer) Sync(ctx context.Context) error {
	return w.flush(ctx, true)
}

func (w *Writer) waitIdleLocked() {
	for w.flushing {
		w.idle.Wait()
	}
}

func (w *Writer) flush(ctx context.Context, wait bool) error {
	w.mu.Lock()
	if wait {
		w.waitIdleLocked()
	}
	w.flushScheduled = false
	if w.flushing || len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	w.flushing = true
	w.urgent = false
	batch := w.buffer
	w.buffer = nil
	w.inflight = batch
	backend := w.activeLocked()
	w.mu.Unlock()

	ctx, span := w.tracer.StartFlushSpan(ctx, backend.Name(), len(batch))
	defer span.End()

	timer := telemetry.NewTimer()
	err := backend.Write(ctx, batch)

	rotated := 0
	if err == nil && backend.Name() == BackendPrimary {
		var rerr error
		rotated, rerr = w.rotate(ctx, backend)
		if rerr != nil {
			w.logger.Warn().Err(rerr).Msg("log rotation failed")
		}
	}

	w.mu.Lock()
	w.flushing = false
	w.inflight = nil
	w.idle.Broadcast()
	if err != nil {
		w.buffer = append(batch, w.buffer...)
		w.flushFailures++
		if backend.Name() == BackendPrimary {
			w.primaryFailures++
			if w.primaryFailures >= w.cfg.PrimaryFailureLimit {
				w.usePrimary = false
				w.logger.Warn().Int("failures", w.primaryFailures).Msg("primary audit store failing, switching to fallback")
			}
		}
	} else {
		if backend.Name() == BackendPrimary {
			w.primaryFailures = 0
		}
		if rotated > 0 {
			w.lastRotation = w.now().UTC()
		}
	}
	size := len(w.buffer)
	reschedule := false
	if err == nil {
		reschedule = w.shouldScheduleLocked()
	}
	w.mu.Unlock()

	w.metrics.SetBufferSize(size)
	if err != nil {
		w.metrics.RecordFlush(backend.Name(), "failure", timer.Duration())
		telemetry.RecordError(span, err)
		w.logger.Warn().Err(err).Str("backend", backend.Name()).Int("entries", len(batch)).Msg("flush failed, entries requeued")
		return fault.NewStorageError("flush failed", err).WithOperation("audit.flush")
	}

	w.metrics.RecordFlush(backend.Name(), "success", timer.Duration())
	telemetry.RecordSuccess(span)
	w.logger.Debug().Str("backend", backend.Name()).Int("entries", len(batch)).Msg("flushed audit entries")

	if reschedule {
		w.flushAsync(ctx)
	}
	return nil
}

func (w *Writer) activeLocked() Backend {
	if w.usePrimary && w.primary != nil {
		return w.primary
	}
	return w.fallback
}

// rotate evicts the oldest fifth of MaxLogs once the store exceeds MaxLogs.
func (w *Writer) rotate(ctx context.Context, backend Backend) (int, error) {
	count, err := backend.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count <= w.cfg.MaxLogs {
		return 0, nil
	}

	deleted, err := backend.DeleteOldest(ctx, w.cfg.rotationCount())
	if err != nil {
		return 0, err
	}
	w.metrics.RecordRotation(deleted)
	w.logger.Info().Int("evicted", deleted).Int("count", count).Msg("rotated audit log")
	return deleted, nil
}

// Buffered returns a copy of the unflushed entries.
func (w *Writer) Buffered() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.buffer))
	copy(out, w.buffer)
	return out
}

// unpersistedLocked returns the batch being written followed by the buffer,
// in sequence order.
func (w *Writer) unpersistedLocked() []Entry {
	out := make([]Entry, 0, len(w.inflight)+len(w.buffer))
	out = append(out, w.inflight...)
	return append(out, w.buffer...)
}

// Close stops the periodic flush, waits for running flushes, attempts a
// final flush and persists whatever remains unflushed to the pending buffer.
// Close is idempotent.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	ticker := w.ticker
	w.ticker = nil
	w.mu.Unlock()

	ticker.Stop()
	w.wg.Wait()

	if err := w.Sync(ctx); err != nil {
		w.logger.Debug().Err(err).Msg("final flush failed")
	}

	// A Flush started by a caller may still be writing; its batch is back in
	// the buffer if the write fails.
	w.mu.Lock()
	w.waitIdleLocked()
	w.mu.Unlock()
	remaining := w.Buffered()
	var errs []error
	if len(remaining) > 0 {
		if err := w.kv.PutJSON(stores.KeyPendingLogBuffer, remaining); err != nil {
			errs = append(errs, fault.NewStorageError("failed to persist pending log buffer", err))
		} else {
			w.logger.Info().Int("entries", len(remaining)).Msg("persisted pending log buffer")
		}
	}

	if w.ownsCodec {
		w.codec.Close()
	}
	return errors.Join(errs...)
}
