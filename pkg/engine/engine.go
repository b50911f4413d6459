package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sentinel/pkg/audit"
	"github.com/openfroyo/sentinel/pkg/config"
	"github.com/openfroyo/sentinel/pkg/escalation"
	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/monitor"
	"github.com/openfroyo/sentinel/pkg/notify"
	"github.com/openfroyo/sentinel/pkg/recovery"
	"github.com/openfroyo/sentinel/pkg/security"
	"github.com/openfroyo/sentinel/pkg/stores"
	"github.com/openfroyo/sentinel/pkg/surface"
	"github.com/openfroyo/sentinel/pkg/telemetry"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Options carries collaborators that configuration cannot express.
type Options struct {
	// Telemetry defaults to one built from the telemetry config section.
	// A supplied bundle is not shut down by Close.
	Telemetry *telemetry.Telemetry

	Prompter recovery.Prompter
	Reloader recovery.Reloader

	// Sink overrides the HTTP incident sink built from security.sink_url.
	Sink security.Sink

	// Sampler overrides the monitor's runtime heap sampler.
	Sampler monitor.Sampler

	// Retry bounds Guard. Nil uses fault.DefaultRetryConfig.
	Retry *fault.RetryConfig

	Clock func() time.Time
}

// Engine wires classification, audit, escalation, recovery and security
// response behind a single fault-reporting entry point.
type Engine struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	ownTel bool
	logger zerolog.Logger
	now    func() time.Time
	retry  fault.RetryConfig

	// base carries telemetry into work started by Report.
	base context.Context

	primary *stores.SQLiteStore
	kv      *stores.KVStore

	classifier   *fault.Classifier
	writer       *audit.Writer
	bus          *notify.Bus
	elements     *surface.Elements
	orchestrator *recovery.Orchestrator
	escalator    *escalation.Escalator
	responder    *security.Responder
	monitor      *monitor.Monitor
	history      *history

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// New opens the stores and starts every component described by cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	classifierOpts, err := cfg.ClassifierOptions()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		tel:        opts.Telemetry,
		now:        opts.Clock,
		retry:      fault.DefaultRetryConfig,
		classifier: fault.NewClassifier(classifierOpts...),
		elements:   surface.NewElements(),
		history:    newHistory(DefaultHistorySize),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if opts.Retry != nil {
		e.retry = *opts.Retry
	}
	if e.tel == nil {
		tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		e.tel = tel
		e.ownTel = true
	}
	e.logger = e.tel.Logger.Zerolog().With().Str("component", "engine").Logger()
	e.base = e.tel.WithContext(context.WithoutCancel(ctx))

	if err := e.openStores(ctx); err != nil {
		e.closeStores()
		return nil, err
	}
	if err := e.build(ctx, opts); err != nil {
		if e.writer != nil {
			_ = e.writer.Close(ctx)
		}
		if e.bus != nil {
			_ = e.bus.Shutdown(ctx)
		}
		e.closeStores()
		return nil, err
	}

	e.writer.Start(e.base)
	if e.monitor != nil {
		e.monitor.Start(e.base)
	}

	e.logger.Info().
		Str("session_id", e.writer.SessionID()).
		Bool("in_memory", cfg.Storage.InMemory).
		Msg("sentinel engine started")
	return e, nil
}

func (e *Engine) openStores(ctx context.Context) error {
	kvCfg := e.cfg.Storage.KV()
	badgerLog := e.logger.With().Str("component", "kv").Logger()
	kvCfg.Logger = &badgerLog
	kv, err := stores.OpenKV(kvCfg)
	if err != nil {
		return fault.NewStorageError("failed to open fallback store", err).WithOperation("engine.open")
	}
	e.kv = kv

	primary, err := stores.NewSQLiteStore(e.cfg.Storage.SQLite())
	if err == nil {
		err = primary.Init(ctx)
	}
	if err == nil {
		err = primary.Migrate(ctx)
	}
	if err != nil {
		// The writer runs on the fallback store alone.
		e.logger.Warn().Err(err).Msg("primary audit store unavailable")
		if primary != nil {
			_ = primary.Close()
		}
		return nil
	}
	e.primary = primary
	return nil
}

func (e *Engine) build(ctx context.Context, opts Options) error {
	tel := e.tel
	log := tel.Logger.Zerolog()

	var primary audit.Backend
	if e.primary != nil {
		primary = audit.NewPrimaryBackend(e.primary)
	}
	writer, err := audit.NewWriter(e.cfg.Audit, audit.Options{
		Primary: primary,
		KV:      e.kv,
		Logger:  log,
		Metrics: tel.Metrics,
		Tracer:  tel.Tracer,
		Clock:   e.now,
	})
	if err != nil {
		return err
	}
	if err := writer.Open(ctx); err != nil {
		return err
	}
	e.writer = writer

	e.bus = notify.NewBus(e.cfg.Notify, log)

	if e.cfg.Monitor.Enabled {
		m, err := monitor.New(e.cfg.Monitor.Config, monitor.Options{
			Sampler:  opts.Sampler,
			Reporter: e.reportFromMonitor,
			Cleaner:  e,
			Elements: e.elements,
			Logger:   log,
			Metrics:  tel.Metrics,
			Clock:    e.now,
		})
		if err != nil {
			return err
		}
		e.monitor = m
	}
	var cleaner recovery.Cleaner
	if e.monitor != nil {
		cleaner = e.monitor
	}
	state := recovery.NewState()
	orchestrator := recovery.NewOrchestrator(e.cfg.Recovery.Config, recovery.Options{
		State:    state,
		Purger:   e.kv,
		Cleaner:  cleaner,
		Prompter: opts.Prompter,
		Reloader: opts.Reloader,
		Notifier: e.bus,
		Logger:   log,
		Metrics:  tel.Metrics,
		Tracer:   tel.Tracer,
		Clock:    e.now,
	})
	e.orchestrator = orchestrator
	e.escalator = escalation.New(e.cfg.Escalation, state, log, tel.Metrics)

	orchestrator.Registry().RegisterInit("hide_loading", func(context.Context) error {
		e.elements.HideLoading()
		return nil
	})
	if dir := e.cfg.Recovery.HooksDir; dir != "" {
		hooks, err := recovery.LoadScriptHooks(dir, e.cfg.Recovery.HookTimeout, log)
		if err != nil {
			return err
		}
		for _, h := range hooks {
			orchestrator.Registry().RegisterInit("hook:"+h.Name(), h.Handler())
		}
		e.logger.Info().Int("hooks", len(hooks)).Str("dir", dir).Msg("loaded recovery hooks")
	}

	responder, err := security.NewResponder(ctx, e.cfg.Security, security.Options{
		KV:        e.kv,
		Elements:  e.elements,
		Notifier:  e.bus,
		Sink:      opts.Sink,
		Logger:    log,
		Metrics:   tel.Metrics,
		Tracer:    tel.Tracer,
		SessionID: writer.SessionID(),
		Clock:     e.now,
	})
	if err != nil {
		return err
	}
	e.responder = responder

	return nil
}

// Report classifies a fault, records it and escalates it. It never panics
// and never blocks on recovery. Recognized context keys are "source" and
// "stack"; every key is kept as audit metadata.
func (e *Engine) Report(kind, message string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("fault report panicked")
		}
	}()

	e.process(e.base, e.newRecord(kind, message, fields))
}

// Classify returns the classification Report would assign, without
// recording or escalating the fault.
func (e *Engine) Classify(kind, message string, fields map[string]any) fault.Classification {
	return e.classifier.Classify(e.newRecord(kind, message, fields))
}

func (e *Engine) newRecord(kind, message string, fields map[string]any) fault.Record {
	rec := fault.NewRecord(normalizeKind(kind), message, e.now())
	if len(fields) > 0 {
		rec.Attributes = make(map[string]any, len(fields))
		for k, v := range fields {
			rec.Attributes[k] = v
		}
		rec.Source, _ = fields["source"].(string)
		rec.Stack, _ = fields["stack"].(string)
	}
	return rec
}

func (e *Engine) reportFromMonitor(kind fault.Kind, message string, attrs map[string]any) {
	e.Report(string(kind), message, attrs)
}

func normalizeKind(kind string) fault.Kind {
	switch k := fault.Kind(kind); k {
	case fault.KindScript, fault.KindPromise, fault.KindResource, fault.KindMemory,
		fault.KindNetwork, fault.KindSecurity, fault.KindManual:
		return k
	default:
		return fault.KindManual
	}
}

// process runs one fault through the pipeline. The audit entry is appended
// before any escalation so the trail survives a failed response.
func (e *Engine) process(ctx context.Context, rec fault.Record) (fault.Classification, escalation.Decision) {
	if e.isClosed() {
		e.logger.Debug().Str("fault_id", rec.ID).Msg("fault reported after close")
		return fault.Classification{}, escalation.None
	}

	c := e.classifier.Classify(rec)
	e.tel.Metrics.RecordFault(c.Severity.String(), string(c.Category))

	e.writer.Append(ctx, audit.Fields{
		Level:     audit.LevelForSeverity(c.Severity),
		Message:   rec.Message,
		EventType: eventTypeFor(rec, c),
		Metadata:  faultMetadata(rec, c),
	})
	e.history.add(rec, c)

	decision := e.escalator.Observe(c, e.now())
	e.logger.Debug().
		Str("fault_id", rec.ID).
		Str("classification", c.Summary()).
		Str("decision", decision.String()).
		Msg("fault processed")

	if decision != escalation.None {
		if err := e.writer.Sync(ctx); err != nil {
			e.logger.Warn().Err(err).Str("fault_id", rec.ID).Msg("fault entry not persisted before escalation")
		}
	}

	switch decision {
	case escalation.SecurityResponse:
		e.respond(ctx, rec, c)
	case escalation.Recover:
		e.notifyCritical(rec)
		e.startRecovery(ctx, rec, c)
	default:
		if c.Severity >= fault.SeverityCritical {
			e.notifyCritical(rec)
		}
	}
	return c, decision
}

func (e *Engine) notifyCritical(rec fault.Record) {
	msg := audit.SanitizeMessage(rec.Message)
	if err := e.bus.Toast(notify.LevelCritical, "Critical error", msg, "engine"); err != nil {
		e.logger.Warn().Err(err).Msg("failed to publish critical notice")
	}
}

func (e *Engine) respond(ctx context.Context, rec fault.Record, c fault.Classification) {
	incident, err := e.responder.Respond(ctx, rec, c)
	if err != nil {
		e.logger.Warn().Err(err).Str("fault_id", rec.ID).Msg("security incident not persisted")
	}
	actions := make([]string, len(incident.Actions))
	for i, a := range incident.Actions {
		actions[i] = string(a)
	}
	e.writer.LogSecurityEvent(ctx, audit.EventSuspiciousActivity, "security incident contained", map[string]interface{}{
		"incident_id": incident.ID,
		"fault_id":    rec.ID,
		"actions":     actions,
	})
}

func (e *Engine) startRecovery(ctx context.Context, rec fault.Record, c fault.Classification) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.runRecovery(recovery.WithTrigger(ctx, rec, c.Severity), rec)
	}()
}

// runRecovery runs a recovery the escalator has already claimed.
func (e *Engine) runRecovery(ctx context.Context, rec fault.Record) {
	outcome := e.orchestrator.RecoverClaimed(ctx, rec)

	failed := make([]string, 0)
	for _, s := range outcome.Failed() {
		failed = append(failed, s.Name)
	}
	meta := map[string]interface{}{
		"fault_id":     rec.ID,
		"phase":        string(outcome.Phase),
		"duration_ms":  outcome.Duration.Milliseconds(),
		"failed_steps": failed,
		"reloaded":     outcome.Reloaded,
	}

	level, msg := audit.LevelInfo, "recovery completed"
	if outcome.Err != nil {
		level, msg = audit.LevelCritical, fmt.Sprintf("recovery failed: %v", outcome.Err)
	}
	e.writer.Append(ctx, audit.Fields{
		Level:     level,
		Message:   msg,
		EventType: audit.EventRecovery,
		Metadata:  meta,
	})
}

var (
	xssPattern       = regexp.MustCompile(`(?i)\bxss\b|<script|javascript:`)
	cspPattern       = regexp.MustCompile(`(?i)\bcsp\b|content security policy`)
	authPattern      = regexp.MustCompile(`(?i)\bauth|unauthori[sz]ed`)
	forbiddenPattern = regexp.MustCompile(`(?i)forbidden|permission denied`)
)

// eventTypeFor picks the audit event type for a classified fault.
func eventTypeFor(rec fault.Record, c fault.Classification) audit.EventType {
	if rec.Kind == fault.KindMemory {
		return audit.EventResourcePressure
	}
	if !c.IsSecurity {
		return audit.EventErrorOccurred
	}
	switch {
	case xssPattern.MatchString(rec.Message):
		return audit.EventXSSAttempt
	case cspPattern.MatchString(rec.Message):
		return audit.EventCSPViolation
	case forbiddenPattern.MatchString(rec.Message):
		return audit.EventPermissionDenied
	case authPattern.MatchString(rec.Message):
		return audit.EventAuth
	default:
		return audit.EventSuspiciousActivity
	}
}

func faultMetadata(rec fault.Record, c fault.Classification) map[string]interface{} {
	meta := make(map[string]interface{}, len(rec.Attributes)+6)
	for k, v := range rec.Attributes {
		meta[k] = v
	}
	meta["fault_id"] = rec.ID
	meta["kind"] = string(rec.Kind)
	meta["severity"] = c.Severity.String()
	meta["category"] = string(c.Category)
	if c.Rule != "" {
		meta["rule"] = c.Rule
	}
	if rec.Source != "" {
		meta["source"] = rec.Source
	}
	return meta
}

// Guard runs fn as an instrumented operation, retrying transient errors.
// A final failure is reported as a fault before it is returned.
func (e *Engine) Guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if e.isClosed() {
		return ErrClosed
	}
	if telemetry.FromTelemetryContext(ctx) == nil {
		ctx = e.tel.WithContext(ctx)
	}
	ic := telemetry.StartOperation(ctx, op)
	err := fault.Retry(ic.Ctx, e.retry, fn)
	ic.End(err)
	if err == nil {
		return nil
	}

	rec := fault.NewRecord(fault.KindFor(fault.ClassOf(err)), fmt.Sprintf("%s: %v", op, err), e.now())
	rec.Source = op
	rec.Err = err
	e.process(e.base, rec)
	return err
}

// OnRecovery registers fn to run at the end of every recovery.
func (e *Engine) OnRecovery(fn func(ctx context.Context) error) (unregister func()) {
	return e.orchestrator.Registry().OnRecovery(fn)
}

// Stats summarizes the audit trail.
func (e *Engine) Stats(ctx context.Context) (audit.Stats, error) {
	return e.writer.Stats(ctx)
}

// ExportLogs serializes the audit trail as "json" or "csv".
func (e *Engine) ExportLogs(ctx context.Context, format string) (string, error) {
	return e.writer.Export(ctx, audit.Format(format))
}

// Search returns audit entries matching c.
func (e *Engine) Search(ctx context.Context, c audit.Criteria) ([]audit.Entry, error) {
	return e.writer.Search(ctx, c)
}

// Flush writes buffered audit entries now.
func (e *Engine) Flush(ctx context.Context) error {
	return e.writer.Flush(ctx)
}

// SecurityReport summarizes recorded incidents and the gate.
func (e *Engine) SecurityReport() (security.Report, error) {
	return e.responder.Report()
}

// Incidents returns the persisted security incidents, oldest first.
func (e *Engine) Incidents() ([]security.Incident, error) {
	return e.responder.Incidents().All()
}

// Notices returns the notice bus.
func (e *Engine) Notices() *notify.Bus { return e.bus }

// Elements returns the interaction-surface registry.
func (e *Engine) Elements() *surface.Elements { return e.elements }

// Timers returns the application timers cancelled by recovery.
func (e *Engine) Timers() *recovery.Timers { return e.orchestrator.Timers() }

// Subscriptions returns the handler table rebuilt by recovery.
func (e *Engine) Subscriptions() *recovery.Subscriptions { return e.orchestrator.Subscriptions() }

// Registry returns the recovery handler registry.
func (e *Engine) Registry() *recovery.Registry { return e.orchestrator.Registry() }

// Gate returns the network and form gate.
func (e *Engine) Gate() *security.Gate { return e.responder.Gate() }

// RecoveryState returns a copy of the recovery state.
func (e *Engine) RecoveryState() recovery.Snapshot { return e.orchestrator.State().Snapshot() }

// ResetRecovery clears an unrecoverable state after an external reload.
func (e *Engine) ResetRecovery() { e.orchestrator.Reset() }

// CheckMemory samples memory once. It returns false when the monitor is
// disabled.
func (e *Engine) CheckMemory(ctx context.Context) (monitor.Result, bool) {
	if e.monitor == nil {
		return monitor.Result{}, false
	}
	return e.monitor.Check(ctx), true
}

// ClearHistory forgets the fault history and the escalation counters.
func (e *Engine) ClearHistory() {
	n := e.history.clear()
	e.orchestrator.State().ClearCounts()
	e.logger.Info().Int("cleared", n).Msg("fault history cleared")
}

// TrimHistory keeps only the newest faults. The monitor calls it under
// memory pressure.
func (e *Engine) TrimHistory() int {
	return e.history.trim(trimKeep)
}

// Wait blocks until every recovery started so far has finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops the monitor, waits for in-flight recoveries, flushes the
// audit trail and closes the stores. Close is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.monitor != nil {
		e.monitor.Stop()
	}
	e.inflight.Wait()
	e.orchestrator.Timers().CancelAll()

	var errs []error
	if err := e.responder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.writer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.bus.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, e.closeStores())
	if e.ownTel {
		if err := e.tel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Info().Msg("sentinel engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) closeStores() error {
	var errs []error
	if e.primary != nil {
		if err := e.primary.Close(); err != nil {
			errs = append(errs, err)
		}
		e.primary = nil
	}
	if e.kv != nil {
		if err := e.kv.Close(); err != nil {
			errs = append(errs, err)
		}
		e.kv = nil
	}
	return errors.Join(errs...)
}
