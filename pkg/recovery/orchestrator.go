package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/notify"
	"github.com/openfroyo/sentinel/pkg/telemetry"
)

// Step names, in execution order.
const (
	StepCancelTimers  = "cancel_timers"
	StepResetBindings = "reset_bindings"
	StepResetState    = "reset_state"
	StepReinitialize  = "reinitialize"
	StepCallbacks     = "callbacks"
	StepCleanup       = "cleanup"
)

// DefaultPurgePrefixes are the persisted key namespaces reset_state clears.
var DefaultPurgePrefixes = []string{"app_", "plantuml_"}

// KeyPurger deletes persisted keys by prefix.
type KeyPurger interface {
	PurgeKeys(prefixes []string) (int, error)
}

// Cleaner releases memory after a recovery.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Prompter asks whether to reload after a failed recovery.
type Prompter interface {
	ConfirmReload(ctx context.Context, trigger fault.Record, remediationErr error) bool
}

// Reloader performs a full reload.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Notifier publishes user-visible notices.
type Notifier interface {
	Toast(level notify.Level, title, message, source string) error
	Banner(level notify.Level, title, message, source string, data map[string]interface{}) error
}

// StepResult is the outcome of one remediation step.
type StepResult struct {
	Name     string        `json:"name"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Panicked bool          `json:"panicked,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Fatal reports whether the step failure makes recovery impossible.
func (r StepResult) Fatal() bool {
	return errors.Is(r.Err, fault.ErrFatalStep)
}

// Outcome summarizes a recovery attempt.
type Outcome struct {
	Steps    []StepResult  `json:"steps"`
	Duration time.Duration `json:"duration"`
	Phase    Phase         `json:"phase"`
	Err      error         `json:"-"`
	Reloaded bool          `json:"reloaded,omitempty"`
}

// Failed returns the steps that reported an error.
func (o Outcome) Failed() []StepResult {
	var failed []StepResult
	for _, s := range o.Steps {
		if s.Err != nil {
			failed = append(failed, s)
		}
	}
	return failed
}

// Config configures the orchestrator.
type Config struct {
	PurgePrefixes []string `yaml:"purge_prefixes" json:"purge_prefixes"`
}

// Options wires the orchestrator's collaborators. Nil fields skip the
// corresponding work.
type Options struct {
	State         *State
	Timers        *Timers
	Subscriptions *Subscriptions
	Registry      *Registry
	Purger        KeyPurger
	Cleaner       Cleaner
	Prompter      Prompter
	Reloader      Reloader
	Notifier      Notifier
	Logger        zerolog.Logger
	Metrics       *telemetry.Metrics
	Tracer        *telemetry.Tracer
	Clock         func() time.Time
}

// Orchestrator runs the remediation sequence.
type Orchestrator struct {
	cfg  Config
	opts Options
	log  zerolog.Logger
	now  func() time.Time
}

// NewOrchestrator creates an orchestrator. Missing state, timers,
// subscriptions and registry are created empty.
func NewOrchestrator(cfg Config, opts Options) *Orchestrator {
	if cfg.PurgePrefixes == nil {
		cfg.PurgePrefixes = DefaultPurgePrefixes
	}
	if opts.State == nil {
		opts.State = NewState()
	}
	if opts.Timers == nil {
		opts.Timers = NewTimers()
	}
	if opts.Subscriptions == nil {
		opts.Subscriptions = NewSubscriptions()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger.With().Str("component", "recovery").Logger(),
		now:  now,
	}
}

// State returns the shared recovery state.
func (o *Orchestrator) State() *State { return o.opts.State }

// Timers returns the tracked application timers.
func (o *Orchestrator) Timers() *Timers { return o.opts.Timers }

// Subscriptions returns the subscription table.
func (o *Orchestrator) Subscriptions() *Subscriptions { return o.opts.Subscriptions }

// Registry returns the handler registry.
func (o *Orchestrator) Registry() *Registry { return o.opts.Registry }

// Recover runs every remediation step for trigger. It fails fast with
// ErrRecoveryInFlight or ErrUnrecoverable when the state forbids a run;
// otherwise the returned error is nil and the Outcome carries the result.
func (o *Orchestrator) Recover(ctx context.Context, trigger fault.Record) (Outcome, error) {
	if err := o.opts.State.Begin(o.now()); err != nil {
		return Outcome{Phase: o.opts.State.Snapshot().Phase}, err
	}
	return o.RecoverClaimed(ctx, trigger), nil
}

// RecoverClaimed runs every remediation step for a recovery the caller has
// already claimed with State.TryBegin. It always completes the claim.
func (o *Orchestrator) RecoverClaimed(ctx context.Context, trigger fault.Record) Outcome {
	if _, ok := TriggerFrom(ctx); !ok {
		ctx = WithTrigger(ctx, trigger, fault.SeverityCritical)
	}

	ctx, span := o.opts.Tracer.StartRecoverySpan(ctx, trigger.ID, string(trigger.Kind))
	defer span.End()

	start := time.Now()
	log := o.log.With().Str("fault_id", trigger.ID).Logger()
	log.Info().Msg("recovery started")

	steps, topErr := o.runSteps(ctx)

	outcome := Outcome{Steps: steps}
	remediationErr := topErr
	for _, s := range steps {
		if s.Fatal() {
			remediationErr = errors.Join(remediationErr, fmt.Errorf("%s: %w", s.Name, s.Err))
		}
	}

	if remediationErr == nil {
		outcome.Phase = o.opts.State.Complete(true)
		outcome.Duration = time.Since(start)
		o.opts.Metrics.RecordRecovery("success", outcome.Duration)
		telemetry.RecordSuccess(span)
		log.Info().Dur("duration", outcome.Duration).Int("failed_steps", len(outcome.Failed())).Msg("recovery completed")
		o.notifyToast(notify.LevelInfo, "Recovered", "recovery completed")
		return outcome
	}

	outcome.Phase = o.opts.State.Complete(false)
	outcome.Err = remediationErr
	telemetry.RecordError(span, remediationErr)
	log.Error().Err(remediationErr).Msg("recovery failed")

	o.handleUnrecoverable(ctx, trigger, &outcome)
	outcome.Duration = time.Since(start)
	o.opts.Metrics.RecordRecovery("unrecoverable", outcome.Duration)
	return outcome
}

// Reset clears an unrecoverable state after an external reload.
func (o *Orchestrator) Reset() {
	o.opts.State.Reset()
	o.log.Info().Msg("recovery state reset")
}

func (o *Orchestrator) handleUnrecoverable(ctx context.Context, trigger fault.Record, outcome *Outcome) {
	if o.opts.Prompter != nil && o.opts.Prompter.ConfirmReload(ctx, trigger, outcome.Err) {
		if o.opts.Reloader == nil {
			o.log.Warn().Msg("reload confirmed but no reloader configured")
		} else if err := o.opts.Reloader.Reload(ctx); err != nil {
			o.log.Error().Err(err).Msg("reload failed")
			outcome.Err = errors.Join(outcome.Err, fmt.Errorf("reload: %w", err))
		} else {
			outcome.Reloaded = true
			o.Reset()
			outcome.Phase = PhaseIdle
			return
		}
	}

	if o.opts.Notifier == nil {
		return
	}
	msg := fmt.Sprintf("Recovery failed after %q: %v", trigger.Message, outcome.Err)
	data := map[string]interface{}{
		"fault_id":          trigger.ID,
		"original_error":    trigger.Message,
		"remediation_error": outcome.Err.Error(),
	}
	if err := o.opts.Notifier.Banner(notify.LevelCritical, "Application error", msg, "recovery", data); err != nil {
		o.log.Warn().Err(err).Msg("failed to publish recovery banner")
	}
}

func (o *Orchestrator) notifyToast(level notify.Level, title, msg string) {
	if o.opts.Notifier == nil {
		return
	}
	if err := o.opts.Notifier.Toast(level, title, msg, "recovery"); err != nil {
		o.log.Warn().Err(err).Msg("failed to publish recovery notice")
	}
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

func (o *Orchestrator) steps() []step {
	steps := []step{
		{StepCancelTimers, o.cancelTimers},
		{StepResetBindings, o.resetBindings},
		{StepResetState, o.resetState},
		{StepReinitialize, o.reinitialize},
		{StepCallbacks, o.runCallbacks},
	}
	if o.opts.Cleaner != nil {
		steps = append(steps, step{StepCleanup, o.opts.Cleaner.Cleanup})
	}
	return steps
}

// runSteps runs every step. A panic outside a step is returned as a fatal
// error.
func (o *Orchestrator) runSteps(ctx context.Context) (results []StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery aborted: %v: %w", r, fault.ErrFatalStep)
		}
	}()

	for _, s := range o.steps() {
		res := o.runStep(ctx, s)
		if res.Err != nil {
			o.log.Warn().Err(res.Err).Str("step", res.Name).Bool("panicked", res.Panicked).Msg("recovery step failed")
		}
		results = append(results, res)
	}
	return results, nil
}

func (o *Orchestrator) runStep(ctx context.Context, s step) (res StepResult) {
	res.Name = s.name
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Panicked = true
			res.Err = fmt.Errorf("step %s panicked: %v", s.name, r)
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		res.Duration = time.Since(start)
	}()
	res.Err = s.run(ctx)
	return res
}

func (o *Orchestrator) cancelTimers(context.Context) error {
	n := o.opts.Timers.CancelAll()
	o.log.Debug().Int("cancelled", n).Msg("cancelled tracked timers")
	return nil
}

func (o *Orchestrator) resetBindings(context.Context) error {
	target := o.opts.Subscriptions.LastTarget()
	if target == "" {
		return nil
	}
	return o.opts.Subscriptions.Reset(target)
}

func (o *Orchestrator) resetState(ctx context.Context) error {
	resets, _, _ := o.opts.Registry.snapshot()
	errs := runNamed(ctx, resets)

	if o.opts.Purger != nil && len(o.cfg.PurgePrefixes) > 0 {
		n, err := o.opts.Purger.PurgeKeys(o.cfg.PurgePrefixes)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge keys: %w", err))
		} else {
			o.log.Debug().Int("purged", n).Msg("purged application keys")
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) reinitialize(ctx context.Context) error {
	_, inits, _ := o.opts.Registry.snapshot()
	return errors.Join(runNamed(ctx, inits)...)
}

func (o *Orchestrator) runCallbacks(ctx context.Context) error {
	_, _, callbacks := o.opts.Registry.snapshot()
	var errs []error
	for i, cb := range callbacks {
		if err := safeCall(ctx, cb); err != nil {
			errs = append(errs, fmt.Errorf("callback %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func runNamed(ctx context.Context, handlers []namedHandler) []error {
	var errs []error
	for _, h := range handlers {
		if err := safeCall(ctx, h.fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errs
}

func safeCall(ctx context.Context, fn HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return fn(ctx)
}
