package security

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/sentinel/pkg/audit"
	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/notify"
	"github.com/openfroyo/sentinel/pkg/stores"
	"github.com/openfroyo/sentinel/pkg/surface"
	"github.com/openfroyo/sentinel/pkg/telemetry"
)

// Config configures the security responder.
type Config struct {
	// RingCapacity bounds the persisted incident list.
	RingCapacity int `yaml:"ring_capacity" json:"ring_capacity" validate:"gte=1"`

	// Suspension is how long the gate stays closed after an incident.
	Suspension time.Duration `yaml:"suspension" json:"suspension" validate:"gt=0"`

	// PolicyDir holds operator .rego modules. Empty uses the built-in policy only.
	PolicyDir string `yaml:"policy_dir" json:"policy_dir"`

	// WatchPolicies hot-reloads PolicyDir on change.
	WatchPolicies bool `yaml:"watch_policies" json:"watch_policies"`

	// SinkURL receives incidents as JSON. Empty disables the sink.
	SinkURL string `yaml:"sink_url" json:"sink_url" validate:"omitempty,url"`

	// SessionPrefixes are the key namespaces cleared on session invalidation.
	SessionPrefixes []string `yaml:"session_prefixes" json:"session_prefixes"`

	// UserAgent and URL describe the client when the fault does not.
	UserAgent string `yaml:"user_agent" json:"user_agent"`
	URL       string `yaml:"url" json:"url"`
}

// DefaultConfig returns the default responder configuration.
func DefaultConfig() Config {
	return Config{
		RingCapacity: DefaultRingCapacity,
		Suspension:   DefaultSuspension,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}
	return nil
}

// Notifier publishes the blocking incident notice.
type Notifier interface {
	Modal(level notify.Level, title, message, source string, actions ...string) error
}

// Options wires the responder's collaborators.
type Options struct {
	// KV persists the incident ring. Required.
	KV stores.KeyValueStore

	// Policy decides actions. Nil compiles the built-in policy.
	Policy *Policy

	// Gate is suspended by block_network and intercept_forms. Nil creates one.
	Gate *Gate

	Session  Session
	Elements *surface.Elements
	Notifier Notifier
	Sink     Sink

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	SessionID string
	Clock     func() time.Time
}

// Responder contains a security incident. It does not consult the recovery
// state or the escalation cooldown.
type Responder struct {
	cfg      Config
	ring     *Ring
	policy   *Policy
	watcher  *PolicyWatcher
	gate     *Gate
	session  Session
	elements *surface.Elements
	notifier Notifier
	sink     Sink

	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	sessionID string
	now       func() time.Time

	wg sync.WaitGroup
}

// NewResponder creates a responder and loads the policy directory, if any.
func NewResponder(ctx context.Context, cfg Config, opts Options) (*Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.KV == nil {
		return nil, errors.New("security responder requires a key-value store")
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger.With().Str("component", "security").Logger()

	policy := opts.Policy
	if policy == nil {
		p, err := NewPolicy(ctx, opts.Logger)
		if err != nil {
			return nil, err
		}
		policy = p
	}

	r := &Responder{
		cfg:       cfg,
		ring:      NewRing(opts.KV, cfg.RingCapacity),
		policy:    policy,
		gate:      opts.Gate,
		session:   opts.Session,
		elements:  opts.Elements,
		notifier:  opts.Notifier,
		sink:      opts.Sink,
		logger:    logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		sessionID: opts.SessionID,
		now:       now,
	}
	if r.gate == nil {
		r.gate = NewGate(now)
	}
	if r.session == nil {
		r.session = NewKVSession(opts.KV, cfg.SessionPrefixes, NewJar(), opts.Logger)
	}
	if r.sink == nil && cfg.SinkURL != "" {
		r.sink = NewHTTPSink(cfg.SinkURL, nil)
	}

	if cfg.PolicyDir != "" {
		if err := policy.LoadDir(ctx, cfg.PolicyDir); err != nil {
			return nil, err
		}
		if cfg.WatchPolicies {
			r.watcher = NewPolicyWatcher(policy, cfg.PolicyDir, 0, opts.Logger)
			if err := r.watcher.Start(ctx); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Gate returns the outbound and form gate.
func (r *Responder) Gate() *Gate { return r.gate }

// Policy returns the action policy.
func (r *Responder) Policy() *Policy { return r.policy }

// Incidents returns the persisted incident ring.
func (r *Responder) Incidents() *Ring { return r.ring }

// Respond records and contains one security incident. It is never retried.
// The incident is returned even when persisting it failed.
func (r *Responder) Respond(ctx context.Context, rec fault.Record, c fault.Classification) (Incident, error) {
	ctx, span := r.tracer.StartSecuritySpan(ctx, rec.ID, string(c.Category))
	defer span.End()

	now := r.now().UTC()
	log := r.logger.With().Str("fault_id", rec.ID).Logger()

	input := PolicyInput{
		Message:  rec.Message,
		Kind:     string(rec.Kind),
		Category: string(c.Category),
		Source:   rec.Source,
	}
	actions, err := r.policy.Decide(ctx, input)
	if err != nil {
		log.Warn().Err(err).Msg("security policy failed, using default actions")
		actions = DefaultActions(rec.Message)
	}

	inc := r.buildIncident(rec, c, actions, now)

	var persistErr error
	if err := r.ring.Push(inc); err != nil {
		persistErr = fault.NewStorageError("failed to persist security incident", err).WithOperation("security.respond")
		log.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to persist security incident")
	}
	r.metrics.RecordSecurityIncident()
	log.Warn().Str("incident_id", inc.ID).Interface("actions", inc.Actions).Msg("security incident")

	r.send(ctx, inc)
	r.apply(ctx, inc, now)

	if persistErr != nil {
		telemetry.RecordError(span, persistErr)
	} else {
		telemetry.RecordSuccess(span)
	}
	return inc, persistErr
}

func (r *Responder) buildIncident(rec fault.Record, c fault.Classification, actions []Action, now time.Time) Incident {
	inc := Incident{
		ID:        NewIncidentID(now),
		Timestamp: now,
		Severity:  fault.SeveritySecurity.String(),
		Fault: FaultSummary{
			ID:       rec.ID,
			Kind:     rec.Kind,
			Message:  audit.SanitizeMessage(rec.Message),
			Source:   audit.SanitizeMessage(rec.Source),
			Category: c.Category,
		},
		UserAgent: r.cfg.UserAgent,
		URL:       r.cfg.URL,
		SessionID: r.sessionID,
		Actions:   actions,
	}
	if ua, ok := rec.Attributes["user_agent"].(string); ok && ua != "" {
		inc.UserAgent = ua
	}
	if u, ok := rec.Attributes["url"].(string); ok && u != "" {
		inc.URL = audit.SanitizeMessage(u)
	}
	return inc
}

func (r *Responder) send(ctx context.Context, inc Incident) {
	if r.sink == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sink.Send(ctx, inc); err != nil {
			r.logger.Warn().Err(err).Str("incident_id", inc.ID).Msg("failed to report incident to sink")
		}
	}()
}

// applyOrder puts the blocking notice last so containment is in place
// before the user sees it.
var applyOrder = []Action{
	ActionBlockNetwork,
	ActionInterceptForms,
	ActionInvalidateSession,
	ActionPurgeElements,
	ActionBlockingNotice,
}

func (r *Responder) apply(ctx context.Context, inc Incident, now time.Time) {
	want := make(map[Action]bool, len(inc.Actions))
	for _, a := range inc.Actions {
		want[a] = true
	}

	until := now.Add(r.cfg.Suspension)
	for _, action := range applyOrder {
		if !want[action] {
			continue
		}
		delete(want, action)

		switch action {
		case ActionBlockNetwork:
			r.gate.SuspendNetwork(until)
		case ActionInterceptForms:
			r.gate.SuspendForms(until)
		case ActionInvalidateSession:
			if err := r.session.Invalidate(ctx); err != nil {
				r.logger.Error().Err(err).Msg("failed to invalidate session")
			}
		case ActionPurgeElements:
			if r.elements != nil {
				removed := r.elements.PurgeSuspicious()
				if len(removed) > 0 {
					r.logger.Info().Strs("elements", removed).Msg("purged suspicious elements")
				}
			}
		case ActionBlockingNotice:
			r.publishNotice(inc)
		}
	}

	for action := range want {
		r.logger.Warn().Str("action", string(action)).Msg("ignoring unknown security action")
	}
}

func (r *Responder) publishNotice(inc Incident) {
	if r.notifier == nil {
		return
	}
	msg := fmt.Sprintf("A security threat was detected and contained (incident %s). Network access and form submission are suspended.", inc.ID)
	if err := r.notifier.Modal(notify.LevelSecurity, "Security alert", msg, "security", "acknowledge"); err != nil {
		r.logger.Warn().Err(err).Msg("failed to publish security notice")
	}
}

// Close stops the policy watcher and waits for pending sink deliveries.
func (r *Responder) Close() error {
	var err error
	if r.watcher != nil {
		err = r.watcher.Stop()
	}
	r.wg.Wait()
	return err
}

var csrfPattern = regexp.MustCompile(`(?i)csrf|cross-site request`)

// DefaultActions mirrors the built-in policy and is used when evaluation
// fails.
func DefaultActions(message string) []Action {
	actions := []Action{ActionBlockNetwork, ActionBlockingNotice, ActionInterceptForms}
	if csrfPattern.MatchString(message) {
		actions = append(actions, ActionInvalidateSession)
	}
	return append(actions, ActionPurgeElements)
}
