package escalation

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/recovery"
	"github.com/openfroyo/sentinel/pkg/telemetry"
)

// Decision is the escalation outcome for one fault.
type Decision int

const (
	None Decision = iota
	Recover
	SecurityResponse
)

func (d Decision) String() string {
	switch d {
	case Recover:
		return "recover"
	case SecurityResponse:
		return "security_response"
	default:
		return "none"
	}
}

// Drop reasons reported in logs and metrics.
const (
	ReasonCooldown      = "cooldown"
	ReasonInFlight      = "in_flight"
	ReasonUnrecoverable = "unrecoverable"
)

// Config holds the escalation thresholds.
type Config struct {
	CriticalThreshold int           `yaml:"critical_threshold" json:"critical_threshold" validate:"gte=1"`
	SecurityThreshold int           `yaml:"security_threshold" json:"security_threshold" validate:"gte=1"`
	Cooldown          time.Duration `yaml:"cooldown" json:"cooldown" validate:"gte=0"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		CriticalThreshold: 3,
		SecurityThreshold: 1,
		Cooldown:          30 * time.Second,
	}
}

// Escalator counts faults on the shared recovery state and decides when to
// recover or respond to a security incident.
type Escalator struct {
	cfg     Config
	state   *recovery.State
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// New creates an escalator over state.
func New(cfg Config, state *recovery.State, logger zerolog.Logger, metrics *telemetry.Metrics) *Escalator {
	return &Escalator{
		cfg:     cfg,
		state:   state,
		logger:  logger.With().Str("component", "escalation").Logger(),
		metrics: metrics,
	}
}

// Observe records a classified fault and returns the escalation decision.
// Security faults escalate regardless of cooldown or an in-flight recovery.
// A Recover decision has already claimed the recovery on the shared state;
// the caller runs it with Orchestrator.RecoverClaimed. Critical faults at
// the threshold are dropped during the cooldown or while a recovery runs;
// dropped requests are not queued.
func (e *Escalator) Observe(c fault.Classification, now time.Time) Decision {
	if c.IsSecurity || c.Severity == fault.SeveritySecurity {
		security, _ := e.state.IncrementSecurity()
		if security >= e.cfg.SecurityThreshold {
			return SecurityResponse
		}
		return None
	}

	if c.Severity != fault.SeverityCritical {
		return None
	}

	critical := e.state.IncrementCritical()
	if critical < e.cfg.CriticalThreshold {
		return None
	}

	err := e.state.TryBegin(now, e.cfg.Cooldown)
	switch {
	case err == nil:
		return Recover
	case errors.Is(err, recovery.ErrCooldown):
		e.drop(ReasonCooldown, critical)
	case errors.Is(err, recovery.ErrRecoveryInFlight):
		e.drop(ReasonInFlight, critical)
	default:
		e.drop(ReasonUnrecoverable, critical)
	}
	return None
}

func (e *Escalator) drop(reason string, critical int) {
	e.logger.Info().Str("reason", reason).Int("critical_count", critical).Msg("recovery request dropped")
	e.metrics.RecordEscalationDropped(reason)
}
