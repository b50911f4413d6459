package escalation

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/recovery"
)

var (
	critical = fault.Classification{Severity: fault.SeverityCritical, Category: fault.CategoryCritical}
	high     = fault.Classification{Severity: fault.SeverityHigh, Category: fault.CategoryRuntime}
	security = fault.Classification{Severity: fault.SeveritySecurity, Category: fault.CategorySecurity, IsSecurity: true}
)

func newEscalator() (*Escalator, *recovery.State) {
	state := recovery.NewState()
	return New(DefaultConfig(), state, zerolog.Nop(), nil), state
}

func TestCriticalThreshold(t *testing.T) {
	esc, state := newEscalator()
	now := time.Unix(1700000000, 0)

	assert.Equal(t, None, esc.Observe(critical, now))
	assert.Equal(t, None, esc.Observe(high, now))
	assert.Equal(t, None, esc.Observe(critical, now))
	assert.Equal(t, Recover, esc.Observe(critical, now))
	assert.Equal(t, 3, state.Snapshot().CriticalCount)
}

func TestCooldownDropsRecovery(t *testing.T) {
	esc, state := newEscalator()
	start := time.Unix(1700000000, 0)

	require.NoError(t, state.Begin(start))
	state.Complete(true)

	for i := 0; i < 2; i++ {
		assert.Equal(t, None, esc.Observe(critical, start.Add(time.Second)))
	}
	assert.Equal(t, None, esc.Observe(critical, start.Add(10*time.Second)))
	assert.Equal(t, Recover, esc.Observe(critical, start.Add(31*time.Second)))
}

func TestInFlightDropsRecovery(t *testing.T) {
	esc, state := newEscalator()
	start := time.Unix(1700000000, 0)
	require.NoError(t, state.Begin(start))

	later := start.Add(time.Minute)
	for i := 0; i < 2; i++ {
		esc.Observe(critical, later)
	}
	assert.Equal(t, None, esc.Observe(critical, later))
}

func TestRecoverDecisionClaimsState(t *testing.T) {
	esc, state := newEscalator()
	now := time.Unix(1700000000, 0)

	for i := 0; i < 2; i++ {
		esc.Observe(critical, now)
	}
	require.Equal(t, Recover, esc.Observe(critical, now))
	assert.True(t, state.Snapshot().IsRecovering)

	// Faults arriving before the claimed run finishes are dropped.
	for i := 0; i < 5; i++ {
		assert.Equal(t, None, esc.Observe(critical, now))
	}

	// So are faults after it finishes but inside the cooldown.
	state.Complete(true)
	for i := 0; i < 5; i++ {
		assert.Equal(t, None, esc.Observe(critical, now.Add(time.Second)))
	}
}

func TestUnrecoverableDropsRecovery(t *testing.T) {
	esc, state := newEscalator()
	now := time.Unix(1700000000, 0)
	require.NoError(t, state.Begin(now))
	state.Complete(false)

	later := now.Add(time.Hour)
	for i := 0; i < 4; i++ {
		assert.Equal(t, None, esc.Observe(critical, later))
	}
}

func TestSecurityIgnoresCooldownAndInFlight(t *testing.T) {
	esc, state := newEscalator()
	now := time.Unix(1700000000, 0)
	require.NoError(t, state.Begin(now))

	assert.Equal(t, SecurityResponse, esc.Observe(security, now))

	snap := state.Snapshot()
	assert.Equal(t, 1, snap.SecurityCount)
	assert.Equal(t, 1, snap.CriticalCount)
	assert.Equal(t, now, snap.LastRecovery)
}

func TestSecurityNeverRecovers(t *testing.T) {
	esc, _ := newEscalator()
	now := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		assert.Equal(t, SecurityResponse, esc.Observe(security, now))
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "recover", Recover.String())
	assert.Equal(t, "security_response", SecurityResponse.String())
}
