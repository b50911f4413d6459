package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/notify"
	"github.com/openfroyo/sentinel/pkg/stores"
)

type recordingNotifier struct {
	mu      sync.Mutex
	toasts  []string
	banners []map[string]interface{}
}

func (n *recordingNotifier) Toast(_ notify.Level, _, message, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, message)
	return nil
}

func (n *recordingNotifier) Banner(_ notify.Level, _, _, _ string, data map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.banners = append(n.banners, data)
	return nil
}

type stubPrompter struct {
	answer bool
	asked  int
	err    error
}

func (p *stubPrompter) ConfirmReload(_ context.Context, _ fault.Record, err error) bool {
	p.asked++
	p.err = err
	return p.answer
}

type stubReloader struct{ reloads int }

func (r *stubReloader) Reload(context.Context) error {
	r.reloads++
	return nil
}

func trigger() fault.Record {
	return fault.NewRecord(fault.KindScript, "Uncaught TypeError: x is undefined", time.Unix(1700000000, 0))
}

func newTestOrchestrator(opts Options) *Orchestrator {
	opts.Logger = zerolog.Nop()
	return NewOrchestrator(Config{}, opts)
}

func TestRecoverRunsAllSteps(t *testing.T) {
	kv, err := stores.OpenKV(stores.InMemoryKVConfig())
	require.NoError(t, err)
	defer kv.Close()
	for _, k := range []string{"app_layout", "plantuml_cache", "security_incidents"} {
		require.NoError(t, kv.Put(k, []byte("[]")))
	}

	notifier := &recordingNotifier{}
	o := newTestOrchestrator(Options{Purger: kv, Notifier: notifier})

	var order []string
	o.Timers().AfterFunc(time.Hour, func() { t.Error("timer should have been cancelled") })
	o.Subscriptions().Bind("editor", func(b *Binding) {
		b.On("input", func(context.Context, interface{}) error { return nil })
	})
	o.Subscriptions().Add("editor", "input", func(context.Context, interface{}) error { return nil })
	require.NoError(t, o.Subscriptions().Dispatch(context.Background(), "editor", "input", nil))

	o.Registry().RegisterReset("store", func(context.Context) error {
		order = append(order, "reset")
		return nil
	})
	o.Registry().RegisterInit("ui", func(context.Context) error {
		order = append(order, "init")
		return nil
	})
	o.Registry().OnRecovery(func(context.Context) error {
		order = append(order, "callback")
		return nil
	})

	o.State().IncrementCritical()
	o.State().IncrementCritical()
	o.State().IncrementCritical()

	outcome, err := o.Recover(context.Background(), trigger())
	require.NoError(t, err)
	require.NoError(t, outcome.Err)

	assert.Equal(t, PhaseIdle, outcome.Phase)
	assert.Equal(t, []string{"reset", "init", "callback"}, order)

	names := make([]string, 0, len(outcome.Steps))
	for _, s := range outcome.Steps {
		names = append(names, s.Name)
		assert.NoError(t, s.Err)
	}
	assert.Equal(t, []string{StepCancelTimers, StepResetBindings, StepResetState, StepReinitialize, StepCallbacks}, names)

	timeouts, intervals := o.Timers().Len()
	assert.Zero(t, timeouts+intervals)
	assert.Equal(t, 1, o.Subscriptions().Handlers("editor", "input"))

	keys, err := kv.Keys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"security_incidents"}, keys)

	snap := o.State().Snapshot()
	assert.False(t, snap.IsRecovering)
	assert.Zero(t, snap.CriticalCount)
	assert.False(t, snap.LastRecovery.IsZero())
	assert.Equal(t, []string{"recovery completed"}, notifier.toasts)
}

func TestFailingStepsDoNotAbortLaterSteps(t *testing.T) {
	o := newTestOrchestrator(Options{})

	initRan := false
	callbackRan := false
	o.Registry().RegisterReset("flaky", func(context.Context) error { return errors.New("no storage") })
	o.Registry().RegisterReset("broken", func(context.Context) error { panic("nil map") })
	o.Registry().RegisterInit("ui", func(context.Context) error {
		initRan = true
		return nil
	})
	o.Registry().OnRecovery(func(context.Context) error { panic("callback blew up") })
	o.Registry().OnRecovery(func(context.Context) error {
		callbackRan = true
		return nil
	})

	outcome, err := o.Recover(context.Background(), trigger())
	require.NoError(t, err)

	assert.Equal(t, PhaseIdle, outcome.Phase)
	assert.True(t, initRan)
	assert.True(t, callbackRan)

	failed := outcome.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, StepResetState, failed[0].Name)
	assert.Contains(t, failed[0].Error, "no storage")
	assert.Contains(t, failed[0].Error, "nil map")
	assert.Equal(t, StepCallbacks, failed[1].Name)
}

func TestPanickingStepIsCaptured(t *testing.T) {
	o := newTestOrchestrator(Options{Cleaner: cleanerFunc(func(context.Context) error { panic("gc") })})

	outcome, err := o.Recover(context.Background(), trigger())
	require.NoError(t, err)

	last := outcome.Steps[len(outcome.Steps)-1]
	assert.Equal(t, StepCleanup, last.Name)
	assert.True(t, last.Panicked)
	assert.Equal(t, PhaseIdle, outcome.Phase)
}

type cleanerFunc func(context.Context) error

func (f cleanerFunc) Cleanup(ctx context.Context) error { return f(ctx) }

func TestRecoverRejectsConcurrentRun(t *testing.T) {
	o := newTestOrchestrator(Options{})

	release := make(chan struct{})
	started := make(chan struct{})
	o.Registry().RegisterInit("slow", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := o.Recover(context.Background(), trigger())
		done <- err
	}()
	<-started

	_, err := o.Recover(context.Background(), trigger())
	assert.ErrorIs(t, err, ErrRecoveryInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, o.State().Snapshot().IsRecovering)
}

func TestFatalStepWithDeclinedReloadShowsBanner(t *testing.T) {
	notifier := &recordingNotifier{}
	prompter := &stubPrompter{answer: false}
	reloader := &stubReloader{}
	o := newTestOrchestrator(Options{Notifier: notifier, Prompter: prompter, Reloader: reloader})

	o.Registry().RegisterInit("renderer", func(context.Context) error {
		return fmt.Errorf("renderer gone: %w", fault.ErrFatalStep)
	})

	tr := trigger()
	outcome, err := o.Recover(context.Background(), tr)
	require.NoError(t, err)

	assert.Equal(t, PhaseUnrecoverable, outcome.Phase)
	assert.ErrorIs(t, outcome.Err, fault.ErrFatalStep)
	assert.Equal(t, 1, prompter.asked)
	assert.ErrorIs(t, prompter.err, fault.ErrFatalStep)
	assert.Zero(t, reloader.reloads)

	require.Len(t, notifier.banners, 1)
	assert.Equal(t, tr.Message, notifier.banners[0]["original_error"])
	assert.Contains(t, notifier.banners[0]["remediation_error"], "renderer gone")
	assert.Empty(t, notifier.toasts)

	_, err = o.Recover(context.Background(), tr)
	assert.ErrorIs(t, err, ErrUnrecoverable)

	o.Reset()
	_, err = o.Recover(context.Background(), tr)
	assert.NotErrorIs(t, err, ErrUnrecoverable)
}

func TestFatalStepWithConfirmedReload(t *testing.T) {
	prompter := &stubPrompter{answer: true}
	reloader := &stubReloader{}
	o := newTestOrchestrator(Options{Prompter: prompter, Reloader: reloader})
	o.Registry().RegisterReset("db", func(context.Context) error { return fault.ErrFatalStep })

	outcome, err := o.Recover(context.Background(), trigger())
	require.NoError(t, err)

	assert.True(t, outcome.Reloaded)
	assert.Equal(t, 1, reloader.reloads)
	assert.Equal(t, PhaseIdle, o.State().Snapshot().Phase)
}

func TestStateCounters(t *testing.T) {
	s := NewState()
	assert.Equal(t, 1, s.IncrementCritical())
	sec, crit := s.IncrementSecurity()
	assert.Equal(t, 1, sec)
	assert.Equal(t, 2, crit)

	s.ClearCounts()
	snap := s.Snapshot()
	assert.Zero(t, snap.CriticalCount)
	assert.Zero(t, snap.SecurityCount)
	assert.Equal(t, PhaseIdle, snap.Phase)
}
