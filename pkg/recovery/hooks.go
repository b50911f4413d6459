package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/sentinel/pkg/fault"
)

// DefaultHookTimeout bounds a single hook script run.
const DefaultHookTimeout = 5 * time.Second

type triggerKey struct{}

// Trigger is the fault that started a recovery.
type Trigger struct {
	Record   fault.Record
	Severity fault.Severity
}

// WithTrigger attaches the triggering fault to ctx.
func WithTrigger(ctx context.Context, rec fault.Record, severity fault.Severity) context.Context {
	return context.WithValue(ctx, triggerKey{}, Trigger{Record: rec, Severity: severity})
}

// TriggerFrom returns the triggering fault attached to ctx.
func TriggerFrom(ctx context.Context) (Trigger, bool) {
	t, ok := ctx.Value(triggerKey{}).(Trigger)
	return t, ok
}

// ScriptHook runs an operator-supplied Starlark script as a recovery init
// handler. The script sees a predeclared fault struct with message, kind and
// severity fields and a log(msg) builtin. Calling fail() aborts the hook with
// an error.
type ScriptHook struct {
	name    string
	source  string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewScriptHook creates a hook. A zero timeout uses DefaultHookTimeout.
func NewScriptHook(name, source string, timeout time.Duration, logger zerolog.Logger) *ScriptHook {
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	return &ScriptHook{
		name:    name,
		source:  source,
		timeout: timeout,
		logger:  logger.With().Str("hook", name).Logger(),
	}
}

// LoadScriptHooks reads every *.star file in dir, sorted by name.
func LoadScriptHooks(dir string, timeout time.Duration, logger zerolog.Logger) ([]*ScriptHook, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return nil, fmt.Errorf("failed to list hook scripts: %w", err)
	}
	sort.Strings(matches)

	hooks := make([]*ScriptHook, 0, len(matches))
	for _, path := range matches {
		src, err := os.ReadFile(path) // #nosec G304 -- operator-configured hook directory
		if err != nil {
			return nil, fmt.Errorf("failed to read hook %s: %w", path, err)
		}
		hooks = append(hooks, NewScriptHook(filepath.Base(path), string(src), timeout, logger))
	}
	return hooks, nil
}

// Name returns the hook name.
func (h *ScriptHook) Name() string {
	return h.name
}

// Handler adapts the hook for Registry.RegisterInit.
func (h *ScriptHook) Handler() HandlerFunc {
	return func(ctx context.Context) error {
		trigger, _ := TriggerFrom(ctx)
		return h.Run(ctx, trigger)
	}
}

// Run executes the script for trigger under the hook timeout.
func (h *ScriptHook) Run(ctx context.Context, trigger Trigger) error {
	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "recovery:" + h.name,
		Print: func(_ *starlark.Thread, msg string) {
			h.logger.Debug().Msg(msg)
		},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			thread.Cancel(fmt.Sprintf("hook %s timed out after %v", h.name, h.timeout))
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"fault": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"id":       starlark.String(trigger.Record.ID),
			"message":  starlark.String(trigger.Record.Message),
			"kind":     starlark.String(string(trigger.Record.Kind)),
			"severity": starlark.String(trigger.Severity.String()),
			"source":   starlark.String(trigger.Record.Source),
		}),
		"log": starlark.NewBuiltin("log", h.builtinLog),
	}

	if _, err := starlark.ExecFile(thread, h.name, h.source, predeclared); err != nil {
		return fmt.Errorf("hook %s failed: %w", h.name, err)
	}
	return nil
}

func (h *ScriptHook) builtinLog(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}
	h.logger.Info().Msg(msg)
	return starlark.None, nil
}
