package security

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Action is a remediation applied in response to an incident.
type Action string

const (
	ActionBlockNetwork      Action = "block_network"
	ActionInterceptForms    Action = "intercept_forms"
	ActionPurgeElements     Action = "purge_elements"
	ActionBlockingNotice    Action = "blocking_notice"
	ActionInvalidateSession Action = "invalidate_session"
)

// PolicyQuery is the Rego query that yields the action set.
const PolicyQuery = "data.sentinel.security.actions"

//go:embed policies/builtin.rego
var builtinPolicy string

// PolicyInput is the document the action policy is evaluated against.
type PolicyInput struct {
	Message  string `json:"message"`
	Kind     string `json:"kind"`
	Category string `json:"category"`
	Source   string `json:"source"`
}

// Policy decides incident actions with OPA. Operator modules from a policy
// directory are compiled together with the built-in module.
type Policy struct {
	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]string
	logger  zerolog.Logger
}

// NewPolicy compiles the built-in policy.
func NewPolicy(ctx context.Context, logger zerolog.Logger) (*Policy, error) {
	p := &Policy{logger: logger.With().Str("component", "security-policy").Logger()}
	if err := p.Load(ctx, nil); err != nil {
		return nil, err
	}
	return p, nil
}

// Load recompiles the policy from the built-in module plus extra modules,
// keyed by file name. On error the previous policy stays active.
func (p *Policy) Load(ctx context.Context, extra map[string]string) error {
	modules := map[string]string{"builtin.rego": builtinPolicy}
	for name, src := range extra {
		modules[name] = src
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(PolicyQuery)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile security policy: %w", err)
	}

	p.mu.Lock()
	p.query = query
	p.modules = modules
	p.mu.Unlock()

	p.logger.Info().Int("modules", len(modules)).Msg("security policy loaded")
	return nil
}

// LoadDir loads every .rego file in dir alongside the built-in module.
func (p *Policy) LoadDir(ctx context.Context, dir string) error {
	extra, err := readModules(dir)
	if err != nil {
		return err
	}
	return p.Load(ctx, extra)
}

func readModules(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy dir %s: %w", dir, err)
	}

	modules := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path) // #nosec G304 -- operator-configured policy directory
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		modules[e.Name()] = string(data)
	}
	return modules, nil
}

// Modules returns the names of the compiled modules.
func (p *Policy) Modules() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.modules))
	for name := range p.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decide evaluates the policy and returns the actions in sorted order.
func (p *Policy) Decide(ctx context.Context, input PolicyInput) ([]Action, error) {
	p.mu.RLock()
	query := p.query
	p.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"message":  input.Message,
		"kind":     input.Kind,
		"category": input.Category,
		"source":   input.Source,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate security policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	values, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("security policy returned %T, want a set of strings", rs[0].Expressions[0].Value)
	}

	actions := make([]Action, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("security policy returned non-string action %v", v)
		}
		actions = append(actions, Action(s))
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions, nil
}
