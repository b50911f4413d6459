package security

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(context.Background(), zerolog.Nop())
	require.NoError(t, err)
	return p
}

func TestBuiltinPolicyActions(t *testing.T) {
	p := newTestPolicy(t)
	ctx := context.Background()

	actions, err := p.Decide(ctx, PolicyInput{Message: "XSS attempt <script>", Kind: "security", Category: "security"})
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionBlockNetwork, ActionBlockingNotice, ActionInterceptForms, ActionPurgeElements}, actions)

	actions, err = p.Decide(ctx, PolicyInput{Message: "CSRF token mismatch"})
	require.NoError(t, err)
	assert.Contains(t, actions, ActionInvalidateSession)

	actions, err = p.Decide(ctx, PolicyInput{Message: "blocked Cross-Site Request"})
	require.NoError(t, err)
	assert.Contains(t, actions, ActionInvalidateSession)
}

func TestDefaultActionsMatchBuiltin(t *testing.T) {
	p := newTestPolicy(t)
	for _, msg := range []string{"xss detected", "csrf failure"} {
		want, err := p.Decide(context.Background(), PolicyInput{Message: msg})
		require.NoError(t, err)
		assert.Equal(t, want, DefaultActions(msg), msg)
	}
}

func TestPolicyLoadDirAddsRules(t *testing.T) {
	dir := t.TempDir()
	extra := `package sentinel.security

actions contains "invalidate_session" if input.kind == "manual"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manual.rego"), []byte(extra), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	p := newTestPolicy(t)
	require.NoError(t, p.LoadDir(context.Background(), dir))
	assert.Equal(t, []string{"builtin.rego", "manual.rego"}, p.Modules())

	actions, err := p.Decide(context.Background(), PolicyInput{Message: "injected", Kind: "manual"})
	require.NoError(t, err)
	assert.Contains(t, actions, ActionInvalidateSession)
}

func TestPolicyInvalidModuleKeepsPrevious(t *testing.T) {
	p := newTestPolicy(t)
	err := p.Load(context.Background(), map[string]string{"broken.rego": "package sentinel.security\nactions contains"})
	require.Error(t, err)

	assert.Equal(t, []string{"builtin.rego"}, p.Modules())
	actions, err := p.Decide(context.Background(), PolicyInput{Message: "xss"})
	require.NoError(t, err)
	assert.Len(t, actions, 4)
}

func TestPolicyWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	p := newTestPolicy(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewPolicyWatcher(p, dir, 50*time.Millisecond, zerolog.Nop())
	require.NoError(t, w.Start(ctx))
	defer func() { assert.NoError(t, w.Stop()) }()

	extra := `package sentinel.security

actions contains "invalidate_session" if contains(input.message, "session hijack")
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hijack.rego"), []byte(extra), 0o600))

	require.Eventually(t, func() bool { return w.Reloads() >= 1 }, 5*time.Second, 20*time.Millisecond)

	actions, err := p.Decide(ctx, PolicyInput{Message: "possible session hijack"})
	require.NoError(t, err)
	assert.Contains(t, actions, ActionInvalidateSession)
}
