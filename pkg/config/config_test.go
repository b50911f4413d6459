package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/sentinel/pkg/stores"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Audit.BatchSize)
	assert.Equal(t, 3, cfg.Escalation.CriticalThreshold)
	assert.Equal(t, 30*time.Second, cfg.Escalation.Cooldown)
	assert.Equal(t, 5*time.Minute, cfg.Security.Suspension)
	assert.Equal(t, 10*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, filepath.Join(".sentinel", "sentinel.db"), cfg.Storage.SQLite().Path)
}

func TestLoadYAML(t *testing.T) {
	data := []byte(`
storage:
  in_memory: true
audit:
  batch_size: 5
  flush_interval: 2s
  min_level: warn
escalation:
  cooldown: 1m
security:
  sink_url: https://collector.example.com/incidents
monitor:
  enabled: false
  report_ratio: 0.7
  cleanup_ratio: 0.9
classifier:
  rules:
    - pattern: renderer crashed
      severity: critical
      category: runtime
`)
	cfg, err := LoadBytes(data, FormatYAML)
	require.NoError(t, err)

	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, stores.MemoryPath, cfg.Storage.SQLite().Path)
	assert.Equal(t, 5, cfg.Audit.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Audit.FlushInterval)
	assert.Equal(t, "warn", cfg.Audit.MinLevel)
	assert.Equal(t, 1000, cfg.Audit.MaxLogs)
	assert.Equal(t, time.Minute, cfg.Escalation.Cooldown)
	assert.False(t, cfg.Monitor.Enabled)
	assert.InDelta(t, 0.7, cfg.Monitor.ReportRatio, 1e-9)

	opts, err := cfg.ClassifierOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	_, err := LoadBytes([]byte("audit:\n  batchsize: 5\n"), FormatYAML)
	assert.Error(t, err)
}

func TestLoadCUE(t *testing.T) {
	data := []byte(`
audit: {
	batch_size:     20
	flush_interval: "10s"
}
escalation: critical_threshold: 5
recovery: purge_prefixes: ["app_", "cache_"]
monitor: memory_limit: 536870912
`)
	cfg, err := LoadBytes(data, FormatCUE)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Audit.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Audit.FlushInterval)
	assert.Equal(t, 5, cfg.Escalation.CriticalThreshold)
	assert.Equal(t, []string{"app_", "cache_"}, cfg.Recovery.PurgePrefixes)
	assert.Equal(t, uint64(536870912), cfg.Monitor.MemoryLimit)
	assert.Equal(t, "sentinel", cfg.Telemetry.ServiceName)
}

func TestLoadCUESchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"below minimum", `audit: batch_size: 0`},
		{"bad duration", `escalation: cooldown: "soon"`},
		{"unknown field", `audit: batchsize: 3`},
		{"bad enum", `audit: min_level: "verbose"`},
		{"ratio out of range", `monitor: report_ratio: 1.5`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.src), FormatCUE)
			var schemaErr *SchemaError
			require.ErrorAs(t, err, &schemaErr)
			assert.NotEmpty(t, schemaErr.Errors)
		})
	}
}

func TestValidateCrossField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"cleanup below report", func(c *Config) { c.Monitor.CleanupRatio = 0.5 }},
		{"evict above cap", func(c *Config) { c.Audit.FallbackEvict = c.Audit.FallbackCap + 1 }},
		{"security above critical", func(c *Config) { c.Escalation.SecurityThreshold = 4 }},
		{"watch without dir", func(c *Config) { c.Security.WatchPolicies = true }},
		{"bad rule pattern", func(c *Config) {
			c.Classifier.Rules = []RuleConfig{{Pattern: "(", Severity: "high"}}
		}},
		{"missing data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SENTINEL_LOG_LEVEL":          "debug",
		"SENTINEL_DATA_DIR":           "/var/lib/sentinel",
		"SENTINEL_COOLDOWN":           "45s",
		"SENTINEL_CRITICAL_THRESHOLD": "4",
		"SENTINEL_MONITOR_ENABLED":    "false",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg, lookup))
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
	assert.Equal(t, "/var/lib/sentinel", cfg.Storage.DataDir)
	assert.Equal(t, 45*time.Second, cfg.Escalation.Cooldown)
	assert.Equal(t, 4, cfg.Escalation.CriticalThreshold)
	assert.False(t, cfg.Monitor.Enabled)

	env["SENTINEL_COOLDOWN"] = "later"
	assert.Error(t, ApplyEnv(Default(), lookup))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yml")
	require.NoError(t, os.WriteFile(path, []byte("audit:\n  max_logs: 500\n"), 0o600))

	t.Setenv("SENTINEL_AUDIT_BATCH_SIZE", "7")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Audit.MaxLogs)
	assert.Equal(t, 7, cfg.Audit.BatchSize)

	_, err = Load(filepath.Join(dir, "sentinel.toml"))
	assert.Error(t, err)
}
