package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/sentinel/pkg/audit"
	"github.com/openfroyo/sentinel/pkg/escalation"
	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/monitor"
	"github.com/openfroyo/sentinel/pkg/notify"
	"github.com/openfroyo/sentinel/pkg/recovery"
	"github.com/openfroyo/sentinel/pkg/security"
	"github.com/openfroyo/sentinel/pkg/stores"
	"github.com/openfroyo/sentinel/pkg/telemetry"
)

// Config is the complete sentinel configuration.
type Config struct {
	Telemetry  telemetry.Config  `yaml:"telemetry" json:"telemetry"`
	Storage    StorageConfig     `yaml:"storage" json:"storage"`
	Audit      audit.Config      `yaml:"audit" json:"audit"`
	Notify     notify.Config     `yaml:"notify" json:"notify"`
	Escalation escalation.Config `yaml:"escalation" json:"escalation"`
	Recovery   RecoveryConfig    `yaml:"recovery" json:"recovery"`
	Security   security.Config   `yaml:"security" json:"security"`
	Monitor    MonitorConfig     `yaml:"monitor" json:"monitor"`
	Classifier ClassifierConfig  `yaml:"classifier" json:"classifier"`
}

// StorageConfig locates the primary and fallback stores.
type StorageConfig struct {
	// DataDir holds sentinel.db and the kv directory.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required_without=InMemory"`

	// InMemory keeps both stores in memory. Nothing survives a restart.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`
}

// SQLite returns the primary store configuration.
func (s StorageConfig) SQLite() stores.Config {
	if s.InMemory {
		return stores.Config{Path: stores.MemoryPath}
	}
	return stores.Config{Path: filepath.Join(s.DataDir, "sentinel.db")}
}

// KV returns the fallback store configuration.
func (s StorageConfig) KV() stores.KVConfig {
	if s.InMemory {
		return stores.InMemoryKVConfig()
	}
	cfg := stores.DefaultKVConfig(filepath.Join(s.DataDir, "kv"))
	cfg.SyncWrites = s.SyncWrites
	return cfg
}

// RecoveryConfig configures the orchestrator and its hook scripts.
type RecoveryConfig struct {
	recovery.Config `yaml:",inline"`

	// HooksDir holds Starlark *.star scripts run as init handlers.
	HooksDir string `yaml:"hooks_dir" json:"hooks_dir"`

	HookTimeout time.Duration `yaml:"hook_timeout" json:"hook_timeout" validate:"gte=0"`
}

// MonitorConfig configures the memory monitor.
type MonitorConfig struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	monitor.Config `yaml:",inline"`
}

// ClassifierConfig adds operator classification rules.
type ClassifierConfig struct {
	Rules []RuleConfig `yaml:"rules" json:"rules" validate:"dive"`
}

// RuleConfig is one extra classification rule.
type RuleConfig struct {
	Pattern  string `yaml:"pattern" json:"pattern" validate:"required"`
	Severity string `yaml:"severity" json:"severity" validate:"oneof=info warning high critical security"`
	Category string `yaml:"category" json:"category"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Telemetry:  *telemetry.DefaultConfig(),
		Storage:    StorageConfig{DataDir: ".sentinel", SyncWrites: true},
		Audit:      audit.DefaultConfig(),
		Notify:     notify.DefaultConfig(),
		Escalation: escalation.DefaultConfig(),
		Recovery: RecoveryConfig{
			Config:      recovery.Config{PurgePrefixes: recovery.DefaultPurgePrefixes},
			HookTimeout: recovery.DefaultHookTimeout,
		},
		Security: security.DefaultConfig(),
		Monitor:  MonitorConfig{Enabled: true, Config: monitor.DefaultConfig()},
	}
}

// ClassifierOptions converts the configured rules.
func (c *Config) ClassifierOptions() ([]fault.ClassifierOption, error) {
	opts := make([]fault.ClassifierOption, 0, len(c.Classifier.Rules))
	for i, r := range c.Classifier.Rules {
		if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
			return nil, fmt.Errorf("classifier rule %d: invalid pattern: %w", i, err)
		}
		sev, err := fault.ParseSeverity(r.Severity)
		if err != nil {
			return nil, fmt.Errorf("classifier rule %d: %w", i, err)
		}
		cat := fault.Category(r.Category)
		if cat == "" {
			cat = fault.CategoryGeneral
		}
		opts = append(opts, fault.WithRule(r.Pattern, sev, cat))
	}
	return opts, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	v := validator.New()
	if err := v.Struct(c.Storage); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}
	if err := v.Struct(c.Notify); err != nil {
		return fmt.Errorf("invalid notify config: %w", err)
	}
	if err := v.Struct(c.Escalation); err != nil {
		return fmt.Errorf("invalid escalation config: %w", err)
	}
	if err := v.Struct(c.Recovery); err != nil {
		return fmt.Errorf("invalid recovery config: %w", err)
	}
	if err := v.Struct(c.Classifier); err != nil {
		return fmt.Errorf("invalid classifier config: %w", err)
	}

	var errs []error
	for _, check := range []func() error{c.Audit.Validate, c.Security.Validate, c.Monitor.Config.Validate} {
		if err := check(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Escalation.SecurityThreshold > c.Escalation.CriticalThreshold {
		errs = append(errs, fmt.Errorf("security threshold %d exceeds critical threshold %d",
			c.Escalation.SecurityThreshold, c.Escalation.CriticalThreshold))
	}
	if c.Security.WatchPolicies && c.Security.PolicyDir == "" {
		errs = append(errs, errors.New("watch_policies requires policy_dir"))
	}
	if _, err := c.ClassifierOptions(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
