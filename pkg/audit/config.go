package audit

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config configures the audit writer.
type Config struct {
	// BatchSize is the buffer length that triggers an asynchronous flush.
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"gte=1"`

	// MaxLogs bounds the primary store. Exceeding it evicts the oldest 20%.
	MaxLogs int `yaml:"max_logs" json:"max_logs" validate:"gte=5"`

	// FlushInterval is the period of the background flush.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval" validate:"gt=0"`

	// MinLevel drops entries below this level (debug, info, warn, error, critical).
	MinLevel string `yaml:"min_level" json:"min_level" validate:"oneof=debug info warn error critical"`

	// PrimaryFailureLimit is the number of consecutive primary write failures
	// after which flushes go to the fallback store.
	PrimaryFailureLimit int `yaml:"primary_failure_limit" json:"primary_failure_limit" validate:"gte=1"`

	// FallbackCap and FallbackEvict bound the fallback error log.
	FallbackCap   int `yaml:"fallback_cap" json:"fallback_cap" validate:"gte=1"`
	FallbackEvict int `yaml:"fallback_evict" json:"fallback_evict" validate:"gte=1,ltefield=FallbackCap"`
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:           10,
		MaxLogs:             1000,
		FlushInterval:       5 * time.Second,
		MinLevel:            "info",
		PrimaryFailureLimit: 3,
		FallbackCap:         200,
		FallbackEvict:       50,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid audit config: %w", err)
	}
	return nil
}

func (c Config) minLevel() Level {
	lvl, err := ParseLevel(c.MinLevel)
	if err != nil {
		return LevelInfo
	}
	return lvl
}

// rotationCount is the number of entries evicted per rotation.
func (c Config) rotationCount() int {
	return c.MaxLogs / 5
}
