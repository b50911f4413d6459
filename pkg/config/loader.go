package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Format is a configuration file format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SENTINEL_"

// ValidationError is a schema violation with its source position.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// SchemaError collects every violation reported for one file.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config format: %s", path)
	}
}

// Load reads path over the defaults, applies SENTINEL_* overrides from the
// environment and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		format, err := FormatFromPath(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeInto(cfg, data, format, path); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBytes decodes data over the defaults and validates the result. The
// environment is not consulted.
func LoadBytes(data []byte, format Format) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, data, format, "inline"); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, data []byte, format Format, name string) error {
	switch format {
	case FormatYAML:
		return decodeYAML(cfg, data)
	case FormatCUE:
		jsonData, err := compileCUE(data, name)
		if err != nil {
			return err
		}
		// JSON is valid YAML; decoding through yaml.v3 keeps duration strings.
		return decodeYAML(cfg, jsonData)
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
}

func decodeYAML(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// compileCUE unifies the source with the embedded #Config schema and
// exports it as JSON.
func compileCUE(data []byte, name string) ([]byte, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, &SchemaError{Errors: convertCUEErrors(err)}
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &SchemaError{Errors: convertCUEErrors(err)}
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export config: %w", err)
	}
	return out, nil
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// LookupFunc reads an environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays SENTINEL_* variables onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("ENVIRONMENT", &cfg.Telemetry.Environment)
	str("LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	str("LOG_FORMAT", &cfg.Telemetry.Logging.Format)
	str("LOG_OUTPUT", &cfg.Telemetry.Logging.Output)
	str("METRICS_ADDR", &cfg.Telemetry.Metrics.ListenAddress)
	boolean("TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	str("TRACING_EXPORTER", &cfg.Telemetry.Tracing.Exporter)
	str("OTLP_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)

	str("DATA_DIR", &cfg.Storage.DataDir)
	boolean("IN_MEMORY", &cfg.Storage.InMemory)

	str("AUDIT_MIN_LEVEL", &cfg.Audit.MinLevel)
	integer("AUDIT_BATCH_SIZE", &cfg.Audit.BatchSize)
	integer("AUDIT_MAX_LOGS", &cfg.Audit.MaxLogs)
	duration("AUDIT_FLUSH_INTERVAL", &cfg.Audit.FlushInterval)

	integer("CRITICAL_THRESHOLD", &cfg.Escalation.CriticalThreshold)
	duration("COOLDOWN", &cfg.Escalation.Cooldown)

	str("HOOKS_DIR", &cfg.Recovery.HooksDir)

	str("POLICY_DIR", &cfg.Security.PolicyDir)
	boolean("WATCH_POLICIES", &cfg.Security.WatchPolicies)
	str("SINK_URL", &cfg.Security.SinkURL)

	boolean("MONITOR_ENABLED", &cfg.Monitor.Enabled)

	return errors.Join(errs...)
}
