package monitor

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/recovery"
	"github.com/openfroyo/sentinel/pkg/surface"
	"github.com/openfroyo/sentinel/pkg/telemetry"
)

const mib = 1 << 20

// Config configures the monitor.
type Config struct {
	// Interval is the sampling period.
	Interval time.Duration `yaml:"interval" json:"interval" validate:"gt=0"`

	// AbsoluteThreshold reports usage above this many bytes regardless of the limit.
	AbsoluteThreshold uint64 `yaml:"absolute_threshold" json:"absolute_threshold"`

	// ReportRatio and CleanupRatio are fractions of the limit.
	ReportRatio  float64 `yaml:"report_ratio" json:"report_ratio" validate:"gt=0,lte=1"`
	CleanupRatio float64 `yaml:"cleanup_ratio" json:"cleanup_ratio" validate:"gt=0,lte=1,gtefield=ReportRatio"`

	// MemoryLimit overrides the limit used by the runtime sampler. Zero
	// uses the Go memory limit or, failing that, memory obtained from the OS.
	MemoryLimit uint64 `yaml:"memory_limit" json:"memory_limit"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          10 * time.Second,
		AbsoluteThreshold: 256 * mib,
		ReportRatio:       0.80,
		CleanupRatio:      0.85,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid monitor config: %w", err)
	}
	return nil
}

// Usage is a memory sample in bytes.
type Usage struct {
	Used  uint64 `json:"used"`
	Limit uint64 `json:"limit"`
}

// Ratio returns Used/Limit, or 0 without a limit.
func (u Usage) Ratio() float64 {
	if u.Limit == 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Limit)
}

// Sampler reads current memory usage.
type Sampler interface {
	Sample() Usage
}

// RuntimeSampler samples the Go heap.
type RuntimeSampler struct {
	Limit uint64
}

// Sample implements Sampler.
func (s RuntimeSampler) Sample() Usage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := s.Limit
	if limit == 0 {
		if l := debug.SetMemoryLimit(-1); l > 0 && l != math.MaxInt64 {
			limit = uint64(l)
		} else {
			limit = ms.Sys
		}
	}
	return Usage{Used: ms.HeapAlloc, Limit: limit}
}

// Reporter receives memory faults.
type Reporter func(kind fault.Kind, message string, attrs map[string]any)

// Cleaner drops retained diagnostic history under memory pressure.
type Cleaner interface {
	TrimHistory() int
}

// Options wires the monitor's collaborators.
type Options struct {
	// Sampler defaults to a RuntimeSampler using Config.MemoryLimit.
	Sampler  Sampler
	Reporter Reporter
	Cleaner  Cleaner
	Elements *surface.Elements

	// Collect forces a garbage collection. Defaults to runtime.GC followed
	// by debug.FreeOSMemory.
	Collect func()

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Clock   func() time.Time

	// Timers schedules the sampling tick. Nil creates a private set.
	Timers *recovery.Timers
}

// Result describes one sample.
type Result struct {
	Usage    Usage   `json:"usage"`
	Ratio    float64 `json:"ratio"`
	Reported bool    `json:"reported"`
	Cleaned  bool    `json:"cleaned"`
	Skipped  bool    `json:"skipped,omitempty"`
}

// Monitor samples memory periodically, reports pressure and releases
// memory when usage is high.
type Monitor struct {
	cfg      Config
	sampler  Sampler
	reporter Reporter
	cleaner  Cleaner
	elements *surface.Elements
	collect  func()
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	timers   *recovery.Timers
	now      func() time.Time

	mu         sync.Mutex
	lastSample time.Time
	ticker     *recovery.Handle
}

// New creates a monitor.
func New(cfg Config, opts Options) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		cfg:      cfg,
		sampler:  opts.Sampler,
		reporter: opts.Reporter,
		cleaner:  opts.Cleaner,
		elements: opts.Elements,
		collect:  opts.Collect,
		logger:   opts.Logger.With().Str("component", "monitor").Logger(),
		metrics:  opts.Metrics,
		timers:   opts.Timers,
		now:      opts.Clock,
	}
	if m.sampler == nil {
		m.sampler = RuntimeSampler{Limit: cfg.MemoryLimit}
	}
	if m.collect == nil {
		m.collect = func() {
			runtime.GC()
			debug.FreeOSMemory()
		}
	}
	if m.timers == nil {
		m.timers = recovery.NewTimers()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Start begins periodic sampling. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != nil {
		return
	}
	m.ticker = m.timers.Every(m.cfg.Interval, func() {
		if ctx.Err() != nil {
			m.Stop()
			return
		}
		m.tick(ctx)
	})
	m.logger.Debug().Dur("interval", m.cfg.Interval).Msg("memory monitor started")
}

// Stop ends periodic sampling. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	ticker := m.ticker
	m.ticker = nil
	m.mu.Unlock()
	if ticker.Stop() {
		m.logger.Debug().Msg("memory monitor stopped")
	}
}

// tick samples unless the previous sample is more recent than the interval.
func (m *Monitor) tick(ctx context.Context) Result {
	now := m.now()
	m.mu.Lock()
	if !m.lastSample.IsZero() && now.Sub(m.lastSample) < m.cfg.Interval {
		m.mu.Unlock()
		return Result{Skipped: true}
	}
	m.mu.Unlock()
	return m.Check(ctx)
}

// Check takes one sample immediately and acts on it.
func (m *Monitor) Check(ctx context.Context) Result {
	m.mu.Lock()
	m.lastSample = m.now()
	m.mu.Unlock()

	usage := m.sampler.Sample()
	ratio := usage.Ratio()
	m.metrics.SetHeapUsage(ratio)

	res := Result{Usage: usage, Ratio: ratio}

	overAbsolute := m.cfg.AbsoluteThreshold > 0 && usage.Used > m.cfg.AbsoluteThreshold
	if overAbsolute || ratio > m.cfg.ReportRatio {
		res.Reported = true
		m.logger.Warn().Uint64("used", usage.Used).Uint64("limit", usage.Limit).Float64("ratio", ratio).Msg("high memory usage")
		if m.reporter != nil {
			msg := fmt.Sprintf("High memory usage: %.1f%% of limit (%d MiB used)", ratio*100, usage.Used/mib)
			m.reporter(fault.KindMemory, msg, map[string]any{"usage": ratio, "used": usage.Used, "limit": usage.Limit})
		}
	}

	if ratio > m.cfg.CleanupRatio && ctx.Err() == nil {
		res.Cleaned = true
		m.cleanup()
	}
	return res
}

// Cleanup releases memory immediately. It satisfies recovery.Cleaner so a
// completed recovery can run the same cleanup.
func (m *Monitor) Cleanup(context.Context) error {
	m.cleanup()
	return nil
}

func (m *Monitor) cleanup() {
	trimmed := 0
	if m.cleaner != nil {
		trimmed = m.cleaner.TrimHistory()
	}
	m.collect()
	removed := 0
	if m.elements != nil {
		removed = m.elements.RemoveTemporary()
	}
	m.logger.Info().Int("history_trimmed", trimmed).Int("elements_removed", removed).Msg("memory cleanup completed")
}
