package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/sentinel/pkg/fault"
	"github.com/openfroyo/sentinel/pkg/surface"
)

type fixedSampler struct {
	mu    sync.Mutex
	usage Usage
}

func (s *fixedSampler) Sample() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *fixedSampler) set(used, limit uint64) {
	s.mu.Lock()
	s.usage = Usage{Used: used, Limit: limit}
	s.mu.Unlock()
}

type report struct {
	kind  fault.Kind
	attrs map[string]any
}

type recorder struct {
	mu      sync.Mutex
	reports []report
}

func (r *recorder) report(kind fault.Kind, _ string, attrs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{kind: kind, attrs: attrs})
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

type countingCleaner struct{ calls int }

func (c *countingCleaner) TrimHistory() int {
	c.calls++
	return 10
}

func TestCheckThresholds(t *testing.T) {
	tests := []struct {
		name        string
		used, limit uint64
		reported    bool
		cleaned     bool
	}{
		{"low", 50 * mib, 200 * mib, false, false},
		{"at report ratio", 80 * mib, 100 * mib, false, false},
		{"above report ratio", 82 * mib, 100 * mib, true, false},
		{"above cleanup ratio", 90 * mib, 100 * mib, true, true},
		{"absolute", 300 * mib, 1024 * mib, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sampler := &fixedSampler{}
			sampler.set(tt.used, tt.limit)
			rec := &recorder{}
			cleaner := &countingCleaner{}
			collected := 0

			elements := surface.NewElements()
			require.NoError(t, elements.Register(surface.Element{ID: "preview", Temporary: true}))

			m, err := New(DefaultConfig(), Options{
				Sampler:  sampler,
				Reporter: rec.report,
				Cleaner:  cleaner,
				Elements: elements,
				Collect:  func() { collected++ },
				Logger:   zerolog.Nop(),
			})
			require.NoError(t, err)

			res := m.Check(context.Background())
			assert.Equal(t, tt.reported, res.Reported)
			assert.Equal(t, tt.cleaned, res.Cleaned)

			if tt.reported {
				require.Equal(t, 1, rec.len())
				assert.Equal(t, fault.KindMemory, rec.reports[0].kind)
				assert.InDelta(t, res.Ratio, rec.reports[0].attrs["usage"], 1e-9)
			} else {
				assert.Zero(t, rec.len())
			}

			if tt.cleaned {
				assert.Equal(t, 1, cleaner.calls)
				assert.Equal(t, 1, collected)
				assert.Zero(t, elements.Len())
			} else {
				assert.Zero(t, cleaner.calls)
				assert.Equal(t, 1, elements.Len())
			}
		})
	}
}

func TestTickSkipsEarlySamples(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var offset atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(offset.Load())) }

	sampler := &fixedSampler{}
	sampler.set(10*mib, 100*mib)
	m, err := New(DefaultConfig(), Options{Sampler: sampler, Logger: zerolog.Nop(), Clock: clock})
	require.NoError(t, err)

	assert.False(t, m.tick(context.Background()).Skipped)

	offset.Store(int64(3 * time.Second))
	assert.True(t, m.tick(context.Background()).Skipped)

	offset.Store(int64(10 * time.Second))
	assert.False(t, m.tick(context.Background()).Skipped)
}

func TestStartAndStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond

	sampler := &fixedSampler{}
	sampler.set(95*mib, 100*mib)
	rec := &recorder{}

	m, err := New(cfg, Options{Sampler: sampler, Reporter: rec.report, Collect: func() {}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool { return rec.len() >= 1 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()

	_, intervals := m.timers.Len()
	assert.Zero(t, intervals)
}

func TestRuntimeSampler(t *testing.T) {
	u := RuntimeSampler{Limit: 1 << 40}.Sample()
	assert.Positive(t, u.Used)
	assert.Equal(t, uint64(1<<40), u.Limit)

	u = RuntimeSampler{}.Sample()
	assert.Positive(t, u.Limit)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupRatio = 0.5
	_, err := New(cfg, Options{})
	assert.Error(t, err)
}

func TestCleanupRunsWithoutSample(t *testing.T) {
	cleaner := &countingCleaner{}
	collected := 0
	m, err := New(DefaultConfig(), Options{
		Sampler: &fixedSampler{},
		Cleaner: cleaner,
		Collect: func() { collected++ },
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(context.Background()))
	assert.Equal(t, 1, cleaner.calls)
	assert.Equal(t, 1, collected)
}
