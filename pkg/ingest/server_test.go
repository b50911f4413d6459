package ingest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/sentinel/pkg/notify"
)

type report struct {
	kind, message string
	ctx           map[string]any
}

type fakeHandler struct {
	mu       sync.Mutex
	reports  []report
	bus      *notify.Bus
	statsErr error
}

func (h *fakeHandler) Report(kind, message string, ctx map[string]any) {
	h.mu.Lock()
	h.reports = append(h.reports, report{kind, message, ctx})
	h.mu.Unlock()
	if h.bus != nil && kind == "security" {
		_ = h.bus.Toast(notify.LevelSecurity, "Security", message, "test")
	}
}

func (h *fakeHandler) Stats(_ context.Context, scope string) (interface{}, error) {
	if h.statsErr != nil {
		return nil, h.statsErr
	}
	return map[string]interface{}{"scope": scope, "total": len(h.reports)}, nil
}

func decodeAll(t *testing.T, out *bytes.Buffer) []Frame {
	t.Helper()
	dec := NewDecoder(out)
	var frames []Frame
	for {
		f, err := dec.Decode()
		if err != nil {
			break
		}
		frames = append(frames, f)
	}
	return frames
}

func TestServeReportsAndStats(t *testing.T) {
	cfg := notify.DefaultConfig()
	cfg.Async = false
	bus := notify.NewBus(cfg, zerolog.Nop())
	h := &fakeHandler{bus: bus}
	srv := NewServer(h, bus, zerolog.Nop())

	input := strings.Join([]string{
		`{"type":"REPORT","timestamp":"2026-01-02T15:04:05Z","data":{"id":"1","kind":"script","message":"TypeError: x is undefined","context":{"source":"app.js:10"}}}`,
		`{"type":"REPORT","timestamp":"2026-01-02T15:04:05Z","data":{"id":"2","kind":"security","message":"XSS attempt"}}`,
		`{"type":"REPORT","timestamp":"2026-01-02T15:04:05Z","data":{"id":"3","kind":"script"}}`,
		`{"type":"STATS","timestamp":"2026-01-02T15:04:05Z","data":{"id":"s","scope":"errors"}}`,
		`garbage`,
		`{"type":"ACK","timestamp":"2026-01-02T15:04:05Z"}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(input), &out))

	require.Len(t, h.reports, 2)
	assert.Equal(t, "app.js:10", h.reports[0].ctx["source"])
	assert.Equal(t, int64(2), srv.Reports())

	frames := decodeAll(t, &out)
	types := make([]FrameType, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	assert.Equal(t, []FrameType{
		FrameAck,
		FrameNotice, FrameAck,
		FrameError,
		FrameStatsResult,
		FrameError,
		FrameError,
	}, types)

	var notice NoticeFrame
	require.NoError(t, DecodeData(frames[1], &notice))
	assert.Equal(t, notify.LevelSecurity, notice.Level)

	var bad ErrorFrame
	require.NoError(t, DecodeData(frames[3], &bad))
	assert.Equal(t, "3", bad.ID)
	assert.Equal(t, CodeBadRequest, bad.Code)

	var res StatsResultFrame
	require.NoError(t, DecodeData(frames[4], &res))
	assert.Equal(t, ScopeErrors, res.Scope)

	require.NoError(t, DecodeData(frames[6], &bad))
	assert.Equal(t, CodeUnsupported, bad.Code)
}

func TestServeStatsFailure(t *testing.T) {
	srv := NewServer(&fakeHandler{statsErr: errors.New("store offline")}, nil, zerolog.Nop())

	var out bytes.Buffer
	input := `{"type":"STATS","timestamp":"2026-01-02T15:04:05Z"}`
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(input), &out))

	frames := decodeAll(t, &out)
	require.Len(t, frames, 1)
	var ef ErrorFrame
	require.NoError(t, DecodeData(frames[0], &ef))
	assert.Equal(t, CodeInternal, ef.Code)
	assert.Contains(t, ef.Message, "store offline")
}

func TestServeStopsOnCancelledContext(t *testing.T) {
	srv := NewServer(&fakeHandler{}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := srv.Serve(ctx, strings.NewReader(`{"type":"STATS","timestamp":"2026-01-02T15:04:05Z"}`), &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}
