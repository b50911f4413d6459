package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syncBus() *Bus {
	return NewBus(Config{Async: false, BufferSize: 8, HistorySize: 3}, zerolog.Nop())
}

func TestPublishSyncDelivers(t *testing.T) {
	bus := syncBus()

	var got []Notice
	bus.Subscribe(func(n Notice) { got = append(got, n) }, nil)

	require.NoError(t, bus.Toast(LevelCritical, "Critical error", "boom", "engine"))

	require.Len(t, got, 1)
	assert.Equal(t, KindToast, got[0].Kind)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestModalIsBlocking(t *testing.T) {
	bus := syncBus()

	var blocking []Notice
	bus.Subscribe(func(n Notice) { blocking = append(blocking, n) }, FilterBlocking())

	require.NoError(t, bus.Toast(LevelInfo, "t", "m", "s"))
	require.NoError(t, bus.Modal(LevelSecurity, "Security alert", "locked", "security", "acknowledge", "reload"))

	require.Len(t, blocking, 1)
	assert.True(t, blocking[0].RequiresAck)
	assert.Equal(t, []string{"acknowledge", "reload"}, blocking[0].Actions)
}

func TestFilters(t *testing.T) {
	n := Notice{Kind: KindBanner, Level: LevelWarning}

	assert.True(t, FilterByLevel(LevelInfo)(n))
	assert.True(t, FilterByLevel(LevelWarning)(n))
	assert.False(t, FilterByLevel(LevelCritical)(n))
	assert.True(t, FilterByKind(KindToast, KindBanner)(n))
	assert.False(t, FilterByKind(KindModal)(n))
}

func TestGlobalFilterSkipsHistory(t *testing.T) {
	bus := syncBus()
	bus.AddFilter(FilterByLevel(LevelError))

	require.NoError(t, bus.Toast(LevelInfo, "quiet", "", ""))
	require.NoError(t, bus.Toast(LevelError, "loud", "", ""))

	history := bus.History()
	require.Len(t, history, 1)
	assert.Equal(t, "loud", history[0].Title)
}

func TestHistoryIsBounded(t *testing.T) {
	bus := syncBus()
	for _, title := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bus.Toast(LevelInfo, title, "", ""))
	}

	history := bus.History()
	require.Len(t, history, 3)
	assert.Equal(t, "b", history[0].Title)
	assert.Equal(t, "d", history[2].Title)
}

func TestUnsubscribe(t *testing.T) {
	bus := syncBus()

	count := 0
	unsubscribe := bus.Subscribe(func(Notice) { count++ }, nil)
	require.NoError(t, bus.Toast(LevelInfo, "one", "", ""))
	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.Toast(LevelInfo, "two", "", ""))

	assert.Equal(t, 1, count)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	bus := syncBus()

	delivered := false
	bus.Subscribe(func(Notice) { panic("render failed") }, nil)
	bus.Subscribe(func(Notice) { delivered = true }, nil)

	require.NoError(t, bus.Toast(LevelInfo, "t", "", ""))
	assert.True(t, delivered)
}

func TestAsyncShutdownDrains(t *testing.T) {
	bus := NewBus(Config{Async: true, BufferSize: 16}, zerolog.Nop())

	var (
		mu   sync.Mutex
		seen int
	)
	bus.Subscribe(func(Notice) {
		mu.Lock()
		seen++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Toast(LevelInfo, "t", "", ""))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Shutdown(ctx))
	require.NoError(t, bus.Shutdown(ctx))

	mu.Lock()
	assert.Equal(t, 5, seen)
	mu.Unlock()

	assert.ErrorIs(t, bus.Toast(LevelInfo, "late", "", ""), ErrBusClosed)
}
