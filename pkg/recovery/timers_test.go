package recovery

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfterFuncFiresOnce(t *testing.T) {
	timers := NewTimers()
	var fired atomic.Int32

	timers.AfterFunc(10*time.Millisecond, func() { fired.Add(1) })

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		timeouts, _ := timers.Len()
		return timeouts == 0
	}, time.Second, 5*time.Millisecond)
}

func TestEveryAndStop(t *testing.T) {
	timers := NewTimers()
	var ticks atomic.Int32

	h := timers.Every(5*time.Millisecond, func() { ticks.Add(1) })
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)

	_, intervals := timers.Len()
	assert.Equal(t, 1, intervals)

	assert.True(t, h.Stop())
	assert.False(t, h.Stop())

	_, intervals = timers.Len()
	assert.Equal(t, 0, intervals)

	var nilHandle *Handle
	assert.False(t, nilHandle.Stop())
}

func TestCancelAll(t *testing.T) {
	timers := NewTimers()
	var fired atomic.Int32

	timers.AfterFunc(time.Hour, func() { fired.Add(1) })
	timers.AfterFunc(time.Hour, func() { fired.Add(1) })
	timers.Every(time.Hour, func() { fired.Add(1) })

	timeouts, intervals := timers.Len()
	assert.Equal(t, 2, timeouts)
	assert.Equal(t, 1, intervals)

	assert.Equal(t, 3, timers.CancelAll())
	assert.Equal(t, 0, timers.CancelAll())

	timeouts, intervals = timers.Len()
	assert.Zero(t, timeouts+intervals)
	assert.Zero(t, fired.Load())
}
