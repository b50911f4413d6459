package recovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryBeginHonorsCooldown(t *testing.T) {
	s := NewState()
	start := time.Unix(1700000000, 0)
	cooldown := 30 * time.Second

	require.NoError(t, s.TryBegin(start, cooldown))
	assert.ErrorIs(t, s.TryBegin(start, cooldown), ErrRecoveryInFlight)

	s.Complete(true)
	assert.ErrorIs(t, s.TryBegin(start.Add(10*time.Second), cooldown), ErrCooldown)
	assert.NoError(t, s.TryBegin(start.Add(31*time.Second), cooldown))
}

func TestTryBeginUnrecoverable(t *testing.T) {
	s := NewState()
	now := time.Unix(1700000000, 0)
	require.NoError(t, s.TryBegin(now, 0))
	s.Complete(false)

	assert.ErrorIs(t, s.TryBegin(now.Add(time.Hour), time.Second), ErrUnrecoverable)
}

func TestTryBeginConcurrentClaimsOnce(t *testing.T) {
	s := NewState()
	now := time.Unix(1700000000, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryBegin(now, time.Minute) == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
				s.Complete(true)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}
