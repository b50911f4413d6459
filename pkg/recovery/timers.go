package recovery

import (
	"sync"
	"time"
)

// Timers tracks scheduled callbacks so recovery can cancel them in bulk.
type Timers struct {
	mu      sync.Mutex
	nextID  uint64
	handles map[uint64]*Handle
}

// NewTimers returns an empty timer set.
func NewTimers() *Timers {
	return &Timers{handles: make(map[uint64]*Handle)}
}

// Handle is a scheduled timeout or interval.
type Handle struct {
	id       uint64
	interval bool
	owner    *Timers
	once     sync.Once
	stop     func()
}

// Stop cancels the callback. It reports whether this call did the cancelling;
// stopping twice is a no-op.
func (h *Handle) Stop() bool {
	if h == nil {
		return false
	}
	stopped := false
	h.once.Do(func() {
		h.owner.mu.Lock()
		stop := h.stop
		h.owner.mu.Unlock()
		stop()
		h.owner.forget(h.id)
		stopped = true
	})
	return stopped
}

// AfterFunc runs fn once after d.
func (t *Timers) AfterFunc(d time.Duration, fn func()) *Handle {
	h := t.track(false)
	timer := time.AfterFunc(d, func() {
		t.forget(h.id)
		fn()
	})
	t.setStop(h, func() { timer.Stop() })
	return h
}

// Every runs fn every d until stopped. Calls never overlap.
func (t *Timers) Every(d time.Duration, fn func()) *Handle {
	h := t.track(true)
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	t.setStop(h, func() {
		ticker.Stop()
		close(done)
	})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return h
}

// CancelAll stops every outstanding callback and returns how many were live.
func (t *Timers) CancelAll() int {
	t.mu.Lock()
	live := make([]*Handle, 0, len(t.handles))
	for _, h := range t.handles {
		live = append(live, h)
	}
	t.mu.Unlock()

	n := 0
	for _, h := range live {
		if h.Stop() {
			n++
		}
	}
	return n
}

// Len returns the number of live timeouts and intervals.
func (t *Timers) Len() (timeouts, intervals int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.handles {
		if h.interval {
			intervals++
		} else {
			timeouts++
		}
	}
	return timeouts, intervals
}

func (t *Timers) track(interval bool) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	h := &Handle{id: t.nextID, interval: interval, owner: t, stop: func() {}}
	t.handles[h.id] = h
	return h
}

func (t *Timers) setStop(h *Handle, stop func()) {
	t.mu.Lock()
	h.stop = stop
	t.mu.Unlock()
}

func (t *Timers) forget(id uint64) {
	t.mu.Lock()
	delete(t.handles, id)
	t.mu.Unlock()
}
