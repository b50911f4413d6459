package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long the watcher waits for a burst of file
// events to settle before reloading.
const DefaultReloadDelay = 500 * time.Millisecond

// PolicyWatcher reloads a Policy when .rego files in a directory change.
type PolicyWatcher struct {
	policy *Policy
	dir    string
	delay  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	reloads int
	done    chan struct{}
}

// NewPolicyWatcher creates a watcher for dir. A zero delay uses
// DefaultReloadDelay.
func NewPolicyWatcher(policy *Policy, dir string, delay time.Duration, logger zerolog.Logger) *PolicyWatcher {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	return &PolicyWatcher{
		policy: policy,
		dir:    dir,
		delay:  delay,
		logger: logger.With().Str("component", "policy-watcher").Str("dir", dir).Logger(),
	}
}

// Start begins watching. Events are processed until ctx is cancelled or
// Stop is called.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.processEvents(ctx, watcher)
	w.logger.Info().Msg("watching security policies")
	return nil
}

func (w *PolicyWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				w.stopTimer()
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy file changed")
			w.schedule(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *PolicyWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, func() {
		if err := w.policy.LoadDir(ctx, w.dir); err != nil {
			w.logger.Error().Err(err).Msg("failed to reload security policy")
			return
		}
		w.mu.Lock()
		w.reloads++
		w.mu.Unlock()
	})
}

func (w *PolicyWatcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Reloads returns the number of successful reloads.
func (w *PolicyWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *PolicyWatcher) Stop() error {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()
	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
