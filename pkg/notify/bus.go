package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrBusClosed is returned by Publish after Shutdown.
var ErrBusClosed = errors.New("notice bus closed")

// ErrBufferFull is returned when an async bus cannot accept more notices.
var ErrBufferFull = errors.New("notice buffer full, notice dropped")

// Config configures the notice bus.
type Config struct {
	// Async delivers notices from a background goroutine. Otherwise Publish
	// delivers inline before returning.
	Async bool `yaml:"async" json:"async"`

	// BufferSize bounds the async queue.
	BufferSize int `yaml:"buffer_size" json:"buffer_size" validate:"gte=1"`

	// HistorySize is how many recent notices History keeps.
	HistorySize int `yaml:"history_size" json:"history_size" validate:"gte=0"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Async:       true,
		BufferSize:  256,
		HistorySize: 20,
	}
}

type subscriberEntry struct {
	id         uint64
	subscriber Subscriber
	filter     Filter
}

// Bus fans notices out to subscribers.
type Bus struct {
	config Config
	logger zerolog.Logger
	now    func() time.Time

	buffer chan Notice

	mu          sync.RWMutex
	subscribers []subscriberEntry
	filters     []Filter
	nextID      uint64
	history     []Notice
	closed      bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBus creates a notice bus. An async bus starts its delivery goroutine.
func NewBus(cfg Config, logger zerolog.Logger) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		config: cfg,
		logger: logger.With().Str("component", "notify").Logger(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Async {
		b.buffer = make(chan Notice, cfg.BufferSize)
		b.wg.Add(1)
		go b.processNotices()
	}

	return b
}

// Publish delivers n to every matching subscriber.
func (b *Bus) Publish(n Notice) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = b.now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	for _, filter := range b.filters {
		if !filter(n) {
			b.mu.Unlock()
			return nil
		}
	}
	if b.config.HistorySize > 0 {
		b.history = append(b.history, n)
		if over := len(b.history) - b.config.HistorySize; over > 0 {
			b.history = append([]Notice(nil), b.history[over:]...)
		}
	}
	b.mu.Unlock()

	if !b.config.Async {
		b.deliver(n)
		return nil
	}

	select {
	case b.buffer <- n:
		return nil
	case <-b.ctx.Done():
		return ErrBusClosed
	default:
		b.logger.Warn().Str("notice_id", n.ID).Str("title", n.Title).Msg("notice buffer full, dropping notice")
		return ErrBufferFull
	}
}

// Toast publishes a transient notice.
func (b *Bus) Toast(level Level, title, message, source string) error {
	return b.Publish(Notice{
		Kind:    KindToast,
		Level:   level,
		Title:   title,
		Message: message,
		Source:  source,
	})
}

// Banner publishes a persistent banner.
func (b *Bus) Banner(level Level, title, message, source string, data map[string]interface{}) error {
	return b.Publish(Notice{
		Kind:       KindBanner,
		Level:      level,
		Title:      title,
		Message:    message,
		Source:     source,
		Persistent: true,
		Data:       data,
	})
}

// Modal publishes a blocking notice that must be acknowledged.
func (b *Bus) Modal(level Level, title, message, source string, actions ...string) error {
	return b.Publish(Notice{
		Kind:        KindModal,
		Level:       level,
		Title:       title,
		Message:     message,
		Source:      source,
		Blocking:    true,
		RequiresAck: true,
		Persistent:  true,
		Actions:     actions,
	})
}

// Subscribe adds a subscriber and returns a function that removes it.
func (b *Bus) Subscribe(subscriber Subscriber, filter Filter) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriberEntry{
		id:         id,
		subscriber: subscriber,
		filter:     filter,
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, e := range b.subscribers {
				if e.id == id {
					b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// AddFilter adds a global filter applied before delivery and history.
func (b *Bus) AddFilter(filter Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, filter)
}

// History returns the most recent notices, oldest first.
func (b *Bus) History() []Notice {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Notice(nil), b.history...)
}

func (b *Bus) processNotices() {
	defer b.wg.Done()

	for {
		select {
		case n := <-b.buffer:
			b.deliver(n)
		case <-b.ctx.Done():
			// Drain what was accepted before shutdown
			for {
				select {
				case n := <-b.buffer:
					b.deliver(n)
				default:
					return
				}
			}
		}
	}
}

// deliver calls subscribers in subscription order. A panicking subscriber
// is logged and skipped.
func (b *Bus) deliver(n Notice) {
	b.mu.RLock()
	entries := append([]subscriberEntry(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(n) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Str("notice_id", n.ID).Interface("panic", r).Msg("notice subscriber panicked")
				}
			}()
			entry.subscriber(n)
		}()
	}
}

// Shutdown stops accepting notices and waits for queued ones to be delivered.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notice bus shutdown timeout: %w", ctx.Err())
	}
}
