package stores

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// KVConfig configures the Badger-backed fallback store.
type KVConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is true.
	Path string `yaml:"path" json:"path"`

	// InMemory enables in-memory mode with no disk persistence.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// Logger receives Badger's internal logs. Nil disables them.
	Logger *zerolog.Logger `yaml:"-" json:"-"`
}

// DefaultKVConfig returns a durable configuration rooted at path.
func DefaultKVConfig(path string) KVConfig {
	return KVConfig{Path: path, SyncWrites: true}
}

// InMemoryKVConfig returns a configuration for tests.
func InMemoryKVConfig() KVConfig {
	return KVConfig{InMemory: true}
}

// KVStore is a small key-value store whose values are usually JSON arrays.
type KVStore struct {
	db *badger.DB
}

// badgerLogger adapts zerolog to badger.Logger.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(strings.TrimSpace(format), args...)
}

// OpenKV opens the fallback store.
func OpenKV(cfg KVConfig) (*KVStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent kv store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create kv directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger.With().Str("component", "badger").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}

	return &KVStore{db: db}, nil
}

// Close closes the store.
func (s *KVStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the raw value of key or ErrKeyNotFound.
func (s *KVStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return out, nil
}

// Put stores value under key.
func (s *KVStore) Put(key string, value []byte) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	}); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KVStore) Delete(key string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// GetJSON decodes the value of key into v.
func (s *KVStore) GetJSON(key string, v any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func (s *KVStore) PutJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Put(key, raw)
}

// AppendCapped appends JSON items to the array stored at key in one
// transaction. When the array grows beyond max, the oldest items are dropped
// in chunks of at least evict so the array ends at or below max. It returns
// the resulting length.
func (s *KVStore) AppendCapped(key string, items [][]byte, max, evict int) (int, error) {
	var length int
	err := s.db.Update(func(txn *badger.Txn) error {
		var list []json.RawMessage

		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &list); err != nil {
				return fmt.Errorf("corrupt array at %s: %w", key, err)
			}
		}

		for _, it := range items {
			list = append(list, json.RawMessage(it))
		}

		if max > 0 && len(list) > max {
			drop := len(list) - max
			if evict > drop {
				drop = evict
			}
			if drop > len(list) {
				drop = len(list)
			}
			list = list[drop:]
		}
		length = len(list)

		raw, err := json.Marshal(list)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), raw)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return length, nil
}

// Keys lists keys with the given prefix. An empty prefix lists every key.
func (s *KVStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// DeletePrefix deletes every key starting with one of the prefixes and
// returns how many were removed.
func (s *KVStore) DeletePrefix(prefixes ...string) (int, error) {
	removed := 0
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		keys, err := s.Keys(prefix)
		if err != nil {
			return removed, err
		}
		if len(keys) == 0 {
			continue
		}

		wb := s.db.NewWriteBatch()
		for _, k := range keys {
			if err := wb.Delete([]byte(k)); err != nil {
				wb.Cancel()
				return removed, fmt.Errorf("failed to delete %s: %w", k, err)
			}
		}
		if err := wb.Flush(); err != nil {
			return removed, fmt.Errorf("failed to flush prefix delete: %w", err)
		}
		removed += len(keys)
	}
	return removed, nil
}

// PurgeKeys implements the recovery key purger by deleting namespaced keys.
func (s *KVStore) PurgeKeys(prefixes []string) (int, error) {
	return s.DeletePrefix(prefixes...)
}

var _ KeyValueStore = (*KVStore)(nil)
