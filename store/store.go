// Package store keeps durable bookkeeping of pending queue entries in a
// storage.PersistentStore, under a versioned key namespace.
//
// Layout: a meta key holds the ordered JSON array of entry keys, and each
// entry lives under "<version>:<qid>". Only keys carrying the current
// version prefix are loaded back.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/c0deZ3R0/go-offline-kit/codec"
	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/operation"
	"github.com/c0deZ3R0/go-offline-kit/storage"
)

const (
	DefaultStorageVersion = "v1"
	DefaultMetaKey        = "offline-meta-data"
)

// ErrNotInitialized is returned when a method runs before Init.
var ErrNotInitialized = errors.New("offline store not initialized")

// Entry is what the store persists for one queued operation.
type Entry struct {
	QID       string
	Operation operation.Operation
}

// Option configures an OfflineStore.
type Option func(*OfflineStore)

// WithStorageVersion sets the namespace prefix of entry keys.
func WithStorageVersion(version string) Option {
	return func(s *OfflineStore) {
		if version != "" {
			s.version = version
		}
	}
}

// WithMetaKey sets the key holding the ordered array of entry keys.
func WithMetaKey(key string) Option {
	return func(s *OfflineStore) {
		if key != "" {
			s.metaKey = key
		}
	}
}

// WithSerializer replaces the JSON serializer.
func WithSerializer(serializer codec.Serializer) Option {
	return func(s *OfflineStore) {
		if serializer != nil {
			s.serializer = serializer
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *OfflineStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// OfflineStore tracks the live set of entry keys and reads and writes
// entries through a PersistentStore.
type OfflineStore struct {
	storage    storage.PersistentStore
	serializer codec.Serializer
	logger     *logging.Logger
	version    string
	metaKey    string

	// mu serializes read-modify-write of the meta array.
	mu          sync.Mutex
	keys        []string
	initialized bool
}

// New creates an OfflineStore over backend.
func New(backend storage.PersistentStore, opts ...Option) *OfflineStore {
	s := &OfflineStore{
		storage:    backend,
		serializer: codec.JSONSerializer{},
		logger:     logging.WithComponent(logging.ComponentStore),
		version:    DefaultStorageVersion,
		metaKey:    DefaultMetaKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Version returns the storage version prefix.
func (s *OfflineStore) Version() string { return s.version }

// Init loads the meta array. A missing meta record is an empty store.
func (s *OfflineStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.storage.GetItem(ctx, s.metaKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.keys = nil
	case err != nil:
		return syncErrors.WrapStorage(err, syncErrors.OpInit, string(logging.ComponentStore))
	case len(raw) == 0:
		s.keys = nil
	default:
		var keys []string
		if err := json.Unmarshal(raw, &keys); err != nil {
			return syncErrors.NewSerializationError(syncErrors.OpInit, err).
				WithMetadata("key", s.metaKey)
		}
		s.keys = keys
	}

	s.initialized = true
	s.logger.Debug("offline store initialized",
		slog.String("version", s.version),
		slog.Int("tracked_keys", len(s.keys)),
	)
	return nil
}

// Initialized reports whether Init completed.
func (s *OfflineStore) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Key returns the storage key for an entry id.
func (s *OfflineStore) Key(qid string) string {
	return s.version + ":" + qid
}

// Keys returns a snapshot of the tracked keys in replay order.
func (s *OfflineStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// SaveEntry persists entry, tracking its key first. Saving the same qid
// twice tracks it once.
func (s *OfflineStore) SaveEntry(ctx context.Context, entry Entry) error {
	data, err := s.serializer.Serialize(entry.Operation)
	if err != nil {
		return err
	}

	key := s.Key(entry.QID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return syncErrors.E(syncErrors.OpSaveEntry, syncErrors.Component(logging.ComponentStore),
			syncErrors.KindInvalid, ErrNotInitialized)
	}

	prev := s.keys
	added := !s.tracked(key)
	if added {
		keys := append(append([]string(nil), s.keys...), key)
		if err := s.writeMeta(ctx, syncErrors.OpSaveEntry, keys); err != nil {
			return err
		}
		s.keys = keys
	}

	if err := s.storage.SetItem(ctx, key, data); err != nil {
		if added {
			// Untrack the key again so the meta array never points at a
			// missing value. GetOfflineData skips it if this write fails too.
			if merr := s.writeMeta(ctx, syncErrors.OpSaveEntry, prev); merr == nil {
				s.keys = prev
			} else {
				s.logger.LogError(ctx, merr, "failed to untrack unsaved entry", slog.String("key", key))
			}
		}
		return syncErrors.WrapStorage(err, syncErrors.OpSaveEntry, string(logging.ComponentStore))
	}
	return nil
}

// RemoveEntry untracks and deletes entry. An untracked key is a no-op.
func (s *OfflineStore) RemoveEntry(ctx context.Context, qid string) error {
	key := s.Key(qid)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return syncErrors.E(syncErrors.OpRemoveEntry, syncErrors.Component(logging.ComponentStore),
			syncErrors.KindInvalid, ErrNotInitialized)
	}

	idx := s.indexOf(key)
	if idx < 0 {
		return nil
	}

	keys := make([]string, 0, len(s.keys)-1)
	keys = append(keys, s.keys[:idx]...)
	keys = append(keys, s.keys[idx+1:]...)
	if err := s.writeMeta(ctx, syncErrors.OpRemoveEntry, keys); err != nil {
		return err
	}
	s.keys = keys

	if err := s.storage.RemoveItem(ctx, key); err != nil {
		return syncErrors.WrapStorage(err, syncErrors.OpRemoveEntry, string(logging.ComponentStore))
	}
	return nil
}

// GetOfflineData returns the entries whose key carries the current
// version, in meta order. Read and decode failures abort the load. Keys
// tracked without a stored value are skipped and untracked.
func (s *OfflineStore) GetOfflineData(ctx context.Context) ([]Entry, error) {
	keys := s.Keys()
	prefix := s.version + ":"

	var dangling []string
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			s.logger.Debug("skipping entry from another storage version", slog.String("key", key))
			continue
		}

		raw, err := s.storage.GetItem(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("dropping tracked key without a value", slog.String("key", key))
			dangling = append(dangling, key)
			continue
		}
		if err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err).WithMetadata("key", key)
		}

		op, err := s.serializer.Deserialize(raw)
		if err != nil {
			var se *syncErrors.SyncError
			if errors.As(err, &se) {
				return nil, se.WithMetadata("key", key)
			}
			return nil, syncErrors.NewSerializationError(syncErrors.OpLoad, err).WithMetadata("key", key)
		}

		entries = append(entries, Entry{QID: key[len(prefix):], Operation: op})
	}
	if len(dangling) > 0 {
		s.untrack(ctx, dangling)
	}
	return entries, nil
}

// untrack drops keys from the meta array. A failed write is logged and
// retried on the next load.
func (s *OfflineStore) untrack(ctx context.Context, drop []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.keys))
	for _, k := range s.keys {
		if !slices.Contains(drop, k) {
			keys = append(keys, k)
		}
	}
	if err := s.writeMeta(ctx, syncErrors.OpLoad, keys); err != nil {
		s.logger.LogError(ctx, err, "failed to untrack dangling keys", slog.Int("count", len(drop)))
		return
	}
	s.keys = keys
}

func (s *OfflineStore) writeMeta(ctx context.Context, op syncErrors.Operation, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return syncErrors.NewSerializationError(op, err)
	}
	if err := s.storage.SetItem(ctx, s.metaKey, raw); err != nil {
		return syncErrors.WrapStorage(err, op, string(logging.ComponentStore))
	}
	return nil
}

func (s *OfflineStore) tracked(key string) bool {
	return s.indexOf(key) >= 0
}

func (s *OfflineStore) indexOf(key string) int {
	for i, k := range s.keys {
		if k == key {
			return i
		}
	}
	return -1
}
