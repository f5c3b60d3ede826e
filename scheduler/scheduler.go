// Package scheduler is the entry point for applications: it executes
// operations directly while online, queues them while offline and
// replays the queue when connectivity returns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c0deZ3R0/go-offline-kit/clientid"
	"github.com/c0deZ3R0/go-offline-kit/codec"
	"github.com/c0deZ3R0/go-offline-kit/conflict"
	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/network"
	"github.com/c0deZ3R0/go-offline-kit/operation"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/storage"
	"github.com/c0deZ3R0/go-offline-kit/storage/memory"
	"github.com/c0deZ3R0/go-offline-kit/store"
)

// ErrNotInitialized is returned by Execute before Init.
var ErrNotInitialized = errors.New("scheduler is not initialized")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("scheduler is closed")

// DeferredError reports that an operation was queued instead of sent. It
// is not a failure: Pending settles once the operation is replayed.
type DeferredError struct {
	Entry   *queue.Entry
	Pending *queue.Pending
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("operation %s deferred while offline (%s)", e.Entry.Operation.Name, e.Entry.QID)
}

// IsDeferred reports whether err is, or wraps, a *DeferredError.
func IsDeferred(err error) bool {
	var d *DeferredError
	return errors.As(err, &d)
}

// AsDeferred extracts the *DeferredError from err.
func AsDeferred(err error) (*DeferredError, bool) {
	var d *DeferredError
	ok := errors.As(err, &d)
	return d, ok
}

type config struct {
	storage    storage.PersistentStore
	network    network.Status
	serializer codec.Serializer
	version    string
	metaKey    string
	listeners  []queue.Listener
	logger     *logging.Logger
	metrics    queue.MetricsCollector
	clientIDs  bool
	squash     bool
	reconciler []clientid.Option

	conflictEnabled  bool
	objectState      conflict.ObjectState
	strategy         conflict.Strategy
	conflictListener conflict.Listener
}

// Option configures a Scheduler.
type Option func(*config)

// WithStorage sets the persistence backend. Defaults to an in-memory store.
func WithStorage(s storage.PersistentStore) Option {
	return func(c *config) { c.storage = s }
}

// WithNetworkStatus sets the connectivity source. Defaults to always online.
func WithNetworkStatus(n network.Status) Option {
	return func(c *config) { c.network = n }
}

// WithSerializer sets the entry codec.
func WithSerializer(s codec.Serializer) Option {
	return func(c *config) { c.serializer = s }
}

// WithStorageVersion sets the storage key prefix.
func WithStorageVersion(v string) Option {
	return func(c *config) { c.version = v }
}

// WithMetaKey sets the key of the record tracking persisted entries.
func WithMetaKey(k string) Option {
	return func(c *config) { c.metaKey = k }
}

// WithListener adds a queue listener.
func WithListener(l queue.Listener) Option {
	return func(c *config) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// WithConflictHandling wraps the executor so that conflicts the backend
// reports are resolved locally and retried once. A nil objectState uses
// a VersionedState, a nil strategy UseClient.
func WithConflictHandling(objectState conflict.ObjectState, strategy conflict.Strategy, listener conflict.Listener) Option {
	return func(c *config) {
		c.conflictEnabled = true
		c.objectState = objectState
		c.strategy = strategy
		c.conflictListener = listener
	}
}

// WithLogger sets the logger for the scheduler and its components.
func WithLogger(l *logging.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the queue metrics collector.
func WithMetrics(m queue.MetricsCollector) Option {
	return func(c *config) { c.metrics = m }
}

// WithoutClientIDs disables provisional identifiers for creates.
func WithoutClientIDs() Option {
	return func(c *config) { c.clientIDs = false }
}

// WithSquashing merges offline edits of the same entity into one queued
// operation. See queue.WithSquashing.
func WithSquashing() Option {
	return func(c *config) { c.squash = true }
}

// WithReconcilerOptions passes options to the client id reconciler.
func WithReconcilerOptions(opts ...clientid.Option) Option {
	return func(c *config) { c.reconciler = append(c.reconciler, opts...) }
}

// Scheduler coordinates the executor, the queue and the network status.
type Scheduler struct {
	executor operation.Executor
	store    *store.OfflineStore
	queue    *queue.Queue
	network  network.Status
	logger   *logging.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool
	online      bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Call Init before Execute.
func New(executor operation.Executor, opts ...Option) (*Scheduler, error) {
	if executor == nil {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "scheduler", errors.New("executor is required"))
	}
	cfg := &config{
		clientIDs: true,
		logger:    logging.WithComponent(logging.ComponentScheduler),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = memory.New()
	}
	if cfg.network == nil {
		cfg.network = network.NewManual(true)
	}

	if cfg.conflictEnabled {
		executor = conflict.NewExecutor(executor, cfg.objectState,
			conflict.WithStrategy(cfg.strategy),
			conflict.WithListener(cfg.conflictListener),
			conflict.WithLogger(cfg.logger.WithComponent(logging.ComponentConflict)),
		)
	}

	storeOpts := []store.Option{store.WithLogger(cfg.logger.WithComponent(logging.ComponentStore))}
	if cfg.serializer != nil {
		storeOpts = append(storeOpts, store.WithSerializer(cfg.serializer))
	}
	if cfg.version != "" {
		storeOpts = append(storeOpts, store.WithStorageVersion(cfg.version))
	}
	if cfg.metaKey != "" {
		storeOpts = append(storeOpts, store.WithMetaKey(cfg.metaKey))
	}
	st := store.New(cfg.storage, storeOpts...)

	queueOpts := []queue.Option{queue.WithLogger(cfg.logger.WithComponent(logging.ComponentQueue))}
	for _, l := range cfg.listeners {
		queueOpts = append(queueOpts, queue.WithListener(l))
	}
	if cfg.metrics != nil {
		queueOpts = append(queueOpts, queue.WithMetrics(cfg.metrics))
	}
	if cfg.squash {
		queueOpts = append(queueOpts, queue.WithSquashing())
	}
	if cfg.clientIDs {
		r := clientid.NewReconciler(append([]clientid.Option{
			clientid.WithLogger(cfg.logger.WithComponent(logging.ComponentQueue)),
		}, cfg.reconciler...)...)
		queueOpts = append(queueOpts, queue.WithEnqueueProcessor(r), queue.WithResultProcessor(r))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		executor: executor,
		store:    st,
		queue:    queue.New(st, executor, queueOpts...),
		network:  cfg.network,
		logger:   cfg.logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Init loads persisted operations, subscribes to network changes and, if
// online, starts replaying in the background. Calling Init again is a
// no-op.
func (s *Scheduler) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.store.Init(ctx); err != nil {
		return err
	}
	if err := s.queue.RestoreOfflineOperations(ctx); err != nil {
		return err
	}
	offline, err := s.network.IsOffline(ctx)
	if err != nil {
		s.logger.Warn("network status unavailable, starting offline", slog.String("error", err.Error()))
		offline = true
	}

	s.mu.Lock()
	s.online = !offline
	s.initialized = true
	s.unsubscribe = s.network.OnStatusChange(s.onStatusChange)
	s.mu.Unlock()

	s.logger.Info("scheduler initialized",
		slog.Bool("online", !offline),
		slog.Int("restored", s.queue.Len()),
	)
	if !offline {
		s.startReplay()
	}
	return nil
}

func (s *Scheduler) onStatusChange(info network.Info) {
	s.mu.Lock()
	s.online = info.Online
	s.mu.Unlock()
	s.logger.Info("network status changed", slog.Bool("online", info.Online))
	if info.Online {
		s.startReplay()
	}
}

func (s *Scheduler) startReplay() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.queue.ForwardOperations(s.ctx); err != nil {
			s.logger.LogError(s.ctx, err, "background replay stopped")
		}
	}()
}

// Execute sends op through the executor while online. While offline it
// queues op and returns a *DeferredError carrying the entry and its
// pending result.
func (s *Scheduler) Execute(ctx context.Context, op operation.Operation) (operation.Result, error) {
	s.mu.Lock()
	initialized, closed := s.initialized, s.closed
	s.mu.Unlock()
	if closed {
		return operation.Result{}, ErrClosed
	}
	if !initialized {
		return operation.Result{}, ErrNotInitialized
	}

	offline, err := s.network.IsOffline(ctx)
	if err != nil {
		s.logger.Warn("network status unavailable, queueing operation", slog.String("error", err.Error()))
		offline = true
	}
	s.mu.Lock()
	s.online = !offline
	s.mu.Unlock()

	if !offline {
		return s.executor.Execute(ctx, op)
	}
	entry, pending := s.queue.EnqueuePending(ctx, op)
	return operation.Result{}, &DeferredError{Entry: entry, Pending: pending}
}

// Online reports the last observed network state.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Queue exposes the underlying queue.
func (s *Scheduler) Queue() *queue.Queue { return s.queue }

// Store exposes the underlying offline store.
func (s *Scheduler) Store() *store.OfflineStore { return s.store }

// Flush replays the queue synchronously, regardless of network state.
func (s *Scheduler) Flush(ctx context.Context) error {
	return s.queue.ForwardOperations(ctx)
}

// Close unsubscribes from network changes, stops background replays and
// waits for them to return. Queued entries stay persisted.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
	return nil
}
