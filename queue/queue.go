// Package queue implements the offline operation queue: an ordered list of
// pending operations, persisted through an OfflineStore and replayed
// head-to-tail through an Executor, one entry at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/operation"
	"github.com/c0deZ3R0/go-offline-kit/store"
)

// QIDPrefix tags queue entry identifiers.
const QIDPrefix = "queue:"

// Store is the persistence the queue delegates to. *store.OfflineStore
// implements it.
type Store interface {
	Initialized() bool
	SaveEntry(ctx context.Context, entry store.Entry) error
	RemoveEntry(ctx context.Context, qid string) error
	GetOfflineData(ctx context.Context) ([]store.Entry, error)
}

// EnqueueProcessor may rewrite an operation before it is queued.
type EnqueueProcessor interface {
	ProcessEnqueue(op *operation.Operation)
}

// ResultProcessor runs after a successful forward, before the pending
// result settles and before the next entry is forwarded.
type ResultProcessor interface {
	ProcessResult(ctx context.Context, q *Queue, entry *Entry, result operation.Result) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithListener registers a listener. May be given several times.
func WithListener(l Listener) Option {
	return func(q *Queue) {
		if l != nil {
			q.listeners = append(q.listeners, l)
		}
	}
}

// WithEnqueueProcessor registers a processor run by Enqueue.
func WithEnqueueProcessor(p EnqueueProcessor) Option {
	return func(q *Queue) {
		if p != nil {
			q.enqueueProcessors = append(q.enqueueProcessors, p)
		}
	}
}

// WithResultProcessor registers a processor run on successful forwards.
func WithResultProcessor(p ResultProcessor) Option {
	return func(q *Queue) {
		if p != nil {
			q.resultProcessors = append(q.resultProcessors, p)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(q *Queue) {
		if m != nil {
			q.metrics = m
		}
	}
}

// WithIDGenerator replaces the uuid-based generator of the part of the
// qid after QIDPrefix.
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) {
		if gen != nil {
			q.newID = gen
		}
	}
}

// WithSquashing merges an enqueued operation into a queued, not in-flight
// entry with the same name and identifier instead of appending it.
// Operations without an identifier are always appended.
func WithSquashing() Option {
	return func(q *Queue) { q.squash = true }
}

// Queue is the authoritative ordered list of pending operations for the
// current process.
type Queue struct {
	store    Store
	executor operation.Executor

	listeners         CompositeListener
	enqueueProcessors []EnqueueProcessor
	resultProcessors  []ResultProcessor
	logger            *logging.Logger
	metrics           MetricsCollector
	newID             func() string
	squash            bool

	mu       sync.Mutex
	entries  []*Entry
	inFlight *Entry

	// forwardMu keeps replays from interleaving.
	forwardMu sync.Mutex
}

// New creates a queue persisting through st (may be nil for a purely
// in-memory queue) and replaying through executor.
func New(st Store, executor operation.Executor, opts ...Option) *Queue {
	q := &Queue{
		store:    st,
		executor: executor,
		logger:   logging.WithComponent(logging.ComponentQueue),
		metrics:  NoOpMetricsCollector{},
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddListener registers a listener after construction.
func (q *Queue) AddListener(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

// Enqueue appends op at the tail and persists it when the store is
// initialized. Persistence failures are logged; the in-memory queue stays
// authoritative.
func (q *Queue) Enqueue(ctx context.Context, op operation.Operation) *Entry {
	return q.enqueue(ctx, op, nil)
}

// EnqueuePending is Enqueue with a pending result attached before the
// entry becomes visible to a concurrent replay.
func (q *Queue) EnqueuePending(ctx context.Context, op operation.Operation) (*Entry, *Pending) {
	entry := q.enqueue(ctx, op, newPending())
	// A squashed enqueue shares the target's handle.
	q.mu.Lock()
	defer q.mu.Unlock()
	return entry, entry.pending
}

func (q *Queue) enqueue(ctx context.Context, op operation.Operation, pending *Pending) *Entry {
	op = op.Clone()
	for _, p := range q.enqueueProcessors {
		p.ProcessEnqueue(&op)
	}

	if q.squash {
		if entry, ok := q.squashInto(ctx, op, pending); ok {
			return entry
		}
	}

	entry := &Entry{QID: QIDPrefix + q.newID(), Operation: &op, pending: pending}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.RecordEnqueued(op.Name)
	q.metrics.RecordQueueDepth(depth)
	q.logger.Debug("operation enqueued",
		slog.String("qid", entry.QID),
		slog.String("operation", op.Name),
		slog.Int("depth", depth),
	)

	q.notify("enqueued", func(l Listener) { l.OnOperationEnqueued(entry) })
	q.persist(ctx, entry)
	return entry
}

// squashInto merges op's variables into the first queued entry with the
// same name and identifier. The in-flight entry is never a target. A
// pending handle is attached to the target if it has none.
func (q *Queue) squashInto(ctx context.Context, op operation.Operation, pending *Pending) (*Entry, bool) {
	id, ok := op.ID()
	if !ok || id == "" {
		return nil, false
	}

	q.mu.Lock()
	var target *Entry
	for _, e := range q.entries {
		if e == q.inFlight || e.Operation.Name != op.Name {
			continue
		}
		if eid, ok := e.Operation.ID(); ok && eid == id {
			target = e
			break
		}
	}
	if target == nil {
		q.mu.Unlock()
		return nil, false
	}
	merged := target.Operation.Clone()
	if merged.Variables == nil {
		merged.Variables = make(map[string]any, len(op.Variables))
	}
	maps.Copy(merged.Variables, op.Variables)
	target.Operation = &merged
	if pending != nil && target.pending == nil {
		target.pending = pending
	}
	q.mu.Unlock()

	q.logger.WithEntry(target.QID, op.Name).Debug("operation squashed into queued entry", slog.String("id", id))
	q.persist(ctx, target)
	return target, true
}

// BuildPending attaches a fresh deferred result to entry. A second call
// replaces the handle; the earlier one never settles.
func (q *Queue) BuildPending(entry *Entry) *Pending {
	p := newPending()
	q.mu.Lock()
	entry.pending = p
	q.mu.Unlock()
	return p
}

// Dequeue removes entry from the queue and from the store.
func (q *Queue) Dequeue(ctx context.Context, entry *Entry) {
	q.dequeue(ctx, entry)
}

// dequeue reports whether entry was removed and how many entries remain.
func (q *Queue) dequeue(ctx context.Context, entry *Entry) (removed bool, remaining int) {
	q.mu.Lock()
	removed = q.removeLocked(entry)
	remaining = len(q.entries)
	q.mu.Unlock()

	if removed {
		q.metrics.RecordQueueDepth(remaining)
	}
	q.unpersist(ctx, entry)
	return removed, remaining
}

// Cancel removes an entry that is not in flight and rejects its pending
// result with ErrCancelled.
func (q *Queue) Cancel(ctx context.Context, entry *Entry) error {
	q.mu.Lock()
	if entry == q.inFlight {
		q.mu.Unlock()
		return ErrEntryInFlight
	}
	if !q.removeLocked(entry) {
		q.mu.Unlock()
		return ErrEntryNotFound
	}
	remaining := len(q.entries)
	pending := entry.pending
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(remaining)
	if pending != nil {
		pending.reject(ErrCancelled)
	}
	q.unpersist(ctx, entry)
	q.logger.Debug("operation cancelled", slog.String("qid", entry.QID))
	return nil
}

// ForwardOperations replays a snapshot of the queue head-to-tail, waiting
// for each entry before sending the next. A failed entry stays queued and
// later entries are still attempted. Concurrent calls run one after the
// other.
func (q *Queue) ForwardOperations(ctx context.Context) error {
	q.forwardMu.Lock()
	defer q.forwardMu.Unlock()

	snapshot := q.Entries()
	if len(snapshot) == 0 {
		return nil
	}
	q.logger.Debug("forwarding operations", slog.Int("count", len(snapshot)))

	for _, entry := range snapshot {
		if err := ctx.Err(); err != nil {
			return syncErrors.E(syncErrors.OpForward, syncErrors.Component(logging.ComponentQueue), err)
		}
		// Entries cancelled or dequeued since the snapshot are skipped.
		_ = q.forward(ctx, entry)
	}
	return nil
}

// ForwardOperation replays a single entry and returns its failure, if
// any: the Executor error, or an *ApplicationError.
func (q *Queue) ForwardOperation(ctx context.Context, entry *Entry) error {
	q.forwardMu.Lock()
	defer q.forwardMu.Unlock()
	return q.forward(ctx, entry)
}

// forward claims entry as in flight and replays it. Membership is checked
// under the same lock that Cancel takes, so a cancelled entry is never
// sent.
func (q *Queue) forward(ctx context.Context, entry *Entry) error {
	q.mu.Lock()
	if !q.containsLocked(entry) {
		q.mu.Unlock()
		return ErrEntryNotFound
	}
	q.inFlight = entry
	op := entry.Operation.Clone()
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inFlight = nil
		q.mu.Unlock()
	}()

	logger := q.logger.WithEntry(entry.QID, op.Name)

	start := time.Now()
	result, err := q.executor.Execute(ctx, op)
	duration := time.Since(start)

	if err != nil {
		q.metrics.RecordReplay(op.Name, duration, false)
		q.settle(entry, operation.Result{}, err)
		q.notify("failure", func(l Listener) { l.OnOperationFailure(entry, err) })
		logger.Warn("operation replay failed, entry stays queued", slog.String("error", err.Error()))
		return err
	}

	if result.HasErrors() {
		appErr := &ApplicationError{QID: entry.QID, Operation: op.Name, Errors: result.Errors}
		q.metrics.RecordReplay(op.Name, duration, false)
		q.settle(entry, operation.Result{}, appErr)
		q.notify("failure", func(l Listener) { l.OnOperationFailure(entry, appErr) })
		logger.Warn("operation rejected by backend, dropping entry", slog.String("error", appErr.Error()))
		q.dequeueAfterForward(ctx, entry)
		return appErr
	}

	for _, p := range q.resultProcessors {
		if perr := p.ProcessResult(ctx, q, entry, result); perr != nil {
			logger.LogError(ctx, perr, "result processor failed")
		}
	}

	q.metrics.RecordReplay(op.Name, duration, true)
	q.settle(entry, result, nil)
	q.notify("success", func(l Listener) { l.OnOperationSuccess(entry, result) })
	logger.Debug("operation replayed", slog.Duration("duration", duration))
	q.dequeueAfterForward(ctx, entry)
	return nil
}

func (q *Queue) dequeueAfterForward(ctx context.Context, entry *Entry) {
	removed, remaining := q.dequeue(ctx, entry)
	if removed && remaining == 0 {
		q.notify("cleared", func(l Listener) { l.QueueCleared() })
	}
}

func (q *Queue) settle(entry *Entry, result operation.Result, err error) {
	q.mu.Lock()
	pending := entry.pending
	q.mu.Unlock()
	if pending == nil {
		return
	}
	if err != nil {
		pending.reject(err)
		return
	}
	pending.resolve(result)
}

// RestoreOfflineOperations loads persisted entries and installs them at
// the head of the queue. Entries already queued in memory under another
// qid keep their relative order behind them. Load errors are returned.
func (q *Queue) RestoreOfflineOperations(ctx context.Context) error {
	if q.store == nil || !q.store.Initialized() {
		return nil
	}

	persisted, err := q.store.GetOfflineData(ctx)
	if err != nil {
		q.logger.LogError(ctx, err, "failed to restore offline operations")
		return err
	}

	restored := make([]*Entry, 0, len(persisted))
	known := make(map[string]struct{}, len(persisted))
	for _, p := range persisted {
		op := p.Operation
		restored = append(restored, &Entry{QID: p.QID, Operation: &op})
		known[p.QID] = struct{}{}
	}

	q.mu.Lock()
	for _, e := range q.entries {
		if _, ok := known[e.QID]; !ok {
			restored = append(restored, e)
		}
	}
	installed := restored[:len(persisted)]
	q.entries = restored
	depth := len(q.entries)
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(depth)
	for _, entry := range installed {
		entry := entry
		q.notify("requeued", func(l Listener) { l.OnOperationRequeued(entry) })
	}
	q.logger.Info("restored offline operations", slog.Int("count", len(installed)))
	return nil
}

// RewriteEntries applies fn to every queued operation under the queue
// lock and re-persists the entries for which fn reports a change. It
// returns the number of changed entries and any persistence errors.
func (q *Queue) RewriteEntries(ctx context.Context, fn func(op *operation.Operation) bool) (int, error) {
	type snapshot struct {
		qid string
		op  operation.Operation
	}

	q.mu.Lock()
	var changed []snapshot
	for _, e := range q.entries {
		if fn(e.Operation) {
			changed = append(changed, snapshot{qid: e.QID, op: e.Operation.Clone()})
		}
	}
	q.mu.Unlock()

	if q.store == nil || !q.store.Initialized() {
		return len(changed), nil
	}

	var errs []error
	for _, c := range changed {
		if err := q.store.SaveEntry(ctx, store.Entry{QID: c.qid, Operation: c.op}); err != nil {
			errs = append(errs, err)
		}
	}
	return len(changed), errors.Join(errs...)
}

// Entries returns a snapshot of the queue in replay order.
func (q *Queue) Entries() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Entry(nil), q.entries...)
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Find returns the queued entry with the given qid.
func (q *Queue) Find(qid string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.QID == qid {
			return e, true
		}
	}
	return nil, false
}

func (q *Queue) containsLocked(entry *Entry) bool {
	for _, e := range q.entries {
		if e == entry {
			return true
		}
	}
	return false
}

func (q *Queue) removeLocked(entry *Entry) bool {
	for i, e := range q.entries {
		if e == entry {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) persist(ctx context.Context, entry *Entry) {
	if q.store == nil || !q.store.Initialized() {
		return
	}
	q.mu.Lock()
	snapshot := store.Entry{QID: entry.QID, Operation: entry.Operation.Clone()}
	q.mu.Unlock()
	if err := q.store.SaveEntry(ctx, snapshot); err != nil {
		q.logger.LogError(ctx, err, "failed to persist entry", slog.String("qid", entry.QID))
	}
}

func (q *Queue) unpersist(ctx context.Context, entry *Entry) {
	if q.store == nil || !q.store.Initialized() {
		return
	}
	if err := q.store.RemoveEntry(ctx, entry.QID); err != nil {
		q.logger.LogError(ctx, err, "failed to remove persisted entry", slog.String("qid", entry.QID))
	}
}

func (q *Queue) notify(event string, fn func(Listener)) {
	q.mu.Lock()
	listeners := append(CompositeListener(nil), q.listeners...)
	q.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("queue listener panicked",
						slog.String("event", event),
						slog.String("panic", fmt.Sprint(r)),
					)
				}
			}()
			fn(l)
		}()
	}
}
