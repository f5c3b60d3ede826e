package clientid

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/operation"
	"github.com/c0deZ3R0/go-offline-kit/queue"
)

// IDExtractor finds the server-assigned identifier in a create result.
type IDExtractor func(op operation.Operation, result operation.Result) (string, bool)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithIDExtractor replaces DefaultIDExtractor.
func WithIDExtractor(fn IDExtractor) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.extract = fn
		}
	}
}

// WithGenerator replaces Generate, mostly for tests.
func WithGenerator(fn func() string) Option {
	return func(r *Reconciler) {
		if fn != nil {
			r.generate = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reconciler is both a queue.EnqueueProcessor, assigning provisional ids
// to creates, and a queue.ResultProcessor, replacing them across the
// queue once the create succeeds.
type Reconciler struct {
	extract  IDExtractor
	generate func() string
	logger   *logging.Logger
}

var (
	_ queue.EnqueueProcessor = (*Reconciler)(nil)
	_ queue.ResultProcessor  = (*Reconciler)(nil)
)

// NewReconciler creates a Reconciler.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{
		extract:  DefaultIDExtractor,
		generate: Generate,
		logger:   logging.WithComponent(logging.ComponentQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProcessEnqueue gives a create without an identifier a client-generated
// one. A create that already carries a client-generated id keeps it.
func (r *Reconciler) ProcessEnqueue(op *operation.Operation) {
	if !op.IsCreate() {
		return
	}
	field := op.IdentifierField()
	if v, ok := op.Variables[field]; ok && v != nil && v != "" {
		if s, isString := v.(string); isString && IsClientGenerated(s) {
			op.ClientID = s
		}
		return
	}
	if op.Variables == nil {
		op.Variables = make(map[string]any)
	}
	id := r.generate()
	op.Variables[field] = id
	op.ClientID = id
}

// ProcessResult rewrites every remaining reference to the provisional id
// of a replayed create to the id the server assigned.
func (r *Reconciler) ProcessResult(ctx context.Context, q *queue.Queue, entry *queue.Entry, result operation.Result) error {
	op := entry.Operation
	if !op.IsCreate() || op.ClientID == "" {
		return nil
	}
	serverID, ok := r.extract(*op, result)
	if !ok || serverID == "" || serverID == op.ClientID {
		return nil
	}

	from := op.ClientID
	changed, err := q.RewriteEntries(ctx, func(o *operation.Operation) bool {
		return rewriteOperation(o, from, serverID)
	})
	r.logger.Debug("reconciled client id",
		slog.String("client_id", from),
		slog.String("server_id", serverID),
		slog.Int("entries_changed", changed),
	)
	return err
}

func rewriteOperation(o *operation.Operation, from, to string) bool {
	changed := false
	if o.Variables != nil {
		if _, ok := Rewrite(o.Variables, from, to); ok {
			changed = true
		}
	}
	if o.Base != nil {
		if _, ok := Rewrite(o.Base, from, to); ok {
			changed = true
		}
	}
	if o.ClientID == from {
		o.ClientID = to
		changed = true
	}
	return changed
}

// DefaultIDExtractor looks for the identifier at Data[op.Name][idField],
// then at Data[idField].
func DefaultIDExtractor(op operation.Operation, result operation.Result) (string, bool) {
	field := op.IdentifierField()
	if nested, ok := result.Data[op.Name].(map[string]any); ok {
		if id, ok := idString(nested[field]); ok {
			return id, true
		}
	}
	return idString(result.Data[field])
}

func idString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}
