package conflict

import (
	"context"
	"log/slog"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/operation"
)

// UnresolvedMessage is the result error reported when a resolved retry
// conflicts again.
const UnresolvedMessage = "conflict persisted after client-side resolution"

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStrategy sets the client-side strategy. Defaults to UseClient.
func WithStrategy(s Strategy) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.strategy = s
		}
	}
}

// WithListener sets the resolution listener.
func WithListener(l Listener) ExecutorOption {
	return func(e *Executor) { e.listener = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor decorates an operation.Executor. A result reporting a conflict
// the server did not resolve is resolved locally and the operation is sent
// once more with the resolved variables.
type Executor struct {
	next     operation.Executor
	state    ObjectState
	strategy Strategy
	listener Listener
	logger   *logging.Logger
}

var _ operation.Executor = (*Executor)(nil)

// NewExecutor wraps next. A nil state uses a VersionedState.
func NewExecutor(next operation.Executor, state ObjectState, opts ...ExecutorOption) *Executor {
	if state == nil {
		state = NewVersionedState()
	}
	e := &Executor{
		next:     next,
		state:    state,
		strategy: UseClient,
		logger:   logging.WithComponent(logging.ComponentConflict),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements operation.Executor.
func (e *Executor) Execute(ctx context.Context, op operation.Operation) (operation.Result, error) {
	res, err := e.next.Execute(ctx, op)
	if err != nil || !e.applies(op, res) {
		return res, err
	}

	client := res.Conflict.Client
	if client == nil {
		client = op.Variables
	}
	h := NewHandler(HandlerOptions{
		Base:          op.Base,
		Server:        res.Conflict.Server,
		Client:        client,
		Strategy:      e.strategy,
		Listener:      e.listener,
		ObjectState:   e.state,
		OperationName: op.Name,
	})
	resolution, err := h.Resolve(ctx)
	if err != nil {
		e.logger.LogError(ctx, err, "conflict resolution failed", slog.String("operation", op.Name))
		return res, err
	}
	e.logger.Debug("retrying with resolved state",
		slog.String("operation", op.Name),
		slog.Bool("conflicted", resolution.Conflicted),
	)

	retry := op.Clone()
	retry.Variables = resolution.Resolved
	retry.Base = clone(res.Conflict.Server)
	out, err := e.next.Execute(ctx, retry)
	if err != nil {
		return out, err
	}
	if out.Conflict != nil && !out.Conflict.ResolvedOnServer && len(out.Errors) == 0 {
		out.Errors = append(out.Errors, operation.ResultError{Message: UnresolvedMessage})
	}
	return out, nil
}

func (e *Executor) applies(op operation.Operation, res operation.Result) bool {
	if res.Conflict == nil || res.Conflict.ResolvedOnServer {
		return false
	}
	if op.Base == nil || res.Conflict.Server == nil {
		return false
	}
	_, ok := e.state.CurrentState(op.Variables)
	return ok
}
