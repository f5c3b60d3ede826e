package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/c0deZ3R0/go-offline-kit/operation"
)

var (
	// ErrEntryInFlight is returned when cancelling the entry currently being forwarded.
	ErrEntryInFlight = errors.New("queue: entry is in flight")
	// ErrEntryNotFound is returned for an entry that is not queued.
	ErrEntryNotFound = errors.New("queue: entry not found")
	// ErrCancelled rejects the pending result of a cancelled entry.
	ErrCancelled = errors.New("queue: entry cancelled")
)

// Entry is one queued operation. Operation is only replaced by the queue,
// through RewriteEntries or squashing.
type Entry struct {
	QID       string
	Operation *operation.Operation

	pending *Pending
}

// Pending returns the deferred result attached by BuildPending, or nil for
// entries restored from storage.
func (e *Entry) Pending() *Pending {
	return e.pending
}

// Pending is the deferred outcome of a queued operation. It settles at
// most once.
type Pending struct {
	done   chan struct{}
	once   sync.Once
	result operation.Result
	err    error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Done is closed once the pending result settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the result is available.
func (p *Pending) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) (operation.Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return operation.Result{}, ctx.Err()
	}
}

func (p *Pending) resolve(result operation.Result) {
	p.once.Do(func() {
		p.result = result
		close(p.done)
	})
}

func (p *Pending) reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// ApplicationError reports that the backend processed an operation and
// rejected it. The entry is removed from the queue because retrying the
// same write cannot succeed.
type ApplicationError struct {
	QID       string
	Operation string
	Errors    []operation.ResultError
}

func (e *ApplicationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, re := range e.Errors {
		msgs[i] = re.Error()
	}
	return fmt.Sprintf("operation %s (%s) rejected: %s", e.Operation, e.QID, strings.Join(msgs, "; "))
}
