package queue

import (
	"time"

	"github.com/c0deZ3R0/go-offline-kit/operation"
)

// Listener observes queue events. Notifications are delivered
// synchronously; a panicking listener is recovered and logged.
type Listener interface {
	OnOperationEnqueued(entry *Entry)
	OnOperationRequeued(entry *Entry)
	OnOperationSuccess(entry *Entry, result operation.Result)
	OnOperationFailure(entry *Entry, err error)
	QueueCleared()
}

// ListenerFuncs implements Listener with optional function fields.
type ListenerFuncs struct {
	Enqueued func(entry *Entry)
	Requeued func(entry *Entry)
	Success  func(entry *Entry, result operation.Result)
	Failure  func(entry *Entry, err error)
	Cleared  func()
}

func (l ListenerFuncs) OnOperationEnqueued(entry *Entry) {
	if l.Enqueued != nil {
		l.Enqueued(entry)
	}
}

func (l ListenerFuncs) OnOperationRequeued(entry *Entry) {
	if l.Requeued != nil {
		l.Requeued(entry)
	}
}

func (l ListenerFuncs) OnOperationSuccess(entry *Entry, result operation.Result) {
	if l.Success != nil {
		l.Success(entry, result)
	}
}

func (l ListenerFuncs) OnOperationFailure(entry *Entry, err error) {
	if l.Failure != nil {
		l.Failure(entry, err)
	}
}

func (l ListenerFuncs) QueueCleared() {
	if l.Cleared != nil {
		l.Cleared()
	}
}

// CompositeListener fans events out to several listeners in order.
type CompositeListener []Listener

func (c CompositeListener) OnOperationEnqueued(entry *Entry) {
	for _, l := range c {
		l.OnOperationEnqueued(entry)
	}
}

func (c CompositeListener) OnOperationRequeued(entry *Entry) {
	for _, l := range c {
		l.OnOperationRequeued(entry)
	}
}

func (c CompositeListener) OnOperationSuccess(entry *Entry, result operation.Result) {
	for _, l := range c {
		l.OnOperationSuccess(entry, result)
	}
}

func (c CompositeListener) OnOperationFailure(entry *Entry, err error) {
	for _, l := range c {
		l.OnOperationFailure(entry, err)
	}
}

func (c CompositeListener) QueueCleared() {
	for _, l := range c {
		l.QueueCleared()
	}
}

// MetricsCollector provides hooks for collecting queue metrics
type MetricsCollector interface {
	// RecordEnqueued counts an operation entering the queue
	RecordEnqueued(name string)

	// RecordReplay records one forward attempt and whether it succeeded
	RecordReplay(name string, duration time.Duration, success bool)

	// RecordQueueDepth records the queue length after a change
	RecordQueueDepth(depth int)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordEnqueued(name string)                                     {}
func (NoOpMetricsCollector) RecordReplay(name string, duration time.Duration, success bool) {}
func (NoOpMetricsCollector) RecordQueueDepth(depth int)                                     {}
