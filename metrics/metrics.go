// Package metrics counts queue and conflict activity in memory and
// serves the counters as JSON.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/conflict"
	"github.com/c0deZ3R0/go-offline-kit/queue"
)

// Collector implements queue.MetricsCollector and conflict.Listener.
type Collector struct {
	enqueued       atomic.Int64
	replayed       atomic.Int64
	replayFailures atomic.Int64
	replayDuration atomic.Int64 // nanoseconds
	depth          atomic.Int64
	conflicts      atomic.Int64
	merges         atomic.Int64
	lastReplay     atomic.Value // time.Time

	mu     sync.Mutex
	byName map[string]*OperationStats
}

var (
	_ queue.MetricsCollector = (*Collector)(nil)
	_ conflict.Listener      = (*Collector)(nil)
)

// OperationStats are the per-operation-name counters.
type OperationStats struct {
	Enqueued  int64 `json:"enqueued"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Enqueued         int64                     `json:"enqueued"`
	Replayed         int64                     `json:"replayed"`
	ReplayFailures   int64                     `json:"replay_failures"`
	ReplayDurationMS int64                     `json:"replay_duration_ms"`
	QueueDepth       int64                     `json:"queue_depth"`
	Conflicts        int64                     `json:"conflicts"`
	Merges           int64                     `json:"merges"`
	LastReplay       string                    `json:"last_replay,omitempty"`
	Operations       map[string]OperationStats `json:"operations"`
}

// New creates an empty Collector.
func New() *Collector {
	return &Collector{byName: make(map[string]*OperationStats)}
}

func (c *Collector) stats(name string) *OperationStats {
	s, ok := c.byName[name]
	if !ok {
		s = &OperationStats{}
		c.byName[name] = s
	}
	return s
}

// RecordEnqueued implements queue.MetricsCollector.
func (c *Collector) RecordEnqueued(name string) {
	c.enqueued.Add(1)
	c.mu.Lock()
	c.stats(name).Enqueued++
	c.mu.Unlock()
}

// RecordReplay implements queue.MetricsCollector.
func (c *Collector) RecordReplay(name string, duration time.Duration, success bool) {
	c.replayed.Add(1)
	c.replayDuration.Add(int64(duration))
	c.lastReplay.Store(time.Now())
	if !success {
		c.replayFailures.Add(1)
	}
	c.mu.Lock()
	if success {
		c.stats(name).Succeeded++
	} else {
		c.stats(name).Failed++
	}
	c.mu.Unlock()
}

// RecordQueueDepth implements queue.MetricsCollector.
func (c *Collector) RecordQueueDepth(depth int) {
	c.depth.Store(int64(depth))
}

// ConflictOccurred implements conflict.Listener.
func (c *Collector) ConflictOccurred(string, conflict.Entity, conflict.Entity, conflict.Entity) {
	c.conflicts.Add(1)
}

// MergeOccurred implements conflict.Listener.
func (c *Collector) MergeOccurred(string, conflict.Entity, conflict.Entity, conflict.Entity) {
	c.merges.Add(1)
}

// Snapshot copies the current counters.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Enqueued:         c.enqueued.Load(),
		Replayed:         c.replayed.Load(),
		ReplayFailures:   c.replayFailures.Load(),
		ReplayDurationMS: time.Duration(c.replayDuration.Load()).Milliseconds(),
		QueueDepth:       c.depth.Load(),
		Conflicts:        c.conflicts.Load(),
		Merges:           c.merges.Load(),
	}
	if t, ok := c.lastReplay.Load().(time.Time); ok {
		s.LastReplay = t.Format(time.RFC3339)
	}

	c.mu.Lock()
	s.Operations = make(map[string]OperationStats, len(c.byName))
	for name, st := range c.byName {
		s.Operations[name] = *st
	}
	c.mu.Unlock()
	return s
}

// ServeHTTP exposes the snapshot as JSON.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.Snapshot())
}
