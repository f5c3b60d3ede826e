package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/network"
	"github.com/c0deZ3R0/go-offline-kit/operation"
	"github.com/c0deZ3R0/go-offline-kit/scheduler"
)

func TestCollector_Counters(t *testing.T) {
	c := New()
	c.RecordEnqueued("createTask")
	c.RecordEnqueued("createTask")
	c.RecordReplay("createTask", 2*time.Millisecond, true)
	c.RecordReplay("createTask", 3*time.Millisecond, false)
	c.RecordQueueDepth(1)
	c.ConflictOccurred("updateTask", nil, nil, nil)
	c.MergeOccurred("updateTask", nil, nil, nil)

	s := c.Snapshot()
	assert.EqualValues(t, 2, s.Enqueued)
	assert.EqualValues(t, 2, s.Replayed)
	assert.EqualValues(t, 1, s.ReplayFailures)
	assert.EqualValues(t, 5, s.ReplayDurationMS)
	assert.EqualValues(t, 1, s.QueueDepth)
	assert.EqualValues(t, 1, s.Conflicts)
	assert.EqualValues(t, 1, s.Merges)
	assert.NotEmpty(t, s.LastReplay)
	assert.Equal(t, OperationStats{Enqueued: 2, Succeeded: 1, Failed: 1}, s.Operations["createTask"])
}

func TestCollector_ServeHTTP(t *testing.T) {
	c := New()
	c.RecordEnqueued("x")

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var s Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.EqualValues(t, 1, s.Enqueued)
	assert.Empty(t, s.LastReplay)
}

type flakyExecutor struct{ fail bool }

func (f *flakyExecutor) Execute(_ context.Context, op operation.Operation) (operation.Result, error) {
	if f.fail {
		return operation.Result{}, errors.New("offline")
	}
	return operation.Result{Data: map[string]any{op.Name: map[string]any{"id": "srv-1"}}}, nil
}

func TestCollector_WithScheduler(t *testing.T) {
	ctx := context.Background()
	c := New()
	exec := &flakyExecutor{fail: true}
	s, err := scheduler.New(exec,
		scheduler.WithMetrics(c),
		scheduler.WithNetworkStatus(network.NewManual(false)),
		scheduler.WithLogger(logging.Discard()),
		scheduler.WithoutClientIDs(),
	)
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	defer s.Close()

	op := operation.Operation{Name: "createTask", Kind: operation.KindCreate}
	s.Queue().Enqueue(ctx, op)
	require.NoError(t, s.Flush(ctx))
	exec.fail = false
	require.NoError(t, s.Flush(ctx))

	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap.Enqueued)
	assert.EqualValues(t, 2, snap.Replayed)
	assert.EqualValues(t, 1, snap.ReplayFailures)
	assert.EqualValues(t, 0, snap.QueueDepth)
	assert.Equal(t, OperationStats{Enqueued: 1, Succeeded: 1, Failed: 1}, snap.Operations["createTask"])
}
