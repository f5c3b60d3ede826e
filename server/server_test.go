package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/clientid"
	"github.com/c0deZ3R0/go-offline-kit/conflict"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/network"
	"github.com/c0deZ3R0/go-offline-kit/operation"
	"github.com/c0deZ3R0/go-offline-kit/scheduler"
	"github.com/c0deZ3R0/go-offline-kit/storage/memory"
	"github.com/c0deZ3R0/go-offline-kit/transport/httpexec"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s := New(append([]Option{WithLogger(logging.Discard())}, opts...)...)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func post(t *testing.T, url string, op operation.Operation) (int, operation.Result) {
	t.Helper()
	body, err := json.Marshal(op)
	require.NoError(t, err)
	resp, err := http.Post(url+httpexec.OperationsPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res operation.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func record(res operation.Result, name string) map[string]any {
	m, _ := res.Data[name].(map[string]any)
	return m
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CreateAssignsIDAndVersion(t *testing.T) {
	_, ts := newTestServer(t)

	status, res := post(t, ts.URL, operation.Operation{
		Name: "createTask", Kind: operation.KindCreate,
		Variables: map[string]any{"id": "client:abcd1234", "title": "t", "version": 7},
	})
	require.Equal(t, http.StatusOK, status)
	rec := record(res, "createTask")
	id, _ := rec["id"].(string)
	assert.NotEmpty(t, id)
	assert.False(t, clientid.IsClientGenerated(id))
	assert.EqualValues(t, 1, rec["version"])

	resp, err := http.Get(ts.URL + "/records/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stored map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	assert.Equal(t, "t", stored["title"])

	status, res = post(t, ts.URL, operation.Operation{
		Name: "createTask", Kind: operation.KindCreate, Variables: map[string]any{"id": id},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, res.HasErrors())
}

func TestServer_GetMissingRecord(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/records/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func seed(t *testing.T, s *Server) string {
	t.Helper()
	_, res := s.Apply(context.Background(), operation.Operation{
		Name: "createTask", Kind: operation.KindCreate,
		Variables: map[string]any{"title": "a", "desc": "x"},
	})
	require.False(t, res.HasErrors())
	return record(res, "createTask")["id"].(string)
}

func TestServer_UpdateAdvancesVersion(t *testing.T) {
	s, ts := newTestServer(t)
	id := seed(t, s)

	status, res := post(t, ts.URL, operation.Operation{
		Name: "updateTask", Kind: operation.KindUpdate,
		Variables: map[string]any{"id": id, "title": "b", "version": 1},
	})
	require.Equal(t, http.StatusOK, status)
	rec := record(res, "updateTask")
	assert.Equal(t, "b", rec["title"])
	assert.Equal(t, "x", rec["desc"])
	assert.EqualValues(t, 2, rec["version"])
}

func TestServer_StaleUpdatePolicies(t *testing.T) {
	ctx := context.Background()
	stale := func(id string) operation.Operation {
		return operation.Operation{
			Name: "updateTask", Kind: operation.KindUpdate,
			Variables: map[string]any{"id": id, "title": "c", "version": 1},
		}
	}
	bump := func(s *Server, id string) {
		_, res := s.Apply(ctx, operation.Operation{
			Name: "updateTask", Kind: operation.KindUpdate,
			Variables: map[string]any{"id": id, "desc": "y", "version": 1},
		})
		require.False(t, res.HasErrors())
	}

	t.Run("client", func(t *testing.T) {
		s := New(WithLogger(logging.Discard()))
		id := seed(t, s)
		bump(s, id)
		status, res := s.Apply(ctx, stale(id))
		assert.Equal(t, http.StatusConflict, status)
		require.NotNil(t, res.Conflict)
		assert.False(t, res.Conflict.ResolvedOnServer)
		assert.EqualValues(t, 2, res.Conflict.Server["version"])
	})

	t.Run("server", func(t *testing.T) {
		s := New(WithLogger(logging.Discard()), WithPolicy(PolicyServer, nil))
		id := seed(t, s)
		bump(s, id)
		status, res := s.Apply(ctx, stale(id))
		assert.Equal(t, http.StatusOK, status)
		require.NotNil(t, res.Conflict)
		assert.True(t, res.Conflict.ResolvedOnServer)
		rec := record(res, "updateTask")
		assert.Equal(t, "c", rec["title"])
		assert.Equal(t, "y", rec["desc"])
		assert.EqualValues(t, 3, rec["version"])
	})

	t.Run("reject", func(t *testing.T) {
		s := New(WithLogger(logging.Discard()), WithPolicy(PolicyReject, nil))
		id := seed(t, s)
		bump(s, id)
		_, res := s.Apply(ctx, stale(id))
		require.NotNil(t, res.Conflict)
		assert.True(t, res.Conflict.ResolvedOnServer)
		assert.Equal(t, "a", record(res, "updateTask")["title"])
	})
}

func TestServer_UpdateRejections(t *testing.T) {
	ctx := context.Background()
	s := New(WithLogger(logging.Discard()))
	id := seed(t, s)

	_, res := s.Apply(ctx, operation.Operation{Name: "u", Kind: operation.KindUpdate, Variables: map[string]any{"title": "x"}})
	assert.True(t, res.HasErrors(), "missing id")

	_, res = s.Apply(ctx, operation.Operation{Name: "u", Kind: operation.KindUpdate, Variables: map[string]any{"id": "nope", "version": 1}})
	assert.True(t, res.HasErrors(), "unknown record")

	_, res = s.Apply(ctx, operation.Operation{Name: "u", Kind: operation.KindUpdate, Variables: map[string]any{"id": id}})
	require.True(t, res.HasErrors(), "missing version")
	assert.Contains(t, res.Errors[0].Message, "version")

	_, res = s.Apply(ctx, operation.Operation{Name: "u", Kind: "upsert", Variables: map[string]any{"id": id}})
	assert.True(t, res.HasErrors(), "unknown kind")
}

func TestServer_Delete(t *testing.T) {
	ctx := context.Background()
	s := New(WithLogger(logging.Discard()))
	id := seed(t, s)

	_, res := s.Apply(ctx, operation.Operation{Name: "deleteTask", Kind: operation.KindDelete, Variables: map[string]any{"id": id}})
	require.False(t, res.HasErrors())
	_, found, err := s.Record(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	_, res = s.Apply(ctx, operation.Operation{Name: "deleteTask", Kind: operation.KindDelete, Variables: map[string]any{"id": id}})
	assert.True(t, res.HasErrors())
}

func TestServer_InvalidBodies(t *testing.T) {
	_, ts := newTestServer(t, WithMaxBodyBytes(64))

	resp, err := http.Post(ts.URL+httpexec.OperationsPath, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+httpexec.OperationsPath, "application/json", strings.NewReader(`{"name":"`+strings.Repeat("x", 128)+`"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServer_WebSocketStatus(t *testing.T) {
	_, ts := newTestServer(t, WithPingInterval(10*time.Millisecond))
	ws := network.NewWebSocket("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws",
		network.WithReadTimeout(time.Second),
		network.WithLogger(logging.Discard()),
	)
	ws.Start(context.Background())
	defer ws.Close()

	require.Eventually(t, func() bool {
		offline, _ := ws.IsOffline(context.Background())
		return !offline
	}, 2*time.Second, 10*time.Millisecond)
}

// An update queued offline against version 1 is replayed after the record
// moved to version 2 on the server. The server answers 409, the client
// merges both changes and the retry succeeds with version 3.
func TestEndToEnd_OfflineUpdateResolvesConflict(t *testing.T) {
	ctx := context.Background()
	s, ts := newTestServer(t)
	id := seed(t, s)
	base, _, err := s.Record(ctx, id)
	require.NoError(t, err)

	status := network.NewManual(false)
	var merges int
	sched, err := scheduler.New(
		httpexec.New(ts.URL, httpexec.WithLogger(logging.Discard())),
		scheduler.WithStorage(memory.New()),
		scheduler.WithNetworkStatus(status),
		scheduler.WithConflictHandling(conflict.NewVersionedState(), conflict.UseClient, conflict.ListenerFuncs{
			Merge: func(string, conflict.Entity, conflict.Entity, conflict.Entity) { merges++ },
		}),
		scheduler.WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	defer sched.Close()
	require.NoError(t, sched.Init(ctx))

	client := map[string]any{"id": id, "title": "b", "desc": "x", "version": base["version"]}
	_, err = sched.Execute(ctx, operation.Operation{
		Name: "updateTask", Kind: operation.KindUpdate, Variables: client, Base: base,
	})
	deferred, ok := scheduler.AsDeferred(err)
	require.True(t, ok)

	_, res := s.Apply(ctx, operation.Operation{
		Name: "updateTask", Kind: operation.KindUpdate,
		Variables: map[string]any{"id": id, "desc": "y", "version": 1},
	})
	require.False(t, res.HasErrors())

	status.SetOnline(true)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := deferred.Pending.Wait(waitCtx)
	require.NoError(t, err)
	rec := record(out, "updateTask")
	assert.Equal(t, "b", rec["title"])
	assert.Equal(t, "y", rec["desc"])
	assert.EqualValues(t, 3, rec["version"])
	assert.Equal(t, 1, merges)

	stored, _, err := s.Record(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b", stored["title"])
	assert.Equal(t, "y", stored["desc"])
}

// A create queued offline gets a provisional id; a second queued create
// referencing it reaches the server with the real id.
func TestEndToEnd_ClientIDReconciliation(t *testing.T) {
	ctx := context.Background()
	s, ts := newTestServer(t)

	sched, err := scheduler.New(
		httpexec.New(ts.URL, httpexec.WithLogger(logging.Discard())),
		scheduler.WithNetworkStatus(network.NewManual(false)),
		scheduler.WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	defer sched.Close()
	require.NoError(t, sched.Init(ctx))

	_, err = sched.Execute(ctx, operation.Operation{Name: "createProject", Kind: operation.KindCreate, Variables: map[string]any{"title": "p"}})
	parent, ok := scheduler.AsDeferred(err)
	require.True(t, ok)
	provisional := parent.Entry.Operation.ClientID
	require.True(t, clientid.IsClientGenerated(provisional))

	_, err = sched.Execute(ctx, operation.Operation{Name: "createTask", Kind: operation.KindCreate, Variables: map[string]any{
		"title": "t", "project": provisional,
	}})
	child, ok := scheduler.AsDeferred(err)
	require.True(t, ok)

	require.NoError(t, sched.Flush(ctx))

	p, err := parent.Pending.Wait(ctx)
	require.NoError(t, err)
	c, err := child.Pending.Wait(ctx)
	require.NoError(t, err)

	realID := record(p, "createProject")["id"].(string)
	assert.NotEqual(t, provisional, realID)
	taskID := record(c, "createTask")["id"].(string)
	task, found, err := s.Record(ctx, taskID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, realID, task["project"])
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyClient, p)
	p, err = ParsePolicy("server")
	require.NoError(t, err)
	assert.Equal(t, PolicyServer, p)
	_, err = ParsePolicy("random")
	require.Error(t, err)
}
