package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/logging"
)

func TestManual(t *testing.T) {
	ctx := context.Background()
	m := NewManual(false)

	offline, err := m.IsOffline(ctx)
	require.NoError(t, err)
	assert.True(t, offline)

	var events []Info
	unsubscribe := m.OnStatusChange(func(i Info) { events = append(events, i) })

	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(false)
	assert.Equal(t, []Info{{Online: true}, {Online: false}}, events)

	unsubscribe()
	unsubscribe()
	m.SetOnline(true)
	assert.Len(t, events, 2)

	offline, _ = m.IsOffline(ctx)
	assert.False(t, offline)
}

func TestManual_SubscribersInOrder(t *testing.T) {
	m := NewManual(true)
	var order []string
	m.OnStatusChange(func(Info) { order = append(order, "a") })
	off := m.OnStatusChange(func(Info) { order = append(order, "b") })
	m.OnStatusChange(func(Info) { order = append(order, "c") })
	off()
	m.SetOnline(false)
	assert.Equal(t, []string{"a", "c"}, order)
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{1000, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
	b.Reset()
}

func TestProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Probe"))
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewProbe(srv.URL, WithInterval(10*time.Millisecond), WithHeader("X-Probe", "yes"), WithLogger(logging.Discard()))

	offline, err := p.IsOffline(context.Background())
	require.NoError(t, err)
	assert.False(t, offline)

	var mu sync.Mutex
	var events []Info
	p.OnStatusChange(func(i Info) {
		mu.Lock()
		events = append(events, i)
		mu.Unlock()
	})

	p.Start(context.Background())
	defer p.Close()

	healthy.Store(false)
	require.Eventually(t, func() bool {
		offline, _ := p.IsOffline(context.Background())
		return offline
	}, 2*time.Second, 10*time.Millisecond)

	healthy.Store(true)
	require.Eventually(t, func() bool {
		offline, _ := p.IsOffline(context.Background())
		return !offline
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Close())
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 2)
	assert.False(t, events[0].Online)
}

func TestProbe_Unreachable(t *testing.T) {
	p := NewProbe("http://127.0.0.1:1/health", WithLogger(logging.Discard()),
		WithHTTPClient(&http.Client{Timeout: 200 * time.Millisecond}))
	offline, err := p.IsOffline(context.Background())
	require.NoError(t, err)
	assert.True(t, offline)
	require.NoError(t, p.Close())
}

func TestWebSocket_ReconnectsAfterDrop(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws := NewWebSocket(url,
		WithBackoff(&ExponentialBackoff{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}),
		WithLogger(logging.Discard()),
	)

	var online, offline atomic.Int32
	ws.OnStatusChange(func(i Info) {
		if i.Online {
			online.Add(1)
		} else {
			offline.Add(1)
		}
	})

	offlineNow, _ := ws.IsOffline(context.Background())
	assert.True(t, offlineNow)

	ws.Start(context.Background())
	defer ws.Close()

	first := <-conns
	require.Eventually(t, func() bool { return online.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return offline.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	second := <-conns
	defer second.Close()
	require.Eventually(t, func() bool { return online.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	offlineNow, _ = ws.IsOffline(context.Background())
	assert.False(t, offlineNow)

	require.NoError(t, ws.Close())
	offlineNow, _ = ws.IsOffline(context.Background())
	assert.True(t, offlineNow)
}
