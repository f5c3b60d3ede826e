package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket considers the backend online while a websocket connection to
// it is open, and reconnects with backoff when the connection drops.
type WebSocket struct {
	url  string
	opts options
	b    broadcaster

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Status = (*WebSocket)(nil)

// NewWebSocket creates a WebSocket status for a ws:// or wss:// url.
func NewWebSocket(url string, opts ...Option) *WebSocket {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &WebSocket{url: url, opts: o}
}

// Start connects in the background until ctx is done or Close is called.
func (w *WebSocket) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)
}

func (w *WebSocket) run(ctx context.Context) {
	defer close(w.done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := w.opts.dialer.DialContext(ctx, w.url, w.opts.header)
		if err != nil {
			w.b.set(false)
			delay := w.opts.backoff.NextDelay(attempt)
			attempt++
			w.opts.logger.Debug("websocket dial failed",
				slog.String("url", w.url),
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		w.opts.backoff.Reset()
		attempt = 0
		w.opts.logger.Info("websocket connected", slog.String("url", w.url))
		w.b.set(true)

		err = w.read(ctx, conn)
		w.b.set(false)
		if ctx.Err() != nil {
			return
		}
		w.opts.logger.Warn("websocket disconnected", slog.String("url", w.url), slog.String("error", err.Error()))
	}
}

// read blocks until the connection fails or ctx is done.
func (w *WebSocket) read(ctx context.Context, conn *websocket.Conn) error {
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-closed:
			_ = conn.Close()
		}
	}()

	timeout := w.opts.readTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

// Close disconnects and stops reconnecting.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// IsOffline reports true until a connection has been established.
func (w *WebSocket) IsOffline(context.Context) (bool, error) {
	online, _ := w.b.state()
	return !online, nil
}

func (w *WebSocket) OnStatusChange(fn func(Info)) func() { return w.b.subscribe(fn) }
