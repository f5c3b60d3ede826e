package network

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/go-offline-kit/logging"
)

type options struct {
	interval    time.Duration
	client      *http.Client
	dialer      *websocket.Dialer
	header      http.Header
	backoff     BackoffStrategy
	readTimeout time.Duration
	logger      *logging.Logger
}

func defaultOptions() options {
	return options{
		interval:    10 * time.Second,
		client:      &http.Client{Timeout: 5 * time.Second},
		dialer:      websocket.DefaultDialer,
		backoff:     DefaultBackoff(),
		readTimeout: 60 * time.Second,
		logger:      logging.WithComponent(logging.ComponentNetwork),
	}
}

// Option configures a Probe or a WebSocket.
type Option func(*options)

// WithInterval sets the Probe polling interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithHTTPClient sets the client used by Probe.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithHeader adds a header to probe requests and the websocket handshake.
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Add(key, value)
	}
}

// WithBackoff sets the websocket reconnect strategy.
func WithBackoff(b BackoffStrategy) Option {
	return func(o *options) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithReadTimeout sets how long a websocket may stay silent, pings
// included, before it is considered lost.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
