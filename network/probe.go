package network

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe considers the backend online while GET requests to a health URL
// answer with a 2xx status.
type Probe struct {
	url  string
	opts options
	b    broadcaster

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Status = (*Probe)(nil)

// NewProbe creates a Probe for url. Call Start to poll in the background.
func NewProbe(url string, opts ...Option) *Probe {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Probe{url: url, opts: o}
}

// Check performs one request and records the outcome.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.probe(ctx)
	p.b.set(online)
	return online
}

func (p *Probe) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.opts.logger.Warn("invalid probe request", slog.String("url", p.url), slog.String("error", err.Error()))
		return false
	}
	for k, vs := range p.opts.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := p.opts.client.Do(req)
	if err != nil {
		p.opts.logger.Debug("probe failed", slog.String("url", p.url), slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Start checks once synchronously, then polls until ctx is done or Close
// is called. Calling Start twice has no effect.
func (p *Probe) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	p.Check(ctx)
	go p.loop(ctx)
}

func (p *Probe) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Close stops polling.
func (p *Probe) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// IsOffline returns the last observed state, checking once if nothing has
// been observed yet.
func (p *Probe) IsOffline(ctx context.Context) (bool, error) {
	if online, known := p.b.state(); known {
		return !online, nil
	}
	return !p.Check(ctx), nil
}

func (p *Probe) OnStatusChange(fn func(Info)) func() { return p.b.subscribe(fn) }
