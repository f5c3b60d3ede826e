// Package network reports whether the backend is reachable and notifies
// subscribers when that changes.
package network

import (
	"context"
	"sync"
)

// Info describes a connectivity change.
type Info struct {
	Online bool
}

// Status is a source of connectivity information.
type Status interface {
	// IsOffline reports the current state.
	IsOffline(ctx context.Context) (bool, error)
	// OnStatusChange registers fn for every state change and returns a
	// function that removes it.
	OnStatusChange(fn func(Info)) (unsubscribe func())
}

// broadcaster tracks the current state and delivers changes to
// subscribers. Subscribers are called outside the lock, in registration
// order.
type broadcaster struct {
	mu     sync.Mutex
	online bool
	known  bool
	nextID int
	subs   map[int]func(Info)
	order  []int
}

func (b *broadcaster) subscribe(fn func(Info)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Info))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// set records the state and notifies subscribers if it changed. The
// first recorded state is delivered as a change.
func (b *broadcaster) set(online bool) {
	b.mu.Lock()
	if b.known && b.online == online {
		b.mu.Unlock()
		return
	}
	b.known = true
	b.online = online
	fns := make([]func(Info), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(Info{Online: online})
	}
}

func (b *broadcaster) state() (online, known bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online, b.known
}

// Manual is a Status driven by the caller.
type Manual struct {
	b broadcaster
}

var _ Status = (*Manual)(nil)

// NewManual returns a Manual in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.b.known = true
	m.b.online = online
	return m
}

// SetOnline changes the state, notifying subscribers on a change.
func (m *Manual) SetOnline(online bool) { m.b.set(online) }

func (m *Manual) IsOffline(context.Context) (bool, error) {
	online, _ := m.b.state()
	return !online, nil
}

func (m *Manual) OnStatusChange(fn func(Info)) func() { return m.b.subscribe(fn) }
