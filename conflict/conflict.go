// Package conflict implements optimistic-concurrency conflict handling:
// a three-way field diff between the last acknowledged base, the server's
// current state and the client's intended state, resolved through a
// pluggable Strategy.
package conflict

import (
	"context"
)

// Entity is a snapshot of one record.
type Entity = map[string]any

// Metadata is the input a Strategy resolves.
type Metadata struct {
	Base       Entity
	Server     Entity
	Client     Entity
	ClientDiff Entity
	ServerDiff Entity
	Operation  string
}

// Strategy produces the merged entity for a conflict. It may block and
// must honor ctx.
type Strategy interface {
	Resolve(ctx context.Context, m Metadata) (Entity, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, m Metadata) (Entity, error)

func (f StrategyFunc) Resolve(ctx context.Context, m Metadata) (Entity, error) {
	return f(ctx, m)
}

// UseClient keeps every client change: the server state overlaid with the
// client diff.
var UseClient Strategy = StrategyFunc(func(_ context.Context, m Metadata) (Entity, error) {
	if m.Server == nil {
		return clone(m.Client), nil
	}
	out := clone(m.Server)
	for k, v := range m.ClientDiff {
		out[k] = v
	}
	return out, nil
})

// UseServer keeps the server value for clashing fields and applies the
// client's other changes.
var UseServer Strategy = StrategyFunc(func(_ context.Context, m Metadata) (Entity, error) {
	if m.Server == nil {
		return clone(m.Client), nil
	}
	out := clone(m.Server)
	for k, v := range m.ClientDiff {
		if _, clash := m.ServerDiff[k]; !clash {
			out[k] = v
		}
	}
	return out, nil
})

// StrategyByName maps configuration names to built-in strategies.
func StrategyByName(name string) (Strategy, bool) {
	switch name {
	case "", "client", "use-client":
		return UseClient, true
	case "server", "use-server":
		return UseServer, true
	default:
		return nil, false
	}
}

// Resolution is the outcome of a client-side resolution.
type Resolution struct {
	// Resolved is the payload to send: the merged fields the client
	// originally supplied, with state fields taken from the server.
	Resolved Entity
	// Conflicted is true iff a field changed on both sides.
	Conflicted bool
}

// Listener is notified about resolutions.
type Listener interface {
	// ConflictOccurred fires when both sides changed the same field.
	ConflictOccurred(operation string, resolved, server, client Entity)
	// MergeOccurred fires when both sides changed disjoint fields.
	MergeOccurred(operation string, resolved, server, client Entity)
}

// ListenerFuncs implements Listener with optional function fields.
type ListenerFuncs struct {
	Conflict func(operation string, resolved, server, client Entity)
	Merge    func(operation string, resolved, server, client Entity)
}

func (l ListenerFuncs) ConflictOccurred(operation string, resolved, server, client Entity) {
	if l.Conflict != nil {
		l.Conflict(operation, resolved, server, client)
	}
}

func (l ListenerFuncs) MergeOccurred(operation string, resolved, server, client Entity) {
	if l.Merge != nil {
		l.Merge(operation, resolved, server, client)
	}
}

// CompositeListener fans notifications out in order.
type CompositeListener []Listener

func (c CompositeListener) ConflictOccurred(operation string, resolved, server, client Entity) {
	for _, l := range c {
		l.ConflictOccurred(operation, resolved, server, client)
	}
}

func (c CompositeListener) MergeOccurred(operation string, resolved, server, client Entity) {
	for _, l := range c {
		l.MergeOccurred(operation, resolved, server, client)
	}
}

// clone copies the top level of e. A nil entity stays nil.
func clone(e Entity) Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}
