package conflict

import (
	"context"
	"fmt"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
)

// HandlerOptions configures a Handler. Strategy defaults to UseClient and
// ObjectState to a VersionedState.
type HandlerOptions struct {
	Base          Entity
	Server        Entity
	Client        Entity
	Strategy      Strategy
	Listener      Listener
	ObjectState   ObjectState
	OperationName string
}

// Handler performs a three-way diff on construction and resolves the
// result through a strategy.
type Handler struct {
	opts       HandlerOptions
	ignored    map[string]struct{}
	clientDiff Entity
	serverDiff Entity
	conflicted bool
}

// NewHandler computes the client and server diffs against the base.
// A missing base, server or client yields empty diffs and no conflict.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.Strategy == nil {
		opts.Strategy = UseClient
	}
	if opts.ObjectState == nil {
		opts.ObjectState = NewVersionedState()
	}

	h := &Handler{
		opts:       opts,
		ignored:    make(map[string]struct{}),
		clientDiff: Entity{},
		serverDiff: Entity{},
	}
	for _, f := range opts.ObjectState.StateFields() {
		h.ignored[f] = struct{}{}
	}
	h.diff()
	return h
}

func (h *Handler) diff() {
	base, server, client := h.opts.Base, h.opts.Server, h.opts.Client
	if base == nil || server == nil || client == nil {
		return
	}
	h.clientDiff = h.changes(base, client, client)
	h.serverDiff = h.changes(base, server, client)
	for k := range h.clientDiff {
		if _, ok := h.serverDiff[k]; ok {
			h.conflicted = true
			return
		}
	}
}

// changes returns the fields named in keys whose value in side differs
// from a non-nil base value, excluding state fields. Both diffs are taken
// over the client's fields, so server-only changes to fields the client
// did not send never count as a merge.
func (h *Handler) changes(base, side, keys Entity) Entity {
	out := Entity{}
	for k := range keys {
		if _, skip := h.ignored[k]; skip {
			continue
		}
		bv, ok := present(base, k)
		if !ok {
			continue
		}
		if v := side[k]; !Equal(bv, v) {
			out[k] = v
		}
	}
	return out
}

// Conflicted reports whether a field was changed on both sides.
func (h *Handler) Conflicted() bool { return h.conflicted }

// ClientDiff returns the client's changes relative to the base.
func (h *Handler) ClientDiff() Entity { return clone(h.clientDiff) }

// ServerDiff returns the server's changes relative to the base.
func (h *Handler) ServerDiff() Entity { return clone(h.serverDiff) }

// Resolve runs the strategy, takes state fields from the server, notifies
// the listener and returns the fields the client supplied.
func (h *Handler) Resolve(ctx context.Context) (Resolution, error) {
	merged, err := h.opts.Strategy.Resolve(ctx, Metadata{
		Base:       clone(h.opts.Base),
		Server:     clone(h.opts.Server),
		Client:     clone(h.opts.Client),
		ClientDiff: clone(h.clientDiff),
		ServerDiff: clone(h.serverDiff),
		Operation:  h.opts.OperationName,
	})
	if err != nil {
		return Resolution{}, syncErrors.NewConflictError(syncErrors.OpConflictResolve, err).
			WithMetadata("operation", h.opts.OperationName)
	}
	if merged == nil {
		return Resolution{}, syncErrors.NewConflictError(syncErrors.OpConflictResolve,
			fmt.Errorf("strategy returned no entity for %s", h.opts.OperationName))
	}
	merged = clone(merged)
	h.opts.ObjectState.AssignServerState(merged, h.opts.Server)

	if l := h.opts.Listener; l != nil {
		switch {
		case h.conflicted:
			l.ConflictOccurred(h.opts.OperationName, merged, h.opts.Server, h.opts.Client)
		case len(h.clientDiff) > 0 && len(h.serverDiff) > 0:
			l.MergeOccurred(h.opts.OperationName, merged, h.opts.Server, h.opts.Client)
		}
	}

	resolved := Entity{}
	for k := range h.opts.Client {
		if v, ok := merged[k]; ok {
			resolved[k] = v
		}
	}
	for _, f := range h.opts.ObjectState.StateFields() {
		if v, ok := present(h.opts.Server, f); ok {
			resolved[f] = v
		}
	}
	return Resolution{Resolved: resolved, Conflicted: h.conflicted}, nil
}
