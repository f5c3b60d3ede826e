package conflict

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2b"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
)

// DefaultVersionField is the state marker field used by VersionedState.
const DefaultVersionField = "version"

// StateResolution is the outcome of a server-side conflict check.
type StateResolution struct {
	// ResolvedOnServer is true when the server kept or merged the state
	// itself and the client should not retry.
	ResolvedOnServer bool
	// State is the entity the server ends up with.
	State Entity
	// Client is the client entity the decision was made for.
	Client Entity
}

// ServerStrategy merges a client write into the server's current state
// when the server resolves a conflict itself.
type ServerStrategy func(ctx context.Context, server, client Entity) (Entity, error)

// ClientWins overlays every client field on the server state.
func ClientWins(_ context.Context, server, client Entity) (Entity, error) {
	out := make(Entity, len(server)+len(client))
	for k, v := range server {
		out[k] = v
	}
	for k, v := range client {
		out[k] = v
	}
	return out, nil
}

// ServerWins keeps the server state unchanged.
func ServerWins(_ context.Context, server, _ Entity) (Entity, error) {
	return clone(server), nil
}

// ObjectState detects conflicts between two snapshots and advances the
// state marker after a write.
type ObjectState interface {
	HasConflict(server, client Entity) (bool, error)
	// NextState returns a copy of e with its marker advanced.
	NextState(e Entity) Entity
	// StateFields lists fields that are never diffed.
	StateFields() []string
	// AssignServerState copies the server's marker into target.
	AssignServerState(target, server Entity)
	// CurrentState returns the marker of e, if it has one.
	CurrentState(e Entity) (any, bool)

	ResolveOnClient(server, client Entity) StateResolution
	ResolveOnServer(ctx context.Context, strategy ServerStrategy, server, client Entity) (StateResolution, error)
	Reject(server, client Entity) StateResolution
}

// VersionedState tracks a monotonically increasing version field.
type VersionedState struct {
	Field string
}

var _ ObjectState = (*VersionedState)(nil)

// NewVersionedState returns a VersionedState using the "version" field.
func NewVersionedState() *VersionedState {
	return &VersionedState{Field: DefaultVersionField}
}

func (v *VersionedState) field() string {
	if v == nil || v.Field == "" {
		return DefaultVersionField
	}
	return v.Field
}

// HasConflict reports whether the versions differ. Both sides must carry
// a version.
func (v *VersionedState) HasConflict(server, client Entity) (bool, error) {
	f := v.field()
	sv, sok := present(server, f)
	cv, cok := present(client, f)
	if !sok || !cok {
		return false, syncErrors.NewConfigurationError(syncErrors.OpConflictResolve, "conflict",
			fmt.Errorf("conflict detection requires the %q field on both server and client", f))
	}
	return !Equal(sv, cv), nil
}

// NextState increments the version. An absent or non-numeric version
// becomes 1.
func (v *VersionedState) NextState(e Entity) Entity {
	f := v.field()
	out := clone(e)
	if out == nil {
		out = Entity{}
	}
	cur, ok := versionNumber(out[f])
	if !ok {
		out[f] = int64(1)
		return out
	}
	out[f] = cur + 1
	return out
}

func versionNumber(val any) (int64, bool) {
	if n, ok := toInt64(val); ok {
		return n, true
	}
	if s, ok := val.(string); ok {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (v *VersionedState) StateFields() []string {
	return []string{v.field(), "id"}
}

func (v *VersionedState) AssignServerState(target, server Entity) {
	if sv, ok := server[v.field()]; ok {
		target[v.field()] = sv
	}
}

func (v *VersionedState) CurrentState(e Entity) (any, bool) {
	return present(e, v.field())
}

func (v *VersionedState) ResolveOnClient(server, client Entity) StateResolution {
	return StateResolution{State: server, Client: client}
}

// ResolveOnServer merges with strategy, keeps the server's version and
// advances it.
func (v *VersionedState) ResolveOnServer(ctx context.Context, strategy ServerStrategy, server, client Entity) (StateResolution, error) {
	resolved, err := runServerStrategy(ctx, strategy, server, client)
	if err != nil {
		return StateResolution{}, err
	}
	v.AssignServerState(resolved, server)
	return StateResolution{ResolvedOnServer: true, State: v.NextState(resolved), Client: client}, nil
}

func (v *VersionedState) Reject(server, client Entity) StateResolution {
	return StateResolution{ResolvedOnServer: true, State: server, Client: client}
}

// HashFunc digests an entity.
type HashFunc func(Entity) string

// Blake2bHash digests the canonical JSON encoding of e. Map keys are
// encoded in sorted order, so equal entities hash equally.
func Blake2bHash(e Entity) string {
	b, err := json.Marshal(e)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", e))
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashState compares content digests instead of a marker field.
type HashState struct {
	Hash HashFunc
}

var _ ObjectState = (*HashState)(nil)

// NewHashState returns a HashState. A nil hash uses Blake2bHash.
func NewHashState(hash HashFunc) *HashState {
	if hash == nil {
		hash = Blake2bHash
	}
	return &HashState{Hash: hash}
}

func (h *HashState) hash(e Entity) string {
	if h == nil || h.Hash == nil {
		return Blake2bHash(e)
	}
	return h.Hash(e)
}

// HasConflict compares the client's fields against the same fields of the
// server state.
func (h *HashState) HasConflict(server, client Entity) (bool, error) {
	if server == nil || client == nil {
		return false, syncErrors.NewConfigurationError(syncErrors.OpConflictResolve, "conflict",
			fmt.Errorf("conflict detection requires both server and client state"))
	}
	filtered := make(Entity, len(client))
	for k := range client {
		if v, ok := server[k]; ok {
			filtered[k] = v
		}
	}
	return h.hash(filtered) != h.hash(client), nil
}

// NextState returns e unchanged; the digest follows the content.
func (h *HashState) NextState(e Entity) Entity { return clone(e) }

func (h *HashState) StateFields() []string { return nil }

func (h *HashState) AssignServerState(Entity, Entity) {}

func (h *HashState) CurrentState(e Entity) (any, bool) {
	if e == nil {
		return nil, false
	}
	return h.hash(e), true
}

func (h *HashState) ResolveOnClient(server, client Entity) StateResolution {
	return StateResolution{State: server, Client: client}
}

func (h *HashState) ResolveOnServer(ctx context.Context, strategy ServerStrategy, server, client Entity) (StateResolution, error) {
	resolved, err := runServerStrategy(ctx, strategy, server, client)
	if err != nil {
		return StateResolution{}, err
	}
	return StateResolution{ResolvedOnServer: true, State: resolved, Client: client}, nil
}

func (h *HashState) Reject(server, client Entity) StateResolution {
	return StateResolution{ResolvedOnServer: true, State: server, Client: client}
}

func runServerStrategy(ctx context.Context, strategy ServerStrategy, server, client Entity) (Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, syncErrors.E(syncErrors.OpConflictResolve, syncErrors.Component("conflict"), err)
	}
	if strategy == nil {
		strategy = ClientWins
	}
	resolved, err := strategy(ctx, clone(server), clone(client))
	if err != nil {
		return nil, syncErrors.NewConflictError(syncErrors.OpConflictResolve, err)
	}
	if resolved == nil {
		return nil, syncErrors.NewConflictError(syncErrors.OpConflictResolve,
			fmt.Errorf("server strategy returned no entity"))
	}
	return clone(resolved), nil
}
