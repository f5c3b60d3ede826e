package conflict

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
)

func TestVersionedState_HasConflict(t *testing.T) {
	s := NewVersionedState()

	conflict, err := s.HasConflict(Entity{"version": 2}, Entity{"version": 1})
	require.NoError(t, err)
	assert.True(t, conflict)

	conflict, err = s.HasConflict(Entity{"version": float64(1)}, Entity{"version": int64(1)})
	require.NoError(t, err)
	assert.False(t, conflict)

	_, err = s.HasConflict(Entity{"version": 1}, Entity{"title": "no version"})
	require.Error(t, err)
	assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeConfigurationFailure))

	_, err = s.HasConflict(Entity{"version": nil}, Entity{"version": 1})
	require.Error(t, err)
}

func TestVersionedState_NextState(t *testing.T) {
	s := NewVersionedState()

	next := s.NextState(s.NextState(Entity{"version": 1}))
	assert.EqualValues(t, 3, next["version"])

	assert.Equal(t, int64(1), s.NextState(Entity{"title": "x"})["version"])
	assert.Equal(t, int64(1), s.NextState(nil)["version"])
	assert.Equal(t, int64(8), s.NextState(Entity{"version": json.Number("7")})["version"])
	assert.Equal(t, int64(5), s.NextState(Entity{"version": "4"})["version"])

	in := Entity{"version": 1}
	s.NextState(in)
	assert.Equal(t, 1, in["version"], "input is not mutated")
}

func TestVersionedState_CustomField(t *testing.T) {
	s := &VersionedState{Field: "rev"}
	assert.Equal(t, []string{"rev", "id"}, s.StateFields())

	target := Entity{"rev": 1}
	s.AssignServerState(target, Entity{"rev": 9})
	assert.Equal(t, 9, target["rev"])

	v, ok := s.CurrentState(Entity{"rev": 2})
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = s.CurrentState(Entity{"version": 2})
	assert.False(t, ok)
}

func TestVersionedState_Resolutions(t *testing.T) {
	ctx := context.Background()
	s := NewVersionedState()
	server := Entity{"title": "s", "desc": "y", "version": 4}
	client := Entity{"title": "c", "version": 3}

	onClient := s.ResolveOnClient(server, client)
	assert.False(t, onClient.ResolvedOnServer)

	rejected := s.Reject(server, client)
	assert.True(t, rejected.ResolvedOnServer)
	assert.Equal(t, server, rejected.State)

	onServer, err := s.ResolveOnServer(ctx, ClientWins, server, client)
	require.NoError(t, err)
	assert.True(t, onServer.ResolvedOnServer)
	assert.Equal(t, "c", onServer.State["title"])
	assert.Equal(t, "y", onServer.State["desc"])
	assert.Equal(t, int64(5), onServer.State["version"])

	kept, err := s.ResolveOnServer(ctx, ServerWins, server, client)
	require.NoError(t, err)
	assert.Equal(t, "s", kept.State["title"])
	assert.Equal(t, int64(5), kept.State["version"])

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.ResolveOnServer(cancelled, ClientWins, server, client)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHashState(t *testing.T) {
	s := NewHashState(nil)

	conflict, err := s.HasConflict(
		Entity{"title": "a", "serverOnly": 1},
		Entity{"title": "a"},
	)
	require.NoError(t, err)
	assert.False(t, conflict)

	conflict, err = s.HasConflict(Entity{"title": "a"}, Entity{"title": "b"})
	require.NoError(t, err)
	assert.True(t, conflict)

	_, err = s.HasConflict(nil, Entity{"title": "b"})
	require.Error(t, err)

	e := Entity{"title": "a"}
	assert.Equal(t, e, s.NextState(e))
	assert.Empty(t, s.StateFields())

	h1, ok := s.CurrentState(Entity{"a": 1, "b": 2})
	require.True(t, ok)
	h2, _ := s.CurrentState(Entity{"b": 2, "a": 1})
	assert.Equal(t, h1, h2)
	_, ok = s.CurrentState(nil)
	assert.False(t, ok)

	res, err := s.ResolveOnServer(context.Background(), ClientWins, Entity{"a": 1}, Entity{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, Entity{"a": 1, "b": 2}, res.State)
}

func TestHashState_CustomHash(t *testing.T) {
	s := NewHashState(func(e Entity) string { return "same" })
	conflict, err := s.HasConflict(Entity{"a": 1}, Entity{"a": 2})
	require.NoError(t, err)
	assert.False(t, conflict)
}

func TestBlake2bHash(t *testing.T) {
	a := Blake2bHash(Entity{"x": 1, "y": "z"})
	assert.Len(t, a, 64)
	assert.Equal(t, a, Blake2bHash(Entity{"y": "z", "x": 1}))
	assert.NotEqual(t, a, Blake2bHash(Entity{"x": 2, "y": "z"}))
}
