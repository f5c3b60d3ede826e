package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/storage"
)

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetItem(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	value := []byte("hello")
	require.NoError(t, s.SetItem(ctx, "k", value))
	value[0] = 'j'

	got, err := s.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, s.SetItem(ctx, "a", []byte("1")))
	assert.Equal(t, []string{"a", "k"}, s.Keys())

	require.NoError(t, s.RemoveItem(ctx, "k"))
	require.NoError(t, s.RemoveItem(ctx, "k"))
	_, err = s.GetItem(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, s.Len())
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()
	assert.ErrorIs(t, s.SetItem(ctx, "k", nil), context.Canceled)
	_, err := s.GetItem(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
