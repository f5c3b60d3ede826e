package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/storage"
)

func newTestStore(t *testing.T, driver string) *Store {
	t.Helper()
	config := &Config{
		DataSourceName: filepath.Join(t.TempDir(), "offline.db"),
		Driver:         driver,
		EnableWAL:      true,
		Logger:         logging.Discard(),
	}
	store, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Contract(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPureGo} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t, driver)

			_, err := store.GetItem(ctx, "offline-meta-data")
			assert.ErrorIs(t, err, storage.ErrNotFound)

			require.NoError(t, store.SetItem(ctx, "v1:queue:1", []byte(`{"name":"a"}`)))
			require.NoError(t, store.SetItem(ctx, "v1:queue:1", []byte(`{"name":"b"}`)))
			require.NoError(t, store.SetItem(ctx, "v2:queue:2", []byte(`{}`)))

			got, err := store.GetItem(ctx, "v1:queue:1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"name":"b"}`, string(got))

			keys, err := store.Keys(ctx, "v1:")
			require.NoError(t, err)
			assert.Equal(t, []string{"v1:queue:1"}, keys)

			require.NoError(t, store.RemoveItem(ctx, "v1:queue:1"))
			require.NoError(t, store.RemoveItem(ctx, "v1:queue:1"))
			_, err = store.GetItem(ctx, "v1:queue:1")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	first, err := New(&Config{DataSourceName: path, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, first.SetItem(ctx, "k", []byte("v")))
	require.NoError(t, first.Close())

	second, err := New(&Config{DataSourceName: path, Logger: logging.Discard()})
	require.NoError(t, err)
	defer second.Close()

	got, err := second.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestStore_Closed(t *testing.T) {
	store := newTestStore(t, DriverCGO)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.SetItem(ctx, "k", nil), ErrStoreClosed)
	_, err := store.GetItem(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.Equal(t, 0, store.Stats().OpenConnections)
}

func TestStore_ContextCancellation(t *testing.T) {
	store := newTestStore(t, DriverPureGo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.SetItem(ctx, "k", []byte("v")), context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"nil config", nil},
		{"empty dsn", &Config{}},
		{"bad driver", &Config{DataSourceName: ":memory:", Driver: "oracle"}},
		{"bad table", &Config{DataSourceName: ":memory:", TableName: "items; DROP TABLE x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config != nil {
				tt.config.Logger = logging.Discard()
			}
			_, err := New(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestConfig_DataSource(t *testing.T) {
	cgo := &Config{DataSourceName: "file:q.db", EnableWAL: true, Driver: DriverCGO}
	assert.Equal(t, "file:q.db?_journal_mode=WAL", cgo.dataSource())

	pure := &Config{DataSourceName: "file:q.db?cache=shared", EnableWAL: true, Driver: DriverPureGo}
	assert.Equal(t, "file:q.db?cache=shared&_pragma=journal_mode(WAL)", pure.dataSource())

	mem := &Config{DataSourceName: ":memory:", EnableWAL: true, Logger: logging.Discard()}
	mem.setDefaults()
	assert.False(t, mem.EnableWAL)
	assert.Equal(t, 1, mem.MaxOpenConns)
}
