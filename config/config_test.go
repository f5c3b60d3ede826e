package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/codec"
	"github.com/c0deZ3R0/go-offline-kit/conflict"
	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/network"
	"github.com/c0deZ3R0/go-offline-kit/storage/memory"
)

const sample = `
storage:
  driver: sqlite
  dsn: ${OFFLINEKIT_TEST_DSN}
  table: queue_items
  version: v2
serializer: snappy
network:
  mode: probe
  url: http://localhost:9/health
  interval: 2s
executor:
  endpoint: http://localhost:8080
  timeout: 5s
  headers:
    Authorization: Bearer abc
server:
  addr: ":9090"
  policy: server
logging:
  level: debug
  format: json
conflict:
  enabled: true
  strategy: server
  state: hash
  rules:
    - operation: updateTitle
      strategy: client
queue:
  squash: true
`

func TestParse(t *testing.T) {
	t.Setenv("OFFLINEKIT_TEST_DSN", "file:queue.db")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "file:queue.db", cfg.Storage.DSN)
	assert.Equal(t, "queue_items", cfg.Storage.Table)
	assert.Equal(t, "v2", cfg.Storage.Version)
	assert.True(t, cfg.Queue.Squash)
	assert.Equal(t, "offline-meta-data", cfg.Storage.MetaKey, "unset keys keep defaults")
	assert.Equal(t, codec.NameSnappy, cfg.Serializer)
	assert.Equal(t, 2*time.Second, cfg.Network.Interval)
	assert.Equal(t, 5*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, "Bearer abc", cfg.Executor.Headers["Authorization"])
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Conflict.Enabled)
	require.Len(t, cfg.Conflict.Rules, 1)
	assert.Equal(t, "updateTitle", cfg.Conflict.Rules[0].Operation)
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "bolt" }},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = DriverSQLite }},
		{"postgres server without dsn", func(c *Config) { c.Server.Storage.Driver = DriverPostgres }},
		{"unknown serializer", func(c *Config) { c.Serializer = "xml" }},
		{"probe without url", func(c *Config) { c.Network.Mode = NetworkProbe }},
		{"unknown network mode", func(c *Config) { c.Network.Mode = "carrier-pigeon" }},
		{"unknown policy", func(c *Config) { c.Server.Policy = "merge" }},
		{"unknown state", func(c *Config) { c.Conflict.State = "vector" }},
		{"unknown strategy", func(c *Config) { c.Conflict.Strategy = "newest" }},
		{"rule without operation", func(c *Config) {
			c.Conflict.Rules = []RuleConfig{{Strategy: "client"}}
		}},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeConfigurationFailure))
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinekit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network:\n  mode: offline\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, NetworkOffline, cfg.Network.Mode)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Parse([]byte("storage: ["))
	require.Error(t, err)
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	cfg := Default()
	st, closeFn, err := cfg.OpenStorage(ctx)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)
	require.NoError(t, closeFn())

	cfg.Storage = StorageConfig{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "q.db"), Table: "queue_items"}
	st, closeFn, err = cfg.OpenStorage(ctx)
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, st.SetItem(ctx, "k", []byte("v")))
	got, err := st.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	cfg.Storage = StorageConfig{Driver: "bolt"}
	_, _, err = cfg.OpenStorage(ctx)
	require.Error(t, err)
}

func TestStrategy(t *testing.T) {
	cfg := Default()
	s, err := cfg.Strategy()
	require.NoError(t, err)
	assert.NotNil(t, s)

	cfg.Conflict.Strategy = "server"
	cfg.Conflict.Rules = []RuleConfig{{Operation: "updateTitle", Strategy: "client"}}
	s, err = cfg.Strategy()
	require.NoError(t, err)
	require.IsType(t, &conflict.DynamicStrategy{}, s)

	meta := conflict.Metadata{
		Operation:  "updateTitle",
		Server:     conflict.Entity{"title": "server"},
		Client:     conflict.Entity{"title": "client"},
		ClientDiff: conflict.Entity{"title": "client"},
		ServerDiff: conflict.Entity{"title": "server"},
	}
	out, err := s.Resolve(context.Background(), meta)
	require.NoError(t, err)
	assert.Equal(t, "client", out["title"])

	meta.Operation = "updateOther"
	out, err = s.Resolve(context.Background(), meta)
	require.NoError(t, err)
	assert.Equal(t, "server", out["title"])
}

func TestObjectState(t *testing.T) {
	cfg := Default()
	assert.IsType(t, &conflict.VersionedState{}, cfg.ObjectState())
	cfg.Conflict.State = StateHash
	assert.IsType(t, &conflict.HashState{}, cfg.ObjectState())
}

func TestNetworkStatus(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.Network.Mode = NetworkOffline

	st, closeFn, err := cfg.NetworkStatus(ctx)
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &network.Manual{}, st)
	offline, err := st.IsOffline(ctx)
	require.NoError(t, err)
	assert.True(t, offline)
}

func TestStoreOptionsAndExecutor(t *testing.T) {
	cfg := Default()
	cfg.Serializer = codec.NameSnappy
	opts, err := cfg.StoreOptions()
	require.NoError(t, err)
	assert.NotEmpty(t, opts)

	cfg.Executor.Endpoint = "http://backend:8080/"
	assert.Equal(t, "http://backend:8080", cfg.NewExecutor().BaseURL())

	cfg.Serializer = "xml"
	_, err = cfg.StoreOptions()
	require.Error(t, err)
}
