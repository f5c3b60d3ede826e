// Package config loads the YAML configuration used by the offlinekit CLI
// and builds the components it describes.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-offline-kit/codec"
	"github.com/c0deZ3R0/go-offline-kit/conflict"
	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/network"
	"github.com/c0deZ3R0/go-offline-kit/server"
	"github.com/c0deZ3R0/go-offline-kit/storage"
	"github.com/c0deZ3R0/go-offline-kit/storage/memory"
	"github.com/c0deZ3R0/go-offline-kit/storage/postgres"
	"github.com/c0deZ3R0/go-offline-kit/storage/sqlite"
	"github.com/c0deZ3R0/go-offline-kit/store"
	"github.com/c0deZ3R0/go-offline-kit/transport/httpexec"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
)

// Network modes.
const (
	NetworkOnline    = "online"
	NetworkOffline   = "offline"
	NetworkProbe     = "probe"
	NetworkWebSocket = "websocket"
)

// Object state kinds.
const (
	StateVersion = "version"
	StateHash    = "hash"
)

// Config is the root of the YAML document.
type Config struct {
	Storage    StorageConfig  `json:"storage" yaml:"storage"`
	Serializer string         `json:"serializer" yaml:"serializer"`
	Network    NetworkConfig  `json:"network" yaml:"network"`
	Executor   ExecutorConfig `json:"executor" yaml:"executor"`
	Server     ServerConfig   `json:"server" yaml:"server"`
	Logging    logging.Config `json:"logging" yaml:"logging"`
	Conflict   ConflictConfig `json:"conflict" yaml:"conflict"`
	Queue      QueueConfig    `json:"queue" yaml:"queue"`
}

// QueueConfig tunes the offline queue.
type QueueConfig struct {
	// Squash merges offline edits of the same entity into one entry.
	Squash bool `json:"squash" yaml:"squash"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
	Table   string `json:"table" yaml:"table"`
	Version string `json:"version" yaml:"version"`
	MetaKey string `json:"meta_key" yaml:"meta_key"`
}

// NetworkConfig selects the connectivity source.
type NetworkConfig struct {
	Mode     string        `json:"mode" yaml:"mode"`
	URL      string        `json:"url" yaml:"url"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// ExecutorConfig points the HTTP executor at a backend.
type ExecutorConfig struct {
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration     `json:"timeout" yaml:"timeout"`
	Headers  map[string]string `json:"headers" yaml:"headers"`
}

// ServerConfig configures the reference server.
type ServerConfig struct {
	Addr    string        `json:"addr" yaml:"addr"`
	Policy  string        `json:"policy" yaml:"policy"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// ConflictConfig configures client-side resolution.
type ConflictConfig struct {
	Enabled      bool         `json:"enabled" yaml:"enabled"`
	Strategy     string       `json:"strategy" yaml:"strategy"`
	State        string       `json:"state" yaml:"state"`
	VersionField string       `json:"version_field" yaml:"version_field"`
	Rules        []RuleConfig `json:"rules" yaml:"rules"`
}

// RuleConfig routes one operation to a named strategy.
type RuleConfig struct {
	Name      string `json:"name" yaml:"name"`
	Operation string `json:"operation" yaml:"operation"`
	Strategy  string `json:"strategy" yaml:"strategy"`
}

// Default returns a configuration that works without a file: in-memory
// storage, JSON entries, always online, a local executor endpoint.
func Default() *Config {
	return &Config{
		Storage:    StorageConfig{Driver: DriverMemory, Version: store.DefaultStorageVersion, MetaKey: store.DefaultMetaKey},
		Serializer: codec.NameJSON,
		Network:    NetworkConfig{Mode: NetworkOnline, Interval: 10 * time.Second},
		Executor:   ExecutorConfig{Endpoint: "http://127.0.0.1:8080", Timeout: 30 * time.Second},
		Server:     ServerConfig{Addr: "127.0.0.1:8080", Policy: string(server.PolicyClient), Storage: StorageConfig{Driver: DriverMemory}},
		Logging:    logging.GetConfigFromEnv(),
		Conflict:   ConflictConfig{Strategy: "client", State: StateVersion, VersionField: conflict.DefaultVersionField},
	}
}

// Load reads path over Default. Environment variables in the file are
// expanded.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "config", fmt.Errorf("read %s: %w", path, err))
	}
	return Parse(raw)
}

// Parse decodes YAML over Default and validates the result.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "config", fmt.Errorf("parse: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, validateStorage("storage", c.Storage)...)
	errs = append(errs, validateStorage("server.storage", c.Server.Storage)...)

	if _, ok := codec.Lookup(c.Serializer); !ok {
		errs = append(errs, fmt.Errorf("serializer: unknown %q (have %s)", c.Serializer, strings.Join(codec.DefaultRegistry.Names(), ", ")))
	}
	switch c.Network.Mode {
	case "", NetworkOnline, NetworkOffline:
	case NetworkProbe, NetworkWebSocket:
		if c.Network.URL == "" {
			errs = append(errs, fmt.Errorf("network: mode %q requires url", c.Network.Mode))
		}
	default:
		errs = append(errs, fmt.Errorf("network: unknown mode %q", c.Network.Mode))
	}
	if _, err := server.ParsePolicy(c.Server.Policy); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	switch c.Conflict.State {
	case "", StateVersion, StateHash:
	default:
		errs = append(errs, fmt.Errorf("conflict: unknown state %q", c.Conflict.State))
	}
	if _, ok := conflict.StrategyByName(c.Conflict.Strategy); !ok {
		errs = append(errs, fmt.Errorf("conflict: unknown strategy %q", c.Conflict.Strategy))
	}
	for i, r := range c.Conflict.Rules {
		if r.Operation == "" {
			errs = append(errs, fmt.Errorf("conflict.rules[%d]: operation is required", i))
		}
		if _, ok := conflict.StrategyByName(r.Strategy); !ok {
			errs = append(errs, fmt.Errorf("conflict.rules[%d]: unknown strategy %q", i, r.Strategy))
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return syncErrors.NewConfigurationError(syncErrors.OpInit, "config", err)
	}
	return nil
}

func validateStorage(section string, s StorageConfig) []error {
	switch s.Driver {
	case "", DriverMemory:
		return nil
	case DriverSQLite, DriverSQLite3, DriverPostgres:
		if s.DSN == "" {
			return []error{fmt.Errorf("%s: driver %q requires dsn", section, s.Driver)}
		}
		return nil
	default:
		return []error{fmt.Errorf("%s: unknown driver %q", section, s.Driver)}
	}
}

// OpenStorage opens the queue backend. The returned close function
// releases it.
func (c *Config) OpenStorage(ctx context.Context) (storage.PersistentStore, func() error, error) {
	return open(ctx, c.Storage, c.Logger())
}

// OpenServerStorage opens the reference server's record backend.
func (c *Config) OpenServerStorage(ctx context.Context) (storage.PersistentStore, func() error, error) {
	return open(ctx, c.Server.Storage, c.Logger())
}

func open(ctx context.Context, s StorageConfig, logger *logging.Logger) (storage.PersistentStore, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	noop := func() error { return nil }
	switch s.Driver {
	case "", DriverMemory:
		return memory.New(), noop, nil
	case DriverSQLite, DriverSQLite3:
		cfg := sqlite.DefaultConfig(s.DSN)
		cfg.Driver = s.Driver
		cfg.TableName = s.Table
		cfg.Logger = logger.WithComponent(logging.ComponentStore)
		st, err := sqlite.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case DriverPostgres:
		cfg := postgres.DefaultConfig(s.DSN)
		cfg.TableName = s.Table
		cfg.Logger = logger.WithComponent(logging.ComponentStore)
		st, err := postgres.New(cfg)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "config", fmt.Errorf("unknown storage driver %q", s.Driver))
	}
}

// StoreOptions returns the offline store options for the storage section.
func (c *Config) StoreOptions() ([]store.Option, error) {
	ser, err := c.SerializerCodec()
	if err != nil {
		return nil, err
	}
	opts := []store.Option{store.WithSerializer(ser), store.WithLogger(c.Logger().WithComponent(logging.ComponentStore))}
	if c.Storage.Version != "" {
		opts = append(opts, store.WithStorageVersion(c.Storage.Version))
	}
	if c.Storage.MetaKey != "" {
		opts = append(opts, store.WithMetaKey(c.Storage.MetaKey))
	}
	return opts, nil
}

// SerializerCodec returns the configured entry codec.
func (c *Config) SerializerCodec() (codec.Serializer, error) {
	s, ok := codec.Lookup(c.Serializer)
	if !ok {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "config", fmt.Errorf("unknown serializer %q", c.Serializer))
	}
	return s, nil
}

// Logger builds the configured logger.
func (c *Config) Logger() *logging.Logger {
	return logging.NewLogger(c.Logging)
}

// NewExecutor builds the HTTP executor.
func (c *Config) NewExecutor() *httpexec.Client {
	opts := []httpexec.Option{
		httpexec.WithTimeout(c.Executor.Timeout),
		httpexec.WithLogger(c.Logger().WithComponent(logging.ComponentTransport)),
	}
	for k, v := range c.Executor.Headers {
		opts = append(opts, httpexec.WithHeader(k, v))
	}
	return httpexec.New(c.Executor.Endpoint, opts...)
}

// ObjectState builds the configured conflict detector.
func (c *Config) ObjectState() conflict.ObjectState {
	if c.Conflict.State == StateHash {
		return conflict.NewHashState(nil)
	}
	return &conflict.VersionedState{Field: c.Conflict.VersionField}
}

// Strategy builds the client-side strategy: the named default or, with
// rules, a DynamicStrategy falling back to it.
func (c *Config) Strategy() (conflict.Strategy, error) {
	fallback, ok := conflict.StrategyByName(c.Conflict.Strategy)
	if !ok {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "config", fmt.Errorf("unknown strategy %q", c.Conflict.Strategy))
	}
	if len(c.Conflict.Rules) == 0 {
		return fallback, nil
	}
	opts := []conflict.DynamicOption{conflict.WithFallback(fallback)}
	for _, r := range c.Conflict.Rules {
		s, ok := conflict.StrategyByName(r.Strategy)
		if !ok {
			return nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "config", fmt.Errorf("unknown strategy %q", r.Strategy))
		}
		name := r.Name
		if name == "" {
			name = r.Operation
		}
		opts = append(opts, conflict.WithOperationRule(name, r.Operation, s))
	}
	dyn, err := conflict.NewDynamicStrategy(opts...)
	if err != nil {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "config", err)
	}
	return dyn, nil
}

// NetworkStatus builds the connectivity source and starts it. The
// returned close function stops background polling or reconnecting.
func (c *Config) NetworkStatus(ctx context.Context) (network.Status, func() error, error) {
	logger := c.Logger().WithComponent(logging.ComponentNetwork)
	noop := func() error { return nil }
	switch c.Network.Mode {
	case "", NetworkOnline:
		return network.NewManual(true), noop, nil
	case NetworkOffline:
		return network.NewManual(false), noop, nil
	case NetworkProbe:
		p := network.NewProbe(c.Network.URL,
			network.WithInterval(c.Network.Interval),
			network.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
			network.WithLogger(logger),
		)
		p.Start(ctx)
		return p, p.Close, nil
	case NetworkWebSocket:
		w := network.NewWebSocket(c.Network.URL, network.WithLogger(logger))
		w.Start(ctx)
		return w, w.Close, nil
	default:
		return nil, nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "config", fmt.Errorf("unknown network mode %q", c.Network.Mode))
	}
}

// ServerOptions returns the reference server options.
func (c *Config) ServerOptions(records storage.PersistentStore) ([]server.Option, error) {
	policy, err := server.ParsePolicy(c.Server.Policy)
	if err != nil {
		return nil, syncErrors.NewConfigurationError(syncErrors.OpInit, "config", err)
	}
	return []server.Option{
		server.WithRecords(records),
		server.WithObjectState(c.ObjectState()),
		server.WithPolicy(policy, nil),
		server.WithLogger(c.Logger().WithComponent(logging.ComponentServer)),
	}, nil
}
