// Package postgres persists the offline queue in a PostgreSQL key/value
// table through github.com/lib/pq. It suits a shared queue database for
// server-side replay workers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/storage"

	_ "github.com/lib/pq"
)

const component = "storage/postgres"

var (
	ErrStoreClosed       = errors.New("store is closed")
	ErrInvalidConnection = errors.New("invalid database connection")
	ErrInvalidTableName  = errors.New("invalid table name")
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config describes the connection and pool. Zero fields take the values
// DefaultConfig documents.
type Config struct {
	// ConnectionString is a lib/pq URL or key=value DSN.
	ConnectionString string

	TableName string // "offline_items" unless set
	Logger    *logging.Logger

	MaxOpenConns    int           // 10
	MaxIdleConns    int           // 5
	ConnMaxLifetime time.Duration // 1h
	ConnMaxIdleTime time.Duration // 15m
}

// DefaultConfig returns the pool defaults for conn.
func DefaultConfig(conn string) *Config {
	c := &Config{ConnectionString: conn}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "offline_items"
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component))
	}
	for _, d := range []struct {
		field *int
		value int
	}{{&c.MaxOpenConns, 10}, {&c.MaxIdleConns, 5}} {
		if *d.field == 0 {
			*d.field = d.value
		}
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 15 * time.Minute
	}
}

// Store is a storage.PersistentStore over prepared statements on one
// table.
type Store struct {
	db    *sql.DB
	table string
	get   *sql.Stmt
	set   *sql.Stmt
	del   *sql.Stmt
	keys  *sql.Stmt

	mu     sync.RWMutex
	closed bool
}

var _ storage.PersistentStore = (*Store)(nil)

// New connects, creates the table if missing and prepares the queries.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, errors.New("postgres: nil config")
	}
	config.setDefaults()
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("%w: ConnectionString is required", ErrInvalidConnection)
	}
	if !identifier.MatchString(config.TableName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, config.TableName)
	}

	db, err := sql.Open("postgres", config.ConnectionString)
	if err != nil {
		return nil, syncErrors.WrapStorage(err, syncErrors.OpInit, component)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	s := &Store{db: db, table: config.TableName}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, syncErrors.WrapStorage(err, syncErrors.OpInit, component)
	}

	config.Logger.Debug("queue database ready",
		slog.String("dsn", redact(config.ConnectionString)),
		slog.String("table", config.TableName),
	)
	return s, nil
}

func (s *Store) prepare() error {
	t := s.table
	if _, err := s.db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    updated_at TIMESTAMPTZ DEFAULT NOW()
)`, t)); err != nil {
		return err
	}

	queries := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.get, fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, t)},
		{&s.set, fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, t)},
		{&s.del, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, t)},
		{&s.keys, fmt.Sprintf(`SELECT key FROM %s WHERE left(key, $1) = $2 ORDER BY key`, t)},
	}
	for _, q := range queries {
		stmt, err := s.db.Prepare(q.query)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", q.query, err)
		}
		*q.dst = stmt
	}
	return nil
}

// redact hides the password of a URL or key=value connection string.
func redact(conn string) string {
	if u, err := url.Parse(conn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			return strings.Replace(u.Redacted(), "xxxxx", "***", 1)
		}
		return conn
	}
	fields := strings.Fields(conn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// GetItem returns the value under key or storage.ErrNotFound.
func (s *Store) GetItem(ctx context.Context, key string) ([]byte, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var value []byte
	err := s.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return value, syncErrors.WrapOpComponent(err, "postgres.GetItem", component)
}

// SetItem upserts value under key.
func (s *Store) SetItem(ctx context.Context, key string, value []byte) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.set.ExecContext(ctx, key, value)
	return syncErrors.WrapOpComponent(err, "postgres.SetItem", component)
}

// RemoveItem deletes key. An absent key is not an error.
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.del.ExecContext(ctx, key)
	return syncErrors.WrapOpComponent(err, "postgres.RemoveItem", component)
}

// Keys lists keys starting with prefix in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.keys.QueryContext(ctx, len([]rune(prefix)), prefix)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, "postgres.Keys", component)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, syncErrors.WrapOpComponent(err, "postgres.Keys", component)
		}
		keys = append(keys, k)
	}
	return keys, syncErrors.WrapOpComponent(rows.Err(), "postgres.Keys", component)
}

// Close releases the statements and the pool. Later calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, stmt := range []*sql.Stmt{s.get, s.set, s.del, s.keys} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// Stats reports pool statistics, or zero values once closed.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}
