// Package sqlite persists the offline queue in a single SQLite key/value
// table.
//
// Both the cgo driver github.com/mattn/go-sqlite3 ("sqlite3") and the
// pure-Go driver modernc.org/sqlite ("sqlite") are registered, so the
// queue also works in CGO_ENABLED=0 builds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/storage"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const component = "storage/sqlite"

// Driver names accepted in Config.Driver.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

const defaultTable = "offline_items"

var (
	ErrStoreClosed      = errors.New("store is closed")
	ErrInvalidTableName = errors.New("invalid table name")
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config describes the database file and pool. Zero fields take the
// values DefaultConfig documents.
type Config struct {
	// DataSourceName is a file path, a file: URI or ":memory:".
	DataSourceName string

	Driver    string // DriverCGO unless set
	TableName string // "offline_items" unless set
	EnableWAL bool
	Logger    *logging.Logger

	MaxOpenConns    int           // 4
	MaxIdleConns    int           // 2
	ConnMaxLifetime time.Duration // 1h
}

// DefaultConfig returns a WAL-enabled cgo configuration for dsn.
func DefaultConfig(dsn string) *Config {
	c := &Config{DataSourceName: dsn, EnableWAL: true}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	c.Driver = orDefault(c.Driver, DriverCGO)
	c.TableName = orDefault(c.TableName, defaultTable)
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component))
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	// An in-memory database is private to its connection.
	if inMemory(c.DataSourceName) {
		c.MaxOpenConns, c.MaxIdleConns, c.EnableWAL = 1, 1, false
	}
}

func (c *Config) validate() error {
	switch {
	case c.DataSourceName == "":
		return errors.New("sqlite: DataSourceName is required")
	case c.Driver != DriverCGO && c.Driver != DriverPureGo:
		return fmt.Errorf("sqlite: unsupported driver %q", c.Driver)
	case !identifier.MatchString(c.TableName):
		return fmt.Errorf("%w: %q", ErrInvalidTableName, c.TableName)
	}
	return nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func inMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// dataSource appends the WAL pragma in the spelling of the chosen driver.
func (c *Config) dataSource() string {
	dsn := c.DataSourceName
	if !c.EnableWAL || strings.Contains(dsn, "journal_mode") {
		return dsn
	}
	pragma := "_journal_mode=WAL"
	if c.Driver == DriverPureGo {
		pragma = "_pragma=journal_mode(WAL)"
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + pragma
	}
	return dsn + "?" + pragma
}

// statements are the queries for one table, rendered once at open.
type statements struct {
	get, set, remove, keys string
}

func newStatements(table string) statements {
	return statements{
		get: fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, table),
		set: fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, table),
		remove: fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, table),
		keys:   fmt.Sprintf(`SELECT key FROM %s WHERE substr(key, 1, ?) = ? ORDER BY key`, table),
	}
}

// Store is a storage.PersistentStore backed by database/sql.
type Store struct {
	db     *sql.DB
	stmt   statements
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

var _ storage.PersistentStore = (*Store)(nil)

// New opens the database described by config and creates its table.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, errors.New("sqlite: nil config")
	}
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(config.Driver, config.dataSource())
	if err != nil {
		return nil, syncErrors.WrapStorage(err, syncErrors.OpInit, component)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`, config.TableName)
	if err = db.Ping(); err == nil {
		_, err = db.Exec(schema)
	}
	if err != nil {
		db.Close()
		return nil, syncErrors.WrapStorage(err, syncErrors.OpInit, component)
	}

	config.Logger.Debug("queue database ready",
		slog.String("dsn", config.DataSourceName),
		slog.String("driver", config.Driver),
		slog.String("table", config.TableName),
		slog.Bool("wal", config.EnableWAL),
	)
	return &Store{db: db, stmt: newStatements(config.TableName), logger: config.Logger}, nil
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
	switch err := s.db.QueryRowContext(ctx, s.stmt.get, key).Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, storage.ErrNotFound
	case err != nil:
		return nil, syncErrors.WrapOpComponent(err, "sqlite.GetItem", component)
	}
	return value, nil
}

// SetItem upserts value under key.
func (s *Store) SetItem(ctx context.Context, key string, value []byte) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, s.stmt.set, key, value)
	return syncErrors.WrapOpComponent(err, "sqlite.SetItem", component)
}

// RemoveItem deletes key. An absent key is not an error.
func (s *Store) RemoveItem(ctx context.Context, key string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.stmt.remove, key)
	return syncErrors.WrapOpComponent(err, "sqlite.RemoveItem", component)
}

// Keys lists keys starting with prefix in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	keys, err := scanKeys(s.db.QueryContext(ctx, s.stmt.keys, len(prefix), prefix))
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, "sqlite.Keys", component)
	}
	return keys, nil
}

func scanKeys(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the pool. Later calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
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
