package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"  // PostgreSQL driver ("pgx")
	_ "github.com/mattn/go-sqlite3"     // SQLite driver
	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/terrafusion/syncservice/internal/domain/errors"
)

// DefaultConnectTimeout bounds connection establishment when none is configured.
const DefaultConnectTimeout = 30 * time.Second

// Config describes a database connection.
type Config struct {
	Driver         string
	DSN            string
	MaxOpenConns   int
	ConnectTimeout time.Duration
}

// Connection manages a database connection pool.
type Connection struct {
	db       *sql.DB
	cfg      Config
	dialect  Dialect
	mu       sync.RWMutex
	isClosed bool
}

// NewConnection creates a connection for cfg without opening it.
func NewConnection(cfg Config) (*Connection, error) {
	d, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.NewError(errors.CodeConfiguration, "database dsn is required", nil)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Connection{cfg: cfg, dialect: d}, nil
}

// Open creates and opens a connection in one step.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	conn, err := NewConnection(cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.Open(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Open opens the pool and pings the server, retrying with exponential backoff
// until the connect timeout elapses. Failure is fatal.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return fmt.Errorf("database already open")
	}

	if c.dialect == SQLite {
		if err := ensureSQLiteDir(c.cfg.DSN); err != nil {
			return errors.NewError(errors.CodeFatal, "could not create database directory", err)
		}
	}

	db, err := sql.Open(c.dialect.DriverName(), c.cfg.DSN)
	if err != nil {
		return errors.NewError(errors.CodeFatal, "could not open database", err)
	}

	if c.dialect == SQLite {
		// SQLite works best with a single connection; :memory: databases
		// are per connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else if c.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err = backoff.Retry(pingCtx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(pingCtx)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(c.cfg.ConnectTimeout))
	if err != nil {
		db.Close()
		return errors.WithContext(
			errors.NewError(errors.CodeFatal, "could not connect to database", err),
			"database", c.Name())
	}

	c.db = db
	c.isClosed = false
	return nil
}

// Close closes the connection pool.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("could not close database: %w", err)
	}

	c.db = nil
	c.isClosed = true
	return nil
}

// DB returns the underlying pool.
// Returns an error if the connection is not open.
func (c *Connection) DB() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.db == nil {
		return nil, errors.NewError(errors.CodeFatal, "database not open", nil)
	}
	return c.db, nil
}

// Dialect returns the SQL dialect of the connection.
func (c *Connection) Dialect() Dialect {
	return c.dialect
}

// IsClosed returns whether the connection is closed.
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isClosed
}

// Ping tests the connection.
func (c *Connection) Ping(ctx context.Context) error {
	db, err := c.DB()
	if err != nil {
		return err
	}
	return Classify(db.PingContext(ctx), "ping")
}

// Name describes the connection without credentials.
func (c *Connection) Name() string {
	if c.dialect == SQLite {
		return "sqlite:" + strings.TrimPrefix(sqlitePath(c.cfg.DSN), "file:")
	}
	u, err := url.Parse(c.cfg.DSN)
	if err != nil || u.Host == "" {
		return string(c.dialect)
	}
	name := string(c.dialect) + "://" + u.Host
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		name += "/" + db
	} else if db := u.Query().Get("database"); db != "" {
		name += "/" + db
	}
	return name
}

func sqlitePath(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		return dsn[:i]
	}
	return dsn
}

func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(sqlitePath(dsn), "file:")
	if path == "" || path == ":memory:" || strings.HasPrefix(path, ":") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
