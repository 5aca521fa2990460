// Package postgres persists the share log to PostgreSQL for sharelogd
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/bardlex/gominer/pkg/retry"
)

const (
	defaultPort    = 5432
	defaultSSLMode = "disable"
	connectTimeout = 5 * time.Second
)

// Config holds PostgreSQL connection configuration. Zero values fall back
// to a local share log database.
type Config struct {
	Host         string
	Port         int
	Database     string
	User         string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Database == "" {
		cfg.Database = "gominer"
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = defaultSSLMode
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns <= 0 || cfg.MaxIdleConns > cfg.MaxOpenConns {
		cfg.MaxIdleConns = cfg.MaxOpenConns
	}
	return cfg
}

// DSN renders a postgres:// URL. Credentials are escaped, so passwords may
// contain spaces or quotes.
func (cfg *Config) DSN() string {
	c := cfg.withDefaults()
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	q.Set("connect_timeout", strconv.Itoa(int(connectTimeout/time.Second)))
	q.Set("application_name", "sharelogd")
	u.RawQuery = q.Encode()
	return u.String()
}

// Client owns the connection pool and the share repository on top of it
type Client struct {
	db     *sql.DB
	shares *ShareRepository
}

// NewClient connects, retrying while the server comes up, and migrates the
// share log schema
func NewClient(cfg *Config) (*Client, error) {
	c := cfg.withDefaults()
	db, err := sql.Open("postgres", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 4*connectTimeout)
	defer cancel()

	err = retry.Do(ctx, retry.DatabaseConfig(), func() error {
		pctx, pcancel := context.WithTimeout(ctx, connectTimeout)
		defer pcancel()
		return db.PingContext(pctx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach %s:%d: %w", c.Host, c.Port, err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Client{db: db, shares: NewShareRepository(db)}, nil
}

// migrate applies the schema in one transaction
func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// Shares returns the share log repository
func (c *Client) Shares() *ShareRepository { return c.shares }

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the connection pool
func (c *Client) Close() error {
	return c.db.Close()
}
