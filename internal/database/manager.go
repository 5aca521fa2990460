// Package database coordinates share-log persistence for sharelogd across
// the SQL store (PostgreSQL or SQLite), Redis counters and InfluxDB points.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/database/sqlite"
	"github.com/bardlex/gominer/internal/sharelog"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Drivers accepted in Config.Driver
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ShareStore is the durable share log
type ShareStore interface {
	InsertShare(ctx context.Context, rec *sharelog.Record) error
	CountShares(ctx context.Context, since time.Time) ([]postgres.DispositionCount, error)
	RecentShares(ctx context.Context, limit int) ([]sharelog.Record, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Health(ctx context.Context) error
	Close() error
}

type pgStore struct {
	*postgres.Client
	*postgres.ShareRepository
}

// Manager coordinates the share store with the optional Redis and InfluxDB
// mirrors
type Manager struct {
	Store  ShareStore
	Redis  *redis.Client
	Influx *influx.Client

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

// Config holds configuration for all database systems. Redis and Influx
// are optional.
type Config struct {
	Driver     string
	Postgres   *postgres.Config
	SQLitePath string
	Redis      *redis.Config
	Influx     *influx.Config
}

func openStore(cfg *Config) (ShareStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverPostgres:
		if cfg.Postgres == nil {
			return nil, errors.New(errors.ErrorTypeValidation, "open_store", "postgres configuration missing")
		}
		c, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		return pgStore{Client: c, ShareRepository: c.Shares()}, nil
	case DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite_open",
				"failed to open SQLite database").WithContext("path", cfg.SQLitePath)
		}
		return s, nil
	}
	return nil, errors.New(errors.ErrorTypeValidation, "open_store",
		fmt.Sprintf("unknown database driver %q", cfg.Driver))
}

// NewManager opens the share store and the configured mirrors
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Nop()
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		Store: store,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
		logger:      logger.WithComponent("database"),
	}

	if cfg.Redis != nil {
		m.Redis, err = redis.NewClient(cfg.Redis)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
			if closeErr := store.Close(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
	}

	if cfg.Influx != nil {
		m.Influx, err = influx.NewClient(cfg.Influx)
		if err != nil {
			var closeErrs []error
			if closeErr := store.Close(); closeErr != nil {
				closeErrs = append(closeErrs, closeErr)
			}
			if m.Redis != nil {
				if closeErr := m.Redis.Close(); closeErr != nil {
					closeErrs = append(closeErrs, closeErr)
				}
			}

			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
			if len(closeErrs) > 0 {
				return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
			}
			return nil, origErr
		}
	}

	return m, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("share store close error: %w", err))
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Store.Health(ctx); err != nil {
		return fmt.Errorf("share store health check failed: %w", err)
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// dispositionKind folds "reject:<reason>" into "reject" for counters
func dispositionKind(d string) string {
	if i := strings.IndexByte(d, ':'); i >= 0 {
		return d[:i]
	}
	return d
}

// RecordShare persists a record in the store and mirrors it to the
// optional backends. Only the store write is retried.
func (m *Manager) RecordShare(ctx context.Context, rec *sharelog.Record) error {
	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Store.InsertShare(ctx, rec); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share").
					WithContext("pool_url", rec.PoolURL).
					WithContext("disposition", rec.Disposition)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	if m.Influx != nil {
		m.Influx.WriteShareMetric(rec.PoolURL, rec.Device, dispositionKind(rec.Disposition),
			rec.Difficulty, rec.ShareDiff, rec.Time)
	}

	if m.Redis != nil {
		if _, err := m.Redis.IncrementHashField(ctx, "shares:"+rec.PoolURL, dispositionKind(rec.Disposition), 1); err != nil {
			m.logger.WithError(err).Warn("Failed to update share counter (non-critical)")
		}
	}

	return nil
}

// Summary returns per-pool disposition counts since the given time
func (m *Manager) Summary(ctx context.Context, since time.Time) ([]postgres.DispositionCount, error) {
	return circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() ([]postgres.DispositionCount, error) {
		return m.Store.CountShares(ctx, since)
	})
}

// StartPeriodicTasks flushes InfluxDB and prunes records older than
// retention. A zero retention keeps everything.
func (m *Manager) StartPeriodicTasks(ctx context.Context, retention time.Duration) {
	if m.Influx != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Influx.Flush()
				}
			}
		}()
	}

	if retention > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					n, err := m.Store.DeleteBefore(ctx, now.Add(-retention))
					if err != nil {
						m.logger.WithError(err).Warn("Failed to prune share log")
						continue
					}
					if n > 0 {
						m.logger.Info("Pruned share log", "records", n)
					}
				}
			}
		}()
	}
}
