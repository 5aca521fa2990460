// Package main implements sharelogd, which consumes the miner share log from
// Kafka and persists it to PostgreSQL or SQLite, mirroring counters to Redis
// and InfluxDB when configured.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/postgres"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/sharelog"
	"github.com/bardlex/gominer/pkg/log"
)

// summaryInterval is how often the stored disposition counts are logged
const summaryInterval = 5 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting sharelogd",
		"version", cfg.Version,
		"driver", cfg.DBDriver,
		"format", cfg.ShareLogFormat,
	)

	format, err := sharelog.ParseFormat(cfg.ShareLogFormat)
	if err != nil {
		logger.WithError(err).Error("invalid share log format")
		os.Exit(1)
	}

	db, err := database.NewManager(databaseConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("failed to close database")
		}
	}()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Warn("failed to close Kafka client")
		}
	}()

	recorder := NewRecorder(cfg, logger, db, kafkaClient, format)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db.StartPeriodicTasks(ctx, cfg.ShareRetention)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := recorder.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("recorder failed")
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-done:
	}
	cancel()
	<-done

	recorder.LogStats()
	logger.Info("sharelogd stopped")
}

// databaseConfig maps the service settings onto the database manager.
// Redis and InfluxDB are mirrors and only used when an address is set.
func databaseConfig(cfg *config.Config) *database.Config {
	dc := &database.Config{
		Driver:     cfg.DBDriver,
		SQLitePath: cfg.SQLitePath,
		Postgres: &postgres.Config{
			Host:         cfg.PostgresHost,
			Port:         cfg.PostgresPort,
			Database:     cfg.PostgresDatabase,
			User:         cfg.PostgresUser,
			Password:     cfg.PostgresPassword,
			SSLMode:      cfg.PostgresSSLMode,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  30 * time.Minute,
		},
	}
	if cfg.RedisAddr != "" {
		dc.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			Prefix:       cfg.RedisPrefix,
		}
	}
	if cfg.InfluxURL != "" {
		dc.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dc
}

// ShareStore persists decoded records
type ShareStore interface {
	RecordShare(ctx context.Context, rec *sharelog.Record) error
	Summary(ctx context.Context, since time.Time) ([]postgres.DispositionCount, error)
}

// Consumer delivers share log messages to a handler
type Consumer interface {
	StartConsumer(ctx context.Context, topic, groupID string, handler messaging.MessageHandler) error
}

// Recorder writes consumed share records to the store
type Recorder struct {
	cfg      *config.Config
	logger   *log.Logger
	store    ShareStore
	consumer Consumer
	format   sharelog.Format
	started  time.Time

	recorded  atomic.Int64
	malformed atomic.Int64
	failed    atomic.Int64
}

// NewRecorder creates a new recorder
func NewRecorder(cfg *config.Config, logger *log.Logger, store ShareStore, consumer Consumer, format sharelog.Format) *Recorder {
	return &Recorder{
		cfg:      cfg,
		logger:   logger.WithComponent("sharelogd"),
		store:    store,
		consumer: consumer,
		format:   format,
		started:  time.Now(),
	}
}

// Start consumes the share log topic until ctx is done
func (r *Recorder) Start(ctx context.Context) error {
	r.logger.Info("recorder starting", "topic", messaging.TopicShareLog, "group_id", r.cfg.KafkaGroupID)
	go r.summaryLoop(ctx)
	return r.consumer.StartConsumer(ctx, messaging.TopicShareLog, r.cfg.KafkaGroupID, r)
}

// HandleMessage decodes and stores one record. Malformed records are
// counted and skipped.
func (r *Recorder) HandleMessage(ctx context.Context, msg kafka.Message) error {
	rec, err := sharelog.Decode(msg.Value, r.format)
	if err != nil {
		r.malformed.Add(1)
		r.logger.WithError(err).Warn("skipping malformed share record", "key", string(msg.Key), "offset", msg.Offset)
		return nil
	}
	if err := r.store.RecordShare(ctx, &rec); err != nil {
		r.failed.Add(1)
		return err
	}
	r.recorded.Add(1)
	return nil
}

func (r *Recorder) summaryLoop(ctx context.Context) {
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.logSummary(ctx, now.Add(-summaryInterval))
		}
	}
}

func (r *Recorder) logSummary(ctx context.Context, since time.Time) {
	counts, err := r.store.Summary(ctx, since)
	if err != nil {
		r.logger.WithError(err).Warn("failed to summarize share log")
		return
	}
	for _, c := range counts {
		r.logger.Info("share summary", "pool_url", c.PoolURL, "disposition", c.Disposition, "count", c.Count)
	}
}

// LogStats logs the recorder counters
func (r *Recorder) LogStats() {
	r.logger.Info("recorder statistics",
		"recorded", r.recorded.Load(),
		"malformed", r.malformed.Load(),
		"failed", r.failed.Load(),
		"uptime", time.Since(r.started).Round(time.Second).String(),
	)
}
