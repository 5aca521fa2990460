// Package main implements gominer, a mining client that fetches work from
// one or more upstream pools, hands it to hashing workers and submits the
// shares they find.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gominer/internal/config"
	"github.com/bardlex/gominer/internal/database/influx"
	"github.com/bardlex/gominer/internal/database/redis"
	"github.com/bardlex/gominer/internal/getwork"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/notify"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/sharelog"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/telemetry"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateMiner(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting gominer",
		"version", cfg.Version,
		"pools", len(cfg.Pools),
		"strategy", cfg.Strategy,
		"algorithm", cfg.Algorithm,
		"workers", cfg.Workers,
	)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("gominer failed")
		os.Exit(1)
	}
	logger.Info("gominer stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}
	minerCfg, err := buildMinerConfig(cfg)
	if err != nil {
		return err
	}

	var kafkaClient *messaging.KafkaClient
	if cfg.ShareLogKafka {
		kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Warn("failed to close Kafka client")
			}
		}()
	}

	svc := &services{}

	sink, err := buildSink(cfg, kafkaClient, svc, logger)
	if err != nil {
		return err
	}
	events, err := buildEvents(cfg, kafkaClient, svc, logger)
	if err != nil {
		_ = sink.Close()
		return err
	}

	// nil for algorithms without a CPU hasher
	hasher, _ := work.HasherFor(minerCfg.Algorithm)
	scanners := newScannerPool(cfg.Workers, hasher, minerCfg.ScanTime, logger)
	c, err := miner.New(minerCfg, registry, miner.Options{
		Sink:      sink,
		Events:    events,
		Restarter: scanners.restart,
	}, logger)
	if err != nil {
		_ = sink.Close()
		return err
	}

	svc.start(ctx)

	startCtx, startCancel := context.WithTimeout(ctx, 2*time.Minute)
	err = c.Start(startCtx)
	startCancel()
	if err != nil {
		c.Stop(ctx)
		return fmt.Errorf("failed to start miner: %w", err)
	}

	if cfg.ZMQBlockAddr != "" {
		hints := notify.NewBlockHints(cfg.ZMQBlockAddr, logger)
		go func() {
			if err := hints.Run(ctx, c.BlockHint); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("block hints stopped")
			}
		}()
	}

	reporters, closeReporters := buildReporters(cfg, logger)
	defer closeReporters()
	if len(reporters) > 0 {
		go telemetry.Run(ctx, cfg.TelemetryInterval, c.Snapshot, logger, reporters...)
	}

	scanners.start(ctx, c)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	scanners.stop()
	c.Stop(shutdownCtx)
	c.LogSummary()
	svc.stop(shutdownCtx, cancel)
	return nil
}

// services are the background publishers. Drains return by themselves once
// their sink is closed; loops run until the context is cancelled.
type services struct {
	loops   []func(ctx context.Context)
	drains  []func(ctx context.Context)
	loopWG  sync.WaitGroup
	drainWG sync.WaitGroup
}

func (s *services) add(run func(ctx context.Context)) {
	s.loops = append(s.loops, run)
}

func (s *services) addDrain(run func(ctx context.Context)) {
	s.drains = append(s.drains, run)
}

func (s *services) start(ctx context.Context) {
	for _, run := range s.loops {
		run := run
		s.loopWG.Add(1)
		go func() {
			defer s.loopWG.Done()
			run(ctx)
		}()
	}
	for _, run := range s.drains {
		run := run
		s.drainWG.Add(1)
		go func() {
			defer s.drainWG.Done()
			run(ctx)
		}()
	}
}

// stop waits for the drains until ctx is done, then cancels the loops
func (s *services) stop(ctx context.Context, cancel context.CancelFunc) {
	drained := make(chan struct{})
	go func() {
		s.drainWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}
	cancel()
	s.loopWG.Wait()
	s.drainWG.Wait()
}

func buildRegistry(cfg *config.Config, logger *log.Logger) (*pool.Registry, error) {
	strategy, err := pool.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	registry := pool.NewRegistry(strategy, cfg.FailOnly, logger)
	for _, pc := range cfg.Pools {
		registry.Add(pc.URL, pc.User, pc.Pass)
	}
	if prios := cfg.Priorities(); prios != nil {
		registry.SetPriorities(prios)
	}
	registry.ValidatePriorities()
	return registry, nil
}

func buildMinerConfig(cfg *config.Config) (miner.Config, error) {
	algo, err := target.ParseAlgorithm(cfg.Algorithm)
	if err != nil {
		return miner.Config{}, err
	}
	params, err := chainParams(cfg.Network)
	if err != nil {
		return miner.Config{}, err
	}
	return miner.Config{
		Algorithm:        algo,
		Queue:            cfg.Queue,
		ScanTime:         cfg.ScanTime,
		Expiry:           cfg.Expiry,
		ExpiryLP:         cfg.ExpiryLP,
		Retries:          cfg.Retries,
		SubmitStale:      cfg.SubmitStale,
		DisablePool:      cfg.DisablePool,
		Workers:          cfg.Workers,
		MinSubmitThreads: cfg.MinSubmitThreads,
		RotatePeriod:     cfg.RotatePeriod,
		LogInterval:      cfg.LogInterval,
		Agent:            cfg.Agent,
		Coinbase: getwork.CoinbaseConfig{
			PayoutAddress: cfg.PayoutAddress,
			Params:        params,
			Tag:           cfg.Agent,
		},
	}, nil
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", network)
}

func buildSink(cfg *config.Config, kafkaClient *messaging.KafkaClient, svc *services, logger *log.Logger) (sharelog.Sink, error) {
	var tee sharelog.Tee
	if cfg.ShareLogFile != "" {
		fs, err := sharelog.OpenFile(cfg.ShareLogFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open share log: %w", err)
		}
		tee = append(tee, fs)
	}
	if cfg.ShareLogKafka && kafkaClient != nil {
		format, err := sharelog.ParseFormat(cfg.ShareLogFormat)
		if err != nil {
			_ = tee.Close()
			return nil, err
		}
		ks := sharelog.NewKafkaSink(kafkaClient, messaging.TopicShareLog, format, 0, logger)
		svc.addDrain(ks.Run)
		tee = append(tee, ks)
	}
	switch len(tee) {
	case 0:
		return sharelog.Nop{}, nil
	case 1:
		return tee[0], nil
	}
	return tee, nil
}

func buildEvents(cfg *config.Config, kafkaClient *messaging.KafkaClient, svc *services, logger *log.Logger) ([]miner.EventSink, error) {
	var events []miner.EventSink
	if cfg.DiscordToken != "" {
		d, err := notify.NewDiscord(cfg.DiscordToken, cfg.DiscordChannel, cfg.DiscordPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Discord notifier: %w", err)
		}
		svc.add(d.Run)
		events = append(events, d)
	}
	if kafkaClient != nil {
		ep := messaging.NewEventPublisher(kafkaClient, messaging.TopicPoolEvents, 0, logger)
		svc.add(ep.Run)
		events = append(events, ep)
	}
	return events, nil
}

// buildReporters connects the optional telemetry backends. A backend that
// cannot be reached is logged and skipped.
func buildReporters(cfg *config.Config, logger *log.Logger) ([]telemetry.Reporter, func()) {
	var reporters []telemetry.Reporter
	var closers []func()

	if cfg.RedisAddr != "" {
		rc, err := redis.NewClient(&redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: 4,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			logger.WithError(err).Warn("Redis telemetry disabled")
		} else {
			reporters = append(reporters, telemetry.NewRedisSnapshot(rc, 3*cfg.TelemetryInterval))
			closers = append(closers, func() { _ = rc.Close() })
		}
	}

	if cfg.InfluxURL != "" {
		ic, err := influx.NewClient(&influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			logger.WithError(err).Warn("InfluxDB telemetry disabled")
		} else {
			reporters = append(reporters, telemetry.NewInflux(ic))
			closers = append(closers, ic.Close)
		}
	}

	return reporters, func() {
		for _, c := range closers {
			c()
		}
	}
}
