// Package miner owns the work-coordination state of a mining client: the
// pools, the staged work, block tracking and share submission. Hashing
// workers use GetWork, SubmitNonce, ReportIn, AddHashes and RestartNotify.
package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/blocks"
	"github.com/bardlex/gominer/internal/getwork"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/sharelog"
	"github.com/bardlex/gominer/internal/staging"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/submit"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Config tunes the coordinator
type Config struct {
	Algorithm        target.Algorithm
	Queue            int
	ScanTime         time.Duration
	Expiry           time.Duration
	ExpiryLP         time.Duration
	Retries          int
	SubmitStale      bool
	DisablePool      bool
	Workers          int
	MinSubmitThreads int
	RotatePeriod     time.Duration
	LogInterval      time.Duration
	Agent            string
	Device           string
	Coinbase         getwork.CoinbaseConfig
}

func (c *Config) setDefaults() {
	if c.ScanTime <= 0 {
		c.ScanTime = 60 * time.Second
	}
	if c.Expiry <= 0 {
		c.Expiry = 120 * time.Second
	}
	if c.ExpiryLP <= 0 {
		c.ExpiryLP = time.Hour
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MinSubmitThreads < 1 {
		c.MinSubmitThreads = 64
	}
	if c.LogInterval <= 0 {
		c.LogInterval = 5 * time.Second
	}
	if c.Agent == "" {
		c.Agent = "gominer"
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
}

// EventSink receives pool events. Notify must not block.
type EventSink interface {
	Notify(ev messaging.PoolEvent)
}

// Options are the optional collaborators of a Context
type Options struct {
	Sink   sharelog.Sink
	Events []EventSink
	// Restarter is called for a worker the watchdog finds sick
	Restarter func(thrID int)
}

// poolRuntime is the per-pool state owned by the coordinator rather than the pool
type poolRuntime struct {
	stratum   *stratum.Client
	lpRunning bool
	lastWork  *work.Unit
}

// Context is the mining context. It owns the registry, staged work, block
// tracker, submission pipeline and statistics.
type Context struct {
	cfg      Config
	registry *pool.Registry
	queue    *staging.Queue
	tracker  *blocks.Tracker
	pipeline *submit.Pipeline
	gw       *getwork.Client
	hasher   work.Hasher
	sink     sharelog.Sink
	events   []EventSink
	restart  func(thrID int)
	logger   *log.Logger

	now func() time.Time

	rtMu     sync.Mutex
	runtimes map[*pool.Pool]*poolRuntime

	// restartCh is closed and replaced on every work restart
	restartMu    sync.Mutex
	restartCh    chan struct{}
	restartEpoch atomic.Uint64

	longpolls atomic.Int32

	statsMu  sync.Mutex
	started  time.Time
	workers  map[int]*workerState
	hashrate float64
	meterAt  time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	submitCx context.Context
	stopSub  context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a context around registry, which must hold at least one pool
func New(cfg Config, registry *pool.Registry, opts Options, logger *log.Logger) (*Context, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if registry == nil || registry.Count() == 0 {
		return nil, errors.New(errors.ErrorTypeInternal, "miner.new", "no pools configured")
	}
	cfg.setDefaults()

	c := &Context{
		cfg:       cfg,
		registry:  registry,
		tracker:   blocks.NewTracker(),
		sink:      opts.Sink,
		events:    opts.Events,
		restart:   opts.Restarter,
		logger:    logger.WithComponent("miner"),
		now:       time.Now,
		runtimes:  make(map[*pool.Pool]*poolRuntime),
		restartCh: make(chan struct{}),
		workers:   make(map[int]*workerState, cfg.Workers),
	}
	if c.sink == nil {
		c.sink = sharelog.Nop{}
	}

	hasher, err := work.HasherFor(cfg.Algorithm)
	if err != nil {
		c.logger.Warn("No local hasher, nonces are submitted unverified", "algorithm", cfg.Algorithm.String())
	}
	c.hasher = hasher

	for i := 0; i < cfg.Workers; i++ {
		c.workers[i] = &workerState{status: StatusInit}
	}

	c.queue = staging.New(queuePolicy{c}, logger)
	c.gw = getwork.NewClient(cfg.Algorithm, cfg.Coinbase, logger)

	concurrency := max(cfg.Workers+cfg.Queue, cfg.MinSubmitThreads)
	registry.SetConnLimit(concurrency)
	c.pipeline = submit.New(submit.Config{
		Retries:     cfg.Retries,
		SubmitStale: cfg.SubmitStale,
		DisablePool: cfg.DisablePool,
		Concurrency: concurrency,
		Device:      cfg.Device,
	}, c, c, registry, c.sink, submit.Hooks{
		BlockAccepted: c.blockAccepted,
		PoolDisabled:  c.poolDisabled,
	}, logger)

	return c, nil
}

// Registry returns the pool registry
func (c *Context) Registry() *pool.Registry { return c.registry }

// Tracker returns the block tracker
func (c *Context) Tracker() *blocks.Tracker { return c.tracker }

// Pipeline returns the submission pipeline
func (c *Context) Pipeline() *submit.Pipeline { return c.pipeline }

func (c *Context) runtime(p *pool.Pool) *poolRuntime {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()
	return c.runtimeLocked(p)
}

// goLoop runs fn as a tracked goroutine
func (c *Context) goLoop(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// Start probes the pools and starts the scheduler, watchpool and watchdog
// loops. It returns once every pool has been probed.
func (c *Context) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.submitCx, c.stopSub = context.WithCancel(context.Background())

	now := c.now()
	c.statsMu.Lock()
	c.started = now
	c.meterAt = now
	c.statsMu.Unlock()

	c.pipeline.Start(c.submitCx)

	var probes sync.WaitGroup
	for _, p := range c.registry.Pools() {
		p := p
		probes.Add(1)
		go func() {
			defer probes.Done()
			pctx, cancel := context.WithTimeout(c.ctx, probeTimeout)
			defer cancel()
			if c.poolActive(pctx, p, false) {
				p.ClearIdle()
			} else {
				c.poolDied(p)
			}
			p.SetProbed()
		}()
	}
	probes.Wait()
	if err := c.ctx.Err(); err != nil {
		return err
	}

	alive := 0
	for _, p := range c.registry.Pools() {
		if !p.Idle() {
			alive++
		}
	}
	if alive == 0 {
		c.logger.Warn("No servers could be used, retrying in the background")
	}
	c.registry.Switch(nil)

	c.goLoop(c.schedule)
	c.goLoop(c.watchPools)
	c.goLoop(c.watchdog)
	c.goLoop(c.followSwitches)
	return nil
}

// Stop shuts down in order: share submission, then the watchdog and pool
// sessions, then the scheduler. In-flight shares get until ctx is done.
func (c *Context) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		if c.cancel == nil {
			// never started
			c.queue.Close()
			_ = c.sink.Close()
			return
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.stopSub()
			case <-done:
			}
		}()
		c.pipeline.Close()
		close(done)
		c.stopSub()

		c.cancel()
		c.queue.Close()
		c.wg.Wait()

		c.rtMu.Lock()
		for p, rt := range c.runtimes {
			if rt.lastWork != nil {
				rt.lastWork.Release()
				rt.lastWork = nil
			}
			if rt.stratum != nil {
				rt.stratum.Close()
			}
			delete(c.runtimes, p)
		}
		c.rtMu.Unlock()

		if err := c.sink.Close(); err != nil {
			c.logger.Warn("Failed to close share log", "error", err)
		}
	})
}

// RestartNotify returns a channel closed at the next work restart
func (c *Context) RestartNotify() <-chan struct{} {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	return c.restartCh
}

// RestartEpoch returns how many work restarts have been broadcast
func (c *Context) RestartEpoch() uint64 {
	return c.restartEpoch.Load()
}

// restartThreads discards stale staged work and tells workers to fetch new work
func (c *Context) restartThreads() {
	c.queue.DiscardStale()

	c.restartMu.Lock()
	c.restartEpoch.Add(1)
	close(c.restartCh)
	c.restartCh = make(chan struct{})
	c.restartMu.Unlock()

	c.queue.Kick()
}

func (c *Context) emit(ev messaging.PoolEvent) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	for _, s := range c.events {
		s.Notify(ev)
	}
}

func (c *Context) poolEvent(kind string, p *pool.Pool) messaging.PoolEvent {
	return messaging.PoolEvent{Event: kind, Pool: p.Index(), URL: p.URL()}
}
