// Package submit sends solved shares to their pools, retrying per policy,
// and keeps the share accounting.
package submit

import (
	"context"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/sharelog"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New(errors.ErrorTypeInternal, "submit.submit", "submission pipeline closed")

// DefaultStaleDeadline bounds how long a stale share is retried when
// stale submission is allowed and retries are unlimited
const DefaultStaleDeadline = 5 * time.Minute

// Verdict is a pool's answer to one share
type Verdict struct {
	Accepted bool
	Reason   string
	Elapsed  time.Duration
}

// Sender delivers a share to the pool it came from
type Sender interface {
	Send(ctx context.Context, u *work.Unit) (*Verdict, error)
}

// StaleChecker decides whether a share is stale
type StaleChecker interface {
	IsStale(u *work.Unit, forShare bool) bool
}

// Hooks are optional callbacks run by the accounting goroutine
type Hooks struct {
	// BlockAccepted runs after a pool accepted a share that solved a block
	BlockAccepted func(u *work.Unit)
	// PoolDisabled runs after a pool was disabled for rejecting shares
	PoolDisabled func(p *pool.Pool, seqRejects int64)
}

// Config tunes the pipeline
type Config struct {
	// Retries is the number of failed attempts tolerated before a share is
	// discarded. Negative means retry until the share is stale.
	Retries       int
	SubmitStale   bool
	DisablePool   bool
	Concurrency   int
	StaleDeadline time.Duration
	Backoff       *retry.Config
	Device        string
}

// Outcome is the final state of one share
type Outcome struct {
	Unit        *work.Unit
	Disposition string
	Reason      string
	Stale       bool
	Attempts    int
	Elapsed     time.Duration
}

// Totals are the global share counters
type Totals struct {
	Accepted      int64
	Rejected      int64
	Stale         int64
	Discarded     int64
	HWErrors      int64
	Solved        int64
	DiffAccepted  float64
	DiffRejected  float64
	DiffStale     float64
	BestShare     float64
	LastShareTime time.Time
}

// WorkerStats are the per-worker share counters
type WorkerStats struct {
	Accepted     int64
	Rejected     int64
	HWErrors     int64
	DiffAccepted float64
	DiffRejected float64
}

// Pipeline submits shares with bounded concurrency. Outcomes are accounted
// by a single coordinator goroutine.
type Pipeline struct {
	cfg      Config
	sender   Sender
	stale    StaleChecker
	registry *pool.Registry
	sink     sharelog.Sink
	hooks    Hooks
	logger   *log.Logger

	swg     sizedwaitgroup.SizedWaitGroup
	results chan Outcome
	runDone chan struct{}
	ctx     context.Context

	closeMu sync.RWMutex
	closed  bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	start   time.Time
	totals  Totals
	workers map[int]*WorkerStats
}

// New creates a pipeline. sink may be nil.
func New(cfg Config, sender Sender, stale StaleChecker, registry *pool.Registry, sink sharelog.Sink, hooks Hooks, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Nop()
	}
	if sink == nil {
		sink = sharelog.Nop{}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.StaleDeadline <= 0 {
		cfg.StaleDeadline = DefaultStaleDeadline
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.SubmitConfig()
	}
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}
	return &Pipeline{
		cfg:      cfg,
		sender:   sender,
		stale:    stale,
		registry: registry,
		sink:     sink,
		hooks:    hooks,
		logger:   logger.WithComponent("submit"),
		swg:      sizedwaitgroup.New(cfg.Concurrency),
		results:  make(chan Outcome, cfg.Concurrency),
		runDone:  make(chan struct{}),
		ctx:      context.Background(),
		now:      time.Now,
		sleep:    sleepCtx,
		start:    time.Now(),
		workers:  make(map[int]*WorkerStats),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start sets the context in-flight submissions run under and starts the
// accounting goroutine. It must be called once, before Submit.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx = ctx
	p.mu.Lock()
	p.start = p.now()
	p.mu.Unlock()
	go p.run()
}

func (p *Pipeline) run() {
	defer close(p.runDone)
	for o := range p.results {
		p.account(o)
	}
}

// Submit queues u for submission, blocking while the concurrency bound is
// reached
func (p *Pipeline) Submit(ctx context.Context, u *work.Unit) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.swg.AddWithContext(ctx); err != nil {
		return err
	}
	go func() {
		defer p.swg.Done()
		p.results <- p.process(p.ctx, u)
	}()
	return nil
}

// Close waits for in-flight submissions and their accounting. Start must
// have been called.
func (p *Pipeline) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()

	p.swg.Wait()
	close(p.results)
	<-p.runDone
}

func (p *Pipeline) allowStale(u *work.Unit) bool {
	return p.cfg.SubmitStale || (u.Pool != nil && u.Pool.SubmitOld())
}

// process runs the attempts for one share and returns its outcome
func (p *Pipeline) process(ctx context.Context, u *work.Unit) Outcome {
	pl := u.Pool
	start := p.now()
	o := Outcome{Unit: u}
	plog := p.logger.WithPool(pl.Index(), pl.URL())

	if u.Source == work.SourceStratum && !pl.StratumActive() {
		plog.Info("Stratum share lost, session not active")
		o.Disposition = sharelog.Disconnect
		return o
	}

	if target.IsBlock(u.Hash, u.Bits(), u.Algo) {
		u.Block = true
		u.Mandatory = true
		pl.UpdateStats(func(s *pool.Stats) { s.Solved++ })
		p.mu.Lock()
		p.totals.Solved++
		p.mu.Unlock()
		plog.LogBlockFound(pl.Index(), u.HashString(), u.Height, u.ShareDiff())
	}

	var deadline time.Time
	markStale := func(msg string) bool {
		if u.Mandatory || !p.stale.IsStale(u, true) {
			return true
		}
		if !p.allowStale(u) {
			plog.Info(msg + ", discarding")
			o.Disposition = sharelog.Stale
			o.Reason = "stale"
			o.Stale = true
			return false
		}
		if !o.Stale {
			plog.Info(msg + ", submitting anyway")
			o.Stale = true
			deadline = p.now().Add(p.cfg.StaleDeadline)
		}
		return true
	}

	if !markStale("Stale share detected") {
		o.Elapsed = p.now().Sub(start)
		return o
	}
	u.Stale = o.Stale

	failures := 0
	for {
		o.Attempts++
		v, err := p.sender.Send(ctx, u)
		if err == nil {
			if pl.ClearSubmitFail() {
				plog.Warn("Pool communication resumed, submitting work")
			}
			o.Elapsed = p.now().Sub(start)
			if v.Accepted {
				o.Disposition = sharelog.Accept
			} else {
				o.Disposition = sharelog.Reject
				o.Reason = v.Reason
			}
			return o
		}

		if errors.Is(err, stratum.ErrDisconnected) || errors.Is(err, stratum.ErrNotActive) {
			plog.Info("Stratum share lost to disconnect")
			o.Disposition = sharelog.Disconnect
			o.Elapsed = p.now().Sub(start)
			return o
		}
		if ctx.Err() != nil {
			o.Disposition = sharelog.Discard
			o.Reason = "shutdown"
			o.Elapsed = p.now().Sub(start)
			return o
		}

		failures++
		if pl.SetSubmitFail() {
			plog.Warn("Pool communication failure, caching submissions", "error", err)
		}

		if !markStale("Share became stale while retrying submit") {
			o.Elapsed = p.now().Sub(start)
			return o
		}
		u.Stale = o.Stale
		u.Resubmit = true

		if p.cfg.Retries >= 0 && failures > p.cfg.Retries {
			plog.Warn("Share submit failed, retries exhausted", "failures", failures)
			o.Disposition = sharelog.Discard
			o.Reason = "retries"
			o.Elapsed = p.now().Sub(start)
			return o
		}
		if p.cfg.Retries < 0 && o.Stale && !deadline.IsZero() && p.now().After(deadline) {
			plog.Info("Stale share past its deadline, discarding")
			o.Disposition = sharelog.Stale
			o.Reason = "stale"
			o.Elapsed = p.now().Sub(start)
			return o
		}

		if err := p.sleep(ctx, p.cfg.Backoff.Delay(failures-1)); err != nil {
			o.Disposition = sharelog.Discard
			o.Reason = "shutdown"
			o.Elapsed = p.now().Sub(start)
			return o
		}
	}
}
