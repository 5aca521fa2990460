package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/target"
)

const (
	watchPoolInterval = 30 * time.Second
	watchdogInterval  = 3 * time.Second

	// pools re-probed once idle for this long
	idleRetry = 30 * time.Second
	// decay balance shares every decayEvery watchpool rounds
	decayEvery = 20
	// idle HTTP connections older than this are closed
	connMaxIdle = 5 * time.Minute

	sickAfter = 60 * time.Second
	deadAfter = 600 * time.Second
)

// watchPools re-probes idle pools, decays balance shares and rotates the
// current pool when the rotate strategy is active
func (c *Context) watchPools(ctx context.Context) {
	ticker := time.NewTicker(watchPoolInterval)
	defer ticker.Stop()

	lastRotate := c.now()
	rounds := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := c.now()

		rounds++
		if rounds%decayEvery == 0 {
			c.registry.DecayShares()
		}

		c.reapConns(now)
		for _, p := range c.registry.Pools() {
			if p.Removed() {
				continue
			}
			if (p.Enablement() == pool.Disabled || p.HasStratum()) && p.Probed() {
				continue
			}
			if !p.Idle() || now.Sub(p.IdleSince()) <= idleRetry {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			alive := c.poolActive(pctx, p, true)
			cancel()
			p.SetProbed()
			if alive && p.ClearIdle() {
				c.poolResus(p)
			}
		}

		if c.registry.Current().Idle() {
			c.registry.Switch(nil)
		}
		if c.registry.Strategy() == pool.Rotate && c.cfg.RotatePeriod > 0 && now.Sub(lastRotate) > c.cfg.RotatePeriod {
			lastRotate = now
			c.registry.Switch(nil)
		}
	}
}

// reapConns closes submit connections idle for longer than connMaxIdle
func (c *Context) reapConns(now time.Time) {
	for _, p := range c.registry.Pools() {
		if n := p.Conns().Reap(now, connMaxIdle); n > 0 {
			c.logger.WithPool(p.Index(), p.URL()).Debug("Closed idle connections", "count", n)
		}
	}
}

// watchdog discards stale work, runs the hashmeter and flags workers that
// stopped reporting
func (c *Context) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n := c.queue.DiscardStale(); n > 0 {
			c.logger.Debug("Discarded stale work", "count", n)
		}
		c.hashmeter(false)
		c.checkWorkers()
	}
}

// hashmeter folds reported hashes into per-worker and total rates and logs
// the status line once per LogInterval. force skips the interval check.
func (c *Context) hashmeter(force bool) {
	now := c.now()
	c.statsMu.Lock()
	elapsed := now.Sub(c.meterAt)
	if elapsed <= 0 || (!force && elapsed < c.cfg.LogInterval) {
		c.statsMu.Unlock()
		return
	}
	var total float64
	for _, w := range c.workers {
		target.DecayTime(&w.rate, w.hashes/elapsed.Seconds())
		w.hashes = 0
		total += w.rate
	}
	c.hashrate = total
	c.meterAt = now
	started := c.started
	c.statsMu.Unlock()

	t := c.pipeline.Totals()
	mins := now.Sub(started).Minutes()
	wu := 0.0
	if mins > 0 {
		wu = t.DiffAccepted / mins
	}
	c.logger.Info(fmt.Sprintf("(%s):%sh/s | A:%.0f R:%.0f HW:%d WU:%.1f/m",
		c.cfg.LogInterval, target.Suffix(total), t.DiffAccepted, t.DiffRejected, t.HWErrors, wu))
}

// checkWorkers marks workers that stopped reporting sick, then dead
func (c *Context) checkWorkers() {
	now := c.now()
	var restart []int

	c.statsMu.Lock()
	for id, w := range c.workers {
		if w.status == StatusWait || w.status == StatusInit || w.lastReport.IsZero() {
			continue
		}
		quiet := now.Sub(w.lastReport)
		tlog := c.logger.WithThread(id)
		switch {
		case quiet < sickAfter && (w.status == StatusSick || w.status == StatusDead):
			w.status = StatusAlive
			tlog.Info("Worker recovered")
		case quiet > deadAfter && w.status == StatusSick:
			w.status = StatusDead
			tlog.Error("Worker not responding, declared dead", "quiet", quiet.Round(time.Second))
		case quiet > sickAfter && w.status == StatusAlive:
			w.status = StatusSick
			tlog.Error("Worker idle, declared sick", "quiet", quiet.Round(time.Second))
			restart = append(restart, id)
		}
	}
	c.statsMu.Unlock()

	if c.restart == nil {
		return
	}
	for _, id := range restart {
		c.logger.WithThread(id).Warn("Attempting to restart worker")
		c.restart(id)
	}
}

// followSwitches publishes current pool changes and wakes suspended
// stratum sessions so they can reconnect when needed again
func (c *Context) followSwitches(ctx context.Context) {
	last := c.registry.Current()
	for {
		wake := c.registry.Wake()
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
		cp := c.registry.Current()
		if cp != last {
			last = cp
			c.emit(c.poolEvent(messaging.EventPoolSwitch, cp))
		}

		c.rtMu.Lock()
		for _, rt := range c.runtimes {
			if rt.stratum != nil {
				rt.stratum.Kick()
			}
		}
		c.rtMu.Unlock()
	}
}

// poolDisabled drops the staged work of a pool disabled for rejecting shares
func (c *Context) poolDisabled(p *pool.Pool, seqRejects int64) {
	if n := c.queue.RemovePool(p); n > 0 {
		c.logger.WithPool(p.Index(), p.URL()).Debug("Discarded work from disabled pool", "count", n)
	}
	ev := c.poolEvent(messaging.EventPoolDisabled, p)
	ev.Reason = fmt.Sprintf("%d sequential rejects", seqRejects)
	c.emit(ev)
}

// BlockHint is told of a new block by a side channel such as a node's
// ZMQ feed. Template work for an unseen block is refetched immediately.
func (c *Context) BlockHint(hash chainhash.Hash) {
	if c.ctx == nil || c.tracker.Known(hash) {
		return
	}
	cp := c.registry.Current()
	if cp.HasStratum() || cp.Protocol() != pool.ProtoGBT {
		return
	}
	c.logger.Info("Block notification received, refreshing template", "block", hash.String())

	c.rtMu.Lock()
	rt := c.runtimeLocked(cp)
	last := rt.lastWork
	rt.lastWork = nil
	c.rtMu.Unlock()
	if last != nil {
		last.Release()
	}

	c.goLoop(func(ctx context.Context) {
		res, err := c.gw.Fetch(ctx, cp)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WithPool(cp.Index(), cp.URL()).Warn("Template refresh failed", "error", err)
			}
			return
		}
		c.updateLastWork(res.Unit)
		c.stage(res.Unit)
	})
}
