package miner

import (
	"context"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/rpc"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

const (
	// retryDelay paces refetching from a pool that failed or has no work
	retryDelay = 5 * time.Second

	lpRetryDelay   = 30 * time.Second
	lpWaitTimeout  = 60 * time.Second
	lpFailureQuiet = 30 * time.Second
)

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

// localGen reports whether p generates its own work without a round trip
func localGen(p *pool.Pool) bool {
	return p.HasStratum() || p.Protocol() == pool.ProtoGBT
}

// schedule keeps the staged queue filled. It is the getwork scheduler.
func (c *Context) schedule(ctx context.Context) {
	lagLogged := false
	for ctx.Err() == nil {
		cp := c.registry.Current()
		maxStaged := c.cfg.Queue
		if !localGen(cp) && c.queue.Rollable() == 0 {
			maxStaged += c.cfg.Workers
		}

		lagging := false
		if !localGen(cp) && c.queue.Len() == 0 && !c.registry.FailOnly() {
			lagging = true
		}

		if err := c.queue.WaitBelow(ctx, maxStaged); err != nil {
			return
		}

		if lagging {
			if cp.SetLagging() && !lagLogged {
				c.logger.WithPool(cp.Index(), cp.URL()).Warn("Pool not providing work fast enough")
				cp.UpdateStats(func(s *pool.Stats) { s.GetFailures++ })
				lagLogged = true
			}
		} else {
			lagLogged = false
		}

		p := c.selectPool(ctx, lagging)
		if p == nil {
			if sleepCtx(ctx, retryDelay) != nil {
				return
			}
			continue
		}
		if err := c.produce(ctx, p, maxStaged); err != nil && ctx.Err() == nil {
			c.logger.Debug("Scheduler failed to produce work", "error", err)
		}
	}
}

// selectPool picks the pool to fetch from, probing non-current choices
func (c *Context) selectPool(ctx context.Context, lagging bool) *pool.Pool {
	return c.registry.Select(lagging, func(p *pool.Pool) bool {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		return c.poolActive(pctx, p, true)
	})
}

// produce stages one unit of work from p, failing over as needed
func (c *Context) produce(ctx context.Context, p *pool.Pool, maxStaged int) error {
	for ctx.Err() == nil {
		if p.HasStratum() {
			if !p.StratumActive() || !p.Stratum().Notify {
				alt := c.selectPool(ctx, true)
				if alt == nil || alt == p {
					if err := sleepCtx(ctx, retryDelay); err != nil {
						return err
					}
				}
				if alt != nil {
					p = alt
				}
				continue
			}
			u, err := stratum.GenWork(p, c.cfg.Algorithm, c.now())
			if err != nil {
				if err := sleepCtx(ctx, retryDelay); err != nil {
					return err
				}
				continue
			}
			c.stage(u)
			return nil
		}

		if c.rollLastWork(p) {
			return nil
		}
		if c.queue.CloneAvailable() {
			c.logger.Debug("Cloned getwork work")
			return nil
		}

		res, err := c.gw.Fetch(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.UpdateStats(func(s *pool.Stats) { s.SeqGetfails++ })
			c.poolDied(p)
			next := c.selectPool(ctx, !c.registry.FailOnly())
			if next == nil || next == p {
				c.logger.WithPool(p.Index(), p.URL()).Debug("Get work failed, retrying", "error", err, "delay", retryDelay)
				if err := sleepCtx(ctx, retryDelay); err != nil {
					return err
				}
			} else {
				c.logger.WithPool(p.Index(), p.URL()).Debug("Get work failed, failover activated", "error", err)
				p = next
			}
			continue
		}

		p.UpdateStats(func(s *pool.Stats) { s.SeqGetfails = 0 })
		if c.queue.Len() >= maxStaged {
			p.ClearLagging()
		}
		if p.ClearIdle() {
			c.poolResus(p)
		}
		c.updateLastWork(res.Unit)
		c.stage(res.Unit)
		return nil
	}
	return ctx.Err()
}

// rollLastWork stages a rolled clone of p's last template when it can
// still produce fresh work, and drops the copy once it is exhausted
func (c *Context) rollLastWork(p *pool.Pool) bool {
	c.rtMu.Lock()
	rt := c.runtimeLocked(p)
	last := rt.lastWork
	if last == nil {
		c.rtMu.Unlock()
		return false
	}

	now := c.now()
	if c.CanRoll(last) && c.ShouldRoll(last) {
		u := last.Clone(now)
		c.rtMu.Unlock()
		if err := u.Roll(now); err != nil {
			u.Release()
			return false
		}
		if tmpl, ok := u.Template(); ok {
			c.logger.Debug("Generated work from latest template", "seconds_left", int(tmpl.TimeLeft(now).Seconds()))
		}
		c.stage(u)
		return true
	}

	tmpl, ok := last.Template()
	if ok && p.Protocol() == pool.ProtoGBT && tmpl.WorkLeft(now) > c.cfg.Workers {
		// plenty of work left per template, keep the copy
		c.rtMu.Unlock()
		return false
	}
	rt.lastWork = nil
	c.rtMu.Unlock()
	last.Release()
	return false
}

// startLongpoll starts the longpoll loop of p once
func (c *Context) startLongpoll(p *pool.Pool) {
	if url, _ := p.Longpoll(); url == "" {
		return
	}
	c.rtMu.Lock()
	rt := c.runtimeLocked(p)
	if rt.lpRunning {
		c.rtMu.Unlock()
		return
	}
	rt.lpRunning = true
	c.rtMu.Unlock()

	c.goLoop(func(ctx context.Context) {
		c.longpolls.Add(1)
		defer c.longpolls.Add(-1)
		defer func() {
			c.rtMu.Lock()
			rt.lpRunning = false
			c.rtMu.Unlock()
		}()
		c.longpollLoop(ctx, p)
	})
}

// waitLPCurrent blocks until p is current, unless a connection to it is
// needed anyway or work is spread over all pools
func (c *Context) waitLPCurrent(ctx context.Context, p *pool.Pool) error {
	for {
		if c.registry.CnxNeeded(p, c.now()) || c.registry.IsCurrent(p) || c.registry.Strategy().Spreads() {
			return nil
		}
		wake := c.registry.Wake()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-time.After(lpWaitTimeout):
		}
	}
}

// longpollLoop holds a longpoll request open against p and stages the work
// it returns
func (c *Context) longpollLoop(ctx context.Context, p *pool.Pool) {
	conn := rpc.NewConn()
	defer conn.Close()

	url, _ := p.Longpoll()
	plog := c.logger.WithPool(p.Index(), p.URL())
	plog.Info("Long-polling activated", "lp_url", url, "protocol", p.Protocol().String())

	failures := 0
	for ctx.Err() == nil && !p.Removed() {
		if err := c.waitLPCurrent(ctx, p); err != nil {
			return
		}
		if p.HasStratum() {
			plog.Info("Block change detection moved to stratum")
			return
		}

		url, _ = p.Longpoll()
		start := c.now()
		res, err := c.gw.Longpoll(ctx, conn, p, url)
		if err == nil {
			failures = 0
			c.convertLongpoll(res.Unit)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		// some pools drop longpoll requests routinely; only a quick
		// failure counts
		if c.now().Sub(start) > lpFailureQuiet {
			continue
		}
		failures++
		if failures == 1 || errors.IsType(err, errors.ErrorTypeProtocol) {
			plog.Warn("Longpoll failed, retrying every 30s", "error", err)
		}
		if sleepCtx(ctx, lpRetryDelay) != nil {
			return
		}
	}
}

// convertLongpoll stages work delivered by a longpoll
func (c *Context) convertLongpoll(u *work.Unit) {
	p := u.Pool
	p.UpdateStats(func(s *pool.Stats) { s.GetworkCount++ })
	if p.Enablement() == pool.Rejecting {
		u.Mandatory = true
	}
	u.Longpoll = true
	c.updateLastWork(u)
	c.testWorkCurrent(u)

	if c.registry.FailOnly() && !c.registry.IsCurrent(p) && p.Enablement() != pool.Rejecting {
		u.Release()
		return
	}

	clone := u.Clone(c.now())
	u.Release()
	c.stage(clone)
}
