package miner

import (
	"context"
	"strings"
	"time"

	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/rpc"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/submit"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

// probeTimeout bounds one pool probe
const probeTimeout = 60 * time.Second

// stratumHandler receives session events for the context
type stratumHandler struct{ c *Context }

func (h stratumHandler) CleanJob(p *pool.Pool, u *work.Unit) {
	c := h.c
	plog := c.logger.WithPool(p.Index(), p.URL())
	if c.testWorkCurrent(u) {
		if c.registry.IsCurrent(p) {
			plog.Info("Stratum requested work restart")
			c.restartThreads()
		}
	} else {
		plog.Info("Stratum detected new block")
	}
	u.Release()
}

func (h stratumHandler) Disconnected(p *pool.Pool) {
	c := h.c
	if n := c.queue.RemovePool(p); n > 0 {
		c.logger.WithPool(p.Index(), p.URL()).Debug("Discarded work from disconnected pool", "count", n)
	}
	if c.registry.IsCurrent(p) {
		c.restartThreads()
	}
}

func (h stratumHandler) Died(p *pool.Pool) { h.c.poolDied(p) }

func (h stratumHandler) Resumed(p *pool.Pool) { h.c.poolResus(p) }

func (h stratumHandler) Needed(p *pool.Pool) bool {
	return h.c.registry.CnxNeeded(p, h.c.now())
}

// poolDied marks p dead, failing over if it was current
func (c *Context) poolDied(p *pool.Pool) {
	if p.Idle() {
		return
	}
	c.registry.Died(p, c.now())
	c.emit(c.poolEvent(messaging.EventPoolDied, p))
}

// poolResus handles a pool that came back
func (c *Context) poolResus(p *pool.Pool) {
	c.registry.Resus(p)
	c.emit(c.poolEvent(messaging.EventPoolAlive, p))
}

// startStratum connects the pool's stratum session if needed and starts
// its receive loop. It reports whether the session is active.
func (c *Context) startStratum(ctx context.Context, p *pool.Pool) bool {
	c.rtMu.Lock()
	rt := c.runtimeLocked(p)
	if rt.stratum != nil {
		c.rtMu.Unlock()
		return p.StratumActive()
	}
	sc := stratum.NewClient(p, c.cfg.Algorithm, stratumHandler{c}, c.cfg.Agent, c.logger)
	c.rtMu.Unlock()

	if err := sc.Connect(ctx); err != nil {
		c.logger.WithPool(p.Index(), p.URL()).Warn("Stratum handshake failed", "error", err)
		return false
	}

	c.rtMu.Lock()
	if rt.stratum != nil {
		// lost a race with a concurrent probe
		c.rtMu.Unlock()
		sc.Close()
		return p.StratumActive()
	}
	rt.stratum = sc
	c.rtMu.Unlock()

	c.goLoop(func(ctx context.Context) {
		if err := sc.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithPool(p.Index(), p.URL()).Warn("Stratum session ended", "error", err)
		}
	})
	return true
}

func (c *Context) stratumClient(p *pool.Pool) *stratum.Client {
	c.rtMu.Lock()
	defer c.rtMu.Unlock()
	if rt, ok := c.runtimes[p]; ok {
		return rt.stratum
	}
	return nil
}

// bareStratumURL turns an http pool url into a stratum one for probing
func bareStratumURL(u string) string {
	if _, rest, ok := strings.Cut(u, "://"); ok {
		u = rest
	}
	return "stratum+tcp://" + u
}

// poolActive probes p: getblocktemplate, then getwork, switching to stratum
// when the pool advertises it. Work fetched by the probe is staged. When
// pinging, a failure is not reported as a warning.
func (c *Context) poolActive(ctx context.Context, p *pool.Pool, pinging bool) bool {
	plog := c.logger.WithPool(p.Index(), p.URL())
	plog.Debug("Testing pool")

	if p.HasStratum() {
		return c.startStratum(ctx, p)
	}

	res, err := c.gw.Probe(ctx, p)
	if err != nil {
		// the url may be a stratum endpoint without the scheme
		if ctx.Err() == nil && c.tryBareStratum(ctx, p) {
			return true
		}
		if !pinging {
			plog.Warn("Pool slow/down or URL or credentials invalid", "error", err)
		}
		return false
	}

	if su := rpc.StratumURL(res.Reply.Stratum); su != "" {
		res.Unit.Release()
		plog.Info("Switching pool to stratum", "stratum_url", su)
		p.EnableStratum(su)
		return c.startStratum(ctx, p)
	}

	plog.Info("Selected protocol", "protocol", p.Protocol().String())
	c.updateLastWork(res.Unit)
	c.stage(res.Unit)

	if lpURL, _ := p.Longpoll(); lpURL == "" {
		switch {
		case res.Template != nil && (res.Template.LongPollURI != "" || res.Template.LongPollID != ""):
			uri := p.URL()
			if res.Template.LongPollURI != "" {
				uri = rpc.ResolveURL(p.URL(), res.Template.LongPollURI)
			}
			p.SetLongpollURL(uri, "")
		case res.Reply.LPPath != "":
			p.SetLongpollURL(rpc.ResolveURL(p.URL(), res.Reply.LPPath), res.Reply.LPPath)
		}
	}
	c.startLongpoll(p)
	return true
}

func (c *Context) tryBareStratum(ctx context.Context, p *pool.Pool) bool {
	su := bareStratumURL(p.URL())
	prev := p.Stratum().URL
	p.UpdateStratum(func(s *pool.StratumState) { s.URL = su })

	sc := stratum.NewClient(p, c.cfg.Algorithm, stratumHandler{c}, c.cfg.Agent, c.logger)
	if err := sc.Connect(ctx); err != nil {
		p.UpdateStratum(func(s *pool.StratumState) { s.URL = prev })
		return false
	}
	sc.Close()
	p.EnableStratum(su)
	return c.startStratum(ctx, p)
}

// Send delivers a share over the protocol its unit came from
func (c *Context) Send(ctx context.Context, u *work.Unit) (*submit.Verdict, error) {
	if u.Source == work.SourceStratum {
		sc := c.stratumClient(u.Pool)
		if sc == nil {
			return nil, stratum.ErrNotActive
		}
		res, err := sc.Submit(ctx, u)
		if err != nil {
			return nil, err
		}
		return &submit.Verdict{Accepted: res.Accepted, Reason: res.Reason, Elapsed: res.Elapsed}, nil
	}

	res, err := c.gw.Submit(ctx, u)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeProtocol) {
			c.logger.WithPool(u.Pool.Index(), u.Pool.URL()).Warn("Unexpected submit reply", "error", err)
		}
		return nil, err
	}
	return &submit.Verdict{Accepted: res.Accepted, Reason: res.Reason, Elapsed: res.Elapsed}, nil
}
