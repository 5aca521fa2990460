package miner

import (
	"time"

	"github.com/bardlex/gominer/internal/work"
)

// queuePolicy adapts the context to staging.Policy
type queuePolicy struct{ c *Context }

func (q queuePolicy) CanRoll(u *work.Unit) bool    { return q.c.CanRoll(u) }
func (q queuePolicy) ShouldRoll(u *work.Unit) bool { return q.c.ShouldRoll(u) }
func (q queuePolicy) IsStale(u *work.Unit) bool    { return q.c.IsStale(u, false) }

// expiry returns how long u stays fresh after staging
func (c *Context) expiry(u *work.Unit, forShare bool) time.Duration {
	_, tmpl := u.Template()

	window := c.cfg.Expiry
	if u.RollTime >= c.cfg.ScanTime || tmpl {
		window = u.RollTime
	}
	limit := c.cfg.Expiry
	if c.longpolls.Load() > 0 {
		limit = c.cfg.ExpiryLP
	}
	if window > limit {
		window = limit
	}

	if !forShare && u.Pool != nil {
		wait := u.Pool.Stats().WaitRolling
		delay := wait*5 + time.Second
		if window <= delay+5*time.Second {
			window = 5 * time.Second
		} else {
			window -= delay
		}
	}
	return window
}

// IsStale reports whether u is stale, either as a job to hash or, with
// forShare, as a share about to be submitted.
func (c *Context) IsStale(u *work.Unit, forShare bool) bool {
	p := u.Pool
	if p == nil {
		return false
	}
	blockID := u.BlockID()

	if forShare {
		if id := p.BlockID(); id != 0 && id != blockID {
			return true
		}
		if !p.SubmitOld() && u.RestartID != p.RestartID() {
			return true
		}
	} else {
		if c.registry.EnabledCount() <= 1 || c.registry.FailOnly() {
			if id := p.BlockID(); id != 0 && id != blockID {
				return true
			}
		} else if cur := c.tracker.CurrentID(); cur != 0 && cur != blockID {
			return true
		}
		if u.RestartID != p.RestartID() {
			return true
		}
		if ext, ok := u.Stratum(); ok && p.HasStratum() {
			if ext.JobID != p.Stratum().Job.JobID {
				return true
			}
		}
	}

	if !u.Mandatory && c.now().Sub(u.StagedAt) > c.expiry(u, forShare) {
		return true
	}

	if c.registry.FailOnly() && !forShare && !u.Mandatory && !c.registry.Strategy().Spreads() {
		if !c.registry.IsCurrent(p) {
			return true
		}
	}
	return false
}

// CanRoll reports whether u may be rolled into new work
func (c *Context) CanRoll(u *work.Unit) bool {
	if u.Source == work.SourceStratum || u.IsClone {
		return false
	}
	if !u.RollPossible(c.now()) {
		return false
	}
	return !c.IsStale(u, false)
}

// ShouldRoll reports whether rolling u is preferable to fetching fresh work
func (c *Context) ShouldRoll(u *work.Unit) bool {
	if u.Pool != c.registry.Current() && !c.registry.Strategy().Spreads() {
		return false
	}
	if c.IsStale(u, false) {
		return false
	}
	limit := max(u.RollTime, c.cfg.ScanTime) * 2 / 3
	return c.now().Sub(u.StagedAt) <= limit
}
