package submit

import (
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/sharelog"
	"github.com/bardlex/gominer/internal/work"
)

// autoDisableMin is the number of sequential rejects a pool may return
// before it can be disabled
const autoDisableMin = 10

func (p *Pipeline) worker(thrID int) *WorkerStats {
	w, ok := p.workers[thrID]
	if !ok {
		w = &WorkerStats{}
		p.workers[thrID] = w
	}
	return w
}

// Utility returns accepted shares per minute since Start
func (p *Pipeline) Utility() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utility()
}

func (p *Pipeline) utility() float64 {
	secs := p.now().Sub(p.start).Seconds()
	if secs < 1 {
		secs = 1
	}
	return float64(p.totals.Accepted) / secs * 60
}

// account applies one outcome to the counters, the share log and the
// pool state
func (p *Pipeline) account(o Outcome) {
	u := o.Unit
	pl := u.Pool
	now := p.now()
	diff := u.Difficulty

	switch o.Disposition {
	case sharelog.Accept:
		p.accepted(u, now)
	case sharelog.Reject:
		p.rejected(u, o, now)
	case sharelog.Stale, sharelog.Disconnect:
		pl.UpdateStats(func(s *pool.Stats) {
			s.StaleShares++
			s.DiffStale += diff
		})
		p.mu.Lock()
		p.totals.Stale++
		p.totals.DiffStale += diff
		p.mu.Unlock()
		p.logger.LogShareResult(pl.Index(), o.Disposition, diff, u.HashString())
		p.sink.Log(sharelog.NewRecord(u, o.Disposition, p.cfg.Device, now))
	case sharelog.Discard:
		p.mu.Lock()
		p.totals.Discarded++
		p.mu.Unlock()
		p.sink.Log(sharelog.NewRecord(u, sharelog.Discard, p.cfg.Device, now))
	}
	u.Release()
}

func (p *Pipeline) accepted(u *work.Unit, now time.Time) {
	pl := u.Pool
	diff := u.Difficulty
	shareDiff := u.ShareDiff()

	pl.UpdateStats(func(s *pool.Stats) {
		s.Accepted++
		s.DiffAccepted += diff
		s.SeqRejects = 0
		s.LastShareDiff = shareDiff
		s.LastShareTime = now
		if uint64(shareDiff) > s.BestShare {
			s.BestShare = uint64(shareDiff)
		}
	})

	p.mu.Lock()
	p.totals.Accepted++
	p.totals.DiffAccepted += diff
	p.totals.LastShareTime = now
	if shareDiff > p.totals.BestShare {
		p.totals.BestShare = shareDiff
	}
	if u.ThrID >= 0 {
		w := p.worker(u.ThrID)
		w.Accepted++
		w.DiffAccepted += diff
	}
	p.mu.Unlock()

	p.logger.LogShareResult(pl.Index(), sharelog.Accept, diff, u.HashString())
	p.sink.Log(sharelog.NewRecord(u, sharelog.Accept, p.cfg.Device, now))

	if pl.Enablement() == pool.Rejecting && p.registry != nil {
		p.logger.Warn("Rejecting pool now accepting shares, re-enabling", "pool", pl.Index())
		p.registry.Enable(pl)
		p.registry.Switch(nil)
	}
	if u.Block && p.hooks.BlockAccepted != nil {
		p.hooks.BlockAccepted(u)
	}
}

func (p *Pipeline) rejected(u *work.Unit, o Outcome, now time.Time) {
	pl := u.Pool
	diff := u.Difficulty

	var seq int64
	pl.UpdateStats(func(s *pool.Stats) {
		s.Rejected++
		s.DiffRejected += diff
		s.SeqRejects++
		seq = s.SeqRejects
	})

	p.mu.Lock()
	p.totals.Rejected++
	p.totals.DiffRejected += diff
	if u.ThrID >= 0 {
		w := p.worker(u.ThrID)
		w.Rejected++
		w.DiffRejected += diff
	}
	utility := p.utility()
	p.mu.Unlock()

	disposition := sharelog.RejectDisposition(o.Reason)
	p.logger.LogShareResult(pl.Index(), disposition, diff, u.HashString())
	p.sink.Log(sharelog.NewRecord(u, disposition, p.cfg.Device, now))

	if p.shouldDisable(seq, o.Stale, utility) {
		p.logger.Warn("Pool rejected sequential shares, disabling",
			"pool", pl.Index(), "pool_url", pl.URL(), "seq_rejects", seq)
		p.registry.Reject(pl)
		if p.registry.IsCurrent(pl) {
			p.registry.Switch(nil)
		}
		pl.UpdateStats(func(s *pool.Stats) { s.SeqRejects = 0 })
		if p.hooks.PoolDisabled != nil {
			p.hooks.PoolDisabled(pl, seq)
		}
	}
}

func (p *Pipeline) shouldDisable(seq int64, stale bool, utility float64) bool {
	if p.registry == nil || !p.cfg.DisablePool || stale {
		return false
	}
	if seq <= autoDisableMin || p.registry.EnabledCount() <= 1 {
		return false
	}
	return float64(seq) > utility*3
}

// HWError accounts a nonce that failed local validation
func (p *Pipeline) HWError(u *work.Unit) {
	now := p.now()
	if u.Pool != nil {
		u.Pool.UpdateStats(func(s *pool.Stats) { s.HWErrors++ })
	}
	p.mu.Lock()
	p.totals.HWErrors++
	if u.ThrID >= 0 {
		p.worker(u.ThrID).HWErrors++
	}
	p.mu.Unlock()
	p.sink.Log(sharelog.NewRecord(u, sharelog.HWError, p.cfg.Device, now))
}

// Totals returns a copy of the global counters
func (p *Pipeline) Totals() Totals {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totals
}

// Worker returns a copy of one worker's counters
func (p *Pipeline) Worker(thrID int) WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[thrID]; ok {
		return *w
	}
	return WorkerStats{}
}
