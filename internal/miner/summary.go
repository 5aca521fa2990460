package miner

import (
	"sort"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/telemetry"
)

// Snapshot returns a read-only view of the miner for status reporting
func (c *Context) Snapshot() *telemetry.Snapshot {
	now := c.now()
	cur := c.tracker.Current()

	snap := &telemetry.Snapshot{
		At:          now,
		Strategy:    c.registry.Strategy().String(),
		CurrentPool: c.registry.Current().Index(),
		Staged:      c.queue.Len(),
		Utility:     c.pipeline.Utility(),
		BlockHeight: cur.Height,
		NetworkDiff: cur.NetworkDiff,
		Totals:      c.pipeline.Totals(),
	}
	for _, p := range c.registry.Pools() {
		ps := p.Snapshot()
		snap.Totals.Discarded += ps.Stats.Discarded
		snap.Pools = append(snap.Pools, ps)
	}

	c.statsMu.Lock()
	snap.Started = c.started
	snap.Hashrate = c.hashrate
	ids := make([]int, 0, len(c.workers))
	for id := range c.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		w := c.workers[id]
		snap.Workers = append(snap.Workers, telemetry.WorkerSnapshot{
			ThrID:      id,
			Status:     w.status.String(),
			Hashrate:   w.rate,
			LastReport: w.lastReport,
		})
	}
	c.statsMu.Unlock()

	for i := range snap.Workers {
		ws := c.pipeline.Worker(snap.Workers[i].ThrID)
		snap.Workers[i].Accepted = ws.Accepted
		snap.Workers[i].Rejected = ws.Rejected
		snap.Workers[i].HWErrors = ws.HWErrors
	}
	if snap.Started.IsZero() {
		snap.Started = now
	}
	return snap
}

// LogSummary logs the end of run summary
func (c *Context) LogSummary() {
	c.hashmeter(true)
	snap := c.Snapshot()
	t := snap.Totals

	efficiency := 0.0
	var getworks int64
	for _, p := range snap.Pools {
		getworks += p.Stats.GetworkCount
	}
	if getworks > 0 {
		efficiency = float64(t.Accepted) * 100 / float64(getworks)
	}

	c.logger.Info("Summary of runtime statistics",
		"started", snap.Started.Format("2006-01-02 15:04:05"),
		"runtime", snap.Uptime(),
		"hashrate", target.Suffix(snap.Hashrate)+"h/s",
		"accepted", t.Accepted,
		"rejected", t.Rejected,
		"stale", t.Stale,
		"discarded", t.Discarded,
		"hw_errors", t.HWErrors,
		"solved_blocks", t.Solved,
		"best_share", target.Suffix(t.BestShare),
		"utility_per_min", snap.Utility,
		"efficiency_pct", efficiency,
		"network_height", snap.BlockHeight,
	)

	if len(snap.Pools) > 1 {
		for _, p := range snap.Pools {
			logPoolSummary(c, p)
		}
	}
	for _, w := range snap.Workers {
		c.logger.WithThread(w.ThrID).Info("Worker summary",
			"status", w.Status, "accepted", w.Accepted, "rejected", w.Rejected, "hw_errors", w.HWErrors)
	}
}

func logPoolSummary(c *Context, p pool.Snapshot) {
	s := p.Stats
	c.logger.WithPool(p.Index, p.URL).Info("Pool summary",
		"protocol", p.Protocol,
		"status", p.Enabled,
		"getworks", s.GetworkCount,
		"accepted", s.Accepted,
		"rejected", s.Rejected,
		"stale", s.StaleShares,
		"discarded", s.Discarded,
		"get_failures", s.GetFailures,
		"remote_failures", s.RemoteFailures,
		"best_share", s.BestShare,
		"min_diff", s.MinDiff,
		"max_diff", s.MaxDiff,
	)
}
