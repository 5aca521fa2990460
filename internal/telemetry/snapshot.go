// Package telemetry publishes periodic miner snapshots: status hashes in
// Redis for the UI layer and time series in InfluxDB.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/hako/durafmt"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/submit"
	"github.com/bardlex/gominer/pkg/log"
)

// WorkerSnapshot is the read-only state of one hashing worker
type WorkerSnapshot struct {
	ThrID      int
	Status     string
	Hashrate   float64
	Accepted   int64
	Rejected   int64
	HWErrors   int64
	LastReport time.Time
}

// Snapshot is a read-only view of the whole miner
type Snapshot struct {
	At          time.Time
	Started     time.Time
	Strategy    string
	CurrentPool int
	Staged      int
	Hashrate    float64
	Utility     float64
	BlockHeight int64
	NetworkDiff float64
	Totals      submit.Totals
	Pools       []pool.Snapshot
	Workers     []WorkerSnapshot
}

// Uptime returns the time since Started, rendered for humans
func (s *Snapshot) Uptime() string {
	return durafmt.Parse(s.At.Sub(s.Started).Round(time.Second)).String()
}

// Reporter receives snapshots
type Reporter interface {
	Report(ctx context.Context, snap *Snapshot) error
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(ctx context.Context, snap *Snapshot) error

// Report calls f
func (f ReporterFunc) Report(ctx context.Context, snap *Snapshot) error {
	return f(ctx, snap)
}

// Run reports a snapshot from source to every reporter each interval until
// ctx is done. Failures are logged and do not stop the loop.
func Run(ctx context.Context, interval time.Duration, source func() *Snapshot, logger *log.Logger, reporters ...Reporter) {
	if len(reporters) == 0 {
		return
	}
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("telemetry")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := source()
			for _, r := range reporters {
				if err := r.Report(ctx, snap); err != nil {
					logger.WithError(err).Warn("Failed to publish telemetry")
				}
			}
		}
	}
}

func globalFields(s *Snapshot) map[string]any {
	return map[string]any{
		"updated":       s.At.Unix(),
		"started":       s.Started.Unix(),
		"uptime":        s.Uptime(),
		"strategy":      s.Strategy,
		"current_pool":  s.CurrentPool,
		"staged":        s.Staged,
		"hashrate":      s.Hashrate,
		"utility":       s.Utility,
		"block_height":  s.BlockHeight,
		"network_diff":  s.NetworkDiff,
		"accepted":      s.Totals.Accepted,
		"rejected":      s.Totals.Rejected,
		"stale":         s.Totals.Stale,
		"discarded":     s.Totals.Discarded,
		"hw_errors":     s.Totals.HWErrors,
		"solved":        s.Totals.Solved,
		"diff_accepted": s.Totals.DiffAccepted,
		"diff_rejected": s.Totals.DiffRejected,
		"best_share":    s.Totals.BestShare,
		"workers":       len(s.Workers),
	}
}

func poolFields(p pool.Snapshot) map[string]any {
	return map[string]any{
		"url":             p.URL,
		"user":            p.User,
		"prio":            p.Prio,
		"protocol":        p.Protocol,
		"status":          poolStatus(p),
		"block_id":        p.BlockID,
		"stratum_diff":    p.StratumDiff,
		"accepted":        p.Stats.Accepted,
		"rejected":        p.Stats.Rejected,
		"stale":           p.Stats.StaleShares,
		"discarded":       p.Stats.Discarded,
		"solved":          p.Stats.Solved,
		"diff_accepted":   p.Stats.DiffAccepted,
		"diff_rejected":   p.Stats.DiffRejected,
		"get_failures":    p.Stats.GetFailures,
		"remote_failures": p.Stats.RemoteFailures,
		"best_share":      p.Stats.BestShare,
		"latency_ms":      p.Stats.WaitRolling.Milliseconds(),
	}
}

// poolStatus folds the idle flag into the enablement state
func poolStatus(p pool.Snapshot) string {
	if p.Idle {
		return "dead"
	}
	return p.Enabled
}

func poolKey(index int) string {
	return "pool:" + strconv.Itoa(index)
}
