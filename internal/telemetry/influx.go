package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/bardlex/gominer/internal/database/influx"
)

// PointWriter is the subset of the InfluxDB client used for miner metrics
type PointWriter interface {
	WritePoolMetric(p influx.PoolPoint, at time.Time)
	WriteHashrateMetric(worker string, hashrate float64, at time.Time)
	WriteMinerMetric(accepted, rejected, stale, hwErrors, solved int64, utility float64, staged int, at time.Time)
}

var _ PointWriter = (*influx.Client)(nil)

// Influx writes one point per pool, per worker hashrate and the global
// counters for every snapshot
type Influx struct {
	w PointWriter
}

// NewInflux creates a reporter writing to w
func NewInflux(w PointWriter) *Influx {
	return &Influx{w: w}
}

// Report writes snap. Points are buffered by the client, so it never fails.
func (i *Influx) Report(_ context.Context, snap *Snapshot) error {
	t := snap.Totals
	i.w.WriteMinerMetric(t.Accepted, t.Rejected, t.Stale, t.HWErrors, t.Solved, snap.Utility, snap.Staged, snap.At)
	i.w.WriteHashrateMetric("total", snap.Hashrate, snap.At)

	for _, p := range snap.Pools {
		i.w.WritePoolMetric(influx.PoolPoint{
			Index:          p.Index,
			URL:            p.URL,
			Status:         poolStatus(p),
			Accepted:       p.Stats.Accepted,
			Rejected:       p.Stats.Rejected,
			Stale:          p.Stats.StaleShares,
			Discarded:      p.Stats.Discarded,
			HWErrors:       p.Stats.HWErrors,
			DiffAccepted:   p.Stats.DiffAccepted,
			DiffRejected:   p.Stats.DiffRejected,
			GetFailures:    p.Stats.GetFailures,
			RemoteFailures: p.Stats.RemoteFailures,
			Latency:        p.Stats.WaitRolling,
			Difficulty:     p.Stats.LastDiff,
		}, snap.At)
	}
	for _, w := range snap.Workers {
		i.w.WriteHashrateMetric(strconv.Itoa(w.ThrID), w.Hashrate, snap.At)
	}
	return nil
}
