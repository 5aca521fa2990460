package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/bardlex/gominer/internal/database/redis"
)

// HashStore is the subset of the Redis client used for status hashes
type HashStore interface {
	SetHash(ctx context.Context, name string, fields map[string]any, ttl time.Duration) error
	SetMembers(ctx context.Context, name string, members []string, ttl time.Duration) error
}

var _ HashStore = (*redis.Client)(nil)

// RedisSnapshot writes the miner state as Redis hashes: "status" for the
// global counters, "pool:<index>" per pool and "worker:<thr>" per worker.
// Keys expire after ttl so a stopped miner disappears.
type RedisSnapshot struct {
	store HashStore
	ttl   time.Duration
}

// NewRedisSnapshot creates a reporter writing to store
func NewRedisSnapshot(store HashStore, ttl time.Duration) *RedisSnapshot {
	return &RedisSnapshot{store: store, ttl: ttl}
}

// Report writes snap
func (r *RedisSnapshot) Report(ctx context.Context, snap *Snapshot) error {
	if err := r.store.SetHash(ctx, "status", globalFields(snap), r.ttl); err != nil {
		return err
	}

	keys := make([]string, 0, len(snap.Pools))
	for _, p := range snap.Pools {
		k := poolKey(p.Index)
		if err := r.store.SetHash(ctx, k, poolFields(p), r.ttl); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	if err := r.store.SetMembers(ctx, "pools", keys, r.ttl); err != nil {
		return err
	}

	for _, w := range snap.Workers {
		fields := map[string]any{
			"status":      w.Status,
			"hashrate":    w.Hashrate,
			"accepted":    w.Accepted,
			"rejected":    w.Rejected,
			"hw_errors":   w.HWErrors,
			"last_report": w.LastReport.Unix(),
		}
		if err := r.store.SetHash(ctx, "worker:"+strconv.Itoa(w.ThrID), fields, r.ttl); err != nil {
			return err
		}
	}
	return nil
}
