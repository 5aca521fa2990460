package miner

import (
	"context"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

// Status is the health of a worker as seen by the watchdog
type Status int

const (
	StatusInit Status = iota
	StatusAlive
	StatusWait
	StatusSick
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusWait:
		return "waiting"
	case StatusSick:
		return "sick"
	case StatusDead:
		return "dead"
	default:
		return "init"
	}
}

// ErrHWError is returned by SubmitNonce for a nonce that does not meet the
// work target
var ErrHWError = errors.New(errors.ErrorTypeValidation, "miner.submit_nonce", "nonce does not meet target")

type workerState struct {
	status     Status
	lastReport time.Time
	hashes     float64
	rate       float64
}

func (c *Context) workerLocked(thrID int) *workerState {
	w, ok := c.workers[thrID]
	if !ok {
		w = &workerState{status: StatusInit}
		c.workers[thrID] = w
	}
	return w
}

func (c *Context) setStatus(thrID int, s Status, report bool) {
	c.statsMu.Lock()
	w := c.workerLocked(thrID)
	w.status = s
	if report {
		w.lastReport = c.now()
	}
	c.statsMu.Unlock()
}

// GetWork blocks until fresh work is staged and hands it to worker thrID.
// Stale units found on the way are discarded.
func (c *Context) GetWork(ctx context.Context, thrID int) (*work.Unit, error) {
	c.setStatus(thrID, StatusWait, false)
	for {
		u, err := c.queue.Pop(ctx)
		if err != nil {
			return nil, err
		}
		if c.IsStale(u, false) {
			if !u.IsClone && u.Rolls == 0 {
				u.Pool.UpdateStats(func(s *pool.Stats) { s.Discarded++ })
			}
			u.Release()
			continue
		}
		u.ThrID = thrID
		c.setStatus(thrID, StatusAlive, true)
		return u, nil
	}
}

// SubmitNonce checks nonce against u and queues the resulting share. The
// caller keeps ownership of u. A nonce that fails the check is counted as a
// hardware error and ErrHWError is returned.
func (c *Context) SubmitNonce(ctx context.Context, thrID int, u *work.Unit, nonce uint32) error {
	share := u.Copy()
	share.SetNonce(nonce)
	share.ThrID = thrID
	share.FoundAt = c.now()

	if c.hasher == nil {
		// no local hasher for this algorithm, let the pool judge it
		share.Hash = share.Target
	} else {
		ok, err := share.Check(c.hasher)
		if err != nil {
			share.Release()
			return err
		}
		if !ok {
			c.logger.WithThread(thrID).Warn("Share above target", "nonce", nonce, "pool", share.Pool.Index())
			c.pipeline.HWError(share)
			share.Release()
			return ErrHWError
		}
	}

	if err := c.pipeline.Submit(ctx, share); err != nil {
		share.Release()
		return err
	}
	return nil
}

// ReportIn marks worker thrID as alive
func (c *Context) ReportIn(thrID int) {
	c.setStatus(thrID, StatusAlive, true)
}

// AddHashes credits worker thrID with hashes done since its last call
func (c *Context) AddHashes(thrID int, hashes uint64) {
	c.statsMu.Lock()
	w := c.workerLocked(thrID)
	w.hashes += float64(hashes)
	w.lastReport = c.now()
	if w.status == StatusInit {
		w.status = StatusAlive
	}
	c.statsMu.Unlock()
}

// WorkerStatus returns the watchdog status of worker thrID
func (c *Context) WorkerStatus(thrID int) Status {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if w, ok := c.workers[thrID]; ok {
		return w.status
	}
	return StatusInit
}
