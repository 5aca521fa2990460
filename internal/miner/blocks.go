package miner

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/blocks"
	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
)

// networkDiff returns the difficulty of the block target encoded in nbits
func networkDiff(nbits uint32, algo target.Algorithm) float64 {
	t, err := target.BitsToTarget(nbits)
	if err != nil {
		return 0
	}
	return target.Diff(t, algo)
}

// testWorkCurrent classifies u against the block history. It returns true
// when u's previous block was already known. A previously unseen block
// becomes the current block and work restarts.
func (c *Context) testWorkCurrent(u *work.Unit) bool {
	defer func() { u.Longpoll = false }()

	if u.Mandatory {
		return true
	}
	prev := u.PrevHash()
	if prev == (chainhash.Hash{}) {
		return true
	}
	p := u.Pool
	id := blocks.BlockID(prev)

	known, seq := c.tracker.Observe(prev)
	if !known {
		p.SetBlockID(id)
		diff := networkDiff(u.Bits(), c.cfg.Algorithm)
		c.tracker.SetCurrent(prev, diff, u.Height, c.now())
		if u.Longpoll {
			p.BumpRestartID()
			c.updateLastWork(u)
		}

		source := "network"
		switch {
		case u.Source == work.SourceStratum:
			source = "stratum"
		case u.Longpoll:
			source = "longpoll"
		}
		c.logger.LogNewBlock(p.Index(), prev.String(), diff, source)
		c.logger.Debug("Block history", "seq", seq, "held", c.tracker.Len())
		ev := c.poolEvent(messaging.EventNewBlock, p)
		ev.BlockHash = prev.String()
		ev.Height = u.Height
		c.emit(ev)

		c.restartThreads()
		return false
	}
	c.tracker.SetHeight(prev, u.Height)

	restart := false
	plog := c.logger.WithPool(p.Index(), p.URL())
	if p.BlockID() != id {
		wasActive := p.SetBlockID(id) != 0
		if !u.Longpoll {
			c.updateLastWork(u)
		}
		if wasActive {
			restart = c.registry.IsCurrent(p)
			if id == c.tracker.CurrentID() {
				if restart {
					plog.Info("Pool caught up to a new block", "block", prev.String())
				}
			} else {
				plog.Warn("Pool is issuing work for an old block", "block", prev.String())
			}
		}
	}
	if u.Longpoll {
		p.BumpRestartID()
		c.updateLastWork(u)
		if !restart && c.registry.IsCurrent(p) {
			plog.Info("Longpoll requested work restart")
			restart = true
		}
	}
	if restart {
		c.restartThreads()
	}
	return true
}

// updateLastWork keeps a copy of the latest template unit of a pool so the
// scheduler can roll it instead of fetching
func (c *Context) updateLastWork(u *work.Unit) {
	if _, ok := u.Template(); !ok {
		return
	}
	cp := u.Copy()
	cp.RestartID = u.Pool.RestartID()
	c.rtMu.Lock()
	rt := c.runtimeLocked(u.Pool)
	old := rt.lastWork
	rt.lastWork = cp
	c.rtMu.Unlock()
	if old != nil {
		old.Release()
	}
}

func (c *Context) runtimeLocked(p *pool.Pool) *poolRuntime {
	rt, ok := c.runtimes[p]
	if !ok {
		rt = &poolRuntime{}
		c.runtimes[p] = rt
	}
	return rt
}

// stage classifies u and pushes it onto the staged queue
func (c *Context) stage(u *work.Unit) {
	c.testWorkCurrent(u)
	u.RestartID = u.Pool.RestartID()
	u.StagedAt = c.now()
	c.queue.Push(u)
}

// blockAccepted classifies a synthetic unit for a solved block so the miner
// moves to the next height without waiting for the pool
func (c *Context) blockAccepted(u *work.Unit) {
	fake := work.New(u.Pool, work.SourceLocal)
	copy(fake.Data[0:4], u.Data[0:4])
	copy(fake.Data[4:36], u.Hash[:])
	copy(fake.Data[68:76], u.Data[68:76])
	fake.Height = u.Height + 1
	if u.Height < 0 {
		fake.Height = -1
	}
	c.testWorkCurrent(fake)

	ev := c.poolEvent(messaging.EventBlockFound, u.Pool)
	ev.BlockHash = u.HashString()
	ev.Height = u.Height
	c.emit(ev)
}
