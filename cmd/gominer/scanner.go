package main

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

// scanBatch is how many nonces are hashed between restart checks
const scanBatch = 1 << 14

// workSource is the part of the mining context a scanner drives
type workSource interface {
	GetWork(ctx context.Context, thrID int) (*work.Unit, error)
	SubmitNonce(ctx context.Context, thrID int, u *work.Unit, nonce uint32) error
	AddHashes(thrID int, hashes uint64)
	RestartNotify() <-chan struct{}
	IsStale(u *work.Unit, forShare bool) bool
}

// scanner is a CPU hashing worker
type scanner struct {
	src      workSource
	hasher   work.Hasher
	scanTime time.Duration
	logger   *log.Logger
}

// run fetches and scans work until ctx is done or the queue closes
func (s *scanner) run(ctx context.Context, thrID int) {
	logger := s.logger.WithThread(thrID)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		u, err := s.src.GetWork(ctx, thrID)
		if err != nil {
			return
		}
		s.scan(ctx, thrID, u)
		u.Release()
	}
}

// scan walks the nonce range of u until it is exhausted, the scan time
// runs out, work restarts or the unit goes stale
func (s *scanner) scan(ctx context.Context, thrID int, u *work.Unit) {
	restart := s.src.RestartNotify()
	deadline := time.Now().Add(s.scanTime)
	header := u.Data

	var nonce uint32
	for {
		for i := 0; i < scanBatch; i++ {
			binary.LittleEndian.PutUint32(header[76:80], nonce)
			hash, err := s.hasher.Hash(header[:])
			if err != nil {
				s.logger.WithThread(thrID).WithError(err).Error("hash failed")
				return
			}
			if target.HashMeetsTarget(hash, u.Target) {
				err := s.src.SubmitNonce(ctx, thrID, u, nonce)
				if err != nil && !errors.Is(err, miner.ErrHWError) {
					return
				}
			}
			nonce++
			if nonce == 0 {
				s.src.AddHashes(thrID, uint64(i+1))
				return
			}
		}
		s.src.AddHashes(thrID, scanBatch)

		select {
		case <-ctx.Done():
			return
		case <-restart:
			return
		default:
		}
		if time.Now().After(deadline) || s.src.IsStale(u, false) {
			return
		}
	}
}

// scannerPool runs one scanner per worker and restarts the ones the
// watchdog reports sick
type scannerPool struct {
	n        int
	hasher   work.Hasher
	scanTime time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	ctx     context.Context
	src     workSource
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

func newScannerPool(n int, hasher work.Hasher, scanTime time.Duration, logger *log.Logger) *scannerPool {
	return &scannerPool{
		n:        n,
		hasher:   hasher,
		scanTime: scanTime,
		logger:   logger.WithComponent("scanner"),
	}
}

func (p *scannerPool) start(ctx context.Context, src workSource) {
	if p.hasher == nil {
		p.logger.Warn("No CPU hasher for this algorithm, no local workers started")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = ctx
	p.src = src
	p.cancels = make([]context.CancelFunc, p.n)
	for i := 0; i < p.n; i++ {
		p.spawnLocked(i)
	}
}

func (p *scannerPool) spawnLocked(thrID int) {
	ctx, cancel := context.WithCancel(p.ctx)
	p.cancels[thrID] = cancel
	s := &scanner{src: p.src, hasher: p.hasher, scanTime: p.scanTime, logger: p.logger}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		s.run(ctx, thrID)
	}()
}

// restart replaces worker thrID
func (p *scannerPool) restart(thrID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil || p.ctx.Err() != nil || thrID < 0 || thrID >= len(p.cancels) {
		return
	}
	p.logger.WithThread(thrID).Warn("Restarting worker")
	p.cancels[thrID]()
	p.spawnLocked(thrID)
}

func (p *scannerPool) stop() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		if cancel != nil {
			cancel()
		}
	}
	p.ctx = nil
	p.mu.Unlock()
	p.wg.Wait()
}
