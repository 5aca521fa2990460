// Package blocks tracks the previous-block hashes seen in work so a new
// network block can be detected the first time any pool announces it.
package blocks

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HistorySize is how many block hashes are remembered
const HistorySize = 15

// Current describes the block the miner believes is the chain tip
type Current struct {
	Hash        chainhash.Hash
	ID          uint32
	Seq         uint32
	NetworkDiff float64
	Height      int64
	Since       time.Time
}

// Tracker is a bounded, insertion ordered set of block hashes
type Tracker struct {
	mu      sync.RWMutex
	seen    map[chainhash.Hash]uint32
	order   []chainhash.Hash
	seq     uint32
	current Current
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		seen:    make(map[chainhash.Hash]uint32, HistorySize+1),
		current: Current{Height: -1},
	}
}

// BlockID returns the cheap identity used to compare work: the first word
// of the hash in serialized order.
func BlockID(h chainhash.Hash) uint32 {
	return binary.LittleEndian.Uint32(h[:4])
}

// Observe records h. It reports whether h was already known and, for new
// hashes, the sequence number it was given. The oldest hash is evicted when
// the history is full.
func (t *Tracker) Observe(h chainhash.Hash) (known bool, seq uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.seen[h]; ok {
		return true, s
	}

	t.seq++
	t.seen[h] = t.seq
	t.order = append(t.order, h)
	if len(t.order) > HistorySize {
		delete(t.seen, t.order[0])
		t.order = t.order[1:]
	}
	return false, t.seq
}

// SetCurrent makes h the current block
func (t *Tracker) SetCurrent(h chainhash.Hash, networkDiff float64, height int64, now time.Time) Current {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = Current{
		Hash:        h,
		ID:          BlockID(h),
		Seq:         t.seen[h],
		NetworkDiff: networkDiff,
		Height:      height,
		Since:       now,
	}
	return t.current
}

// SetHeight fills in the height of the current block when it becomes known
// after the block was first seen.
func (t *Tracker) SetHeight(h chainhash.Hash, height int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current.Hash == h && height >= 0 {
		t.current.Height = height
	}
}

// Current returns the current block
func (t *Tracker) Current() Current {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// CurrentID returns the current block identity, zero before any block is seen
func (t *Tracker) CurrentID() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current.ID
}

// Known reports whether h is in the history
func (t *Tracker) Known(h chainhash.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.seen[h]
	return ok
}

// Seq returns how many distinct blocks have been observed
func (t *Tracker) Seq() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seq
}

// Len returns the number of remembered hashes
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
