// Package staging holds fetched work waiting to be handed to hashing workers.
package staging

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// ErrClosed is returned by blocking calls once the queue is closed
var ErrClosed = errors.New(errors.ErrorTypeInternal, "staging", "queue closed")

// Policy decides whether staged work may be rolled and whether it is stale.
// It is called with the queue lock held and must not call back into the queue.
type Policy interface {
	CanRoll(u *work.Unit) bool
	ShouldRoll(u *work.Unit) bool
	IsStale(u *work.Unit) bool
}

// Queue is the staged work set. Units are kept oldest first.
type Queue struct {
	mu       sync.Mutex
	units    map[uint64]*work.Unit
	order    []*work.Unit
	rollable int
	closed   bool

	// avail is closed when work is staged, drained when work is taken
	avail   chan struct{}
	drained chan struct{}

	policy Policy
	now    func() time.Time
	logger *log.Logger
}

// New creates an empty queue
func New(policy Policy, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Nop()
	}
	return &Queue{
		units:   make(map[uint64]*work.Unit),
		avail:   make(chan struct{}),
		drained: make(chan struct{}),
		policy:  policy,
		now:     time.Now,
		logger:  logger.WithComponent("staging"),
	}
}

func (q *Queue) signalAvail() {
	close(q.avail)
	q.avail = make(chan struct{})
}

func (q *Queue) signalDrained() {
	close(q.drained)
	q.drained = make(chan struct{})
}

func (q *Queue) insertLocked(u *work.Unit) {
	i := sort.Search(len(q.order), func(i int) bool {
		return q.order[i].StagedAt.After(u.StagedAt)
	})
	q.order = slices.Insert(q.order, i, u)
	q.units[u.ID] = u
	if u.Rollable() {
		q.rollable++
	}
}

func (q *Queue) removeLocked(u *work.Unit) {
	if _, ok := q.units[u.ID]; !ok {
		return
	}
	delete(q.units, u.ID)
	if i := slices.Index(q.order, u); i >= 0 {
		q.order = slices.Delete(q.order, i, i+1)
	}
	if u.Rollable() {
		q.rollable--
	}
}

// rollLocked rolls a staged master in place, keeping the id index current
func (q *Queue) rollLocked(u *work.Unit, now time.Time) error {
	old := u.ID
	if err := u.Roll(now); err != nil {
		return err
	}
	delete(q.units, old)
	q.units[u.ID] = u
	return nil
}

// Push stages u and wakes waiting workers
func (q *Queue) Push(u *work.Unit) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if u.StagedAt.IsZero() {
		u.StagedAt = q.now()
	}
	q.insertLocked(u)
	q.signalAvail()
}

// Pop takes the next unit, blocking until one is staged. When the master
// unit can be rolled, a rolled clone is returned and the master stays staged.
func (q *Queue) Pop(ctx context.Context) (*work.Unit, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.order) > 0 {
			u := q.popLocked()
			q.signalDrained()
			q.mu.Unlock()
			return u, nil
		}
		avail := q.avail
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-avail:
		}
	}
}

func (q *Queue) popLocked() *work.Unit {
	u := q.order[0]
	if len(q.order) > q.rollable {
		for _, c := range q.order {
			if !c.Rollable() {
				u = c
				break
			}
		}
	}

	if q.policy != nil && q.policy.CanRoll(u) && q.policy.ShouldRoll(u) {
		now := q.now()
		if err := q.rollLocked(u, now); err == nil {
			return u.Clone(now)
		}
	}

	q.removeLocked(u)
	return u
}

// CloneAvailable stages a rolled clone of the first unit that can roll and
// reports whether one was made.
func (q *Queue) CloneAvailable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.policy == nil {
		return false
	}
	now := q.now()
	for _, u := range q.order {
		if !q.policy.CanRoll(u) || !q.policy.ShouldRoll(u) {
			continue
		}
		if err := q.rollLocked(u, now); err != nil {
			continue
		}
		c := u.Clone(now)
		// the master rolls again so the clone and master never overlap
		if err := q.rollLocked(u, now); err != nil {
			q.logger.Debug("Master could not roll past its clone", "unit", u.ID, "error", err)
		}
		q.insertLocked(c)
		q.signalAvail()
		return true
	}
	return false
}

func discard(u *work.Unit) {
	if u.Pool != nil && !u.IsClone && u.Rolls == 0 {
		u.Pool.UpdateStats(func(s *pool.Stats) { s.Discarded++ })
	}
	u.Release()
}

// DiscardStale removes staged work the policy reports stale and returns how many were dropped
func (q *Queue) DiscardStale() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.policy == nil {
		return 0
	}
	var stale []*work.Unit
	for _, u := range q.order {
		if q.policy.IsStale(u) {
			stale = append(stale, u)
		}
	}
	for _, u := range stale {
		q.removeLocked(u)
		discard(u)
	}
	if len(stale) > 0 {
		q.logger.Debug("Discarded stale work", "count", len(stale))
		q.signalDrained()
	}
	return len(stale)
}

// RemovePool drops every unit from p
func (q *Queue) RemovePool(p *pool.Pool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var gone []*work.Unit
	for _, u := range q.order {
		if u.Pool == p {
			gone = append(gone, u)
		}
	}
	for _, u := range gone {
		q.removeLocked(u)
		discard(u)
	}
	if len(gone) > 0 {
		q.signalDrained()
	}
	return len(gone)
}

// Get returns a staged unit by id
func (q *Queue) Get(id uint64) (*work.Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	u, ok := q.units[id]
	return u, ok
}

// Len returns the number of staged units
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Rollable returns the number of staged units that can be rolled
func (q *Queue) Rollable() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rollable
}

// WaitBelow blocks while more than limit units are staged
func (q *Queue) WaitBelow(ctx context.Context, limit int) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if len(q.order) <= limit {
			q.mu.Unlock()
			return nil
		}
		drained := q.drained
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drained:
		}
	}
}

// Kick wakes anything blocked in WaitBelow so it can re-evaluate its limit
func (q *Queue) Kick() {
	q.mu.Lock()
	q.signalDrained()
	q.mu.Unlock()
}

// Close releases all staged work and unblocks waiters
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, u := range q.order {
		u.Release()
	}
	q.order = nil
	q.units = make(map[uint64]*work.Unit)
	q.rollable = 0
	q.signalAvail()
	q.signalDrained()
}
