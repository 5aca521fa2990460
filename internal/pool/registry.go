package pool

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Strategy selects how work is spread over pools
type Strategy int

const (
	Failover Strategy = iota
	RoundRobin
	Rotate
	LoadBalance
	Balance
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round-robin"
	case Rotate:
		return "rotate"
	case LoadBalance:
		return "load-balance"
	case Balance:
		return "balance"
	default:
		return "failover"
	}
}

// Spreads reports whether the strategy fetches from every pool, not only the current one
func (s Strategy) Spreads() bool {
	return s == LoadBalance || s == Balance
}

// ParseStrategy maps a configuration name to a Strategy
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "failover":
		return Failover, nil
	case "round-robin", "roundrobin", "rr":
		return RoundRobin, nil
	case "rotate":
		return Rotate, nil
	case "load-balance", "loadbalance", "lb":
		return LoadBalance, nil
	case "balance":
		return Balance, nil
	default:
		return Failover, errors.New(errors.ErrorTypeValidation, "parse_strategy",
			fmt.Sprintf("unknown pool strategy %q", name))
	}
}

// ProbeFunc checks whether a pool is alive, as used before switching to it
type ProbeFunc func(p *Pool) bool

// Registry owns the pool list and the current pool pointer
type Registry struct {
	mu       sync.RWMutex
	pools    []*Pool
	current  *Pool
	strategy Strategy
	failOnly bool
	rotating int

	// closed and replaced whenever the current pool changes
	wake chan struct{}

	logger *log.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(strategy Strategy, failOnly bool, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{
		strategy: strategy,
		failOnly: failOnly,
		wake:     make(chan struct{}),
		logger:   logger.WithComponent("pools"),
	}
}

// Add appends a pool. The first pool added becomes current.
func (r *Registry) Add(url, user, pass string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := New(len(r.pools), url, user, pass)
	r.pools = append(r.pools, p)
	if r.current == nil {
		r.current = p
	}
	return p
}

// Pools returns the active pools in index order
func (r *Registry) Pools() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Pool(nil), r.pools...)
}

// Count returns the number of active pools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Get returns the pool with the given index
func (r *Registry) Get(index int) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.pools) {
		return nil, false
	}
	return r.pools[index], true
}

// Current returns the current pool
func (r *Registry) Current() *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// IsCurrent reports whether p is the current pool
func (r *Registry) IsCurrent(p *Pool) bool {
	return r.Current() == p
}

// Strategy returns the configured strategy
func (r *Registry) Strategy() Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategy
}

// SetStrategy changes the strategy and re-evaluates the current pool
func (r *Registry) SetStrategy(s Strategy) {
	r.mu.Lock()
	r.strategy = s
	r.mu.Unlock()
	r.Switch(nil)
}

// FailOnly reports whether failover-only mode is active
func (r *Registry) FailOnly() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failOnly
}

// EnabledCount returns the number of pools in the enabled state
func (r *Registry) EnabledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.pools {
		if p.Enablement() == Enabled {
			n++
		}
	}
	return n
}

// Wake returns a channel closed on the next change of current pool
func (r *Registry) Wake() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wake
}

// Broadcast wakes everything waiting on Wake
func (r *Registry) Broadcast() {
	r.mu.Lock()
	close(r.wake)
	r.wake = make(chan struct{})
	r.mu.Unlock()
}

// byPrio must be called with r.mu held
func (r *Registry) byPrio(prio int) *Pool {
	for _, p := range r.pools {
		if p.Prio() == prio {
			return p
		}
	}
	r.logger.Error("no pool with priority", "prio", prio)
	if prio < len(r.pools) {
		return r.pools[prio]
	}
	return r.pools[0]
}

// Switch promotes selected, if any, to priority 0 and recomputes the current
// pool for the active strategy.
func (r *Registry) Switch(selected *Pool) {
	r.mu.Lock()
	if len(r.pools) == 0 {
		r.mu.Unlock()
		return
	}
	last := r.current
	next := last

	if selected != nil && !selected.Removed() {
		if sp := selected.Prio(); sp != 0 {
			for _, p := range r.pools {
				if p.Prio() < sp {
					p.setPrio(p.Prio() + 1)
				}
			}
			selected.setPrio(0)
		}
	}

	switch r.strategy {
	case Failover, LoadBalance, Balance:
		for i := range r.pools {
			p := r.byPrio(i)
			if p.Usable() {
				next = p
				break
			}
		}
	case RoundRobin, Rotate:
		if selected != nil && !selected.Removed() && !selected.Idle() {
			next = selected
			break
		}
		idx := 0
		if last != nil {
			idx = last.Index()
		}
		for i := 1; i < len(r.pools); i++ {
			idx = (idx + 1) % len(r.pools)
			if r.pools[idx].Usable() {
				next = r.pools[idx]
				break
			}
		}
	}
	if next == nil || next.Removed() {
		next = r.pools[0]
	}
	r.current = next
	failOnly := r.failOnly
	strategy := r.strategy
	r.mu.Unlock()

	if failOnly {
		next.SetLagging()
	}
	if next != last {
		next.SetBlockID(0)
		if !strategy.Spreads() {
			from := -1
			if last != nil {
				from = last.Index()
			}
			r.logger.LogPoolSwitch(from, next.Index(), next.URL())
		}
	}
	r.Broadcast()
}

// SelectBalanced picks the enabled live pool with the fewest balance shares,
// starting from the current pool, and charges it one share.
func (r *Registry) SelectBalanced() *Pool {
	r.mu.RLock()
	cp := r.current
	pools := r.pools
	r.mu.RUnlock()

	ret := cp
	lowest := cp.Stats().Shares
	for _, p := range pools {
		if !p.Usable() {
			continue
		}
		if s := p.Stats().Shares; s < lowest {
			lowest = s
			ret = p
		}
	}
	ret.UpdateStats(func(s *Stats) { s.Shares++ })
	return ret
}

// Select returns the pool to fetch work from next. When lagging, or under
// load balancing, it rotates over live pools. A non-current choice is probed
// first; a pool that fails the probe is marked dead and selection repeats.
func (r *Registry) Select(lagging bool, probe ProbeFunc) *Pool {
	for {
		cp := r.Current()
		if cp == nil {
			return nil
		}

		var p *Pool
		strategy := r.Strategy()
		switch {
		case strategy == Balance:
			p = r.SelectBalanced()
		case strategy != LoadBalance && (!lagging || r.FailOnly()):
			p = cp
		default:
			p = r.rotate(cp)
		}

		if p != cp && probe != nil {
			if !probe(p) {
				r.Died(p, time.Now())
				continue
			}
			p.ClearIdle()
		}
		return p
	}
}

func (r *Registry) rotate(cp *Pool) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := 0, len(r.pools)+1; i < n; i++ {
		r.rotating++
		if r.rotating >= len(r.pools) {
			r.rotating = 0
		}
		p := r.pools[r.rotating]
		if p.Usable() || p == cp {
			return p
		}
	}
	return cp
}

// Died marks p idle. If it was current, the registry fails over.
func (r *Registry) Died(p *Pool, now time.Time) {
	if !p.SetIdle(now) {
		return
	}
	if r.IsCurrent(p) {
		r.logger.Warn("pool not responding", "pool", p.Index(), "pool_url", p.URL())
		r.Switch(nil)
		return
	}
	r.logger.Info("pool failed to return work", "pool", p.Index(), "pool_url", p.URL())
}

// Resus handles a pool that came back. Under failover a higher priority pool
// takes over again.
func (r *Registry) Resus(p *Pool) {
	cp := r.Current()
	if cp != nil && p.Prio() < cp.Prio() && r.Strategy() == Failover {
		r.logger.Warn("pool alive", "pool", p.Index(), "pool_url", p.URL())
		r.Switch(nil)
		return
	}
	r.logger.Info("pool resumed returning work", "pool", p.Index(), "pool_url", p.URL())
}

// Enable sets p to the enabled state
func (r *Registry) Enable(p *Pool) {
	p.mu.Lock()
	p.enabled = Enabled
	p.mu.Unlock()
	p.breaker.Reset()
}

// Disable sets p to the disabled state and fails over if it was current
func (r *Registry) Disable(p *Pool) {
	p.mu.Lock()
	p.enabled = Disabled
	p.mu.Unlock()
	if r.IsCurrent(p) {
		r.Switch(nil)
	}
}

// Reject marks p as rejecting shares; it stops receiving work until a share is accepted again
func (r *Registry) Reject(p *Pool) {
	p.mu.Lock()
	p.enabled = Rejecting
	p.mu.Unlock()
}

// Remove detaches p from the registry. The pool object stays valid for work that references it.
func (r *Registry) Remove(p *Pool) error {
	r.mu.Lock()
	if len(r.pools) <= 1 {
		r.mu.Unlock()
		return errors.New(errors.ErrorTypeValidation, "remove_pool", "cannot remove the last pool")
	}

	idx := -1
	for i, other := range r.pools {
		if other == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return errors.New(errors.ErrorTypeValidation, "remove_pool", "pool not registered")
	}

	prio := p.Prio()
	for _, other := range r.pools {
		if other.Prio() > prio {
			other.setPrio(other.Prio() - 1)
		}
	}

	last := len(r.pools) - 1
	if idx < last {
		moved := r.pools[last]
		moved.mu.Lock()
		moved.index = idx
		moved.mu.Unlock()
		r.pools[idx] = moved
	}
	r.pools = r.pools[:last]

	p.mu.Lock()
	p.index = len(r.pools)
	p.removed = true
	p.hasStratum = false
	p.mu.Unlock()

	wasCurrent := r.current == p
	r.mu.Unlock()

	if wasCurrent {
		r.Switch(nil)
	}
	return nil
}

// Prioritize assigns priorities from a comma separated list of pool indexes.
// Pools not listed keep their relative order after the listed ones.
func (r *Registry) Prioritize(order string) error {
	r.mu.Lock()
	n := len(r.pools)
	if n == 0 {
		r.mu.Unlock()
		return errors.New(errors.ErrorTypeValidation, "prioritize", "no pools")
	}
	if strings.TrimSpace(order) == "" {
		r.mu.Unlock()
		return errors.New(errors.ErrorTypeValidation, "prioritize", "missing pool list")
	}

	changed := make([]bool, n)
	newPrio := make([]int, n)
	prio := 0
	for _, field := range strings.Split(order, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || i < 0 || i >= n {
			r.mu.Unlock()
			return errors.New(errors.ErrorTypeValidation, "prioritize",
				fmt.Sprintf("invalid pool id %q", field))
		}
		if changed[i] {
			r.mu.Unlock()
			return errors.New(errors.ErrorTypeValidation, "prioritize",
				fmt.Sprintf("duplicate pool id %d", i))
		}
		changed[i] = true
		newPrio[i] = prio
		prio++
	}

	for i, p := range r.pools {
		if changed[i] {
			p.setPrio(newPrio[i])
		}
	}
	for pr := 0; pr < n; pr++ {
		for i, p := range r.pools {
			if !changed[i] && p.Prio() == pr {
				p.setPrio(prio)
				prio++
				changed[i] = true
				break
			}
		}
	}
	current := r.current
	r.mu.Unlock()

	if current.Prio() != 0 {
		r.Switch(nil)
	}
	return nil
}

// ValidatePriorities repairs duplicate or out of range priorities by handing
// out the lowest unused ones.
func (r *Registry) ValidatePriorities() {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.pools)
	used := make([]bool, n)
	valid := make([]bool, n)
	for i, p := range r.pools {
		if pr := p.Prio(); pr >= 0 && pr < n && !used[pr] {
			valid[i] = true
			used[pr] = true
		}
	}

	for i, p := range r.pools {
		if valid[i] {
			continue
		}
		for j := 0; j < n; j++ {
			if !used[j] {
				r.logger.Warn("pool priority changed", "pool", i, "from", p.Prio(), "to", j)
				p.setPrio(j)
				used[j] = true
				break
			}
		}
	}
}

// SetPriorities assigns raw priorities in index order, used when loading
// configuration. Call ValidatePriorities afterwards.
func (r *Registry) SetPriorities(prios []int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, p := range r.pools {
		if i < len(prios) {
			p.setPrio(prios[i])
		}
	}
}

// DecayShares folds each pool's accepted difficulty since the last call into
// its rolling utility and resets the balance counter to it.
func (r *Registry) DecayShares() {
	for _, p := range r.Pools() {
		p.UpdateStats(func(s *Stats) {
			shares := s.DiffAccepted - s.LastShares
			s.LastShares = s.DiffAccepted
			s.Utility = (s.Utility + shares*0.63) / 1.63
			s.Shares = s.Utility
		})
	}
}

// CnxNeeded reports whether a backup connection to p must be kept open
func (r *Registry) CnxNeeded(p *Pool, now time.Time) bool {
	if r.Strategy().Spreads() {
		return true
	}
	if p.HasStratum() && p.Idle() {
		return true
	}

	cp := r.Current()
	if cp == p {
		return true
	}
	if !cp.HasStratum() && (!r.FailOnly() || cp.HdrPath() == "") {
		return true
	}
	if p.HasStratum() && now.Sub(p.LastWorkTime()) < time.Minute {
		return true
	}
	return false
}

// SetConnLimit sizes every pool's HTTP connection pool
func (r *Registry) SetConnLimit(n int) {
	for _, p := range r.Pools() {
		p.conns.SetLimit(n)
	}
}
