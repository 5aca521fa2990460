// Package pool holds upstream mining pool state, per-pool accounting and the
// registry that implements failover and load distribution strategies.
package pool

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/rpc"
	"github.com/bardlex/gominer/pkg/circuit"
)

// Protocol is the wire protocol currently used to talk to a pool
type Protocol int

const (
	ProtoGBT Protocol = iota
	ProtoGetwork
	ProtoStratum
)

func (p Protocol) String() string {
	switch p {
	case ProtoGetwork:
		return "getwork"
	case ProtoStratum:
		return "stratum"
	default:
		return "getblocktemplate"
	}
}

// Fallback returns the next protocol to try after p fails, and false when
// there is none left.
func (p Protocol) Fallback() (Protocol, bool) {
	if p == ProtoGBT {
		return ProtoGetwork, true
	}
	return p, false
}

// Enablement is the administrative state of a pool
type Enablement int

const (
	Enabled Enablement = iota
	Disabled
	Rejecting
)

func (e Enablement) String() string {
	switch e {
	case Disabled:
		return "disabled"
	case Rejecting:
		return "rejecting"
	default:
		return "enabled"
	}
}

// StratumJob is the last mining.notify received from a pool
type StratumJob struct {
	JobID    string
	PrevHash string
	Coinb1   string
	Coinb2   string
	Merkle   []string
	Version  string
	NBits    string
	NTime    string
	Clean    bool
}

// StratumState is the per-pool stratum session view shared with work generation
type StratumState struct {
	URL        string
	SessionID  string
	Nonce1     string
	N2Size     int
	Nonce2     uint64
	Diff       float64
	Job        StratumJob
	Subscribed bool
	Authorized bool
	Active     bool
	Notify     bool
	Connected  bool
}

// Stats are the accounting counters of one pool
type Stats struct {
	Accepted       int64
	Rejected       int64
	StaleShares    int64
	Discarded      int64
	Solved         int64
	HWErrors       int64
	DiffAccepted   float64
	DiffRejected   float64
	DiffStale      float64
	SeqRejects     int64
	SeqGetfails    int64
	GetworkCount   int64
	GetFailures    int64
	RemoteFailures int64
	BestShare      uint64
	LastShareDiff  float64
	LastShareTime  time.Time

	// Balance strategy bookkeeping
	Utility    float64
	Shares     float64
	LastShares float64

	// Getwork latency
	WaitRolling time.Duration
	WaitMin     time.Duration
	WaitMax     time.Duration
	WaitTotal   time.Duration

	// Work difficulty seen from this pool
	LastDiff     float64
	MinDiff      float64
	MaxDiff      float64
	MinDiffCount int64
	MaxDiffCount int64
}

// Pool is one upstream pool. A Pool is never freed while work may still
// reference it; Registry.Remove only detaches it.
type Pool struct {
	mu sync.Mutex

	index int
	url   string
	user  string
	pass  string

	prio       int
	proto      Protocol
	hasStratum bool

	lpURL   string
	lpID    string
	hdrPath string

	enabled    Enablement
	idle       bool
	lagging    bool
	submitFail bool
	probed     bool
	removed    bool
	idleSince  time.Time

	lastWorkTime time.Time
	blockID      uint32
	restartID    uint64
	submitOld    bool

	stratum StratumState
	stats   Stats

	conns   *rpc.ConnPool
	breaker *circuit.Breaker
}

// New creates a pool. The connection pool limit is adjusted by the registry.
func New(index int, url, user, pass string) *Pool {
	p := &Pool{
		index:   index,
		url:     strings.TrimSpace(url),
		user:    user,
		pass:    pass,
		prio:    index,
		conns:   rpc.NewConnPool(2),
		breaker: circuit.New(circuit.PoolConfig(fmt.Sprintf("pool%d", index))),
	}
	if IsStratumURL(p.url) {
		p.hasStratum = true
		p.proto = ProtoStratum
		p.stratum.URL = p.url
	}
	return p
}

// IsStratumURL reports whether url names a raw stratum endpoint
func IsStratumURL(url string) bool {
	return strings.HasPrefix(url, "stratum+tcp://") || strings.HasPrefix(url, "stratum://")
}

func (p *Pool) String() string {
	return fmt.Sprintf("pool %d (%s)", p.Index(), p.url)
}

// Index returns the pool number
func (p *Pool) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// URL returns the configured pool url
func (p *Pool) URL() string { return p.url }

// User returns the worker user name
func (p *Pool) User() string { return p.user }

// Pass returns the worker password
func (p *Pool) Pass() string { return p.pass }

// Conns returns the pool's outbound HTTP connection pool
func (p *Pool) Conns() *rpc.ConnPool { return p.conns }

// Breaker returns the circuit breaker guarding the pool's HTTP transport
func (p *Pool) Breaker() *circuit.Breaker { return p.breaker }

// Prio returns the pool's priority, 0 being the highest
func (p *Pool) Prio() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prio
}

func (p *Pool) setPrio(prio int) {
	p.mu.Lock()
	p.prio = prio
	p.mu.Unlock()
}

// Protocol returns the protocol currently in use
func (p *Pool) Protocol() Protocol {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proto
}

// SetProtocol records the protocol currently in use
func (p *Pool) SetProtocol(proto Protocol) {
	p.mu.Lock()
	p.proto = proto
	p.mu.Unlock()
}

// HasStratum reports whether the pool was switched to stratum. This is permanent.
func (p *Pool) HasStratum() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasStratum
}

// EnableStratum switches the pool to stratum at url
func (p *Pool) EnableStratum(url string) {
	p.mu.Lock()
	p.hasStratum = true
	p.proto = ProtoStratum
	p.stratum.URL = url
	p.mu.Unlock()
}

// Longpoll returns the longpoll url and the last longpoll id
func (p *Pool) Longpoll() (url, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lpURL, p.lpID
}

// SetLongpollURL records the longpoll url discovered during probing
func (p *Pool) SetLongpollURL(url, hdrPath string) {
	p.mu.Lock()
	p.lpURL = url
	if hdrPath != "" {
		p.hdrPath = hdrPath
	}
	p.mu.Unlock()
}

// HdrPath returns the X-Long-Polling path advertised by the pool, if any
func (p *Pool) HdrPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdrPath
}

// SetLongpollID records the id to send with the next longpoll request
func (p *Pool) SetLongpollID(id string) {
	p.mu.Lock()
	p.lpID = id
	p.mu.Unlock()
}

// Enablement returns the administrative state
func (p *Pool) Enablement() Enablement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Usable reports whether the pool is enabled and not idle
func (p *Pool) Usable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled == Enabled && !p.idle
}

// Idle reports whether the pool is considered dead
func (p *Pool) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// IdleSince returns when the pool was last marked idle
func (p *Pool) IdleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleSince
}

// SetIdle marks the pool idle and reports whether it was newly set
func (p *Pool) SetIdle(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idle {
		return false
	}
	p.idle = true
	p.idleSince = now
	return true
}

// ClearIdle clears the idle flag and reports whether it had been set
func (p *Pool) ClearIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.idle
	p.idle = false
	return was
}

// SetLagging sets the lagging flag and reports whether it was newly set
func (p *Pool) SetLagging() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.lagging
	p.lagging = true
	return !was
}

// ClearLagging clears the lagging flag and reports whether it had been set
func (p *Pool) ClearLagging() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.lagging
	p.lagging = false
	return was
}

// SetSubmitFail marks a share transport failure and reports whether it was newly set
func (p *Pool) SetSubmitFail() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitFail {
		return false
	}
	p.submitFail = true
	p.stats.RemoteFailures++
	return true
}

// ClearSubmitFail clears the submit failure flag and reports whether it had been set
func (p *Pool) ClearSubmitFail() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.submitFail
	p.submitFail = false
	return was
}

// Probed reports whether the initial protocol probe has completed
func (p *Pool) Probed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probed
}

// SetProbed records that the initial probe has completed
func (p *Pool) SetProbed() {
	p.mu.Lock()
	p.probed = true
	p.mu.Unlock()
}

// Removed reports whether the pool was removed from the registry
func (p *Pool) Removed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed
}

// BlockID returns the id of the block the pool is working on, 0 if unknown
func (p *Pool) BlockID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockID
}

// SetBlockID records the block the pool is working on and returns the previous id
func (p *Pool) SetBlockID(id uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.blockID
	p.blockID = id
	return prev
}

// RestartID returns the pool's work restart epoch
func (p *Pool) RestartID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartID
}

// BumpRestartID advances the restart epoch, invalidating previously staged work
func (p *Pool) BumpRestartID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restartID++
	return p.restartID
}

// SubmitOld reports whether the pool accepts shares for superseded work
func (p *Pool) SubmitOld() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitOld
}

// SetSubmitOld records the pool's submitold policy
func (p *Pool) SetSubmitOld(v bool) {
	p.mu.Lock()
	p.submitOld = v
	p.mu.Unlock()
}

// LastWorkTime returns when work was last generated for the pool
func (p *Pool) LastWorkTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastWorkTime
}

// TouchWork records that work was generated now
func (p *Pool) TouchWork(now time.Time) {
	p.mu.Lock()
	p.lastWorkTime = now
	p.mu.Unlock()
}

// Stratum returns a copy of the stratum session state
func (p *Pool) Stratum() StratumState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stratum
	s.Job.Merkle = append([]string(nil), p.stratum.Job.Merkle...)
	return s
}

// UpdateStratum mutates the stratum session state under the pool lock
func (p *Pool) UpdateStratum(fn func(s *StratumState)) {
	p.mu.Lock()
	fn(&p.stratum)
	p.mu.Unlock()
}

// NextNonce2 returns the current extranonce2 counter and advances it
func (p *Pool) NextNonce2() (uint64, StratumState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.stratum.Nonce2
	p.stratum.Nonce2++
	s := p.stratum
	s.Job.Merkle = append([]string(nil), p.stratum.Job.Merkle...)
	return n, s
}

// StratumActive reports whether the stratum session is usable for work
func (p *Pool) StratumActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stratum.Active && p.stratum.Notify
}

// StratumConnected reports whether the stratum socket is up
func (p *Pool) StratumConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stratum.Connected
}

// Stats returns a snapshot of the accounting counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// UpdateStats mutates the accounting counters under the pool lock
func (p *Pool) UpdateStats(fn func(s *Stats)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}

// RecordGetwork folds one getwork round trip into the latency statistics
func (p *Pool) RecordGetwork(elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.stats
	s.GetworkCount++
	s.WaitRolling = time.Duration((float64(s.WaitRolling) + float64(elapsed)*0.63) / 1.63)
	s.WaitTotal += elapsed
	if s.WaitMin == 0 || elapsed < s.WaitMin {
		s.WaitMin = elapsed
	}
	if elapsed > s.WaitMax {
		s.WaitMax = elapsed
	}
}

// RecordWorkDiff updates the min/max work difficulty statistics
func (p *Pool) RecordWorkDiff(diff float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.stats
	s.LastDiff = diff

	switch {
	case diff == s.MinDiff:
		s.MinDiffCount++
	case diff < s.MinDiff || s.MinDiff == 0:
		s.MinDiff = diff
		s.MinDiffCount = 1
	}

	switch {
	case diff == s.MaxDiff:
		s.MaxDiffCount++
	case diff > s.MaxDiff:
		s.MaxDiff = diff
		s.MaxDiffCount = 1
	}
}

// Snapshot is a read-only view of a pool for status reporting
type Snapshot struct {
	Index       int
	URL         string
	User        string
	Prio        int
	Protocol    string
	Enabled     string
	Idle        bool
	HasStratum  bool
	Longpoll    bool
	BlockID     uint32
	StratumDiff float64
	Stats       Stats
}

// Snapshot returns a read-only view of the pool
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Index:       p.index,
		URL:         p.url,
		User:        p.user,
		Prio:        p.prio,
		Protocol:    p.proto.String(),
		Enabled:     p.enabled.String(),
		Idle:        p.idle,
		HasStratum:  p.hasStratum,
		Longpoll:    p.lpURL != "",
		BlockID:     p.blockID,
		StratumDiff: p.stratum.Diff,
		Stats:       p.stats,
	}
}
