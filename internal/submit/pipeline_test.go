package submit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/sharelog"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before answering
	err      error
	verdict  Verdict
}

func (f *fakeSender) Send(_ context.Context, _ *work.Unit) (*Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures < 0 || f.calls <= f.failures {
		if f.err != nil {
			return nil, f.err
		}
		return nil, errors.New(errors.ErrorTypeNetwork, "test.send", "connection refused")
	}
	v := f.verdict
	return &v, nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStale struct{ stale atomic.Bool }

func (f *fakeStale) IsStale(*work.Unit, bool) bool { return f.stale.Load() }

type recordingSink struct {
	mu      sync.Mutex
	records []sharelog.Record
}

func (s *recordingSink) Log(r sharelog.Record) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) dispositions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.records {
		out = append(out, r.Disposition)
	}
	return out
}

// fakeClock advances only when the pipeline sleeps
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fixture struct {
	registry *pool.Registry
	pools    []*pool.Pool
	sender   *fakeSender
	stale    *fakeStale
	sink     *recordingSink
	clock    *fakeClock
	pipe     *Pipeline
}

func newFixture(t *testing.T, cfg Config, pools int) *fixture {
	t.Helper()
	f := &fixture{
		registry: pool.NewRegistry(pool.Failover, false, nil),
		sender:   &fakeSender{verdict: Verdict{Accepted: true}},
		stale:    &fakeStale{},
		sink:     &recordingSink{},
		clock:    &fakeClock{now: time.Unix(1700000000, 0)},
	}
	for i := 0; i < pools; i++ {
		f.pools = append(f.pools, f.registry.Add("http://pool.example.com:8332", "u", "p"))
	}
	f.pipe = New(cfg, f.sender, f.stale, f.registry, f.sink, Hooks{}, nil)
	f.pipe.now = f.clock.Now
	f.pipe.sleep = f.clock.Sleep
	f.pipe.start = f.clock.Now()
	return f
}

func (f *fixture) unit(i int) *work.Unit {
	u := work.New(f.pools[i], work.SourceGetwork)
	u.SetTarget(target.SetTarget(1, target.SHA256d), target.SHA256d)
	u.ThrID = 0
	// a hash far above any block target
	for j := range u.Hash {
		u.Hash[j] = 0xff
	}
	return u
}

func TestPipeline_Accept(t *testing.T) {
	f := newFixture(t, Config{Retries: -1, Concurrency: 2}, 1)
	f.pipe.Start(context.Background())

	for i := 0; i < 3; i++ {
		if err := f.pipe.Submit(context.Background(), f.unit(0)); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	f.pipe.Close()

	if err := f.pipe.Submit(context.Background(), f.unit(0)); err != ErrClosed {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if got := f.pipe.Totals().Accepted; got != 3 {
		t.Errorf("Expected 3 accepted, got %d", got)
	}
	if got := f.pools[0].Stats().Accepted; got != 3 {
		t.Errorf("Expected 3 accepted on pool, got %d", got)
	}
	if got := f.pipe.Worker(0).Accepted; got != 3 {
		t.Errorf("Expected 3 accepted for worker 0, got %d", got)
	}
	if got := len(f.sink.dispositions()); got != 3 {
		t.Errorf("Expected 3 share log records, got %d", got)
	}
}

func TestPipeline_RetriesExhausted(t *testing.T) {
	f := newFixture(t, Config{Retries: 2}, 1)
	f.sender.failures = -1

	o := f.pipe.process(context.Background(), f.unit(0))

	if o.Disposition != sharelog.Discard {
		t.Errorf("Expected discard, got %s", o.Disposition)
	}
	if f.sender.Calls() != 3 {
		t.Errorf("Expected discard on the third failure, got %d attempts", f.sender.Calls())
	}
	if got := f.pools[0].Stats().RemoteFailures; got != 1 {
		t.Errorf("Expected one communication failure episode, got %d", got)
	}
}

func TestPipeline_RecoversAfterFailures(t *testing.T) {
	f := newFixture(t, Config{Retries: 5}, 1)
	f.sender.failures = 2

	o := f.pipe.process(context.Background(), f.unit(0))

	if o.Disposition != sharelog.Accept || o.Attempts != 3 {
		t.Errorf("Expected accept on attempt 3, got %s after %d", o.Disposition, o.Attempts)
	}
	if f.pools[0].ClearSubmitFail() {
		t.Error("Expected submit failure flag cleared by the success")
	}
}

func TestPipeline_StaleRetriedUntilDeadline(t *testing.T) {
	f := newFixture(t, Config{Retries: -1, SubmitStale: true}, 1)
	f.sender.failures = -1
	f.stale.stale.Store(true)
	start := f.clock.Now()

	o := f.pipe.process(context.Background(), f.unit(0))

	if o.Disposition != sharelog.Stale || !o.Stale {
		t.Errorf("Expected stale discard, got %s", o.Disposition)
	}
	if elapsed := f.clock.Now().Sub(start); elapsed < DefaultStaleDeadline {
		t.Errorf("Expected retries for at least %v, got %v", DefaultStaleDeadline, elapsed)
	}
	if f.sender.Calls() < 2 {
		t.Errorf("Expected several attempts, got %d", f.sender.Calls())
	}
}

func TestPipeline_StaleDiscardedByDefault(t *testing.T) {
	f := newFixture(t, Config{Retries: -1}, 1)
	f.stale.stale.Store(true)

	o := f.pipe.process(context.Background(), f.unit(0))

	if o.Disposition != sharelog.Stale {
		t.Errorf("Expected stale, got %s", o.Disposition)
	}
	if f.sender.Calls() != 0 {
		t.Errorf("Expected no submission, got %d", f.sender.Calls())
	}
}

func TestPipeline_SubmitOldKeepsStale(t *testing.T) {
	f := newFixture(t, Config{Retries: -1}, 1)
	f.stale.stale.Store(true)
	f.pools[0].SetSubmitOld(true)

	u := f.unit(0)
	o := f.pipe.process(context.Background(), u)

	if o.Disposition != sharelog.Accept || !o.Stale || !u.Stale {
		t.Errorf("Expected stale share submitted and accepted, got %s stale=%v", o.Disposition, o.Stale)
	}
}

func TestPipeline_BlockSolve(t *testing.T) {
	f := newFixture(t, Config{Retries: -1}, 1)
	f.stale.stale.Store(true)

	u := f.unit(0)
	u.Data[72], u.Data[73], u.Data[74], u.Data[75] = 0xff, 0xff, 0x7f, 0x20
	u.Hash = target.Target{}
	u.Hash[0] = 1

	o := f.pipe.process(context.Background(), u)

	if !u.Block || !u.Mandatory {
		t.Error("Expected block and mandatory set on a block solve")
	}
	if o.Disposition != sharelog.Accept {
		t.Errorf("Expected a block share to be submitted despite staleness, got %s", o.Disposition)
	}
	if f.pools[0].Stats().Solved != 1 || f.pipe.Totals().Solved != 1 {
		t.Error("Expected solved counters bumped")
	}
}

func TestPipeline_StratumDisconnect(t *testing.T) {
	f := newFixture(t, Config{Retries: -1}, 1)
	f.sender.failures = -1
	f.sender.err = stratum.ErrDisconnected

	u := work.New(f.pools[0], work.SourceStratum)
	u.Ext = &work.StratumExt{JobID: "job1", Nonce2: "00000000", NTime: "5a54a978"}

	o := f.pipe.process(context.Background(), u)
	if o.Disposition != sharelog.Disconnect {
		t.Errorf("Expected disconnect for an inactive session, got %s", o.Disposition)
	}
	if f.sender.Calls() != 0 {
		t.Errorf("Expected no send on an inactive session, got %d", f.sender.Calls())
	}

	f.pools[0].UpdateStratum(func(s *pool.StratumState) {
		s.Active = true
		s.Notify = true
	})
	o = f.pipe.process(context.Background(), u)
	if o.Disposition != sharelog.Disconnect || f.sender.Calls() != 1 {
		t.Errorf("Expected one attempt lost to disconnect, got %s after %d", o.Disposition, f.sender.Calls())
	}

	f.pipe.account(o)
	if f.pools[0].Stats().StaleShares != 1 || f.pipe.Totals().Stale != 1 {
		t.Error("Expected a lost share counted stale")
	}
	if d := f.sink.dispositions(); len(d) != 1 || d[0] != sharelog.Disconnect {
		t.Errorf("Expected disconnect share log record, got %v", d)
	}
}

func TestPipeline_AutoDisable(t *testing.T) {
	tests := []struct {
		name     string
		rejects  int
		disabled bool
	}{
		{"eleven rejects", 11, true},
		{"nine rejects", 9, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{Retries: -1, DisablePool: true}, 2)
			var hooked int64
			f.pipe.hooks.PoolDisabled = func(_ *pool.Pool, seq int64) { hooked = seq }

			// utility 3: three accepted shares in one minute
			f.pipe.totals.Accepted = 3
			f.pipe.start = f.clock.Now().Add(-time.Minute)

			for i := 0; i < tt.rejects; i++ {
				f.pipe.account(Outcome{Unit: f.unit(0), Disposition: sharelog.Reject, Reason: "low-diff"})
			}

			rejecting := f.pools[0].Enablement() == pool.Rejecting
			if rejecting != tt.disabled {
				t.Errorf("Expected disabled=%v, got enablement %v", tt.disabled, f.pools[0].Enablement())
			}
			if tt.disabled {
				if f.registry.Current() != f.pools[1] {
					t.Error("Expected switch away from the rejecting pool")
				}
				if f.pools[0].Stats().SeqRejects != 0 || hooked != 11 {
					t.Errorf("Expected sequential rejects reset and hook called, got %d/%d",
						f.pools[0].Stats().SeqRejects, hooked)
				}
			}
			if d := f.sink.dispositions(); len(d) != tt.rejects || d[0] != "reject:low-diff" {
				t.Errorf("Expected %d reject records, got %v", tt.rejects, d)
			}
		})
	}
}

func TestPipeline_StaleRejectsNeverDisable(t *testing.T) {
	f := newFixture(t, Config{Retries: -1, DisablePool: true}, 2)
	for i := 0; i < 20; i++ {
		f.pipe.account(Outcome{Unit: f.unit(0), Disposition: sharelog.Reject, Stale: true})
	}
	if f.pools[0].Enablement() != pool.Enabled {
		t.Error("Expected stale rejects to leave the pool enabled")
	}
}

func TestPipeline_AcceptReenablesRejectingPool(t *testing.T) {
	f := newFixture(t, Config{Retries: -1}, 2)
	f.registry.Reject(f.pools[0])
	f.registry.Switch(nil)

	var blocks int
	f.pipe.hooks.BlockAccepted = func(*work.Unit) { blocks++ }

	u := f.unit(0)
	u.Block = true
	f.pipe.account(Outcome{Unit: u, Disposition: sharelog.Accept})

	if f.pools[0].Enablement() != pool.Enabled {
		t.Error("Expected rejecting pool re-enabled")
	}
	if f.registry.Current() != f.pools[0] {
		t.Error("Expected the re-enabled pool to become current again")
	}
	if blocks != 1 {
		t.Errorf("Expected block hook once, got %d", blocks)
	}
	if f.pools[0].Stats().SeqRejects != 0 {
		t.Error("Expected sequential rejects reset")
	}
}

func TestPipeline_HWError(t *testing.T) {
	f := newFixture(t, Config{Retries: -1}, 1)
	f.pipe.HWError(f.unit(0))

	if f.pipe.Totals().HWErrors != 1 || f.pools[0].Stats().HWErrors != 1 || f.pipe.Worker(0).HWErrors != 1 {
		t.Error("Expected hardware error counted globally, per pool and per worker")
	}
	if d := f.sink.dispositions(); len(d) != 1 || d[0] != sharelog.HWError {
		t.Errorf("Expected hw share log record, got %v", d)
	}
}
