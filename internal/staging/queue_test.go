package staging

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/work"
)

type mockPolicy struct {
	roll  bool
	stale map[uint64]bool
}

func (m *mockPolicy) CanRoll(u *work.Unit) bool    { return m.roll && u.RollPossible(time.Now()) }
func (m *mockPolicy) ShouldRoll(u *work.Unit) bool { return m.roll }
func (m *mockPolicy) IsStale(u *work.Unit) bool    { return m.stale[u.ID] }

func newUnit(p *pool.Pool, staged time.Time, rollTime time.Duration) *work.Unit {
	u := work.New(p, work.SourceGetwork)
	u.StagedAt = staged
	u.RollTime = rollTime
	return u
}

func TestQueue_PushPopOrder(t *testing.T) {
	q := New(&mockPolicy{}, nil)
	base := time.Now()
	newer := newUnit(nil, base.Add(time.Second), 0)
	older := newUnit(nil, base, 0)

	q.Push(newer)
	q.Push(older)

	got, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != older {
		t.Error("Expected the oldest unit first")
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 staged unit, got %d", q.Len())
	}
}

func TestQueue_PrefersNonRollable(t *testing.T) {
	q := New(&mockPolicy{}, nil)
	base := time.Now()
	rollable := newUnit(nil, base, time.Minute)
	plain := newUnit(nil, base.Add(time.Second), 0)

	q.Push(rollable)
	q.Push(plain)
	if q.Rollable() != 1 {
		t.Fatalf("Expected 1 rollable, got %d", q.Rollable())
	}

	got, _ := q.Pop(context.Background())
	if got != plain {
		t.Error("Expected non-rollable unit to be handed out first")
	}
	got, _ = q.Pop(context.Background())
	if got != rollable {
		t.Error("Expected rollable unit once it is the only one")
	}
	if q.Rollable() != 0 {
		t.Errorf("Expected rollable count 0, got %d", q.Rollable())
	}
}

func TestQueue_PopRollsMaster(t *testing.T) {
	q := New(&mockPolicy{roll: true}, nil)
	master := newUnit(nil, time.Now(), time.Minute)
	start := master.NTime()
	q.Push(master)

	got, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got == master || !got.IsClone {
		t.Fatal("Expected a rolled clone")
	}
	if q.Len() != 1 {
		t.Errorf("Expected master to stay staged, got %d", q.Len())
	}
	if got.NTime() != start+1 {
		t.Errorf("Expected clone ntime %d, got %d", start+1, got.NTime())
	}
	if _, ok := q.Get(master.ID); !ok {
		t.Error("Expected master indexed under its rolled id")
	}
}

func TestQueue_CloneAvailable(t *testing.T) {
	q := New(&mockPolicy{roll: true}, nil)
	master := newUnit(nil, time.Now(), time.Minute)
	q.Push(master)

	if !q.CloneAvailable() {
		t.Fatal("Expected a clone to be staged")
	}
	if q.Len() != 2 {
		t.Fatalf("Expected 2 staged units, got %d", q.Len())
	}
	if q.Rollable() != 1 {
		t.Errorf("Expected clone not counted as rollable, got %d", q.Rollable())
	}

	clone, _ := q.Pop(context.Background())
	if !clone.IsClone {
		t.Fatal("Expected the backdated clone first")
	}
	if clone.NTime() == master.NTime() {
		t.Error("Expected master rolled past the clone")
	}

	none := New(&mockPolicy{}, nil)
	none.Push(newUnit(nil, time.Now(), time.Minute))
	if none.CloneAvailable() {
		t.Error("Expected no clone when rolling is not allowed")
	}
}

func TestQueue_DiscardStale(t *testing.T) {
	p := pool.New(0, "http://a.example", "u", "p")
	policy := &mockPolicy{stale: map[uint64]bool{}}
	q := New(policy, nil)

	fresh := newUnit(p, time.Now(), 0)
	old := newUnit(p, time.Now(), 0)
	policy.stale[old.ID] = true
	q.Push(fresh)
	q.Push(old)

	if n := q.DiscardStale(); n != 1 {
		t.Errorf("Expected 1 discarded, got %d", n)
	}
	if q.Len() != 1 {
		t.Errorf("Expected 1 staged, got %d", q.Len())
	}
	if d := p.Stats().Discarded; d != 1 {
		t.Errorf("Expected pool discard count 1, got %d", d)
	}
}

func TestQueue_RemovePool(t *testing.T) {
	a := pool.New(0, "http://a.example", "u", "p")
	b := pool.New(1, "http://b.example", "u", "p")
	q := New(&mockPolicy{}, nil)
	q.Push(newUnit(a, time.Now(), time.Minute))
	q.Push(newUnit(b, time.Now(), 0))
	q.Push(newUnit(a, time.Now(), 0))

	if n := q.RemovePool(a); n != 2 {
		t.Errorf("Expected 2 removed, got %d", n)
	}
	if q.Len() != 1 || q.Rollable() != 0 {
		t.Errorf("Expected 1 staged and 0 rollable, got %d/%d", q.Len(), q.Rollable())
	}
}

func TestQueue_PopBlocks(t *testing.T) {
	q := New(&mockPolicy{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); err == nil {
		t.Error("Expected Pop to time out on an empty queue")
	}

	done := make(chan *work.Unit)
	go func() {
		u, _ := q.Pop(context.Background())
		done <- u
	}()
	u := newUnit(nil, time.Now(), 0)
	q.Push(u)

	select {
	case got := <-done:
		if got != u {
			t.Error("Expected the pushed unit")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Pop to wake on Push")
	}
}

func TestQueue_WaitBelow(t *testing.T) {
	q := New(&mockPolicy{}, nil)
	q.Push(newUnit(nil, time.Now(), 0))
	q.Push(newUnit(nil, time.Now(), 0))

	if err := q.WaitBelow(context.Background(), 2); err != nil {
		t.Fatalf("Expected no wait at the limit, got %v", err)
	}

	done := make(chan error)
	go func() { done <- q.WaitBelow(context.Background(), 1) }()
	_, _ = q.Pop(context.Background())

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected WaitBelow to return after Pop")
	}
}

func TestQueue_Close(t *testing.T) {
	q := New(&mockPolicy{}, nil)
	done := make(chan error)
	go func() {
		_, err := q.Pop(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Close to unblock Pop")
	}
}
