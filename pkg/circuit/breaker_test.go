package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	minerErrors "github.com/bardlex/gominer/pkg/errors"
)

var errRefused = errors.New("connection refused")

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxFailures != 5 || config.SuccessRequired != 3 {
		t.Errorf("Expected 5 failures / 3 successes, got %d / %d", config.MaxFailures, config.SuccessRequired)
	}
	if config.Timeout != 30*time.Second || config.ResetTimeout != 60*time.Second {
		t.Errorf("Expected 30s/60s timeouts, got %v/%v", config.Timeout, config.ResetTimeout)
	}
}

func TestPoolConfig(t *testing.T) {
	config := PoolConfig("pool1")

	if config.Name != "pool1" {
		t.Errorf("Expected name pool1, got %q", config.Name)
	}
	if config.MaxFailures >= DefaultConfig().MaxFailures {
		t.Errorf("Expected pool breaker to trip faster than default, got %d failures", config.MaxFailures)
	}
	if config.SuccessRequired != 1 {
		t.Errorf("Expected one probe success to close, got %d", config.SuccessRequired)
	}
}

func TestNew_NilConfig(t *testing.T) {
	breaker := New(nil)

	if breaker.config == nil {
		t.Error("Expected default config when nil is passed")
	}
	if breaker.GetState() != StateClosed {
		t.Errorf("Expected initial state closed, got %s", breaker.GetState())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// TestBreaker_Transitions drives a pool transport breaker through a
// sequence of call outcomes. A nil outcome is a success; "wait" lets the
// open timeout expire.
func TestBreaker_Transitions(t *testing.T) {
	const wait = "wait"
	tests := []struct {
		name     string
		required int
		steps    []any
		want     State
		calls    int
	}{
		{
			name:  "success stays closed",
			steps: []any{nil, nil},
			want:  StateClosed,
			calls: 2,
		},
		{
			name:  "failures below limit stay closed",
			steps: []any{errRefused, errRefused, nil},
			want:  StateClosed,
			calls: 3,
		},
		{
			name:  "failures at limit open",
			steps: []any{errRefused, errRefused, errRefused},
			want:  StateOpen,
			calls: 3,
		},
		{
			name:  "open rejects without calling",
			steps: []any{errRefused, errRefused, errRefused, nil, nil},
			want:  StateOpen,
			calls: 3,
		},
		{
			name:  "probe success after timeout closes",
			steps: []any{errRefused, errRefused, errRefused, wait, nil},
			want:  StateClosed,
			calls: 4,
		},
		{
			name:  "probe failure after timeout reopens",
			steps: []any{errRefused, errRefused, errRefused, wait, errRefused},
			want:  StateOpen,
			calls: 4,
		},
		{
			name:     "half-open needs the required successes",
			required: 3,
			steps:    []any{errRefused, errRefused, errRefused, wait, nil, nil},
			want:     StateHalfOpen,
			calls:    5,
		},
		{
			name:     "half-open closes on the last required success",
			required: 3,
			steps:    []any{errRefused, errRefused, errRefused, wait, nil, nil, nil},
			want:     StateClosed,
			calls:    6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := PoolConfig("pool0")
			config.Timeout = time.Hour
			if tt.required > 0 {
				config.SuccessRequired = tt.required
			}
			breaker := New(config)
			ctx := context.Background()

			calls := 0
			for _, step := range tt.steps {
				if step == wait {
					config.Timeout = time.Millisecond
					time.Sleep(2 * time.Millisecond)
					continue
				}
				var outcome error
				if step != nil {
					outcome = step.(error)
				}
				_ = breaker.Execute(ctx, func() error {
					calls++
					return outcome
				})
				config.Timeout = time.Hour
			}

			if got := breaker.GetState(); got != tt.want {
				t.Errorf("Expected state %s, got %s", tt.want, got)
			}
			if calls != tt.calls {
				t.Errorf("Expected %d calls, got %d", tt.calls, calls)
			}
		})
	}
}

func TestBreaker_OpenErrorType(t *testing.T) {
	breaker := New(PoolConfig("pool3"))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = breaker.Execute(ctx, func() error { return errRefused })
	}

	err := breaker.Execute(ctx, func() error { return nil })
	if !minerErrors.IsType(err, minerErrors.ErrorTypeInternal) {
		t.Errorf("Expected internal error type, got %v", err)
	}
	if got := minerErrors.GetContext(err)["breaker"]; got != "pool3" {
		t.Errorf("Expected breaker=pool3 in error context, got %v", got)
	}
}

func TestBreaker_AllowRecord(t *testing.T) {
	breaker := New(PoolConfig("pool0"))

	// the getwork client calls Allow before a request and Record after it
	for i := 0; i < 3; i++ {
		if !breaker.Allow() {
			t.Fatalf("Expected request %d to be allowed", i)
		}
		breaker.Record(errRefused)
	}
	if breaker.Allow() {
		t.Error("Expected open breaker to refuse the request")
	}
}

func TestExecuteWithResult(t *testing.T) {
	breaker := New(&Config{MaxFailures: 1, SuccessRequired: 1, Timeout: time.Hour, ResetTimeout: time.Hour})
	ctx := context.Background()

	result, err := ExecuteWithResult(ctx, breaker, func() (string, error) { return "work", nil })
	if err != nil || result != "work" {
		t.Errorf("Expected work, got %q (%v)", result, err)
	}

	_, _ = ExecuteWithResult(ctx, breaker, func() (string, error) { return "", errRefused })

	result, err = ExecuteWithResult(ctx, breaker, func() (string, error) { return "should not run", nil })
	if err == nil {
		t.Error("Expected open breaker to reject call")
	}
	if result != "" {
		t.Errorf("Expected empty result when open, got %q", result)
	}
}

func TestBreaker_StatsAndReset(t *testing.T) {
	breaker := New(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Hour, ResetTimeout: time.Hour})
	ctx := context.Background()

	_ = breaker.Execute(ctx, func() error { return nil })
	_ = breaker.Execute(ctx, func() error { return errRefused })

	stats := breaker.GetStats()
	if stats.State != StateClosed || stats.Failures != 1 || stats.Successes != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.LastFailTime.IsZero() {
		t.Error("Expected LastFailTime to be set")
	}

	_ = breaker.Execute(ctx, func() error { return errRefused })
	if breaker.GetState() != StateOpen {
		t.Fatalf("Expected open, got %s", breaker.GetState())
	}

	breaker.Reset()
	stats = breaker.GetStats()
	if stats.State != StateClosed || stats.Failures != 0 || stats.Successes != 0 {
		t.Errorf("Expected cleared stats after reset, got %+v", stats)
	}
}

func TestBreaker_ResetTimeout(t *testing.T) {
	breaker := New(&Config{MaxFailures: 2, SuccessRequired: 1, Timeout: time.Hour, ResetTimeout: time.Millisecond})
	ctx := context.Background()

	_ = breaker.Execute(ctx, func() error { return errRefused })
	time.Sleep(2 * time.Millisecond)
	_ = breaker.Execute(ctx, func() error { return nil })

	if got := breaker.GetStats().Failures; got != 0 {
		t.Errorf("Expected failures forgotten after the reset window, got %d", got)
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	config := PoolConfig("pool0")
	config.Timeout = time.Millisecond
	config.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}
	breaker := New(config)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = breaker.Execute(ctx, func() error { return errRefused })
	}
	time.Sleep(2 * time.Millisecond)
	_ = breaker.Execute(ctx, func() error { return nil })

	expected := []string{
		"pool0:closed->open",
		"pool0:open->half-open",
		"pool0:half-open->closed",
	}
	if len(transitions) != len(expected) {
		t.Fatalf("Expected %d transitions, got %v", len(expected), transitions)
	}
	for i := range expected {
		if transitions[i] != expected[i] {
			t.Errorf("Expected transition %q, got %q", expected[i], transitions[i])
		}
	}
}
