package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock drives an Accessor deterministically: sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	now time.Time
}

func newTestAccessor(cfg Config) (*Accessor, *fakeClock) {
	a := New(cfg)
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	a.now = func() time.Time { return clk.now }
	a.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		clk.now = clk.now.Add(d)
		return nil
	}
	return a, clk
}

func TestKeyHelpers(t *testing.T) {
	if got := UserKey("viewer42", "ledger.claim"); got != "user:viewer42:ledger.claim" {
		t.Errorf("UserKey = %q", got)
	}
	if got := GlobalKey("ledger.list"); got != "global:ledger.list" {
		t.Errorf("GlobalKey = %q", got)
	}
}

func TestWindowExhaustionDelaysNextCall(t *testing.T) {
	cfg := Config{Window: 30 * time.Second, MaxRequests: 3, MinInterval: 0}
	a, clk := newTestAccessor(cfg)
	ctx := context.Background()

	calls := 0
	op := func(context.Context) error { calls++; return nil }

	start := clk.now
	for i := 0; i < 3; i++ {
		if err := a.Do(ctx, "global:test", 0, op); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	// 4th call within the window must not be silently permitted: with no
	// retries it fails with a wait estimate.
	err := a.Do(ctx, "global:test", 0, op)
	var le *LimitedError
	if !errors.As(err, &le) {
		t.Fatalf("expected LimitedError, got %v", err)
	}
	if le.Wait <= 0 || le.Wait > 30*time.Second {
		t.Errorf("wait estimate out of range: %v", le.Wait)
	}
	if calls != 3 {
		t.Errorf("operation ran %d times, want 3", calls)
	}

	// With a retry allowed, the call sleeps past the window and succeeds.
	if err := a.Do(ctx, "global:test", 1, op); err != nil {
		t.Fatalf("retried call: %v", err)
	}
	if calls != 4 {
		t.Errorf("operation ran %d times, want 4", calls)
	}
	if clk.now.Sub(start) < 30*time.Second {
		t.Errorf("clock advanced only %v, window never reset", clk.now.Sub(start))
	}
}

func TestMinIntervalEnforced(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 100, MinInterval: 100 * time.Millisecond}
	a, clk := newTestAccessor(cfg)
	ctx := context.Background()

	if err := a.Do(ctx, "user:u1:ep", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	before := clk.now
	if err := a.Do(ctx, "user:u1:ep", 1, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if gap := clk.now.Sub(before); gap < 100*time.Millisecond {
		t.Errorf("second request after %v, want >= 100ms", gap)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 1, MinInterval: 0}
	a, _ := newTestAccessor(cfg)
	ctx := context.Background()

	if err := a.Do(ctx, "user:a:ep", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	// A different key has its own window.
	if err := a.Do(ctx, "user:b:ep", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	// Same key is exhausted.
	if err := a.Do(ctx, "user:a:ep", 0, func(context.Context) error { return nil }); !IsLimited(err) {
		t.Fatalf("expected limited, got %v", err)
	}
}

func TestUpstreamThrottleRecordsCooldown(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 100, MinInterval: 0, DefaultCooldown: 30 * time.Second}
	a, clk := newTestAccessor(cfg)
	ctx := context.Background()

	attempts := 0
	start := clk.now
	err := a.Do(ctx, "global:ledger.list", 2, func(context.Context) error {
		attempts++
		if attempts == 1 {
			return Throttled(5 * time.Second)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery after throttle, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if advanced := clk.now.Sub(start); advanced < 5*time.Second {
		t.Errorf("cooldown not respected: clock advanced %v", advanced)
	}
}

func TestThrottleWithoutDelayUsesDefaultCooldown(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 100, MinInterval: 0, DefaultCooldown: 7 * time.Second}
	a, clk := newTestAccessor(cfg)
	ctx := context.Background()

	start := clk.now
	err := a.Do(ctx, "global:ep", 2, func(context.Context) error {
		if clk.now.Equal(start) {
			return Throttled(0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if advanced := clk.now.Sub(start); advanced != 7*time.Second {
		t.Errorf("default cooldown wait = %v, want 7s", advanced)
	}
}

func TestThrottleExhaustsRetries(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 100, MinInterval: 0, DefaultCooldown: time.Second}
	a, _ := newTestAccessor(cfg)

	err := a.Do(context.Background(), "global:ep", 1, func(context.Context) error {
		return Throttled(2 * time.Second)
	})
	var le *LimitedError
	if !errors.As(err, &le) {
		t.Fatalf("expected LimitedError, got %v", err)
	}
	if le.Wait != 2*time.Second {
		t.Errorf("wait hint = %v, want advertised 2s", le.Wait)
	}
}

func TestSuccessClearsCooldown(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 100, MinInterval: 0}
	a, clk := newTestAccessor(cfg)
	ctx := context.Background()

	fail := true
	_ = a.Do(ctx, "global:ep", 0, func(context.Context) error {
		if fail {
			return Throttled(10 * time.Second)
		}
		return nil
	})
	fail = false
	// One retry available: the accessor waits out the cooldown, succeeds,
	// and the cooldown is gone for the following call.
	if err := a.Do(ctx, "global:ep", 1, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	before := clk.now
	if err := a.Do(ctx, "global:ep", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("cooldown not cleared on success: %v", err)
	}
	if !clk.now.Equal(before) {
		t.Errorf("unexpected wait after cooldown cleared")
	}
}

func TestNonThrottleErrorsPassThrough(t *testing.T) {
	a, _ := newTestAccessor(Config{Window: time.Minute, MaxRequests: 100})
	sentinel := errors.New("ledger boom")
	err := a.Do(context.Background(), "global:ep", 3, func(context.Context) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want passthrough of sentinel", err)
	}
}

func TestContextCancelStopsWaiting(t *testing.T) {
	cfg := Config{Window: time.Minute, MaxRequests: 1, MinInterval: 0}
	a, _ := newTestAccessor(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	if err := a.Do(ctx, "global:ep", 0, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	cancel()
	err := a.Do(ctx, "global:ep", 5, func(context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestCallReturnsValue(t *testing.T) {
	a, _ := newTestAccessor(Config{Window: time.Minute, MaxRequests: 100})
	got, err := Call(context.Background(), a, "global:ep", 0, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Call = (%d, %v), want (42, nil)", got, err)
	}
}
