package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup(cfg FallbackConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := newGroup(FallbackConfig{})
	var called []string
	err := fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "primary" {
		t.Fatalf("called = %v, want [primary]", called)
	}
	if fg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", fg.Len())
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := newGroup(FallbackConfig{})
	got, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from " + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from secondary" {
		t.Fatalf("got %q, want from secondary", got)
	}
}

func TestExecuteWithResult_AllFailWrapsEveryError(t *testing.T) {
	errPrimary := errors.New("primary down")
	errSecondary := errors.New("secondary down")
	fg := newGroup(FallbackConfig{})

	_, err := ExecuteWithResult(context.Background(), fg, func(v string) (int, error) {
		if v == "primary" {
			return 0, errPrimary
		}
		return 0, errSecondary
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errPrimary) || !errors.Is(err, errSecondary) {
		t.Errorf("err should wrap both entry errors, got %v", err)
	}
}

func TestFallbackGroup_FallThroughStops(t *testing.T) {
	errFatal := errors.New("bad request")
	fg := newGroup(FallbackConfig{FallThrough: func(err error) bool { return !errors.Is(err, errFatal) }})

	var called []string
	err := fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return errFatal
	})
	if !errors.Is(err, errFatal) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want the primary's error unwrapped by ErrAllFailed", err)
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want only the primary", called)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}})

	_ = fg.Execute(context.Background(), func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if fg.States()["primary"] != StateOpen {
		t.Fatalf("primary state = %v, want open", fg.States()["primary"])
	}

	var called []string
	err := fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Errorf("called = %v, want only secondary", called)
	}
}

func TestFallbackGroup_CancellationStops(t *testing.T) {
	fg := newGroup(FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1}})
	ctx, cancel := context.WithCancel(context.Background())

	var called []string
	err := fg.Execute(ctx, func(v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want only the primary", called)
	}
	if fg.States()["primary"] != StateClosed {
		t.Error("cancellation must not count against the breaker")
	}

	if err := fg.Execute(ctx, func(string) error { t.Error("fn must not run"); return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("already-cancelled ctx: err = %v", err)
	}
}
