package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
)

func noDelay(uint, error, retry.DelayContext) time.Duration { return 0 }

func TestExecute_SucceedsAfterRetry(t *testing.T) {
	e := New(Settings{Attempts: 3, delay: noDelay})

	calls := 0
	err := e.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestExecute_ReturnsLastCause(t *testing.T) {
	e := New(Settings{Attempts: 2, delay: noDelay})
	boom := errors.New("connection refused")

	calls := 0
	err := e.Execute(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestExecute_AttemptHasDeadline(t *testing.T) {
	e := New(Settings{Attempts: 1, AttemptTimeout: 50 * time.Millisecond, delay: noDelay})

	err := e.Execute(context.Background(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected attempt context to carry a deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExecute_BreakerOpens(t *testing.T) {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_breaker_state"}, []string{"name"})
	e := New(Settings{
		Name:             "pg",
		Attempts:         1,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		StateGauge:       gauge,
		delay:            noDelay,
	})
	boom := errors.New("down")

	for i := 0; i < 2; i++ {
		_ = e.Execute(context.Background(), func(context.Context) error { return boom })
	}
	if e.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", e.State())
	}
	if got := testutil.ToFloat64(gauge.WithLabelValues("pg")); got != float64(gobreaker.StateOpen) {
		t.Fatalf("expected gauge %v, got %v", float64(gobreaker.StateOpen), got)
	}

	called := false
	err := e.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while the breaker is open")
	}
}

func TestExecute_CallerCancellationDoesNotTrip(t *testing.T) {
	e := New(Settings{Attempts: 1, FailureThreshold: 2, OpenTimeout: time.Minute, delay: noDelay})

	done, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		err := e.Execute(done, func(ctx context.Context) error { return ctx.Err() })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: expected context.Canceled, got %v", i, err)
		}
	}

	// Cancelled while the query is running.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := e.Execute(ctx, func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("mid-flight call %d: expected context.Canceled, got %v", i, err)
		}
	}

	// Caller deadline expiring mid-query.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		err := e.Execute(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("deadline call %d: expected DeadlineExceeded, got %v", i, err)
		}
	}

	if e.State() != gobreaker.StateClosed {
		t.Fatalf("caller cancellations opened the breaker: %s", e.State())
	}
	if err := e.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("healthy call after cancellations: %v", err)
	}
}

func TestExecute_AttemptTimeoutStillCounts(t *testing.T) {
	e := New(Settings{Attempts: 1, AttemptTimeout: time.Millisecond, FailureThreshold: 2, OpenTimeout: time.Minute, delay: noDelay})

	for i := 0; i < 2; i++ {
		_ = e.Execute(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}
	if e.State() != gobreaker.StateOpen {
		t.Fatalf("slow store should open the breaker, got %s", e.State())
	}
}
