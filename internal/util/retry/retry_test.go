package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithConstantBackoff_SucceedsWithinBudget(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := WithConstantBackoff(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond))

	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestWithConstantBackoff_BudgetExhausted(t *testing.T) {
	t.Parallel()
	attempts := 0
	sentinel := errors.New("connection refused")
	err := WithConstantBackoff(context.Background(), func() error {
		attempts++
		return sentinel
	}, WithMaxAttempts(4), WithInitialDelay(time.Millisecond))

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected wrapped sentinel, got: %v", err)
	}
	if attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", attempts)
	}
}

func TestWithExponentialBackoff_FatalNotRetried(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := WithExponentialBackoff(context.Background(), func() error {
		attempts++
		return Fatal(errors.New("invalid key"))
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond))

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("fatal error retried: %d attempts", attempts)
	}
}

func TestWithConstantBackoff_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := WithConstantBackoff(ctx, func() error {
		attempts++
		return errors.New("not ready")
	}, WithMaxAttempts(100), WithInitialDelay(10*time.Second))

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt before cancellation, got %d", attempts)
	}
}

func TestWithExponentialBackoff_DelayCapped(t *testing.T) {
	t.Parallel()
	start := time.Now()
	attempts := 0
	_ = WithExponentialBackoff(context.Background(), func() error {
		attempts++
		return errors.New("transient")
	},
		WithMaxAttempts(4),
		WithInitialDelay(time.Millisecond),
		WithMaxDelay(2*time.Millisecond),
		WithMultiplier(10),
	)

	if attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", attempts)
	}
	// 3 waits, each capped at 2ms; generous upper bound for CI jitter.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("delays not capped, took %v", elapsed)
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()
	if IsFatal(errors.New("plain")) {
		t.Error("plain error reported fatal")
	}
	if !IsFatal(Fatal(errors.New("bad input"))) {
		t.Error("wrapped error not reported fatal")
	}
	if Fatal(nil) != nil {
		t.Error("Fatal(nil) should be nil")
	}
}
