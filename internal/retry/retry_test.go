package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 1.5}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test", fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("404")
	p := fastPolicy(5)
	p.Retryable = func(err error) bool { return errors.Is(err, errFlaky) }

	calls := 0
	err := Do(context.Background(), "test", p, func(ctx context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do() error = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_BoundedAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test", fastPolicy(4), func(ctx context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("Do() error = %v, want errFlaky", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestPoll(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		n := 0
		err := Poll(context.Background(), "pod", 5, time.Millisecond, func(ctx context.Context) (bool, error) {
			n++
			return n == 2, nil
		})
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if n != 2 {
			t.Errorf("evaluations = %d, want 2", n)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		n := 0
		err := Poll(context.Background(), "pod", 3, time.Millisecond, func(ctx context.Context) (bool, error) {
			n++
			return false, nil
		})
		if !errors.Is(err, ErrExhausted) {
			t.Fatalf("Poll() error = %v, want ErrExhausted", err)
		}
		if n != 3 {
			t.Errorf("evaluations = %d, want 3", n)
		}
	})

	t.Run("abort", func(t *testing.T) {
		boom := errors.New("forbidden")
		err := Poll(context.Background(), "pod", 3, time.Millisecond, func(ctx context.Context) (bool, error) {
			return false, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Poll() error = %v, want %v", err, boom)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Poll(ctx, "pod", 10, time.Hour, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		if err == nil {
			t.Fatal("expected an error from a cancelled context")
		}
	})
}
