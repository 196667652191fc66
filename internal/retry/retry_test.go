package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), Options{Attempts: 3, Delay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("transient %d", calls)
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("got=%d calls=%d want 42/3", got, calls)
	}
}

func TestDo_Exhaustion(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	_, err := Do(context.Background(), Options{Attempts: 4, Delay: time.Millisecond, What: "poll"}, func(context.Context) (string, error) {
		calls++
		return "", sentinel
	})
	if calls != 4 {
		t.Fatalf("calls=%d want 4", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("err=%v want wrapped sentinel", err)
	}
}

func TestDo_FatalShortCircuits(t *testing.T) {
	sentinel := errors.New("bad credentials")
	calls := 0
	_, err := Do(context.Background(), Options{Attempts: 5, Delay: time.Millisecond}, func(context.Context) (int, error) {
		calls++
		return 0, Fatal(sentinel)
	})
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("err=%v want sentinel", err)
	}
	// Fatal must be stripped before the error is returned.
	if err.Error() != sentinel.Error() {
		t.Fatalf("err=%q want %q", err.Error(), sentinel.Error())
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, Options{Attempts: 3, Delay: time.Millisecond}, func(context.Context) (int, error) {
		t.Fatal("fn should not run on a dead context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestDo_CancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, Options{Attempts: 3, Delay: time.Minute}, func(context.Context) (int, error) {
			calls++
			return 0, errors.New("transient")
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	err := <-done
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}
