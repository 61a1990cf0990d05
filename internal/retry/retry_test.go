package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_AttemptCounts(t *testing.T) {
	transient := errors.New("transient")
	tests := []struct {
		name        string
		maxAttempts int
		failures    int
		wantCalls   int
		wantErr     error
	}{
		{"first try succeeds", 3, 0, 1, nil},
		{"succeeds after retries", 3, 2, 3, nil},
		{"attempts exhausted", 3, 99, 3, transient},
		{"zero max rounds up to one", 0, 0, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), tt.maxAttempts, time.Millisecond, func() error {
				calls++
				if calls <= tt.failures {
					return transient
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestDo_PermanentStopsRetry(t *testing.T) {
	sentinel := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 100*time.Millisecond, func() error {
		calls.Add(1)
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c := calls.Load(); c > 3 {
		t.Fatalf("calls = %d, want cancellation to cut retries short", c)
	}
}

func TestDo_BackoffGrows(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		if len(stamps) < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	// Nominal gaps are 20ms then 40ms, each with +-25% jitter.
	if first < 10*time.Millisecond {
		t.Errorf("first backoff %v too short", first)
	}
	if second < first/2 {
		t.Errorf("second backoff %v did not grow from %v", second, first)
	}
}

func TestPermanent_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(Permanent(inner), inner) {
		t.Fatal("Permanent must unwrap to the inner error")
	}
}
