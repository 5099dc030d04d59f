package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsWithoutRetrying(t *testing.T) {
	calls := 0
	err := Retry(3, time.Millisecond, 2, nil, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryStopsAtAttemptsBound(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(3, time.Millisecond, 2, nil, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
}

func TestRetryReturnsOnSuccessAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(5, time.Millisecond, 1, nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryAttemptsLessThanOnePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for attempts < 1")
		}
	}()
	Retry(0, time.Millisecond, 2, nil, func() error { return nil })
}

func TestRetryNonCatchableReturnsImmediately(t *testing.T) {
	calls := 0
	notMine := errors.New("not mine")
	err := Retry(5, time.Millisecond, 2, func(e error) bool { return false }, func() error {
		calls++
		return notMine
	})
	if !errors.Is(err, notMine) {
		t.Fatalf("expected notMine error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call for non-catchable error, got %d", calls)
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker("test", 3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected breaker open, got %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected breaker to allow after cooldown, got %v", err)
	}
}

func TestBreakerRecordFailureReportsTrip(t *testing.T) {
	b := NewBreaker("test", 2, 50*time.Millisecond)
	if tripped := b.RecordFailure(); tripped {
		t.Fatal("first failure below threshold should not report tripped")
	}
	if tripped := b.RecordFailure(); !tripped {
		t.Fatal("failure reaching threshold should report tripped")
	}
}

func TestBreakerRecordSuccessResets(t *testing.T) {
	b := NewBreaker("test", 2, time.Second)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if err := b.Allow(); err != nil {
		t.Fatalf("single failure after reset should not trip breaker, got %v", err)
	}
}
