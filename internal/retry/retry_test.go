package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	if result.Err != nil {
		t.Errorf("unexpected error: %v", result.Err)
	}
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1/1", calls, result.Attempts)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	config := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
	result := Do(context.Background(), config, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil {
		t.Errorf("unexpected error: %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	config := Config{MaxAttempts: 5, InitialDelay: time.Millisecond}
	result := Do(context.Background(), config, func() error {
		calls++
		return Permanent(errors.New("bad config"))
	})
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("result error should be permanent, got %v", result.Err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	config := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 1}
	result := Do(context.Background(), config, func() error {
		return errors.New("always fails")
	})
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	if result.Err == nil {
		t.Error("expected final error")
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, DefaultConfig(), func() error {
		return errors.New("never reached after cancel")
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("result.Err = %v, want context.Canceled", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	config := Config{MaxAttempts: 2, InitialDelay: time.Millisecond}
	calls := 0
	value, result := DoWithValue(context.Background(), config, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if result.Err != nil {
		t.Errorf("unexpected error: %v", result.Err)
	}
	if value != 42 {
		t.Errorf("value = %d, want 42", value)
	}
}
