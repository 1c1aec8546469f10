package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableErrorCode(t *testing.T) {
	if !IsRetryableErrorCode("connect_timeout") {
		t.Fatalf("connect_timeout should be retryable")
	}
	if IsRetryableErrorCode("invalid_client_message") {
		t.Fatalf("invalid_client_message should not be retryable")
	}
}

func TestRetryFixedSucceedsOnThirdAttempt(t *testing.T) {
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	calls := 0
	retries := 0
	err := RetryFixed(context.Background(), 3, time.Second, sleep, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("unavailable")
		}
		return nil
	}, func(int, error) { retries++ })
	if err != nil {
		t.Fatalf("RetryFixed() error = %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Fatalf("calls = %d, retries = %d; want 3, 2", calls, retries)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != time.Second {
		t.Fatalf("slept = %v, want two fixed 1s waits", slept)
	}
}

func TestRetryFixedReturnsLastError(t *testing.T) {
	want := errors.New("third")
	calls := 0
	err := RetryFixed(context.Background(), 3, 0, nil, func(_ context.Context, attempt int) error {
		calls++
		if attempt == 3 {
			return want
		}
		return errors.New("earlier")
	}, nil)
	if !errors.Is(err, want) || calls != 3 {
		t.Fatalf("RetryFixed() = %v after %d calls, want %v after 3", err, calls, want)
	}
}

func TestRetryFixedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryFixed(ctx, 3, time.Second, nil, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("down")
	}, nil)
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("RetryFixed() = %v after %d calls, want context.Canceled after 1", err, calls)
	}
}

func TestRetryFixedStopsWhenWaitFails(t *testing.T) {
	want := errors.New("down")
	calls := 0
	retries := 0
	sleep := func(context.Context, time.Duration) error { return errors.New("clock stopped") }
	err := RetryFixed(context.Background(), 3, time.Second, sleep, func(context.Context, int) error {
		calls++
		return want
	}, func(int, error) { retries++ })
	if !errors.Is(err, want) || calls != 1 || retries != 1 {
		t.Fatalf("RetryFixed() = %v after %d calls, %d retries; want %v after 1 call, 1 retry", err, calls, retries, want)
	}
}

func TestRetryFixedSingleAttempt(t *testing.T) {
	calls := 0
	err := RetryFixed(context.Background(), 0, time.Second, nil, func(context.Context, int) error {
		calls++
		return errors.New("down")
	}, func(int, error) { t.Fatalf("onRetry called with a single attempt") })
	if err == nil || calls != 1 {
		t.Fatalf("RetryFixed() = %v after %d calls, want error after 1", err, calls)
	}
}
