package baton

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"typed error", &Error{Kind: KindModelTransient}, KindModelTransient},
		{"wrapped typed error", fmt.Errorf("call: %w", &Error{Kind: KindOutputParse}), KindOutputParse},
		{"transient wrapper", TransientError(errors.New("dial tcp")), KindToolTransient},
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindToolTransient},
		{"plain error", errors.New("boom"), KindToolFatal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: Classify = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestTransient(t *testing.T) {
	if !Transient(&Error{Kind: KindModelTransient}) || !Transient(TransientError(errors.New("x"))) {
		t.Fatal("transient kinds reported as non-retryable")
	}
	if Transient(&Error{Kind: KindModelFatal}) || Transient(errors.New("boom")) {
		t.Fatal("fatal errors reported as retryable")
	}
}

func TestRetryCallRetriesTransientOnly(t *testing.T) {
	attempts := 0
	out, retries, err := retryCall(context.Background(), 3, time.Microsecond, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", TransientError(errors.New("flaky"))
		}
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("retryCall = %q, %v", out, err)
	}
	if attempts != 3 || retries != 2 {
		t.Fatalf("attempts = %d retries = %d, want 3 and 2", attempts, retries)
	}

	attempts = 0
	fatal := errors.New("bad args")
	_, retries, err = retryCall(context.Background(), 3, time.Microsecond, func() (string, error) {
		attempts++
		return "", fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want fatal passthrough", err)
	}
	if attempts != 1 || retries != 0 {
		t.Fatalf("fatal error retried: attempts = %d retries = %d", attempts, retries)
	}
}

func TestRetryCallExhaustsBudget(t *testing.T) {
	attempts := 0
	_, retries, err := retryCall(context.Background(), 2, time.Microsecond, func() (int, error) {
		attempts++
		return 0, TransientError(errors.New("still down"))
	})
	if err == nil {
		t.Fatal("exhausted retries returned nil error")
	}
	if attempts != 3 || retries != 2 {
		t.Fatalf("attempts = %d retries = %d, want 3 and 2", attempts, retries)
	}
}

func TestRetryCallStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	_, _, err := retryCall(ctx, 5, time.Hour, func() (int, error) {
		attempts++
		return 0, TransientError(errors.New("flaky"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry after cancel)", attempts)
	}
}

func TestRetryBackoffGrows(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		d := retryBackoff(base, attempt)
		floor := base << attempt
		if d < floor || d > floor+floor/2 {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, floor, floor+floor/2)
		}
	}
	if d := retryBackoff(0, 0); d < 250*time.Millisecond {
		t.Fatalf("zero base backoff = %v, want default floor", d)
	}
}

func TestModelStepTimeout(t *testing.T) {
	adapter := ModelAdapterFunc(func(ctx context.Context, _ *RenderContext, _ ModelConfig, _ chan<- Delta) (*ModelStepResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	agent := NewAgent("stuck", adapter, ModelConfig{Provider: "stub", Name: "stub-1"})

	cfg := DefaultConfig()
	cfg.ModelTimeout = Duration(20 * time.Millisecond)
	cfg.ModelRetry = RetryConfig{Max: 0}

	result, err := Run(context.Background(), agent, WithConfig(cfg), WithInput("hi"))
	if err == nil {
		t.Fatal("stalled model call returned without error")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindModelTransient {
		t.Fatalf("err = %v, want kind %s", err, KindModelTransient)
	}

	var end *Event
	for i := range result.Events {
		if result.Events[i].Type == EventModelEnd {
			end = &result.Events[i]
		}
	}
	if end == nil || end.ModelEnd.Error == "" {
		t.Fatalf("model_end = %+v, want recorded error", end)
	}
}
