package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/loom-chat/loom/internal/log"
	"github.com/loom-chat/loom/internal/transcript"
)

func TestRetryableError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"quota", errors.New("quota exceeded for model"), true},
		{"server error", errors.New("503 service unavailable"), true},
		{"network", errors.New("read: connection reset by peer"), true},
		{"timeout", errors.New("context deadline exceeded: timeout"), true},
		{"bad request", errors.New("400 invalid argument"), false},
		{"auth", errors.New("401 unauthorized"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryableError(tc.err); got != tc.want {
				t.Errorf("retryableError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

// flakyStepper fails with a retryable error a fixed number of times.
type flakyStepper struct {
	failures int
	calls    int
	streamed bool
}

func (f *flakyStepper) Step(ctx context.Context, _ StepRequest, onDelta func(context.Context, string) error) (StepResult, error) {
	f.calls++
	if f.calls <= f.failures {
		if f.streamed {
			if err := onDelta(ctx, "partial"); err != nil {
				return StepResult{}, err
			}
		}
		return StepResult{}, fmt.Errorf("attempt %d: 503 unavailable", f.calls)
	}
	return StepResult{Text: "ok"}, nil
}

func retrySession(t *testing.T, stepper ModelStepper, cfg RetryConfig) *Session {
	t.Helper()
	s, err := NewSession(Config{
		Handshake:   testHandshake(),
		Store:       transcript.NewMemoryStore(log.NewNop()),
		Provider:    &StaticContextProvider{},
		Stepper:     stepper,
		Tools:       &fakeRunner{},
		Artifacts:   &fakeArtifacts{},
		RetryConfig: cfg,
		RateLimiter: rate.NewLimiter(rate.Inf, 1),
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

func TestStepWithRetry_RecoversFromTransientFailures(t *testing.T) {
	stepper := &flakyStepper{failures: 2}
	s := retrySession(t, stepper, RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})

	result, err := s.stepWithRetry(context.Background(), StepRequest{}, func(context.Context, string) error { return nil })
	if err != nil {
		t.Fatalf("stepWithRetry() error = %v", err)
	}
	if result.Text != "ok" {
		t.Errorf("result text = %q", result.Text)
	}
	if stepper.calls != 3 {
		t.Errorf("attempts = %d, want 3", stepper.calls)
	}
}

func TestStepWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	stepper := &flakyStepper{failures: 100}
	s := retrySession(t, stepper, RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})

	_, err := s.stepWithRetry(context.Background(), StepRequest{}, func(context.Context, string) error { return nil })
	if err == nil {
		t.Fatal("stepWithRetry() error = nil, want exhaustion")
	}
	if stepper.calls != 3 {
		t.Errorf("attempts = %d, want initial + 2 retries", stepper.calls)
	}
}

func TestStepWithRetry_NeverRetriesAfterStreaming(t *testing.T) {
	// Retrying a step that already delivered deltas would duplicate text on
	// the client, so a streamed failure is terminal even when retryable.
	stepper := &flakyStepper{failures: 100, streamed: true}
	s := retrySession(t, stepper, RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})

	_, err := s.stepWithRetry(context.Background(), StepRequest{}, func(context.Context, string) error { return nil })
	if err == nil {
		t.Fatal("stepWithRetry() error = nil, want failure")
	}
	if stepper.calls != 1 {
		t.Errorf("attempts = %d, want no retry after streamed delta", stepper.calls)
	}
}
