package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig configures backoff around each model step.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for model API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryableError reports whether the failure is transient enough to retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()

	if containsAny(errStr, "rate limit", "quota exceeded", "429") {
		return true
	}
	if containsAny(errStr, "500", "502", "503", "504", "unavailable") {
		return true
	}
	if containsAny(errStr, "connection reset", "timeout", "temporary") {
		return true
	}
	return false
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// stepWithRetry runs one model step with rate limiting and exponential
// backoff. A streaming step that already delivered deltas is not retried:
// the client has seen partial text, so a retry would duplicate it.
func (s *Session) stepWithRetry(ctx context.Context, req StepRequest, onDelta func(context.Context, string) error) (StepResult, error) {
	var lastErr error
	delay := s.retryConfig.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= s.retryConfig.MaxRetries; attempt++ {
		if s.rateLimiter != nil {
			if err := s.rateLimiter.Wait(ctx); err != nil {
				return StepResult{}, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		streamed := false
		result, err := s.stepper.Step(ctx, req, func(ctx context.Context, delta string) error {
			streamed = true
			return onDelta(ctx, delta)
		})
		if err == nil {
			s.logger.Debug("model step succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return result, nil
		}

		lastErr = err
		if streamed || !retryableError(err) {
			return StepResult{}, fmt.Errorf("model step: %w", err)
		}
		if attempt == s.retryConfig.MaxRetries {
			break
		}

		s.logger.Debug("retrying model step",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return StepResult{}, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, s.retryConfig.MaxInterval)
		}
	}

	return StepResult{}, fmt.Errorf("model step after %d retries (elapsed: %v): %w",
		s.retryConfig.MaxRetries, time.Since(start), lastErr)
}

// newRateLimiter mirrors the default used for model providers: a small
// steady rate with short bursts.
func newRateLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(2), 4)
}
