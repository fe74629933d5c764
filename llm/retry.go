package llm

import (
	"context"
	"time"
)

// RetryConfig holds retry configuration for provider calls.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Total attempts made = MaxRetries + 1.
	MaxRetries int

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff duration.
	MaxDelay time.Duration

	// BackoffMultiplier is applied to the delay on each retry.
	BackoffMultiplier float64

	// RetryableCodes limits which classified error codes are retried.
	// Empty means "trust the classifier's retryable flag".
	RetryableCodes []ErrorCode
}

// DefaultRetryConfig returns the retry defaults for generation calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableCodes:    []ErrorCode{CodeNetworkError, CodeTimeout, CodeAPIError},
	}
}

func (c RetryConfig) shouldRetry(pe *ProviderError) bool {
	if !pe.Retryable {
		return false
	}
	if len(c.RetryableCodes) == 0 {
		return true
	}
	for _, code := range c.RetryableCodes {
		if pe.Code == code {
			return true
		}
	}
	return false
}

// backoff computes the delay before retry number attempt (0-based).
func (c RetryConfig) backoff(attempt int) time.Duration {
	delay := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.BackoffMultiplier
	}
	if max := float64(c.MaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// OnRetry observes each retry decision. attempt is the retry number about to
// be made (1-based), cause the classified error that triggered it.
type OnRetry func(attempt int, cause *ProviderError)

// WithRetry runs op with bounded exponential-backoff retry. Non-retryable
// errors propagate immediately; retryable ones are re-attempted until
// cfg.MaxRetries retries have been spent, then the last classified error is
// returned. The backoff sleep honors ctx cancellation.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error), onRetry OnRetry) (T, error) {
	var zero T
	var lastErr *ProviderError

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = Classify(err)
		if !cfg.shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		if onRetry != nil {
			onRetry(attempt+1, lastErr)
		}

		select {
		case <-ctx.Done():
			return zero, Classify(ctx.Err())
		case <-time.After(cfg.backoff(attempt)):
		}
	}

	return zero, lastErr
}
