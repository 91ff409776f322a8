// Package utils provides small helpers shared by the reconcilers.
//
//nolint:revive // Package name 'utils' is intentional for grouping utility functions.
package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

// RetryConfig configures polling behavior.
//
// Lifecycle operations never retry on their own: the zero value and
// DefaultRetryConfig both make exactly one attempt. Callers opt in to
// polling, e.g. when waiting for udev to create a by-path symlink.
//
//nolint:govet // fieldalignment: field order prioritizes readability over memory optimization.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first try).
	// Default: 1
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 10 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 1.0 (constant interval)
	BackoffMultiplier float64

	// RetryableFunc determines if an error is retryable.
	// If nil, all errors are considered retryable.
	RetryableFunc func(error) bool

	// OperationName is used for logging purposes.
	OperationName string
}

// DefaultRetryConfig returns a single-attempt RetryConfig.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 1.0,
		OperationName:     "operation",
	}
}

// PollConfig returns a constant-interval config for waiting on a condition.
func PollConfig(name string, attempts int, interval time.Duration, retryable ...error) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.OperationName = name
	cfg.MaxAttempts = attempts
	if interval > 0 {
		cfg.InitialBackoff = interval
		cfg.MaxBackoff = interval
	}
	if len(retryable) > 0 {
		cfg.RetryableFunc = RetryOn(retryable...)
	}
	return cfg
}

// ErrMaxRetriesExceeded is returned when all attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// WithRetry executes a function with retry logic and backoff.
//
// Usage:
//
//	dev, err := WithRetry(ctx, config, func() (string, error) {
//	    return client.BlockDevice(ctx, iqn)
//	})
func WithRetry[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, error) {
	var zero T

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = 1.0
	}
	if config.OperationName == "" {
		config.OperationName = "operation"
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				klog.V(4).Infof("Retry: %s succeeded on attempt %d", config.OperationName, attempt)
			}
			return result, nil
		}

		lastErr = err

		if config.RetryableFunc != nil && !config.RetryableFunc(err) {
			klog.V(4).Infof("Retry: %s failed with non-retryable error: %v", config.OperationName, err)
			return zero, err
		}

		if attempt < config.MaxAttempts {
			klog.V(4).Infof("Retry: %s failed on attempt %d/%d: %v, retrying in %v",
				config.OperationName, attempt, config.MaxAttempts, err, backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return zero, ctx.Err()
			}

			backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	if config.MaxAttempts == 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%w: %s failed after %d attempts: %w",
		ErrMaxRetriesExceeded, config.OperationName, config.MaxAttempts, lastErr)
}

// WithRetryNoResult executes a function that returns only an error with retry logic.
func WithRetryNoResult(ctx context.Context, config RetryConfig, fn func() error) error {
	_, err := WithRetry(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryOn returns a RetryableFunc that accepts errors matching any target.
func RetryOn(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}
