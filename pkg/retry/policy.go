// Package retry provides the backoff policy used for transient control-plane
// failures and the poll loop that follows every mutating connector call.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
)

// Policy defines retry behavior
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// FromConfig builds a policy from the retry section.
func FromConfig(cfg config.RetryConfig) *Policy {
	return &Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialDelay:    cfg.InitialDelay,
		MaxDelay:        cfg.MaxDelay,
		Multiplier:      cfg.Multiplier,
		RandomizeFactor: cfg.RandomizeFactor,
	}
}

// Execute runs fn, retrying only errors classified as retryable.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.ExecuteWithCondition(ctx, fn, errors.IsRetryable)
}

// ExecuteWithCondition runs fn with retry only if shouldRetry accepts the error
func (p *Policy) ExecuteWithCondition(ctx context.Context, fn func(ctx context.Context) error, shouldRetry func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == attempts-1 {
			break
		}

		if err := sleep(ctx, p.calculateDelay(attempt)); err != nil {
			return errors.FromContext(err, fmt.Sprintf("retry interrupted after %d attempts", attempt+1)).
				WithDetail("last_error", lastErr.Error())
		}
	}

	if attempts == 1 {
		return lastErr
	}
	return errors.Transient(lastErr, fmt.Sprintf("all %d attempts failed", attempts)).
		WithDetail("attempts", attempts)
}

// calculateDelay calculates the delay for a given attempt
func (p *Policy) calculateDelay(attempt int) time.Duration {
	return backoff(p.InitialDelay, p.MaxDelay, p.Multiplier, p.RandomizeFactor, attempt)
}

// GetDelay returns the delay for a specific attempt (for testing/preview)
func (p *Policy) GetDelay(attempt int) time.Duration {
	return p.calculateDelay(attempt)
}

// WithMaxAttempts returns a new policy with updated max attempts
func (p *Policy) WithMaxAttempts(attempts int) *Policy {
	policy := *p
	policy.MaxAttempts = attempts
	return &policy
}

// DefaultPolicy returns a sensible default retry policy
func DefaultPolicy() *Policy {
	return FromConfig(config.Default().Retry)
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() *Policy {
	return &Policy{MaxAttempts: 1}
}

func backoff(initial, max time.Duration, multiplier, randomize float64, attempt int) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	// Base delay calculation with exponential backoff
	delay := float64(initial) * math.Pow(multiplier, float64(attempt))

	if max > 0 && delay > float64(max) {
		delay = float64(max)
	}

	// Apply randomization factor (jitter)
	if randomize > 0 {
		delta := delay * randomize
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // jitter only
	}

	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
