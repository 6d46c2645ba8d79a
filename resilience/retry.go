// Package resilience wraps fallible operations with exponential-backoff
// retries and per-target circuit breakers, driven by the error taxonomy
// in the types package: validation, tenant and budget errors fail fast,
// transient retrieval/tool/model/timeout errors retry, and unclassified
// errors get exactly one retry.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

// RetryPolicy configures the backoff retryer.
type RetryPolicy struct {
	MaxRetries   int                                               `yaml:"max_retries" json:"max_retries"`
	InitialDelay time.Duration                                     `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration                                     `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64                                           `yaml:"multiplier" json:"multiplier"`
	Jitter       bool                                              `yaml:"jitter" json:"jitter"`
	OnRetry      func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer retries a function according to policy and error class.
type Retryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

// NewRetryer creates a backoff retryer. A nil policy uses defaults.
func NewRetryer(policy *RetryPolicy, logger *zap.Logger) *Retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy, logger: logger.With(zap.String("component", "retryer"))}
}

// Do runs fn, retrying per the error taxonomy: fatal codes return
// immediately, retryable codes retry up to MaxRetries, unknown errors
// retry once.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := r.delay(attempt)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry aborted: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		classified := types.Classify(err)
		if attempt >= r.budget(classified) {
			return lastErr
		}
		if !classified.Retryable && classified.Code != types.ErrUnknown {
			return lastErr
		}
	}
}

// budget returns how many retries an error class is entitled to.
// Unclassified errors get exactly one attempt on top of the original.
func (r *Retryer) budget(classified *types.Error) int {
	if classified.Code == types.ErrUnknown {
		if r.policy.MaxRetries < 1 {
			return 0
		}
		return 1
	}
	return r.policy.MaxRetries
}

func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}
