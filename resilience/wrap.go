package resilience

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Wrapper combines retries with per-target circuit breakers. Every
// external dependency (a retriever, a model provider, a tool) gets its
// own breaker keyed by target name.
type Wrapper struct {
	retryer  *Retryer
	breakers map[string]*Breaker
	bcfg     BreakerConfig
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewWrapper creates a resilience wrapper. Nil configs use defaults.
func NewWrapper(policy *RetryPolicy, bcfg *BreakerConfig, logger *zap.Logger) *Wrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := DefaultBreakerConfig()
	if bcfg != nil {
		cfg = *bcfg
	}
	return &Wrapper{
		retryer:  NewRetryer(policy, logger),
		breakers: make(map[string]*Breaker),
		bcfg:     cfg,
		logger:   logger,
	}
}

// Execute runs fn against the named target under its breaker, retrying
// per the error taxonomy. Breaker rejections fail fast without retries.
func (w *Wrapper) Execute(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	b := w.breaker(target)
	return w.retryer.Do(ctx, func(ctx context.Context) error {
		if err := b.Allow(); err != nil {
			return err
		}
		if err := fn(ctx); err != nil {
			b.RecordFailure()
			return err
		}
		b.RecordSuccess()
		return nil
	})
}

// BreakerState exposes the breaker position for a target.
func (w *Wrapper) BreakerState(target string) CircuitState {
	return w.breaker(target).State()
}

func (w *Wrapper) breaker(target string) *Breaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.breakers[target]
	if !ok {
		b = NewBreaker(target, w.bcfg, w.logger)
		w.breakers[target] = b
	}
	return b
}
