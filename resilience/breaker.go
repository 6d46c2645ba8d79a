package resilience

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	// CircuitClosed lets requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all requests until the recovery timeout.
	CircuitOpen
	// CircuitHalfOpen lets a bounded number of probes through.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes" json:"half_open_max_probes"`
	SuccessThreshold  int           `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 3,
		SuccessThreshold:  2,
	}
}

// Breaker is a per-target circuit breaker. Consecutive failures trip it
// open; after the recovery timeout it admits probe requests and closes
// again on enough consecutive successes.
type Breaker struct {
	target      string
	config      BreakerConfig
	state       CircuitState
	failures    int
	successes   int
	probeCount  int
	lastFailure time.Time
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewBreaker creates a closed breaker for the named target.
func NewBreaker(target string, config BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		target: target,
		config: config,
		state:  CircuitClosed,
		logger: logger.With(zap.String("component", "breaker"), zap.String("target", target)),
	}
}

// Allow reports whether a request may proceed. When the breaker is open
// it returns a non-retryable error so callers fail fast.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(b.lastFailure) >= b.config.RecoveryTimeout {
			b.transition(CircuitHalfOpen, "recovery timeout elapsed")
			b.probeCount = 1
			b.successes = 0
			return nil
		}
		return types.NewError(types.ErrUnknown,
			fmt.Sprintf("circuit open for %s after %d consecutive failures", b.target, b.failures)).
			WithRetryable(false)
	case CircuitHalfOpen:
		if b.probeCount < b.config.HalfOpenMaxProbes {
			b.probeCount++
			return nil
		}
		return types.NewError(types.ErrUnknown,
			fmt.Sprintf("circuit half-open for %s, probe limit reached", b.target)).
			WithRetryable(false)
	default:
		return types.NewError(types.ErrUnknown, "invalid circuit state").WithRetryable(false)
	}
}

// RecordSuccess feeds a success into the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == CircuitHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(CircuitClosed, "probes succeeded")
		}
	}
}

// RecordFailure feeds a failure into the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	switch b.state {
	case CircuitHalfOpen:
		b.transition(CircuitOpen, "probe failed")
	case CircuitClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(CircuitOpen, "failure threshold reached")
		}
	}
}

// State returns the current position.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to CircuitState, reason string) {
	if b.state == to {
		return
	}
	b.logger.Info("circuit state change",
		zap.String("from", b.state.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
	)
	b.state = to
	if to == CircuitClosed {
		b.failures = 0
		b.successes = 0
		b.probeCount = 0
	}
}
