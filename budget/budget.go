// Package budget enforces token caps on model usage. Each request has a
// hard token ceiling and each tenant a rolling daily allowance; hitting
// either produces a fatal budget error while keeping whatever partial
// result was already produced.
package budget

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

// Config tunes the budget tracker.
type Config struct {
	MaxTokensPerRequest int     `yaml:"max_tokens_per_request" json:"max_tokens_per_request"`
	MaxTokensPerDay     int     `yaml:"max_tokens_per_day" json:"max_tokens_per_day"`
	AlertThreshold      float64 `yaml:"alert_threshold" json:"alert_threshold"`
	Encoding            string  `yaml:"encoding" json:"encoding"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokensPerRequest: 100000,
		MaxTokensPerDay:     5000000,
		AlertThreshold:      0.8,
		Encoding:            "cl100k_base",
	}
}

type tenantWindow struct {
	tokens   int
	dayStart time.Time
	alerted  bool
}

// Tracker accounts token usage per request and per tenant-day.
type Tracker struct {
	config   Config
	logger   *zap.Logger
	mu       sync.Mutex
	requests map[string]int
	tenants  map[string]*tenantWindow

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewTracker creates a budget tracker.
func NewTracker(config Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxTokensPerRequest <= 0 {
		config.MaxTokensPerRequest = DefaultConfig().MaxTokensPerRequest
	}
	if config.MaxTokensPerDay <= 0 {
		config.MaxTokensPerDay = DefaultConfig().MaxTokensPerDay
	}
	if config.Encoding == "" {
		config.Encoding = DefaultConfig().Encoding
	}
	return &Tracker{
		config:   config,
		logger:   logger.With(zap.String("component", "budget")),
		requests: make(map[string]int),
		tenants:  make(map[string]*tenantWindow),
	}
}

// Estimate counts the tokens in text. Uses the configured tiktoken
// encoding when available, with a whitespace heuristic as fallback so
// estimation never fails.
func (t *Tracker) Estimate(text string) int {
	if text == "" {
		return 0
	}
	t.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(t.config.Encoding)
		if err != nil {
			t.logger.Warn("tiktoken encoding unavailable, using word estimate", zap.Error(err))
			return
		}
		t.enc = enc
	})
	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	// Roughly 4/3 tokens per word.
	words := len(strings.Fields(text))
	return words + words/3
}

// Charge records tokens against a request and its tenant, returning a
// budget error when either cap is exceeded. The usage that pushed the
// counter over is still recorded so partial results stay accounted.
func (t *Tracker) Charge(tenantID, requestID string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests[requestID] += tokens
	win := t.window(tenantID)
	win.tokens += tokens

	if !win.alerted && t.config.AlertThreshold > 0 &&
		float64(win.tokens) >= t.config.AlertThreshold*float64(t.config.MaxTokensPerDay) {
		win.alerted = true
		t.logger.Warn("tenant approaching daily token budget",
			zap.String("tenant_id", tenantID),
			zap.Int("tokens_used", win.tokens),
			zap.Int("daily_cap", t.config.MaxTokensPerDay),
		)
	}

	if t.requests[requestID] > t.config.MaxTokensPerRequest {
		return types.NewError(types.ErrBudgetExceeded,
			fmt.Sprintf("request token budget exhausted: %d of %d", t.requests[requestID], t.config.MaxTokensPerRequest))
	}
	if win.tokens > t.config.MaxTokensPerDay {
		return types.NewError(types.ErrBudgetExceeded,
			fmt.Sprintf("tenant daily token budget exhausted: %d of %d", win.tokens, t.config.MaxTokensPerDay))
	}
	return nil
}

// RequestUsage returns the tokens charged to a request so far.
func (t *Tracker) RequestUsage(requestID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[requestID]
}

// Release drops the per-request counter once the request is finished.
func (t *Tracker) Release(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.requests, requestID)
}

func (t *Tracker) window(tenantID string) *tenantWindow {
	now := time.Now()
	win, ok := t.tenants[tenantID]
	if !ok || now.Sub(win.dayStart) >= 24*time.Hour {
		win = &tenantWindow{dayStart: now}
		t.tenants[tenantID] = win
	}
	return win
}
