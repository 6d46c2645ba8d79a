// Package engine fans retrieval out across all configured sources and
// fuses the results into one ranked, explainable list. The same engine
// serves two callers: evidence retrieval and automatic agent selection.
//
// Fan-out runs under one shared deadline. Sources that finish in time
// contribute; sources that fail or overrun are recorded and the result
// is tagged degraded. Zero successes yield an empty result with the
// no-evidence marker rather than an error, so workflows can proceed in
// degraded mode.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/fusion"
	"github.com/expertflow-ai/expertflow/internal/cache"
	"github.com/expertflow-ai/expertflow/internal/metrics"
	"github.com/expertflow-ai/expertflow/retrieval"
	"github.com/expertflow-ai/expertflow/types"
)

// Config tunes the fusion engine.
type Config struct {
	TopK           int                       `yaml:"top_k" json:"top_k"`
	FusionK        int                       `yaml:"fusion_k" json:"fusion_k"`
	Timeout        time.Duration             `yaml:"timeout" json:"timeout"`
	PerCallTimeout time.Duration             `yaml:"per_call_timeout" json:"per_call_timeout"`
	Weights        map[types.Source]float64  `yaml:"weights" json:"weights"`
	CacheTTL       time.Duration             `yaml:"cache_ttl" json:"cache_ttl"`
	MaxHops        int                       `yaml:"max_hops" json:"max_hops"`
}

// DefaultConfig returns the default engine configuration. Vector
// similarity dominates, graph proximity refines, history nudges.
func DefaultConfig() Config {
	return Config{
		TopK:           10,
		FusionK:        fusion.DefaultK,
		Timeout:        5 * time.Second,
		PerCallTimeout: 4 * time.Second,
		Weights: map[types.Source]float64{
			types.SourceVector:     0.6,
			types.SourceGraph:      0.35,
			types.SourceRelational: 0.05,
		},
		CacheTTL: 5 * time.Minute,
		MaxHops:  2,
	}
}

// Engine orchestrates the configured retrievers.
type Engine struct {
	retrievers []retrieval.Retriever
	config     Config
	cache      *cache.Manager
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCache enables the tenant-scoped query cache.
func WithCache(c *cache.Manager) Option {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a fusion engine over the given retrievers.
func New(retrievers []retrieval.Retriever, config Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TopK <= 0 {
		config.TopK = DefaultConfig().TopK
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.PerCallTimeout <= 0 || config.PerCallTimeout > config.Timeout {
		config.PerCallTimeout = config.Timeout
	}
	if len(config.Weights) == 0 {
		config.Weights = DefaultConfig().Weights
	}
	e := &Engine{
		retrievers: retrievers,
		config:     config,
		logger:     logger.With(zap.String("component", "fusion_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RetrieveEvidence returns fused evidence for a query.
func (e *Engine) RetrieveEvidence(ctx context.Context, query, tenantID string, topK int) (*types.Evidence, error) {
	return e.fused(ctx, query, tenantID, topK, retrieval.KindDocument)
}

// SelectAgents returns the fused agent ranking for a query. Used by
// modes with automatic agent choice. The kind keeps agent cards and
// evidence documents apart even though they share one index.
func (e *Engine) SelectAgents(ctx context.Context, query, tenantID string, topK int) ([]types.FusionResult, error) {
	ev, err := e.fused(ctx, query, tenantID, topK, retrieval.KindAgent)
	if err != nil {
		return nil, err
	}
	return ev.Results, nil
}

func (e *Engine) fused(ctx context.Context, query, tenantID string, topK int, kind string) (*types.Evidence, error) {
	if tenantID == "" {
		return nil, types.NewError(types.ErrTenant, "tenant id is required")
	}
	if topK <= 0 {
		topK = e.config.TopK
	}

	if e.cache != nil {
		key := cache.Key(tenantID, query, map[string]any{"kind": kind, "top_k": topK})
		if ev, ok := e.cacheLookup(ctx, key); ok {
			return ev, nil
		}
		data, err := e.cache.GetOrCompute(ctx, key, e.config.CacheTTL, func(ctx context.Context) (any, error) {
			ev := e.gather(ctx, query, tenantID, topK, kind)
			if ev.Degraded {
				// Degraded results are answered but never cached, so
				// the next query retries the failed sources.
				return nil, &uncached{ev: ev}
			}
			return ev, nil
		})
		if err != nil {
			var u *uncached
			if asUncached(err, &u) {
				return u.ev, nil
			}
			return nil, err
		}
		var ev types.Evidence
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil
	}

	return e.gather(ctx, query, tenantID, topK, kind), nil
}

func (e *Engine) cacheLookup(ctx context.Context, key string) (*types.Evidence, bool) {
	var ev types.Evidence
	err := e.cache.GetJSON(ctx, key, &ev)
	if err == nil {
		if e.metrics != nil {
			e.metrics.CacheHit()
		}
		return &ev, true
	}
	if e.metrics != nil && cache.IsCacheMiss(err) {
		e.metrics.CacheMiss()
	}
	return nil, false
}

type sourceResult struct {
	source types.Source
	items  []types.RankedItem
	err    error
}

// gather fans all retrievers out under the shared deadline and fuses
// whatever completes. Each concurrent call writes a private result slot;
// merging happens here, on the single orchestrating goroutine.
func (e *Engine) gather(ctx context.Context, query, tenantID string, topK int, kind string) *types.Evidence {
	start := time.Now()
	shared, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	slots := make(chan sourceResult, len(e.retrievers))
	for _, r := range e.retrievers {
		r := r
		go func() {
			callCtx, callCancel := context.WithTimeout(shared, e.config.PerCallTimeout)
			defer callCancel()
			callStart := time.Now()
			items, err := r.Retrieve(callCtx, query, tenantID, topK, retrieval.Params{MaxHops: e.config.MaxHops, Kind: kind})
			if e.metrics != nil {
				e.metrics.ObserveRetriever(string(r.Source()), time.Since(callStart), err)
			}
			slots <- sourceResult{source: r.Source(), items: items, err: err}
		}()
	}

	var lists []types.RankedList
	sourceErrors := make(map[types.Source]string)
	reported := make(map[types.Source]bool)
collect:
	for len(reported) < len(e.retrievers) {
		select {
		case res := <-slots:
			reported[res.source] = true
			if res.err != nil {
				sourceErrors[res.source] = res.err.Error()
				continue
			}
			if len(res.items) > 0 {
				lists = append(lists, types.RankedList{Source: res.source, Items: res.items})
			}
		case <-shared.Done():
			// Deadline elapsed: whatever is still in flight counts as
			// timed out. In-flight calls are cancelled cooperatively.
			break collect
		}
	}
	for _, r := range e.retrievers {
		if !reported[r.Source()] {
			sourceErrors[r.Source()] = "deadline exceeded"
		}
	}

	ev := &types.Evidence{
		Degraded:      len(sourceErrors) > 0,
		RetrievalTime: time.Since(start),
	}
	if len(sourceErrors) > 0 {
		ev.SourceErrors = sourceErrors
	}
	if len(lists) == 0 {
		ev.NoEvidence = true
		e.logger.Warn("no evidence retrieved",
			zap.String("tenant_id", tenantID),
			zap.Any("source_errors", sourceErrors),
		)
		return ev
	}

	ev.Results = fusion.WeightedFuse(lists, e.config.Weights, e.config.FusionK)
	if topK > 0 && len(ev.Results) > topK {
		ev.Results = ev.Results[:topK]
	}

	e.logger.Debug("retrieval fused",
		zap.String("tenant_id", tenantID),
		zap.Int("sources_ok", len(lists)),
		zap.Int("sources_failed", len(sourceErrors)),
		zap.Int("results", len(ev.Results)),
		zap.Bool("degraded", ev.Degraded),
	)
	return ev
}

// uncached carries a degraded result out of the cache compute path
// without publishing it.
type uncached struct {
	ev *types.Evidence
}

func (u *uncached) Error() string { return "result not cacheable" }

func asUncached(err error, target **uncached) bool {
	u, ok := err.(*uncached)
	if ok {
		*target = u
	}
	return ok
}
