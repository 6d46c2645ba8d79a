package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/expertflow-ai/expertflow/types"
)

// Tool is an auxiliary lookup invoked alongside evidence retrieval.
type Tool interface {
	Name() string
	Call(ctx context.Context, query, tenantID string) (any, error)
}

// ToolResult is one tool's outcome inside a gather phase.
type ToolResult struct {
	Name   string `json:"name"`
	Output any    `json:"output,omitempty"`
	Err    string `json:"error,omitempty"`
}

// GatherResult merges fused evidence with tool outputs.
type GatherResult struct {
	Evidence    *types.Evidence `json:"evidence,omitempty"`
	ToolResults []ToolResult    `json:"tool_results,omitempty"`
	Degraded    bool            `json:"degraded"`
}

// GathererConfig tunes the evidence gatherer.
type GathererConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MinResults is the minimum number of fused evidence items required
	// for the phase to succeed when evidence is requested. Zero disables
	// the policy: degraded and even empty evidence pass through.
	MinResults int `yaml:"min_results" json:"min_results"`
}

// DefaultGathererConfig returns the default gatherer configuration.
func DefaultGathererConfig() GathererConfig {
	return GathererConfig{Timeout: 8 * time.Second}
}

// Gatherer issues the evidence query and all declared tool calls in
// parallel under one shared deadline, tolerating partial failure.
type Gatherer struct {
	engine *Engine
	tools  []Tool
	config GathererConfig
	logger *zap.Logger
}

// NewGatherer creates an evidence gatherer over the fusion engine.
func NewGatherer(engine *Engine, tools []Tool, config GathererConfig, logger *zap.Logger) *Gatherer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultGathererConfig().Timeout
	}
	return &Gatherer{
		engine: engine,
		tools:  tools,
		config: config,
		logger: logger.With(zap.String("component", "gatherer")),
	}
}

// Gather runs the phase. Evidence and tools fill private slots merged
// after the join; the caller's state is never touched concurrently.
// The returned error is non-nil only when the minimum-evidence policy
// is violated; plain degradation is reported through the result.
func (g *Gatherer) Gather(ctx context.Context, query, tenantID string, topK int, withEvidence, withTools bool) (*GatherResult, error) {
	shared, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		evidence *types.Evidence
		evErr    error
		tools    []ToolResult
	)

	grp, grpCtx := errgroup.WithContext(shared)
	if withEvidence {
		grp.Go(func() error {
			ev, err := g.engine.RetrieveEvidence(grpCtx, query, tenantID, topK)
			mu.Lock()
			evidence, evErr = ev, err
			mu.Unlock()
			return nil
		})
	}
	if withTools {
		for _, tool := range g.tools {
			tool := tool
			grp.Go(func() error {
				out, err := tool.Call(grpCtx, query, tenantID)
				res := ToolResult{Name: tool.Name(), Output: out}
				if err != nil {
					res.Output = nil
					res.Err = err.Error()
				}
				mu.Lock()
				tools = append(tools, res)
				mu.Unlock()
				return nil
			})
		}
	}
	// Workers always return nil: partial failure degrades, it does not
	// abort the siblings.
	_ = grp.Wait()

	result := &GatherResult{Evidence: evidence, ToolResults: tools}
	if evErr != nil {
		result.Degraded = true
		g.logger.Warn("evidence retrieval failed", zap.Error(evErr))
	}
	if evidence != nil && evidence.Degraded {
		result.Degraded = true
	}
	for _, tr := range tools {
		if tr.Err != "" {
			result.Degraded = true
		}
	}

	if withEvidence && g.config.MinResults > 0 {
		have := 0
		if evidence != nil {
			have = len(evidence.Results)
		}
		if have < g.config.MinResults {
			err := types.NewError(types.ErrRetrieval,
				"minimum evidence policy violated").WithNode("gather_evidence")
			if evErr != nil {
				err = err.WithCause(evErr)
			}
			return result, err
		}
	}
	return result, nil
}
