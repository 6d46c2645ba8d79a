// Package registry holds the expert agent catalog: read-only reference
// data shared across requests. Capability levels map to execution
// strategies through a flat table, not a type hierarchy.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

// Strategy is the execution envelope granted to a capability level.
type Strategy struct {
	MaxIterations       int     `yaml:"max_iterations" json:"max_iterations"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	AllowTools          bool    `yaml:"allow_tools" json:"allow_tools"`
	AllowSubagents      bool    `yaml:"allow_subagents" json:"allow_subagents"`
}

// defaultStrategies grants wider envelopes to higher levels.
var defaultStrategies = map[types.AgentLevel]Strategy{
	types.LevelL1: {MaxIterations: 1, ConfidenceThreshold: 0.5},
	types.LevelL2: {MaxIterations: 3, ConfidenceThreshold: 0.6, AllowTools: true},
	types.LevelL3: {MaxIterations: 5, ConfidenceThreshold: 0.7, AllowTools: true},
	types.LevelL4: {MaxIterations: 8, ConfidenceThreshold: 0.75, AllowTools: true, AllowSubagents: true},
	types.LevelL5: {MaxIterations: 12, ConfidenceThreshold: 0.8, AllowTools: true, AllowSubagents: true},
}

// Registry is the agent catalog. Writes happen at startup; reads are
// concurrent across requests.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]types.Agent
	strategies map[types.AgentLevel]Strategy
	logger     *zap.Logger
}

// New creates an empty registry with the default level strategies.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategies := make(map[types.AgentLevel]Strategy, len(defaultStrategies))
	for level, s := range defaultStrategies {
		strategies[level] = s
	}
	return &Registry{
		agents:     make(map[string]types.Agent),
		strategies: strategies,
		logger:     logger.With(zap.String("component", "registry")),
	}
}

// Register adds or replaces an agent.
func (r *Registry) Register(agent types.Agent) error {
	if agent.ID == "" {
		return types.NewError(types.ErrValidation, "agent id is required")
	}
	if agent.Level == "" {
		agent.Level = types.LevelL1
	}
	if _, ok := r.strategies[agent.Level]; !ok {
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown agent level %q", agent.Level))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = agent
	r.logger.Debug("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("level", string(agent.Level)),
	)
	return nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return types.Agent{}, types.NewError(types.ErrValidation, fmt.Sprintf("unknown agent %q", id))
	}
	return agent, nil
}

// List returns all agents sorted by id.
func (r *Registry) List() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]types.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// StrategyFor maps a capability level to its execution strategy.
func (r *Registry) StrategyFor(level types.AgentLevel) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[level]; ok {
		return s
	}
	return r.strategies[types.LevelL1]
}

// SetStrategy overrides the strategy for a level.
func (r *Registry) SetStrategy(level types.AgentLevel, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[level] = s
}

// Resolve validates that every id exists and returns the agents in the
// requested order.
func (r *Registry) Resolve(ids []string) ([]types.Agent, error) {
	agents := make([]types.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}
