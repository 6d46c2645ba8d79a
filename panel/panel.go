// Package panel runs one query across multiple agents under a
// deliberation pattern and aggregates their responses into a durable
// session record. One agent failing never aborts the others: the
// failure is recorded as an error response and excluded from consensus.
package panel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/registry"
	"github.com/expertflow-ai/expertflow/store"
	"github.com/expertflow-ai/expertflow/types"
)

// Runner executes one agent turn. The agent executor satisfies it.
type Runner interface {
	ExecuteTurn(ctx context.Context, tenantID, requestID string, agent types.Agent, query, extra string) (*types.AgentOutput, error)
}

// Config tunes the panel orchestrator.
type Config struct {
	MaxRounds    int           `yaml:"max_rounds" json:"max_rounds"`
	AgentTimeout time.Duration `yaml:"agent_timeout" json:"agent_timeout"`
}

// DefaultConfig returns the default panel configuration.
func DefaultConfig() Config {
	return Config{
		MaxRounds:    2,
		AgentTimeout: 60 * time.Second,
	}
}

// Orchestrator coordinates multi-agent panels.
type Orchestrator struct {
	runner   Runner
	registry *registry.Registry
	store    store.PanelStore
	config   Config
	logger   *zap.Logger
}

// New creates a panel orchestrator. The store may be nil for ephemeral
// panels.
func New(runner Runner, reg *registry.Registry, st store.PanelStore, config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRounds <= 0 {
		config.MaxRounds = DefaultConfig().MaxRounds
	}
	if config.AgentTimeout <= 0 {
		config.AgentTimeout = DefaultConfig().AgentTimeout
	}
	return &Orchestrator{
		runner:   runner,
		registry: reg,
		store:    st,
		config:   config,
		logger:   logger.With(zap.String("component", "panel")),
	}
}

// RunPanel executes the pattern and persists the finished session.
func (o *Orchestrator) RunPanel(ctx context.Context, tenantID, query string, agentIDs []string, pattern types.PanelPattern) (*types.PanelSession, error) {
	if !pattern.Valid() {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown panel pattern %q", pattern))
	}
	if len(agentIDs) == 0 {
		return nil, types.NewError(types.ErrValidation, "panel requires at least one agent")
	}
	agents, err := o.registry.Resolve(agentIDs)
	if err != nil {
		return nil, err
	}

	session := &types.PanelSession{
		PanelID:   uuid.NewString(),
		TenantID:  tenantID,
		Query:     query,
		AgentIDs:  agentIDs,
		Pattern:   pattern,
		CreatedAt: time.Now(),
	}

	switch pattern {
	case types.PatternParallel:
		session.Responses = o.runParallel(ctx, session, agents, "")
	case types.PatternSequential:
		session.Responses = o.runSequential(ctx, session, agents)
	case types.PatternDebate:
		session.Responses = o.runDebate(ctx, session, agents)
	case types.PatternConsensus:
		session.Responses = o.runParallel(ctx, session, agents, "")
		level := consensusLevel(session.Responses)
		session.ConsensusLevel = &level
	}

	now := time.Now()
	session.CompletedAt = &now
	o.logger.Info("panel completed",
		zap.String("panel_id", session.PanelID),
		zap.String("pattern", string(pattern)),
		zap.Int("responses", len(session.Responses)),
	)

	if o.store != nil {
		if err := o.store.SavePanel(ctx, session); err != nil {
			o.logger.Error("failed to persist panel session", zap.Error(err))
		}
	}
	return session, nil
}

// runParallel fans all agents out concurrently into private slots and
// merges after the join.
func (o *Orchestrator) runParallel(ctx context.Context, session *types.PanelSession, agents []types.Agent, extra string) []types.PanelResponse {
	slots := make([]types.PanelResponse, len(agents))
	var wg sync.WaitGroup
	for i, agent := range agents {
		i, agent := i, agent
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots[i] = o.turn(ctx, session, agent, i, extra)
		}()
	}
	wg.Wait()
	return slots
}

func (o *Orchestrator) runSequential(ctx context.Context, session *types.PanelSession, agents []types.Agent) []types.PanelResponse {
	responses := make([]types.PanelResponse, 0, len(agents))
	for i, agent := range agents {
		extra := priorResponses("Earlier panelists said", responses)
		responses = append(responses, o.turn(ctx, session, agent, i, extra))
	}
	return responses
}

func (o *Orchestrator) runDebate(ctx context.Context, session *types.PanelSession, agents []types.Agent) []types.PanelResponse {
	var all []types.PanelResponse
	var previousRound []types.PanelResponse
	for round := 1; round <= o.config.MaxRounds; round++ {
		roundResponses := make([]types.PanelResponse, len(agents))
		var wg sync.WaitGroup
		for i, agent := range agents {
			i, agent := i, agent
			wg.Add(1)
			go func() {
				defer wg.Done()
				extra := debateContext(position(i), previousRound, agent.ID)
				resp := o.turn(ctx, session, agent, i, extra)
				resp.Round = round
				resp.Position = position(i)
				roundResponses[i] = resp
			}()
		}
		wg.Wait()
		all = append(all, roundResponses...)
		previousRound = roundResponses
	}
	return all
}

// turn runs one agent with its own timeout and converts failure into an
// error response rather than propagating it.
func (o *Orchestrator) turn(ctx context.Context, session *types.PanelSession, agent types.Agent, index int, extra string) types.PanelResponse {
	callCtx, cancel := context.WithTimeout(ctx, o.config.AgentTimeout)
	defer cancel()

	out, err := o.runner.ExecuteTurn(callCtx, session.TenantID, session.PanelID, agent, session.Query, extra)
	if err != nil {
		o.logger.Warn("panel agent failed",
			zap.String("panel_id", session.PanelID),
			zap.String("agent_id", agent.ID),
			zap.Error(err),
		)
		return types.PanelResponse{AgentID: agent.ID, OrderIndex: index, Err: err.Error()}
	}
	return types.PanelResponse{
		AgentID:    agent.ID,
		Content:    out.Content,
		OrderIndex: index,
		TokensUsed: out.TokensUsed,
	}
}

func position(index int) string {
	if index%2 == 0 {
		return "pro"
	}
	return "con"
}

func priorResponses(header string, responses []types.PanelResponse) string {
	var lines []string
	for _, r := range responses {
		if r.Err != "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", r.AgentID, r.Content))
	}
	if len(lines) == 0 {
		return ""
	}
	return header + ":\n" + strings.Join(lines, "\n")
}

func debateContext(pos string, previousRound []types.PanelResponse, selfID string) string {
	var others []types.PanelResponse
	for _, r := range previousRound {
		if r.AgentID != selfID {
			others = append(others, r)
		}
	}
	extra := fmt.Sprintf("You argue the %s position.", pos)
	if prior := priorResponses("Last round the other panelists said", others); prior != "" {
		extra += "\n" + prior
	}
	return extra
}
