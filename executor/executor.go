// Package executor runs one agent's reasoning over gathered evidence.
// Interactive modes take a single request/response turn; autonomous
// modes run a plan, act, observe loop bounded by an iteration cap and a
// confidence threshold, suspending on human-approval checkpoints when
// HITL is enabled.
//
// Suspension is not a blocked goroutine: the executor returns a pending
// checkpoint plus a loop cursor, the orchestrator persists both, and a
// later resume call continues from the cursor without replaying
// finished iterations.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/budget"
	"github.com/expertflow-ai/expertflow/llm"
	"github.com/expertflow-ai/expertflow/registry"
	"github.com/expertflow-ai/expertflow/resilience"
	"github.com/expertflow-ai/expertflow/types"
)

// EventSink receives stream events during execution. The streaming
// broker satisfies it.
type EventSink interface {
	Publish(requestID string, ev types.StreamEvent)
}

// Outcome is the result of one Execute call. Exactly one of Output or
// Checkpoint is set: a checkpoint means the loop suspended and the
// cursor records where to resume.
type Outcome struct {
	Output     *types.AgentOutput
	Checkpoint *types.Checkpoint
	Cursor     *types.LoopCursor
}

// Config tunes the executor.
type Config struct {
	DefaultMaxIterations       int     `yaml:"default_max_iterations" json:"default_max_iterations"`
	DefaultConfidenceThreshold float64 `yaml:"default_confidence_threshold" json:"default_confidence_threshold"`
	CheckpointTimeoutSeconds   int     `yaml:"checkpoint_timeout_seconds" json:"checkpoint_timeout_seconds"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		DefaultMaxIterations:       5,
		DefaultConfidenceThreshold: 0.8,
		CheckpointTimeoutSeconds:   600,
	}
}

// Executor wraps a model provider with budget accounting and
// resilience.
type Executor struct {
	provider llm.Provider
	registry *registry.Registry
	budget   *budget.Tracker
	wrapper  *resilience.Wrapper
	sink     EventSink
	config   Config
	logger   *zap.Logger
}

// New creates an executor. Budget, wrapper and sink may be nil.
func New(provider llm.Provider, reg *registry.Registry, tracker *budget.Tracker, wrapper *resilience.Wrapper, sink EventSink, config Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultMaxIterations <= 0 {
		config.DefaultMaxIterations = DefaultConfig().DefaultMaxIterations
	}
	if config.DefaultConfidenceThreshold <= 0 {
		config.DefaultConfidenceThreshold = DefaultConfig().DefaultConfidenceThreshold
	}
	if config.CheckpointTimeoutSeconds <= 0 {
		config.CheckpointTimeoutSeconds = DefaultConfig().CheckpointTimeoutSeconds
	}
	return &Executor{
		provider: provider,
		registry: reg,
		budget:   tracker,
		wrapper:  wrapper,
		sink:     sink,
		config:   config,
		logger:   logger.With(zap.String("component", "executor")),
	}
}

// Execute runs the agent for the given workflow state. The state is read
// for parameters and prior checkpoint resolutions; the executor never
// mutates it.
func (x *Executor) Execute(ctx context.Context, state *types.WorkflowState, agent types.Agent, evidence *types.Evidence) (*Outcome, error) {
	if state.Mode.Autonomous() {
		return x.executeAutonomous(ctx, state, agent, evidence)
	}
	return x.executeInteractive(ctx, state, agent, evidence)
}

// ExecuteTurn runs one single-shot turn with extra conversational
// context. Panel patterns use it to feed prior responses to each agent.
func (x *Executor) ExecuteTurn(ctx context.Context, tenantID, requestID string, agent types.Agent, query, extra string) (*types.AgentOutput, error) {
	user := query
	if extra != "" {
		user = query + "\n\n" + extra
	}
	state := &types.WorkflowState{TenantID: tenantID, RequestID: requestID}
	resp, err := x.generate(ctx, state, agent, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(agent)},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return nil, err
	}
	return &types.AgentOutput{
		AgentID:         agent.ID,
		Content:         resp.Content,
		ModelConfidence: resp.Confidence,
		Iterations:      1,
		TokensUsed:      resp.Usage.TotalTokens,
	}, nil
}

func (x *Executor) executeInteractive(ctx context.Context, state *types.WorkflowState, agent types.Agent, evidence *types.Evidence) (*Outcome, error) {
	resp, err := x.generate(ctx, state, agent, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(agent)},
		{Role: llm.RoleUser, Content: userPrompt(state.Query, evidence)},
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{Output: &types.AgentOutput{
		AgentID:         agent.ID,
		Content:         resp.Content,
		ModelConfidence: resp.Confidence,
		Iterations:      1,
		TokensUsed:      resp.Usage.TotalTokens,
	}}, nil
}

func (x *Executor) executeAutonomous(ctx context.Context, state *types.WorkflowState, agent types.Agent, evidence *types.Evidence) (*Outcome, error) {
	strategy := x.registry.StrategyFor(agent.Level)
	maxIterations := state.MaxIterations
	if maxIterations <= 0 {
		maxIterations = x.config.DefaultMaxIterations
	}
	if strategy.MaxIterations > 0 && maxIterations > strategy.MaxIterations {
		maxIterations = strategy.MaxIterations
	}
	threshold := state.ConfidenceThreshold
	if threshold <= 0 {
		threshold = x.config.DefaultConfidenceThreshold
	}

	cursor := state.Cursor
	if cursor == nil {
		cursor = &types.LoopCursor{}
	}
	tokens := cursor.Tokens

	// Plan phase, skipped when resuming past it.
	if cursor.Plan == "" {
		resp, err := x.generate(ctx, state, agent, []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt(agent)},
			{Role: llm.RoleUser, Content: planPrompt(state.Query, evidence)},
		})
		if err != nil {
			return nil, err
		}
		cursor.Plan = resp.Content
		tokens += resp.Usage.TotalTokens
		cursor.Tokens = tokens
		x.emit(state.RequestID, types.EventPlan, types.PlanPayload{
			Steps:      planSteps(resp.Content),
			Confidence: resp.Confidence,
		})

		if state.HITLEnabled && !approved(state, agent.ID, types.CheckpointPlan) {
			return x.suspend(state, agent, types.CheckpointPlan, "approve the proposed plan", cursor), nil
		}
	}

	// A resume arriving after final-answer approval commits the draft
	// recorded in the cursor instead of replaying the loop.
	if state.HITLEnabled && approved(state, agent.ID, types.CheckpointFinal) && cursor.Scratch != "" {
		return x.finish(state, agent, cursor.Scratch, cursor.Confidence, cursor.Iteration, tokens, cursor), nil
	}

	answer := cursor.Scratch
	confidence := cursor.Confidence
	for iter := cursor.Iteration; iter < maxIterations; iter++ {
		x.emit(state.RequestID, types.EventProgress, types.ProgressPayload{
			Step:       iter + 1,
			Total:      maxIterations,
			Percentage: 100 * float64(iter+1) / float64(maxIterations),
			Node:       "execute_agent",
		})

		resp, err := x.generate(ctx, state, agent, []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt(agent)},
			{Role: llm.RoleUser, Content: actPrompt(state.Query, cursor, evidence, iter)},
		})
		if err != nil {
			if types.GetErrorCode(err) == types.ErrBudgetExceeded && answer != "" {
				// Iteration cap on spend: keep the partial answer.
				return x.finish(state, agent, answer, confidence, iter+1, tokens, cursor), err
			}
			return nil, err
		}
		tokens += resp.Usage.TotalTokens
		answer = resp.Content
		confidence = resp.Confidence
		cursor.Iteration = iter + 1
		cursor.Scratch = resp.Content
		cursor.Confidence = resp.Confidence
		cursor.Tokens = tokens

		x.emit(state.RequestID, types.EventCoTStep, map[string]any{
			"iteration":  iter + 1,
			"confidence": resp.Confidence,
		})

		if confidence >= threshold {
			break
		}
	}

	if state.HITLEnabled && !approved(state, agent.ID, types.CheckpointFinal) {
		return x.suspend(state, agent, types.CheckpointFinal, "approve the final answer", cursor), nil
	}
	return x.finish(state, agent, answer, confidence, cursor.Iteration, tokens, cursor), nil
}

func (x *Executor) finish(state *types.WorkflowState, agent types.Agent, answer string, confidence float64, iterations, tokens int, cursor *types.LoopCursor) *Outcome {
	return &Outcome{
		Output: &types.AgentOutput{
			AgentID:         agent.ID,
			Content:         answer,
			ModelConfidence: confidence,
			Iterations:      iterations,
			TokensUsed:      tokens,
		},
		Cursor: cursor,
	}
}

func (x *Executor) suspend(state *types.WorkflowState, agent types.Agent, cpType types.CheckpointType, description string, cursor *types.LoopCursor) *Outcome {
	cp := &types.Checkpoint{
		ID:             uuid.NewString(),
		RequestID:      state.RequestID,
		AgentID:        agent.ID,
		Type:           cpType,
		Description:    description,
		TimeoutSeconds: x.config.CheckpointTimeoutSeconds,
		Status:         types.CheckpointPending,
		CreatedAt:      time.Now(),
		Options: []types.CheckpointOption{
			{ID: "approve", Label: "Approve", IsDefault: true},
			{ID: "reject", Label: "Reject"},
		},
	}
	x.logger.Info("execution suspended on checkpoint",
		zap.String("request_id", state.RequestID),
		zap.String("agent_id", agent.ID),
		zap.String("checkpoint_type", string(cpType)),
	)
	return &Outcome{Checkpoint: cp, Cursor: cursor}
}

// generate calls the provider under the resilience wrapper and charges
// the budget. Budget errors are fatal and carry the partial usage.
func (x *Executor) generate(ctx context.Context, state *types.WorkflowState, agent types.Agent, messages []llm.Message) (*llm.ChatResponse, error) {
	req := &llm.ChatRequest{
		TraceID:     state.RequestID,
		TenantID:    state.TenantID,
		Model:       agent.ModelConfig.Model,
		Messages:    messages,
		MaxTokens:   agent.ModelConfig.MaxTokens,
		Temperature: float32(agent.ModelConfig.Temperature),
	}

	var resp *llm.ChatResponse
	call := func(ctx context.Context) error {
		r, err := x.provider.Chat(ctx, req)
		if err != nil {
			return types.NewError(types.ErrLLM, "generation failed").WithCause(err)
		}
		resp = r
		return nil
	}
	var err error
	if x.wrapper != nil {
		err = x.wrapper.Execute(ctx, "llm:"+x.provider.Name(), call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}

	if x.budget != nil {
		if err := x.budget.Charge(state.TenantID, state.RequestID, resp.Usage.TotalTokens); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func (x *Executor) emit(requestID string, t types.EventType, payload any) {
	if x.sink != nil {
		x.sink.Publish(requestID, types.NewStreamEvent(t, requestID, payload))
	}
}

// approved reports whether the newest checkpoint of the given type for
// this agent was approved. Checkpoints are scoped per agent: one
// agent's approval never unlocks another agent's gate.
func approved(state *types.WorkflowState, agentID string, cpType types.CheckpointType) bool {
	for i := len(state.Checkpoints) - 1; i >= 0; i-- {
		cp := state.Checkpoints[i]
		if cp.Type == cpType && cp.AgentID == agentID {
			return cp.Status == types.CheckpointApproved
		}
	}
	return false
}

func systemPrompt(agent types.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are expert agent %s.", agent.ID)
	if len(agent.SpecialtyTags) > 0 {
		fmt.Fprintf(&b, " Specialties: %s.", strings.Join(agent.SpecialtyTags, ", "))
	}
	b.WriteString(" Answer from the provided evidence; say so when evidence is missing.")
	return b.String()
}

func userPrompt(query string, evidence *types.Evidence) string {
	var b strings.Builder
	b.WriteString(query)
	if digest := evidenceDigest(evidence); digest != "" {
		b.WriteString("\n\nEvidence:\n")
		b.WriteString(digest)
	}
	return b.String()
}

func planPrompt(query string, evidence *types.Evidence) string {
	return "Propose a short numbered plan to answer the question.\n\n" + userPrompt(query, evidence)
}

func actPrompt(query string, cursor *types.LoopCursor, evidence *types.Evidence, iter int) string {
	var b strings.Builder
	b.WriteString(userPrompt(query, evidence))
	fmt.Fprintf(&b, "\n\nPlan:\n%s", cursor.Plan)
	if cursor.Scratch != "" {
		fmt.Fprintf(&b, "\n\nPrevious draft (iteration %d):\n%s\nImprove it.", iter, cursor.Scratch)
	}
	return b.String()
}

func evidenceDigest(evidence *types.Evidence) string {
	if evidence == nil || len(evidence.Results) == 0 {
		return ""
	}
	var b strings.Builder
	for i, fr := range evidence.Results {
		if i >= 8 {
			break
		}
		fmt.Fprintf(&b, "- %s (score %.4f)\n", fr.ID, fr.FusedScore)
	}
	return b.String()
}

func planSteps(plan string) []string {
	var steps []string
	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			steps = append(steps, line)
		}
	}
	return steps
}
