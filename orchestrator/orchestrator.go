// Package orchestrator drives one question through the mode-specific
// node graph: validate_tenant, select_agent (automatic modes only),
// gather_evidence, execute_agent, format_response. The workflow state
// is persisted at every transition, so a checkpoint suspension is just
// a stored state plus a resume entry point, never a parked goroutine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/engine"
	"github.com/expertflow-ai/expertflow/executor"
	"github.com/expertflow-ai/expertflow/fusion"
	"github.com/expertflow-ai/expertflow/internal/metrics"
	"github.com/expertflow-ai/expertflow/registry"
	"github.com/expertflow-ai/expertflow/resilience"
	"github.com/expertflow-ai/expertflow/store"
	"github.com/expertflow-ai/expertflow/streaming"
	"github.com/expertflow-ai/expertflow/types"
)

// Request is the caller-facing input for one workflow.
type Request struct {
	TenantID            string     `json:"tenant_id"`
	SessionID           string     `json:"session_id,omitempty"`
	Query               string     `json:"query"`
	Mode                types.Mode `json:"mode"`
	AgentIDs            []string   `json:"agent_ids,omitempty"`
	EnableEvidence      bool       `json:"enable_evidence"`
	EnableTools         bool       `json:"enable_tools"`
	HITLEnabled         bool       `json:"hitl_enabled"`
	MaxIterations       int        `json:"max_iterations,omitempty"`
	ConfidenceThreshold float64    `json:"confidence_threshold,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	TopK int `yaml:"top_k" json:"top_k"`
	// TimeoutDecision is applied to checkpoints nobody resolved in time.
	TimeoutDecision types.CheckpointDecision `yaml:"timeout_decision" json:"timeout_decision"`
	SweepInterval   time.Duration            `yaml:"sweep_interval" json:"sweep_interval"`
	CitationLimit   int                      `yaml:"citation_limit" json:"citation_limit"`
	// StreamRetention is how long a finished request's event history
	// stays replayable for late subscribers before the broker drops it.
	StreamRetention time.Duration `yaml:"stream_retention" json:"stream_retention"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		TopK:            10,
		TimeoutDecision: types.DecisionReject,
		SweepInterval:   30 * time.Second,
		CitationLimit:   5,
		StreamRetention: 5 * time.Minute,
	}
}

// Orchestrator coordinates nodes, persistence, streaming and resolution
// for hierarchical workflows.
type Orchestrator struct {
	engine   *engine.Engine
	gatherer *engine.Gatherer
	executor *executor.Executor
	registry *registry.Registry
	store    store.WorkflowStore
	broker   *streaming.Broker
	wrapper  *resilience.Wrapper
	metrics  *metrics.Collector
	config   Config
	logger   *zap.Logger

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
}

// Deps bundles the orchestrator's collaborators. Broker, wrapper and
// metrics may be nil.
type Deps struct {
	Engine   *engine.Engine
	Gatherer *engine.Gatherer
	Executor *executor.Executor
	Registry *registry.Registry
	Store    store.WorkflowStore
	Broker   *streaming.Broker
	Wrapper  *resilience.Wrapper
	Metrics  *metrics.Collector
}

// New creates a workflow orchestrator.
func New(deps Deps, config Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.TopK <= 0 {
		config.TopK = def.TopK
	}
	if config.TimeoutDecision == "" {
		config.TimeoutDecision = def.TimeoutDecision
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.CitationLimit <= 0 {
		config.CitationLimit = def.CitationLimit
	}
	if config.StreamRetention <= 0 {
		config.StreamRetention = def.StreamRetention
	}
	return &Orchestrator{
		engine:    deps.Engine,
		gatherer:  deps.Gatherer,
		executor:  deps.Executor,
		registry:  deps.Registry,
		store:     deps.Store,
		broker:    deps.Broker,
		wrapper:   deps.Wrapper,
		metrics:   deps.Metrics,
		config:    config,
		logger:    logger.With(zap.String("component", "orchestrator")),
		running:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
	}
}

// Start validates the request, persists the initial state and runs the
// workflow. Interactive modes run to completion before returning;
// autonomous modes return immediately and continue in the background.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*types.WorkflowState, error) {
	if !req.Mode.Valid() {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown mode %d", req.Mode))
	}
	if req.Query == "" {
		return nil, types.NewError(types.ErrValidation, "query must not be empty")
	}

	now := time.Now()
	state := &types.WorkflowState{
		TenantID:            req.TenantID,
		RequestID:           uuid.NewString(),
		SessionID:           req.SessionID,
		Mode:                req.Mode,
		Query:               req.Query,
		SelectedAgentIDs:    req.AgentIDs,
		Status:              types.StatusPending,
		HITLEnabled:         req.HITLEnabled,
		EnableEvidence:      req.EnableEvidence,
		EnableTools:         req.EnableTools,
		MaxIterations:       req.MaxIterations,
		ConfidenceThreshold: req.ConfidenceThreshold,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if req.Mode.AutoSelect() {
		// Automatic modes never trust caller-provided agent ids.
		state.SelectedAgentIDs = nil
	}
	o.persist(state)

	if req.Mode.Autonomous() {
		go o.run(context.WithoutCancel(ctx), state)
		return state, nil
	}
	o.run(ctx, state)
	return state, nil
}

// Get loads the current state of a workflow.
func (o *Orchestrator) Get(ctx context.Context, requestID string) (*types.WorkflowState, error) {
	state, err := o.store.GetWorkflow(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewError(types.ErrValidation, "unknown request id").WithCause(err)
		}
		return nil, err
	}
	return state, nil
}

// node is one step of the graph; its result feeds the typed dispatcher.
type node struct {
	name string
	run  func(ctx context.Context, state *types.WorkflowState) (NodeResult, error)
}

// plan lists the nodes still outstanding for the state. A resumed
// workflow skips nodes whose work is already recorded.
func (o *Orchestrator) plan(state *types.WorkflowState) []node {
	var nodes []node
	if !nodeDone(state, nodeValidateTenant) {
		nodes = append(nodes, node{nodeValidateTenant, o.validateTenant})
	}
	if state.Mode.AutoSelect() && !nodeDone(state, nodeSelectAgent) {
		nodes = append(nodes, node{nodeSelectAgent, o.selectAgent})
	}
	if state.EnableEvidence && !nodeDone(state, nodeGatherEvidence) {
		nodes = append(nodes, node{nodeGatherEvidence, o.gatherEvidence})
	}
	nodes = append(nodes,
		node{nodeExecuteAgent, o.executeAgent},
		node{nodeFormatResponse, o.formatResponse},
	)
	return nodes
}

func nodeDone(state *types.WorkflowState, name string) bool {
	for _, n := range state.NodesExecuted {
		if n == name {
			return true
		}
	}
	return false
}

// run executes the remaining node plan. It owns the state exclusively
// until it returns; a suspension releases ownership to the store.
func (o *Orchestrator) run(ctx context.Context, state *types.WorkflowState) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(state.RequestID, cancel)
	defer o.untrack(state.RequestID)

	start := time.Now()
	state.Status = types.StatusRunning
	o.persist(state)

	steps := o.plan(state)
	for i, n := range steps {
		o.publish(state, types.EventProgress, types.ProgressPayload{
			Step:       i + 1,
			Total:      len(steps),
			Percentage: 100 * float64(i+1) / float64(len(steps)),
			Node:       n.name,
		})

		result, err := o.runNode(runCtx, state, n)
		if err != nil {
			if runCtx.Err() != nil && o.wasCancelled(state.RequestID) {
				e := types.NewError(types.ErrUnknown, "request cancelled by caller").WithRetryable(false)
				state.AppendError(e)
				o.fail(state, start, e)
				return
			}
			o.fail(state, start, types.Classify(err))
			return
		}
		o.apply(state, result)

		if exec, ok := result.(AgentExecuted); ok && exec.Checkpoint != nil {
			o.suspendOn(state, exec.Checkpoint)
			return
		}
		o.persist(state)
	}
	o.complete(state, start)
}

// runNode executes one node under the resilience wrapper. Every failed
// attempt is appended to the error trail even when a retry succeeds.
func (o *Orchestrator) runNode(ctx context.Context, state *types.WorkflowState, n node) (NodeResult, error) {
	begin := time.Now()
	var result NodeResult
	call := func(ctx context.Context) error {
		r, err := n.run(ctx, state)
		if err != nil {
			classified := types.Classify(err).WithNode(n.name)
			state.AppendError(classified)
			return classified
		}
		result = r
		return nil
	}

	var err error
	if o.wrapper != nil {
		err = o.wrapper.Execute(ctx, "node:"+n.name, call)
	} else {
		err = call(ctx)
	}
	if o.metrics != nil {
		o.metrics.ObserveNode(n.name, time.Since(begin))
	}
	if err != nil {
		return nil, err
	}
	state.MarkNode(n.name)
	return result, nil
}

func (o *Orchestrator) validateTenant(ctx context.Context, state *types.WorkflowState) (NodeResult, error) {
	if state.TenantID == "" {
		return nil, types.NewError(types.ErrTenant, "tenant id is required")
	}
	if !state.Mode.AutoSelect() && len(state.SelectedAgentIDs) == 0 {
		return nil, types.NewError(types.ErrValidation, "manual modes require at least one agent id")
	}
	return TenantValidated{}, nil
}

// selectAgent ranks registered agents against the query and takes the
// top match. It runs for modes 2 and 4 only.
func (o *Orchestrator) selectAgent(ctx context.Context, state *types.WorkflowState) (NodeResult, error) {
	ranking, err := o.engine.SelectAgents(ctx, state.Query, state.TenantID, o.config.TopK)
	if err != nil {
		return nil, err
	}
	for _, fr := range ranking {
		if _, err := o.registry.Get(fr.ID); err == nil {
			o.logger.Info("agent selected",
				zap.String("request_id", state.RequestID),
				zap.String("agent_id", fr.ID),
				zap.Float64("fused_score", fr.FusedScore),
			)
			return AgentsSelected{AgentIDs: []string{fr.ID}, Ranking: ranking}, nil
		}
	}
	return nil, types.NewError(types.ErrValidation, "no registered agent matched the query")
}

func (o *Orchestrator) gatherEvidence(ctx context.Context, state *types.WorkflowState) (NodeResult, error) {
	res, err := o.gatherer.Gather(ctx, state.Query, state.TenantID, o.config.TopK, true, state.EnableTools)
	if err != nil {
		return nil, err
	}
	return EvidenceGathered{Result: res}, nil
}

// executeAgent runs the selected agents in order, continuing from the
// cursor after a resume. A pending checkpoint stops the loop; the
// cursor records which agent it belongs to.
func (o *Orchestrator) executeAgent(ctx context.Context, state *types.WorkflowState) (NodeResult, error) {
	agents, err := o.registry.Resolve(state.SelectedAgentIDs)
	if err != nil {
		return nil, err
	}
	start := 0
	if state.Cursor != nil {
		start = state.Cursor.AgentIndex
	}

	res := AgentExecuted{}
	for i := start; i < len(agents); i++ {
		if state.Cursor == nil || state.Cursor.AgentIndex != i {
			state.Cursor = &types.LoopCursor{AgentIndex: i}
		}
		outcome, execErr := o.executor.Execute(ctx, state, agents[i], state.Evidence)
		if execErr != nil {
			if types.GetErrorCode(execErr) == types.ErrBudgetExceeded && outcome != nil && outcome.Output != nil {
				// Spend cap hit mid-loop: keep the partial answer on the
				// record before the workflow fails.
				state.Outputs = append(state.Outputs, *outcome.Output)
			}
			return nil, execErr
		}
		if outcome.Checkpoint != nil {
			res.Checkpoint = outcome.Checkpoint
			res.Cursor = outcome.Cursor
			res.Cursor.AgentIndex = i
			return res, nil
		}
		res.Outputs = append(res.Outputs, *outcome.Output)
		state.Cursor = nil
	}
	return res, nil
}

// formatResponse picks the highest-confidence output and attaches
// citations plus the retrieval confidence of the cited evidence.
func (o *Orchestrator) formatResponse(ctx context.Context, state *types.WorkflowState) (NodeResult, error) {
	if len(state.Outputs) == 0 {
		return nil, types.NewError(types.ErrUnknown, "no agent output was produced")
	}
	best := state.Outputs[0]
	for _, out := range state.Outputs[1:] {
		if out.ModelConfidence > best.ModelConfidence {
			best = out
		}
	}
	r := ResponseFormatted{Response: best.Content, ModelConfidence: best.ModelConfidence}
	if state.Evidence != nil {
		r.Citations = fusion.Citations(state.Evidence.Results, o.config.CitationLimit)
		r.RetrievalConfidence = fusion.MeanScore(state.Evidence.Results)
		o.publish(state, types.EventSources, r.Citations)
	}
	return r, nil
}

func (o *Orchestrator) suspendOn(state *types.WorkflowState, cp *types.Checkpoint) {
	state.Status = types.StatusWaitingOnCheckpoint
	o.persist(state)
	if o.metrics != nil {
		o.metrics.CheckpointOpened()
	}
	o.publish(state, types.EventCheckpoint, cp)
	o.logger.Info("workflow waiting on checkpoint",
		zap.String("request_id", state.RequestID),
		zap.String("checkpoint_id", cp.ID),
		zap.String("checkpoint_type", string(cp.Type)),
	)
}

func (o *Orchestrator) complete(state *types.WorkflowState, start time.Time) {
	state.Status = types.StatusCompleted
	o.persist(state)

	degraded := state.Evidence != nil && state.Evidence.Degraded
	o.publish(state, types.EventContentChunk, map[string]string{"content": state.Response})
	o.publish(state, types.EventDone, types.DonePayload{
		Response:            state.Response,
		Citations:           state.Citations,
		Status:              state.Status,
		Degraded:            degraded,
		RetrievalConfidence: state.RetrievalConfidence,
		ModelConfidence:     state.ModelConfidence,
		SelectedAgents:      state.SelectedAgentIDs,
	})

	label := "completed"
	if degraded {
		label = "completed_degraded"
	}
	if o.metrics != nil {
		o.metrics.ObserveRequest(modeLabel(state.Mode), label, time.Since(start))
	}
	o.logger.Info("workflow completed",
		zap.String("request_id", state.RequestID),
		zap.Bool("degraded", degraded),
		zap.Duration("duration", time.Since(start)),
	)
	o.scheduleForget(state.RequestID)
}

func (o *Orchestrator) fail(state *types.WorkflowState, start time.Time, cause *types.Error) {
	state.Status = types.StatusFailed
	o.persist(state)
	o.publish(state, types.EventError, cause)
	if o.metrics != nil {
		o.metrics.ObserveRequest(modeLabel(state.Mode), "failed", time.Since(start))
	}
	o.logger.Warn("workflow failed",
		zap.String("request_id", state.RequestID),
		zap.String("code", string(cause.Code)),
		zap.String("node", cause.Node),
		zap.Error(cause),
	)
	o.scheduleForget(state.RequestID)
}

// ResolveCheckpoint applies a human decision to a pending checkpoint.
// Approval resumes the workflow from the stored cursor; rejection fails
// it. Repeating an identical resolution is a no-op.
func (o *Orchestrator) ResolveCheckpoint(ctx context.Context, requestID, checkpointID string, decision types.CheckpointDecision, comment string) (*types.WorkflowState, error) {
	if decision != types.DecisionApprove && decision != types.DecisionReject {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown decision %q", decision))
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	state, err := o.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	cp := findCheckpoint(state, checkpointID)
	if cp == nil {
		return nil, types.NewError(types.ErrValidation, "no matching checkpoint")
	}
	if cp.Status != types.CheckpointPending {
		if (cp.Status == types.CheckpointApproved && decision == types.DecisionApprove) ||
			(cp.Status == types.CheckpointRejected && decision == types.DecisionReject) {
			return state, nil
		}
		return nil, types.NewError(types.ErrValidation, "checkpoint already resolved")
	}
	if state.Status != types.StatusWaitingOnCheckpoint {
		return nil, types.NewError(types.ErrValidation, "workflow is not waiting on a checkpoint")
	}

	now := time.Now()
	cp.Comment = comment
	cp.ResolvedAt = &now
	if o.metrics != nil {
		o.metrics.CheckpointResolved(string(cp.Type), string(decision))
	}

	if decision == types.DecisionReject {
		cp.Status = types.CheckpointRejected
		e := types.NewError(types.ErrCheckpoint, "checkpoint rejected by reviewer").WithNode(nodeExecuteAgent)
		state.AppendError(e)
		o.publish(state, types.EventCheckpoint, cp)
		o.fail(state, now, e)
		return state, nil
	}

	cp.Status = types.CheckpointApproved
	state.Status = types.StatusRunning
	o.persist(state)
	o.publish(state, types.EventCheckpoint, cp)
	go o.run(context.WithoutCancel(ctx), state)
	return state, nil
}

// Cancel stops a workflow. An active run is interrupted; a suspended or
// pending one is failed in place.
func (o *Orchestrator) Cancel(ctx context.Context, requestID string) error {
	o.mu.Lock()
	if cancel, ok := o.running[requestID]; ok {
		o.cancelled[requestID] = true
		o.mu.Unlock()
		cancel()
		return nil
	}
	o.mu.Unlock()

	state, err := o.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if state.Status.Terminal() {
		return types.NewError(types.ErrValidation, "workflow already finished")
	}
	e := types.NewError(types.ErrUnknown, "request cancelled by caller").WithRetryable(false)
	state.AppendError(e)
	o.fail(state, time.Now(), e)
	return nil
}

// SweepCheckpointTimeouts applies the configured default decision to
// every expired pending checkpoint and returns how many it resolved.
func (o *Orchestrator) SweepCheckpointTimeouts(ctx context.Context) (int, error) {
	states, err := o.store.ListByStatus(ctx, types.StatusWaitingOnCheckpoint)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, state := range states {
		cp := state.PendingCheckpoint()
		if cp == nil || cp.TimeoutSeconds <= 0 {
			continue
		}
		if time.Since(cp.CreatedAt) < time.Duration(cp.TimeoutSeconds)*time.Second {
			continue
		}
		now := time.Now()
		cp.ResolvedAt = &now
		if o.metrics != nil {
			o.metrics.CheckpointResolved(string(cp.Type), "timeout")
		}
		o.logger.Warn("checkpoint timed out",
			zap.String("request_id", state.RequestID),
			zap.String("checkpoint_id", cp.ID),
			zap.String("default_decision", string(o.config.TimeoutDecision)),
		)

		if o.config.TimeoutDecision == types.DecisionApprove {
			// Approval must be visible to the resumed loop, so the status
			// records the decision and the comment records the cause.
			cp.Status = types.CheckpointApproved
			cp.Comment = "approved by timeout policy"
			state.Status = types.StatusRunning
			o.persist(state)
			o.publish(state, types.EventCheckpoint, cp)
			go o.run(context.WithoutCancel(ctx), state)
		} else {
			cp.Status = types.CheckpointTimedOut
			e := types.NewError(types.ErrCheckpoint, "checkpoint timed out").WithNode(nodeExecuteAgent)
			state.AppendError(e)
			o.publish(state, types.EventCheckpoint, cp)
			o.fail(state, now, e)
		}
		swept++
	}
	return swept, nil
}

// RunSweeper loops SweepCheckpointTimeouts until the context ends.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.SweepCheckpointTimeouts(ctx); err != nil {
				o.logger.Error("checkpoint sweep failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) persist(state *types.WorkflowState) {
	state.UpdatedAt = time.Now()
	if err := o.store.SaveWorkflow(context.Background(), state); err != nil {
		o.logger.Error("failed to persist workflow state",
			zap.String("request_id", state.RequestID),
			zap.Error(err),
		)
	}
}

// scheduleForget drops the finished request's event history after the
// retention window, so long-running processes do not accumulate replay
// buffers for every request ever served.
func (o *Orchestrator) scheduleForget(requestID string) {
	if o.broker == nil {
		return
	}
	time.AfterFunc(o.config.StreamRetention, func() {
		o.broker.Forget(requestID)
	})
}

func (o *Orchestrator) publish(state *types.WorkflowState, t types.EventType, payload any) {
	if o.broker != nil {
		o.broker.Publish(state.RequestID, types.NewStreamEvent(t, state.RequestID, payload))
	}
}

func (o *Orchestrator) track(requestID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[requestID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(requestID string) {
	o.mu.Lock()
	delete(o.running, requestID)
	delete(o.cancelled, requestID)
	o.mu.Unlock()
}

func (o *Orchestrator) wasCancelled(requestID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[requestID]
}

func findCheckpoint(state *types.WorkflowState, checkpointID string) *types.Checkpoint {
	if checkpointID == "" {
		return state.PendingCheckpoint()
	}
	for _, cp := range state.Checkpoints {
		if cp.ID == checkpointID {
			return cp
		}
	}
	return nil
}

func modeLabel(m types.Mode) string {
	return strconv.Itoa(int(m))
}
