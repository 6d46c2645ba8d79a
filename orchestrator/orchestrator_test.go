package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expertflow-ai/expertflow/engine"
	"github.com/expertflow-ai/expertflow/executor"
	"github.com/expertflow-ai/expertflow/llm"
	"github.com/expertflow-ai/expertflow/registry"
	"github.com/expertflow-ai/expertflow/retrieval"
	"github.com/expertflow-ai/expertflow/store"
	"github.com/expertflow-ai/expertflow/streaming"
	"github.com/expertflow-ai/expertflow/types"
)

type fakeRetriever struct {
	source types.Source
	items  []types.RankedItem
}

func (f *fakeRetriever) Source() types.Source { return f.source }

func (f *fakeRetriever) Retrieve(ctx context.Context, query, tenantID string, topK int, params retrieval.Params) ([]types.RankedItem, error) {
	return f.items, nil
}

func ranked(source types.Source, ids ...string) []types.RankedItem {
	items := make([]types.RankedItem, 0, len(ids))
	for i, id := range ids {
		items = append(items, types.RankedItem{ID: id, Rank: i + 1, Score: 1.0 / float64(i+1), Source: source})
	}
	return items
}

type fixture struct {
	orch     *Orchestrator
	provider *llm.MockProvider
	store    *store.MemoryStore
	broker   *streaming.Broker
}

// newFixture wires a full orchestrator around a scripted provider. The
// vector retriever ranks agent "expert-db" first so automatic selection
// is deterministic.
func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	retrievers := []retrieval.Retriever{
		&fakeRetriever{source: types.SourceVector, items: ranked(types.SourceVector, "expert-db", "expert-net")},
		&fakeRetriever{source: types.SourceGraph, items: ranked(types.SourceGraph, "expert-db")},
	}
	engCfg := engine.DefaultConfig()
	engCfg.Timeout = 200 * time.Millisecond
	engCfg.PerCallTimeout = 150 * time.Millisecond
	eng := engine.New(retrievers, engCfg, nil)
	gatherer := engine.NewGatherer(eng, nil, engine.DefaultGathererConfig(), nil)

	reg := registry.New(nil)
	require.NoError(t, reg.Register(types.Agent{ID: "expert-db", Level: types.LevelL3}))
	require.NoError(t, reg.Register(types.Agent{ID: "expert-net", Level: types.LevelL2}))

	provider := llm.NewMockProvider("mock")
	broker := streaming.NewBroker(nil)
	st := store.NewMemoryStore()

	exec := executor.New(provider, reg, nil, nil, broker, executor.DefaultConfig(), nil)
	orch := New(Deps{
		Engine:   eng,
		Gatherer: gatherer,
		Executor: exec,
		Registry: reg,
		Store:    st,
		Broker:   broker,
	}, config, nil)

	return &fixture{orch: orch, provider: provider, store: st, broker: broker}
}

func waitForStatus(t *testing.T, f *fixture, requestID string, want types.WorkflowStatus) *types.WorkflowState {
	t.Helper()
	var state *types.WorkflowState
	require.Eventually(t, func() bool {
		s, err := f.store.GetWorkflow(context.Background(), requestID)
		if err != nil {
			return false
		}
		state = s
		return s.Status == want
	}, 3*time.Second, 5*time.Millisecond, "workflow never reached %s", want)
	return state
}

func TestInteractiveManualModeCompletesSynchronously(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Script("use a covering index", 0.9)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID:       "t1",
		Query:          "how do I speed up this query",
		Mode:           types.ModeManualInteractive,
		AgentIDs:       []string{"expert-db"},
		EnableEvidence: true,
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, state.Status)
	assert.Equal(t, "use a covering index", state.Response)
	assert.Equal(t, []string{"expert-db"}, state.SelectedAgentIDs)
	require.NotNil(t, state.Evidence)
	assert.NotEmpty(t, state.Citations)
	assert.Greater(t, state.RetrievalConfidence, 0.0)
	assert.Equal(t, 0.9, state.ModelConfidence)

	assert.Contains(t, state.NodesExecuted, nodeValidateTenant)
	assert.Contains(t, state.NodesExecuted, nodeGatherEvidence)
	assert.Contains(t, state.NodesExecuted, nodeExecuteAgent)
	assert.Contains(t, state.NodesExecuted, nodeFormatResponse)
	assert.NotContains(t, state.NodesExecuted, nodeSelectAgent, "manual modes never auto-select")
}

func TestAutoModeIgnoresCallerAgentIDs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Script("selected answer", 0.9)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID: "t1",
		Query:    "q",
		Mode:     types.ModeAutoInteractive,
		AgentIDs: []string{"expert-net"},
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusCompleted, state.Status)
	assert.Equal(t, []string{"expert-db"}, state.SelectedAgentIDs,
		"selection always runs in automatic modes, caller ids are advisory at best")
	assert.Contains(t, state.NodesExecuted, nodeSelectAgent)
}

func TestManualModeWithoutAgentsFailsValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	state, err := f.orch.Start(context.Background(), Request{
		TenantID: "t1",
		Query:    "q",
		Mode:     types.ModeManualInteractive,
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, state.Status)
	require.NotEmpty(t, state.Errors)
	assert.Equal(t, types.ErrValidation, state.Errors[0].Code)
}

func TestMissingTenantFailsBeforeAnyWork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	state, err := f.orch.Start(context.Background(), Request{
		Query:    "q",
		Mode:     types.ModeManualInteractive,
		AgentIDs: []string{"expert-db"},
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, state.Status)
	require.NotEmpty(t, state.Errors)
	assert.Equal(t, types.ErrTenant, state.Errors[0].Code)
	assert.Equal(t, 0, f.provider.CallCount)
}

func TestInvalidModeRejectedUpfront(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	_, err := f.orch.Start(context.Background(), Request{TenantID: "t1", Query: "q", Mode: types.Mode(7)})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestAutonomousModeRunsInBackground(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Script("1. inspect\n2. answer", 0.5).Script("done answer", 0.95)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID: "t1",
		Query:    "q",
		Mode:     types.ModeManualAutonomous,
		AgentIDs: []string{"expert-db"},
	})
	require.NoError(t, err)
	assert.False(t, state.Status.Terminal(), "autonomous start returns a handle, not a result")

	final := waitForStatus(t, f, state.RequestID, types.StatusCompleted)
	assert.Equal(t, "done answer", final.Response)
	require.Len(t, final.Outputs, 1)
	assert.Equal(t, 1, final.Outputs[0].Iterations)
}

func TestCheckpointSuspendApproveResumeApprove(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Script("1. inspect\n2. answer", 0.5).Script("final answer", 0.95)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID:    "t1",
		Query:       "q",
		Mode:        types.ModeManualAutonomous,
		AgentIDs:    []string{"expert-db"},
		HITLEnabled: true,
	})
	require.NoError(t, err)

	// Plan checkpoint.
	waiting := waitForStatus(t, f, state.RequestID, types.StatusWaitingOnCheckpoint)
	cp := waiting.PendingCheckpoint()
	require.NotNil(t, cp)
	assert.Equal(t, types.CheckpointPlan, cp.Type)
	assert.Equal(t, 1, f.provider.CallCount)
	require.NotNil(t, waiting.Cursor)
	assert.NotEmpty(t, waiting.Cursor.Plan)

	_, err = f.orch.ResolveCheckpoint(context.Background(), state.RequestID, cp.ID, types.DecisionApprove, "plan looks fine")
	require.NoError(t, err)

	// Final-answer checkpoint after the reasoning loop.
	waiting = waitForStatus(t, f, state.RequestID, types.StatusWaitingOnCheckpoint)
	final := waiting.PendingCheckpoint()
	require.NotNil(t, final)
	assert.Equal(t, types.CheckpointFinal, final.Type)
	assert.NotEqual(t, cp.ID, final.ID)
	assert.Equal(t, 2, f.provider.CallCount)

	_, err = f.orch.ResolveCheckpoint(context.Background(), state.RequestID, final.ID, types.DecisionApprove, "")
	require.NoError(t, err)

	done := waitForStatus(t, f, state.RequestID, types.StatusCompleted)
	assert.Equal(t, "final answer", done.Response)
	assert.Equal(t, 2, f.provider.CallCount, "approval commits the stored draft, it never replays the loop")
}

func TestCheckpointApprovalsScopedPerAgent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.
		Script("1. inspect\n2. answer", 0.5).Script("db answer", 0.95).
		Script("1. trace\n2. answer", 0.5).Script("net answer", 0.95)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID:    "t1",
		Query:       "q",
		Mode:        types.ModeManualAutonomous,
		AgentIDs:    []string{"expert-db", "expert-net"},
		HITLEnabled: true,
	})
	require.NoError(t, err)

	// Each agent gates on its own plan and final checkpoints. The first
	// agent's approvals must not unlock the second agent's loop, so a
	// two-agent run takes four approvals, not two.
	wantAgents := []string{"expert-db", "expert-db", "expert-net", "expert-net"}
	wantTypes := []types.CheckpointType{
		types.CheckpointPlan, types.CheckpointFinal,
		types.CheckpointPlan, types.CheckpointFinal,
	}
	for i := range wantAgents {
		waiting := waitForStatus(t, f, state.RequestID, types.StatusWaitingOnCheckpoint)
		cp := waiting.PendingCheckpoint()
		require.NotNil(t, cp, "gate %d should suspend", i)
		assert.Equal(t, wantAgents[i], cp.AgentID, "gate %d", i)
		assert.Equal(t, wantTypes[i], cp.Type, "gate %d", i)
		_, err = f.orch.ResolveCheckpoint(context.Background(), state.RequestID, cp.ID, types.DecisionApprove, "")
		require.NoError(t, err)
	}

	done := waitForStatus(t, f, state.RequestID, types.StatusCompleted)
	require.Len(t, done.Checkpoints, 4)
	require.Len(t, done.Outputs, 2)
	assert.Equal(t, "db answer", done.Outputs[0].Content)
	assert.Equal(t, "net answer", done.Outputs[1].Content)
	assert.Equal(t, 4, f.provider.CallCount)

	// Committing after the final approval restores the cursor's spend;
	// an output with zero tokens would mean the pre-suspension usage was
	// dropped on resume.
	for _, out := range done.Outputs {
		assert.Positive(t, out.TokensUsed, "agent %s output lost its token accounting", out.AgentID)
	}
}

func TestCheckpointRejectionFailsWorkflow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Script("1. plan", 0.5)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID:    "t1",
		Query:       "q",
		Mode:        types.ModeManualAutonomous,
		AgentIDs:    []string{"expert-db"},
		HITLEnabled: true,
	})
	require.NoError(t, err)

	waiting := waitForStatus(t, f, state.RequestID, types.StatusWaitingOnCheckpoint)
	cp := waiting.PendingCheckpoint()
	require.NotNil(t, cp)

	resolved, err := f.orch.ResolveCheckpoint(context.Background(), state.RequestID, cp.ID, types.DecisionReject, "not like this")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, resolved.Status)

	stored := waitForStatus(t, f, state.RequestID, types.StatusFailed)
	require.NotEmpty(t, stored.Errors)
	assert.Equal(t, types.ErrCheckpoint, stored.Errors[len(stored.Errors)-1].Code)
}

func TestResolveCheckpointIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Script("1. plan", 0.5).Script("answer", 0.95)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID:    "t1",
		Query:       "q",
		Mode:        types.ModeManualAutonomous,
		AgentIDs:    []string{"expert-db"},
		HITLEnabled: true,
	})
	require.NoError(t, err)

	waiting := waitForStatus(t, f, state.RequestID, types.StatusWaitingOnCheckpoint)
	cp := waiting.PendingCheckpoint()

	_, err = f.orch.ResolveCheckpoint(context.Background(), state.RequestID, cp.ID, types.DecisionApprove, "")
	require.NoError(t, err)

	// Repeating the same decision is a no-op; flipping it is an error.
	_, err = f.orch.ResolveCheckpoint(context.Background(), state.RequestID, cp.ID, types.DecisionApprove, "")
	require.NoError(t, err)
	_, err = f.orch.ResolveCheckpoint(context.Background(), state.RequestID, cp.ID, types.DecisionReject, "")
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestSweepRejectsExpiredCheckpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Script("1. plan", 0.5)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID:    "t1",
		Query:       "q",
		Mode:        types.ModeManualAutonomous,
		AgentIDs:    []string{"expert-db"},
		HITLEnabled: true,
	})
	require.NoError(t, err)
	waiting := waitForStatus(t, f, state.RequestID, types.StatusWaitingOnCheckpoint)

	// Age the checkpoint past its deadline.
	cp := waiting.PendingCheckpoint()
	cp.CreatedAt = time.Now().Add(-time.Duration(cp.TimeoutSeconds+1) * time.Second)
	require.NoError(t, f.store.SaveWorkflow(context.Background(), waiting))

	swept, err := f.orch.SweepCheckpointTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	failed := waitForStatus(t, f, state.RequestID, types.StatusFailed)
	require.NotEmpty(t, failed.Checkpoints)
	assert.Equal(t, types.CheckpointTimedOut, failed.Checkpoints[len(failed.Checkpoints)-1].Status)
	assert.Equal(t, types.ErrCheckpoint, failed.Errors[len(failed.Errors)-1].Code)
}

func TestSweepApprovePolicyResumes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TimeoutDecision = types.DecisionApprove
	f2 := newFixture(t, cfg)
	f2.provider.Script("1. plan", 0.5).Script("recovered answer", 0.95)
	started, err := f2.orch.Start(context.Background(), Request{
		TenantID:    "t1",
		Query:       "q",
		Mode:        types.ModeManualAutonomous,
		AgentIDs:    []string{"expert-db"},
		HITLEnabled: true,
	})
	require.NoError(t, err)

	waiting := waitForStatus(t, f2, started.RequestID, types.StatusWaitingOnCheckpoint)
	cp := waiting.PendingCheckpoint()
	cp.CreatedAt = time.Now().Add(-time.Duration(cp.TimeoutSeconds+1) * time.Second)
	require.NoError(t, f2.store.SaveWorkflow(context.Background(), waiting))

	swept, err := f2.orch.SweepCheckpointTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// Approve policy resumes the run; it suspends again on the final
	// checkpoint, which the next sweep also approves.
	waiting = waitForStatus(t, f2, started.RequestID, types.StatusWaitingOnCheckpoint)
	cp = waiting.PendingCheckpoint()
	require.NotNil(t, cp)
	assert.Equal(t, types.CheckpointFinal, cp.Type)
	cp.CreatedAt = time.Now().Add(-time.Duration(cp.TimeoutSeconds+1) * time.Second)
	require.NoError(t, f2.store.SaveWorkflow(context.Background(), waiting))
	_, err = f2.orch.SweepCheckpointTimeouts(context.Background())
	require.NoError(t, err)

	done := waitForStatus(t, f2, started.RequestID, types.StatusCompleted)
	assert.Equal(t, "recovered answer", done.Response)
}

func TestCancelSuspendedWorkflow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Script("1. plan", 0.5)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID:    "t1",
		Query:       "q",
		Mode:        types.ModeManualAutonomous,
		AgentIDs:    []string{"expert-db"},
		HITLEnabled: true,
	})
	require.NoError(t, err)
	waitForStatus(t, f, state.RequestID, types.StatusWaitingOnCheckpoint)

	require.NoError(t, f.orch.Cancel(context.Background(), state.RequestID))
	failed := waitForStatus(t, f, state.RequestID, types.StatusFailed)
	assert.NotEmpty(t, failed.Errors)

	err = f.orch.Cancel(context.Background(), state.RequestID)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err), "terminal workflows cannot be cancelled")
}

func TestEventStreamCarriesProgressAndDone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Script("streamed answer", 0.9)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID:       "t1",
		Query:          "q",
		Mode:           types.ModeManualInteractive,
		AgentIDs:       []string{"expert-db"},
		EnableEvidence: true,
	})
	require.NoError(t, err)

	// History replay delivers the full stream even after completion.
	ch, cancel := f.broker.Subscribe(state.RequestID)
	defer cancel()

	seen := map[types.EventType]bool{}
	for ev := range ch {
		seen[ev.Type] = true
	}
	assert.True(t, seen[types.EventProgress])
	assert.True(t, seen[types.EventSources])
	assert.True(t, seen[types.EventContentChunk])
	assert.True(t, seen[types.EventDone])
}

func TestFinishedStreamsAreForgottenAfterRetention(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.StreamRetention = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.provider.Script("answer", 0.9)

	state, err := f.orch.Start(context.Background(), Request{
		TenantID: "t1",
		Query:    "q",
		Mode:     types.ModeManualInteractive,
		AgentIDs: []string{"expert-db"},
	})
	require.NoError(t, err)
	require.Equal(t, types.StatusCompleted, state.Status)
	require.Positive(t, f.broker.ActiveStreams())

	// The replay buffer outlives completion by the retention window only.
	require.Eventually(t, func() bool {
		return f.broker.ActiveStreams() == 0
	}, time.Second, 5*time.Millisecond, "finished stream history was never released")
}

func TestErrorsSurviveOnTheRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.ScriptError(types.NewError(types.ErrLLM, "provider melted"))

	state, err := f.orch.Start(context.Background(), Request{
		TenantID: "t1",
		Query:    "q",
		Mode:     types.ModeManualInteractive,
		AgentIDs: []string{"expert-db"},
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, state.Status)
	require.NotEmpty(t, state.Errors)
	assert.Equal(t, types.ErrLLM, state.Errors[0].Code)
	assert.Equal(t, nodeExecuteAgent, state.Errors[0].Node)
}
