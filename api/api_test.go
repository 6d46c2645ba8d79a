package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expertflow-ai/expertflow/config"
	"github.com/expertflow-ai/expertflow/engine"
	"github.com/expertflow-ai/expertflow/executor"
	"github.com/expertflow-ai/expertflow/llm"
	"github.com/expertflow-ai/expertflow/orchestrator"
	"github.com/expertflow-ai/expertflow/panel"
	"github.com/expertflow-ai/expertflow/registry"
	"github.com/expertflow-ai/expertflow/retrieval"
	"github.com/expertflow-ai/expertflow/store"
	"github.com/expertflow-ai/expertflow/streaming"
	"github.com/expertflow-ai/expertflow/types"
)

type stubRetriever struct {
	source types.Source
	ids    []string
}

func (s *stubRetriever) Source() types.Source { return s.source }

func (s *stubRetriever) Retrieve(ctx context.Context, query, tenantID string, topK int, params retrieval.Params) ([]types.RankedItem, error) {
	items := make([]types.RankedItem, 0, len(s.ids))
	for i, id := range s.ids {
		items = append(items, types.RankedItem{ID: id, Rank: i + 1, Score: 1.0 / float64(i+1), Source: s.source})
	}
	return items, nil
}

type testAPI struct {
	handler  http.Handler
	provider *llm.MockProvider
	store    *store.MemoryStore
	cfg      *config.Config
}

func newTestAPI(t *testing.T, mutate func(*config.Config)) *testAPI {
	t.Helper()

	cfg := config.Default()
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	engCfg := engine.DefaultConfig()
	engCfg.Timeout = 200 * time.Millisecond
	engCfg.PerCallTimeout = 150 * time.Millisecond
	eng := engine.New([]retrieval.Retriever{
		&stubRetriever{source: types.SourceVector, ids: []string{"expert-db", "expert-net"}},
	}, engCfg, nil)
	gatherer := engine.NewGatherer(eng, nil, engine.DefaultGathererConfig(), nil)

	reg := registry.New(nil)
	require.NoError(t, reg.Register(types.Agent{ID: "expert-db", Level: types.LevelL3}))
	require.NoError(t, reg.Register(types.Agent{ID: "expert-net", Level: types.LevelL2}))

	provider := llm.NewMockProvider("mock")
	broker := streaming.NewBroker(nil)
	st := store.NewMemoryStore()
	exec := executor.New(provider, reg, nil, nil, broker, executor.DefaultConfig(), nil)
	orch := orchestrator.New(orchestrator.Deps{
		Engine:   eng,
		Gatherer: gatherer,
		Executor: exec,
		Registry: reg,
		Store:    st,
		Broker:   broker,
	}, cfg.Orchestrator, nil)
	panels := panel.New(exec, reg, st, cfg.Panel, nil)

	h := NewHandler(orch, panels, broker, st, reg, nil, cfg, nil)
	return &testAPI{handler: h.Routes(), provider: provider, store: st, cfg: cfg}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success, "expected success envelope, got %s", rec.Body.String())
	require.NoError(t, json.Unmarshal(resp.Data, dst))
}

func TestAskInteractiveReturnsAnswerInline(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil)
	a.provider.Script("inline answer", 0.9)

	rec := a.do(t, http.MethodPost, "/v1/ask", askRequest{
		Query:          "q",
		Mode:           types.ModeManualInteractive,
		AgentIDs:       []string{"expert-db"},
		EnableEvidence: true,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var state types.WorkflowState
	decodeData(t, rec, &state)
	assert.Equal(t, types.StatusCompleted, state.Status)
	assert.Equal(t, "inline answer", state.Response)
	assert.NotEmpty(t, state.Citations)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAskAutonomousReturnsJobHandle(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil)
	a.provider.Script("1. plan", 0.5).Script("async answer", 0.95)

	rec := a.do(t, http.MethodPost, "/v1/ask", askRequest{
		Query:    "q",
		Mode:     types.ModeManualAutonomous,
		AgentIDs: []string{"expert-db"},
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var handle struct {
		RequestID string `json:"request_id"`
	}
	decodeData(t, rec, &handle)
	require.NotEmpty(t, handle.RequestID)

	require.Eventually(t, func() bool {
		got := a.do(t, http.MethodGet, "/v1/requests/"+handle.RequestID, nil, nil)
		if got.Code != http.StatusOK {
			return false
		}
		var state types.WorkflowState
		decodeData(t, got, &state)
		return state.Status == types.StatusCompleted && state.Response == "async answer"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAskRejectsInvalidBody(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil)
	rec := a.do(t, http.MethodPost, "/v1/ask", map[string]any{"query": "q", "mode": 1, "bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/ask", askRequest{Query: "q", Mode: types.Mode(9)}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRequestIDIsRejected(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil)
	rec := a.do(t, http.MethodGet, "/v1/requests/no-such-id", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStreamDeliversSSEFrames(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil)
	a.provider.Script("streamed", 0.9)

	rec := a.do(t, http.MethodPost, "/v1/ask", askRequest{
		Query:    "q",
		Mode:     types.ModeManualInteractive,
		AgentIDs: []string{"expert-db"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state types.WorkflowState
	decodeData(t, rec, &state)

	events := a.do(t, http.MethodGet, "/v1/requests/"+state.RequestID+"/events", nil, nil)
	require.Equal(t, http.StatusOK, events.Code)
	assert.Equal(t, "text/event-stream", events.Header().Get("Content-Type"))
	assert.Contains(t, events.Body.String(), "event: progress")
	assert.Contains(t, events.Body.String(), "event: done")
}

func TestCheckpointResolutionOverHTTP(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil)
	a.provider.Script("1. plan", 0.5).Script("approved answer", 0.95)

	rec := a.do(t, http.MethodPost, "/v1/ask", askRequest{
		Query:       "q",
		Mode:        types.ModeManualAutonomous,
		AgentIDs:    []string{"expert-db"},
		HITLEnabled: true,
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var handle struct {
		RequestID string `json:"request_id"`
	}
	decodeData(t, rec, &handle)

	var cpID string
	require.Eventually(t, func() bool {
		got := a.do(t, http.MethodGet, "/v1/requests/"+handle.RequestID, nil, nil)
		var state types.WorkflowState
		decodeData(t, got, &state)
		if state.Status != types.StatusWaitingOnCheckpoint {
			return false
		}
		cpID = state.PendingCheckpoint().ID
		return true
	}, 3*time.Second, 10*time.Millisecond)

	resolve := a.do(t, http.MethodPost,
		fmt.Sprintf("/v1/requests/%s/checkpoints/%s/resolve", handle.RequestID, cpID),
		resolveRequest{Decision: types.DecisionApprove, Comment: "ship it"}, nil)
	require.Equal(t, http.StatusOK, resolve.Code, resolve.Body.String())

	// The run continues to the final-answer checkpoint and then to done.
	require.Eventually(t, func() bool {
		got := a.do(t, http.MethodGet, "/v1/requests/"+handle.RequestID, nil, nil)
		var state types.WorkflowState
		decodeData(t, got, &state)
		if state.Status != types.StatusWaitingOnCheckpoint {
			return false
		}
		cp := state.PendingCheckpoint()
		if cp == nil || cp.Type != types.CheckpointFinal {
			return false
		}
		cpID = cp.ID
		return true
	}, 3*time.Second, 10*time.Millisecond)

	resolve = a.do(t, http.MethodPost,
		fmt.Sprintf("/v1/requests/%s/checkpoints/%s/resolve", handle.RequestID, cpID),
		resolveRequest{Decision: types.DecisionApprove}, nil)
	require.Equal(t, http.StatusOK, resolve.Code)

	require.Eventually(t, func() bool {
		got := a.do(t, http.MethodGet, "/v1/requests/"+handle.RequestID, nil, nil)
		var state types.WorkflowState
		decodeData(t, got, &state)
		return state.Status == types.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPanelEndpointRunsAndPersists(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil)
	rec := a.do(t, http.MethodPost, "/v1/panels", panelRequest{
		Query:    "q",
		AgentIDs: []string{"expert-db", "expert-net"},
		Pattern:  types.PatternConsensus,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var session types.PanelSession
	decodeData(t, rec, &session)
	require.Len(t, session.Responses, 2)
	require.NotNil(t, session.ConsensusLevel)

	got := a.do(t, http.MethodGet, "/v1/panels/"+session.PanelID, nil, nil)
	assert.Equal(t, http.StatusOK, got.Code)

	missing := a.do(t, http.MethodGet, "/v1/panels/nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestListAgentsAndHealth(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, nil)
	rec := a.do(t, http.MethodGet, "/v1/agents", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []types.Agent
	decodeData(t, rec, &agents)
	assert.Len(t, agents, 2)

	health := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestJWTAuthGatesRequests(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.Secret = "test-secret"
	})
	a.provider.Script("secured answer", 0.9)

	// No token.
	rec := a.do(t, http.MethodPost, "/v1/ask", askRequest{
		Query: "q", Mode: types.ModeManualInteractive, AgentIDs: []string{"expert-db"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Wrong secret.
	bad := signToken(t, "other-secret", "acme")
	rec = a.do(t, http.MethodPost, "/v1/ask", askRequest{
		Query: "q", Mode: types.ModeManualInteractive, AgentIDs: []string{"expert-db"},
	}, map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Valid token carries the tenant through to the workflow record.
	good := signToken(t, "test-secret", "acme")
	rec = a.do(t, http.MethodPost, "/v1/ask", askRequest{
		Query: "q", Mode: types.ModeManualInteractive, AgentIDs: []string{"expert-db"},
	}, map[string]string{"Authorization": "Bearer " + good})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var state types.WorkflowState
	decodeData(t, rec, &state)
	assert.Equal(t, "acme", state.TenantID)
}

func TestRateLimitReturns429(t *testing.T) {
	t.Parallel()

	a := newTestAPI(t, func(c *config.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.RPS = 0.001
		c.RateLimit.Burst = 1
	})

	first := a.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := a.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func signToken(t *testing.T, secret, tenant string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": tenant,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}
