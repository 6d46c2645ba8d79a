package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

const (
	workflowKeyPrefix = "expertflow:wf:"
	statusKeyPrefix   = "expertflow:wf:status:"
	panelKeyPrefix    = "expertflow:panel:"
)

// RedisStore persists records as JSON values in redis, with per-status
// index sets so the checkpoint sweeper can find suspended workflows.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore wraps an existing redis client. A zero ttl keeps
// records until explicitly deleted.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_store")),
	}
}

// SaveWorkflow implements WorkflowStore. The status index is updated
// atomically with the record.
func (s *RedisStore) SaveWorkflow(ctx context.Context, state *types.WorkflowState) error {
	if state.RequestID == "" {
		return types.NewError(types.ErrValidation, "request id is required")
	}
	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workflowKeyPrefix+state.RequestID, data, s.ttl)
	for _, status := range []types.WorkflowStatus{
		types.StatusPending, types.StatusRunning, types.StatusWaitingOnCheckpoint,
		types.StatusCompleted, types.StatusFailed,
	} {
		key := statusKeyPrefix + string(status)
		if status == state.Status {
			pipe.SAdd(ctx, key, state.RequestID)
		} else {
			pipe.SRem(ctx, key, state.RequestID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements WorkflowStore.
func (s *RedisStore) GetWorkflow(ctx context.Context, requestID string) (*types.WorkflowState, error) {
	data, err := s.client.Get(ctx, workflowKeyPrefix+requestID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var state types.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &state, nil
}

// DeleteWorkflow implements WorkflowStore.
func (s *RedisStore) DeleteWorkflow(ctx context.Context, requestID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, workflowKeyPrefix+requestID)
	for _, status := range []types.WorkflowStatus{
		types.StatusPending, types.StatusRunning, types.StatusWaitingOnCheckpoint,
		types.StatusCompleted, types.StatusFailed,
	} {
		pipe.SRem(ctx, statusKeyPrefix+string(status), requestID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ListByStatus implements WorkflowStore.
func (s *RedisStore) ListByStatus(ctx context.Context, status types.WorkflowStatus) ([]*types.WorkflowState, error) {
	ids, err := s.client.SMembers(ctx, statusKeyPrefix+string(status)).Result()
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}

	var out []*types.WorkflowState
	for _, id := range ids {
		state, err := s.GetWorkflow(ctx, id)
		if err == ErrNotFound {
			// Record expired but its index entry lingered.
			s.client.SRem(ctx, statusKeyPrefix+string(status), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

// SavePanel implements PanelStore.
func (s *RedisStore) SavePanel(ctx context.Context, session *types.PanelSession) error {
	if session.PanelID == "" {
		return types.NewError(types.ErrValidation, "panel id is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal panel: %w", err)
	}
	if err := s.client.Set(ctx, panelKeyPrefix+session.PanelID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save panel: %w", err)
	}
	return nil
}

// GetPanel implements PanelStore.
func (s *RedisStore) GetPanel(ctx context.Context, panelID string) (*types.PanelSession, error) {
	data, err := s.client.Get(ctx, panelKeyPrefix+panelID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get panel: %w", err)
	}
	var session types.PanelSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal panel: %w", err)
	}
	return &session, nil
}
