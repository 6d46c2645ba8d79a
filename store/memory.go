package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/expertflow-ai/expertflow/types"
)

// MemoryStore keeps records in process memory. Records are deep-copied
// through JSON on both save and load so callers never share mutable
// state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string][]byte
	panels    map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string][]byte),
		panels:    make(map[string][]byte),
	}
}

// SaveWorkflow implements WorkflowStore.
func (s *MemoryStore) SaveWorkflow(ctx context.Context, state *types.WorkflowState) error {
	if state.RequestID == "" {
		return types.NewError(types.ErrValidation, "request id is required")
	}
	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[state.RequestID] = data
	return nil
}

// GetWorkflow implements WorkflowStore.
func (s *MemoryStore) GetWorkflow(ctx context.Context, requestID string) (*types.WorkflowState, error) {
	s.mu.RLock()
	data, ok := s.workflows[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var state types.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// DeleteWorkflow implements WorkflowStore.
func (s *MemoryStore) DeleteWorkflow(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, requestID)
	return nil
}

// ListByStatus implements WorkflowStore.
func (s *MemoryStore) ListByStatus(ctx context.Context, status types.WorkflowStatus) ([]*types.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.WorkflowState
	for _, data := range s.workflows {
		var state types.WorkflowState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, err
		}
		if state.Status == status {
			out = append(out, &state)
		}
	}
	return out, nil
}

// SavePanel implements PanelStore.
func (s *MemoryStore) SavePanel(ctx context.Context, session *types.PanelSession) error {
	if session.PanelID == "" {
		return types.NewError(types.ErrValidation, "panel id is required")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panels[session.PanelID] = data
	return nil
}

// GetPanel implements PanelStore.
func (s *MemoryStore) GetPanel(ctx context.Context, panelID string) (*types.PanelSession, error) {
	s.mu.RLock()
	data, ok := s.panels[panelID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var session types.PanelSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}
