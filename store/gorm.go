package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/expertflow-ai/expertflow/types"
)

// GormStore persists records in a relational database. WorkflowState and
// PanelSession carry gorm tags directly; nested structures are stored
// through the JSON serializer.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps an existing gorm connection and migrates the
// schema.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&types.WorkflowState{}, &types.PanelSession{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "gorm_store"))}, nil
}

// SaveWorkflow implements WorkflowStore via upsert on request id.
func (s *GormStore) SaveWorkflow(ctx context.Context, state *types.WorkflowState) error {
	if state.RequestID == "" {
		return types.NewError(types.ErrValidation, "request id is required")
	}
	return s.db.WithContext(ctx).Save(state).Error
}

// GetWorkflow implements WorkflowStore.
func (s *GormStore) GetWorkflow(ctx context.Context, requestID string) (*types.WorkflowState, error) {
	var state types.WorkflowState
	err := s.db.WithContext(ctx).First(&state, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// DeleteWorkflow implements WorkflowStore.
func (s *GormStore) DeleteWorkflow(ctx context.Context, requestID string) error {
	return s.db.WithContext(ctx).Delete(&types.WorkflowState{}, "request_id = ?", requestID).Error
}

// ListByStatus implements WorkflowStore.
func (s *GormStore) ListByStatus(ctx context.Context, status types.WorkflowStatus) ([]*types.WorkflowState, error) {
	var states []*types.WorkflowState
	err := s.db.WithContext(ctx).Where("status = ?", status).Find(&states).Error
	if err != nil {
		return nil, err
	}
	return states, nil
}

// SavePanel implements PanelStore via upsert on panel id.
func (s *GormStore) SavePanel(ctx context.Context, session *types.PanelSession) error {
	if session.PanelID == "" {
		return types.NewError(types.ErrValidation, "panel id is required")
	}
	return s.db.WithContext(ctx).Save(session).Error
}

// GetPanel implements PanelStore.
func (s *GormStore) GetPanel(ctx context.Context, panelID string) (*types.PanelSession, error) {
	var session types.PanelSession
	err := s.db.WithContext(ctx).First(&session, "panel_id = ?", panelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}
