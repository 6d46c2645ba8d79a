// Package store persists workflow state and panel sessions. Durability
// is what lets a workflow suspended on a checkpoint resume after an
// arbitrary delay, including across process restarts.
//
// Three implementations: in-memory for tests and single-node use, redis
// for shared deployments with TTL-based retention, and GORM for a
// relational system of record.
package store

import (
	"context"
	"errors"

	"github.com/expertflow-ai/expertflow/types"
)

// ErrNotFound is returned when no record exists for the given key.
var ErrNotFound = errors.New("record not found")

// WorkflowStore persists WorkflowState keyed by request id.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, state *types.WorkflowState) error
	GetWorkflow(ctx context.Context, requestID string) (*types.WorkflowState, error)
	DeleteWorkflow(ctx context.Context, requestID string) error
	// ListByStatus returns workflows in the given status, used by the
	// checkpoint timeout sweeper.
	ListByStatus(ctx context.Context, status types.WorkflowStatus) ([]*types.WorkflowState, error)
}

// PanelStore persists PanelSession keyed by panel id.
type PanelStore interface {
	SavePanel(ctx context.Context, session *types.PanelSession) error
	GetPanel(ctx context.Context, panelID string) (*types.PanelSession, error)
}

// Store combines both persistence capabilities.
type Store interface {
	WorkflowStore
	PanelStore
}
