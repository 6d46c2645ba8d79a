package types

import "time"

// Mode selects the interaction pattern for one request.
//
//	Mode 1: manual agent choice, interactive depth
//	Mode 2: automatic agent choice, interactive depth
//	Mode 3: manual agent choice, autonomous depth
//	Mode 4: automatic agent choice, autonomous depth
type Mode int

const (
	ModeManualInteractive Mode = 1
	ModeAutoInteractive   Mode = 2
	ModeManualAutonomous  Mode = 3
	ModeAutoAutonomous    Mode = 4
)

// Autonomous reports whether the mode runs the iterative reasoning loop.
func (m Mode) Autonomous() bool {
	return m == ModeManualAutonomous || m == ModeAutoAutonomous
}

// AutoSelect reports whether the mode chooses agents automatically.
func (m Mode) AutoSelect() bool {
	return m == ModeAutoInteractive || m == ModeAutoAutonomous
}

// Valid reports whether m is one of the four defined modes.
func (m Mode) Valid() bool {
	return m >= ModeManualInteractive && m <= ModeAutoAutonomous
}

// WorkflowStatus is the lifecycle state of one request's workflow.
type WorkflowStatus string

const (
	StatusPending             WorkflowStatus = "pending"
	StatusRunning             WorkflowStatus = "running"
	StatusWaitingOnCheckpoint WorkflowStatus = "waiting_on_checkpoint"
	StatusCompleted           WorkflowStatus = "completed"
	StatusFailed              WorkflowStatus = "failed"
)

// Terminal reports whether the status ends the workflow.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CheckpointType names the kind of step awaiting human approval.
type CheckpointType string

const (
	CheckpointPlan     CheckpointType = "plan"
	CheckpointTool     CheckpointType = "tool"
	CheckpointSubagent CheckpointType = "subagent"
	CheckpointCritical CheckpointType = "critical"
	CheckpointFinal    CheckpointType = "final"
)

// CheckpointStatus is the resolution state of a checkpoint.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointTimedOut CheckpointStatus = "timed_out"
)

// CheckpointDecision is the resolution posted back by a human reviewer.
type CheckpointDecision string

const (
	DecisionApprove CheckpointDecision = "approve"
	DecisionReject  CheckpointDecision = "reject"
)

// CheckpointOption is one selectable choice presented with a checkpoint.
type CheckpointOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	IsDefault   bool   `json:"is_default,omitempty"`
}

// Checkpoint is a human-approval gate. The owning workflow sits in
// waiting_on_checkpoint until the checkpoint is resolved or times out.
// AgentID scopes the gate: an approval covers one agent's loop only,
// never a later agent in the same workflow.
type Checkpoint struct {
	ID             string             `json:"id"`
	RequestID      string             `json:"request_id"`
	AgentID        string             `json:"agent_id,omitempty"`
	Type           CheckpointType     `json:"type"`
	Description    string             `json:"description,omitempty"`
	Options        []CheckpointOption `json:"options,omitempty"`
	TimeoutSeconds int                `json:"timeout_seconds"`
	Status         CheckpointStatus   `json:"status"`
	Comment        string             `json:"comment,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
}

// Evidence is the merged output of one gather_evidence phase.
type Evidence struct {
	Results  []FusionResult `json:"results"`
	Degraded bool           `json:"degraded"`
	// NoEvidence marks the degenerate case where zero retrievers
	// succeeded; the workflow proceeds in degraded mode.
	NoEvidence    bool              `json:"no_evidence,omitempty"`
	SourceErrors  map[Source]string `json:"source_errors,omitempty"`
	RetrievalTime time.Duration     `json:"retrieval_time"`
}

// AgentOutput is one agent's answer, interactive or autonomous.
type AgentOutput struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
	// ModelConfidence is the executor's own confidence heuristic. It is
	// a distinct metric from RetrievalConfidence and ConsensusLevel and
	// must not be merged with them.
	ModelConfidence float64 `json:"model_confidence"`
	Iterations      int     `json:"iterations"`
	TokensUsed      int     `json:"tokens_used"`
	Err             string  `json:"error,omitempty"`
}

// LoopCursor records where an autonomous reasoning loop was suspended so
// a checkpoint resume can continue without replaying finished iterations.
type LoopCursor struct {
	AgentIndex int     `json:"agent_index"`
	Iteration  int     `json:"iteration"`
	Plan       string  `json:"plan,omitempty"`
	Scratch    string  `json:"scratch,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	// Tokens is the spend accumulated before a suspension, restored on
	// resume so the committed output accounts for the whole loop.
	Tokens int `json:"tokens,omitempty"`
}

// WorkflowState is the single mutable record threaded through one
// request. It is owned exclusively by the orchestrator run executing the
// request: concurrent sub-work writes into private slots that are merged
// back by the orchestrating goroutine after each fork-join phase.
//
// TenantID is set before any other field and never changes.
type WorkflowState struct {
	TenantID  string `json:"tenant_id" gorm:"index"`
	RequestID string `json:"request_id" gorm:"primaryKey;column:request_id"`
	SessionID string `json:"session_id,omitempty"`
	Mode      Mode   `json:"mode"`
	Query     string `json:"query"`

	SelectedAgentIDs []string       `json:"selected_agent_ids,omitempty" gorm:"serializer:json"`
	Evidence         *Evidence      `json:"evidence,omitempty" gorm:"serializer:json"`
	NodesExecuted    []string       `json:"nodes_executed" gorm:"serializer:json"`
	Status           WorkflowStatus `json:"status" gorm:"index"`
	Errors           []*Error       `json:"errors,omitempty" gorm:"serializer:json"`
	Response         string         `json:"response,omitempty"`
	Citations        []Citation     `json:"citations,omitempty" gorm:"serializer:json"`
	Checkpoints      []*Checkpoint  `json:"checkpoints,omitempty" gorm:"serializer:json"`

	// RetrievalConfidence is the mean fused score of cited evidence.
	// ModelConfidence mirrors the final agent output's self-report.
	RetrievalConfidence float64 `json:"retrieval_confidence"`
	ModelConfidence     float64 `json:"model_confidence"`

	HITLEnabled         bool        `json:"hitl_enabled"`
	EnableEvidence      bool        `json:"enable_evidence"`
	EnableTools         bool        `json:"enable_tools"`
	MaxIterations       int         `json:"max_iterations"`
	ConfidenceThreshold float64     `json:"confidence_threshold"`
	Cursor              *LoopCursor `json:"cursor,omitempty" gorm:"serializer:json"`

	Outputs []AgentOutput `json:"outputs,omitempty" gorm:"serializer:json"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendError records a failure without dropping earlier ones. Errors are
// appended even when a later retry succeeds.
func (s *WorkflowState) AppendError(e *Error) {
	if e != nil {
		s.Errors = append(s.Errors, e)
	}
}

// MarkNode appends a node name to the execution trace.
func (s *WorkflowState) MarkNode(name string) {
	s.NodesExecuted = append(s.NodesExecuted, name)
}

// PendingCheckpoint returns the newest unresolved checkpoint, if any.
func (s *WorkflowState) PendingCheckpoint() *Checkpoint {
	for i := len(s.Checkpoints) - 1; i >= 0; i-- {
		if s.Checkpoints[i].Status == CheckpointPending {
			return s.Checkpoints[i]
		}
	}
	return nil
}
