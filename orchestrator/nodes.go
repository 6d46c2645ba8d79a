package orchestrator

import (
	"github.com/expertflow-ai/expertflow/engine"
	"github.com/expertflow-ai/expertflow/types"
)

// Node names shared by all four mode graphs.
const (
	nodeValidateTenant = "validate_tenant"
	nodeSelectAgent    = "select_agent"
	nodeGatherEvidence = "gather_evidence"
	nodeExecuteAgent   = "execute_agent"
	nodeFormatResponse = "format_response"
)

// NodeResult is the tagged outcome of one node. Exactly one concrete
// variant is produced per node run and consumed by the orchestrator's
// typed dispatcher; nodes never merge untyped payloads into the state.
type NodeResult interface {
	isNodeResult()
}

// TenantValidated is the outcome of validate_tenant.
type TenantValidated struct{}

// AgentsSelected carries the automatic agent choice and its ranking.
type AgentsSelected struct {
	AgentIDs []string
	Ranking  []types.FusionResult
}

// EvidenceGathered carries the merged gather_evidence result.
type EvidenceGathered struct {
	Result *engine.GatherResult
}

// AgentExecuted carries finished agent outputs, or a pending checkpoint
// plus the cursor to resume from when the run suspended.
type AgentExecuted struct {
	Outputs    []types.AgentOutput
	Checkpoint *types.Checkpoint
	Cursor     *types.LoopCursor
}

// ResponseFormatted carries the final response and its citations.
type ResponseFormatted struct {
	Response            string
	Citations           []types.Citation
	RetrievalConfidence float64
	ModelConfidence     float64
}

func (TenantValidated) isNodeResult()   {}
func (AgentsSelected) isNodeResult()    {}
func (EvidenceGathered) isNodeResult()  {}
func (AgentExecuted) isNodeResult()     {}
func (ResponseFormatted) isNodeResult() {}

// apply merges a node result into the workflow state. It runs on the
// single orchestrating goroutine: lists append, scalars last-write-win.
func (o *Orchestrator) apply(state *types.WorkflowState, result NodeResult) {
	switch r := result.(type) {
	case TenantValidated:
		// Nothing to merge; the node only guards.
	case AgentsSelected:
		state.SelectedAgentIDs = r.AgentIDs
	case EvidenceGathered:
		if r.Result != nil && r.Result.Evidence != nil {
			ev := *r.Result.Evidence
			if r.Result.Degraded {
				ev.Degraded = true
			}
			state.Evidence = &ev
		} else if r.Result != nil && r.Result.Degraded {
			state.Evidence = &types.Evidence{Degraded: true, NoEvidence: true}
		}
	case AgentExecuted:
		if r.Cursor != nil {
			state.Cursor = r.Cursor
		}
		state.Outputs = append(state.Outputs, r.Outputs...)
		if r.Checkpoint != nil {
			state.Checkpoints = append(state.Checkpoints, r.Checkpoint)
		}
	case ResponseFormatted:
		state.Response = r.Response
		state.Citations = r.Citations
		state.RetrievalConfidence = r.RetrievalConfidence
		state.ModelConfidence = r.ModelConfidence
	}
}
