package types

import "time"

// PanelPattern governs how multiple agents' outputs are produced and
// combined.
type PanelPattern string

const (
	PatternParallel   PanelPattern = "parallel"
	PatternSequential PanelPattern = "sequential"
	PatternDebate     PanelPattern = "debate"
	PatternConsensus  PanelPattern = "consensus"
)

// Valid reports whether p is a defined pattern.
func (p PanelPattern) Valid() bool {
	switch p {
	case PatternParallel, PatternSequential, PatternDebate, PatternConsensus:
		return true
	}
	return false
}

// PanelResponse is one agent's contribution to a panel session. Failed
// agents are recorded with Err set; they are excluded from consensus
// computation but kept for visibility.
type PanelResponse struct {
	AgentID    string `json:"agent_id"`
	Content    string `json:"content"`
	OrderIndex int    `json:"order_index"`
	Round      int    `json:"round,omitempty"`
	Position   string `json:"position,omitempty"`
	TokensUsed int    `json:"tokens_used"`
	Err        string `json:"error,omitempty"`
}

// PanelSession is the durable record of one multi-agent panel run.
// ConsensusLevel is computed only for the consensus pattern; for all
// other patterns it is nil.
type PanelSession struct {
	PanelID        string          `json:"panel_id" gorm:"primaryKey;column:panel_id"`
	TenantID       string          `json:"tenant_id" gorm:"index"`
	Query          string          `json:"query"`
	AgentIDs       []string        `json:"agent_ids" gorm:"serializer:json"`
	Pattern        PanelPattern    `json:"pattern"`
	Responses      []PanelResponse `json:"responses" gorm:"serializer:json"`
	ConsensusLevel *float64        `json:"consensus_level,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
