package types

import (
	"encoding/json"
	"time"
)

// EventType labels one entry of the server-push event stream. Consumers
// must tolerate types they do not recognize.
type EventType string

const (
	EventPlan         EventType = "plan"
	EventProgress     EventType = "progress"
	EventCheckpoint   EventType = "checkpoint"
	EventToolStart    EventType = "tool_start"
	EventToolResult   EventType = "tool_result"
	EventRAGResults   EventType = "rag_results"
	EventWebSearch    EventType = "web_search"
	EventReasoning    EventType = "reasoning"
	EventCoTStep      EventType = "cot_step"
	EventContentChunk EventType = "content_chunk"
	EventToken        EventType = "token"
	EventSources      EventType = "sources"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// StreamEvent is one line of the typed event stream: a type tag plus a
// JSON payload.
type StreamEvent struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewStreamEvent marshals payload and wraps it in a StreamEvent. A
// payload that fails to marshal is dropped rather than breaking the
// stream.
func NewStreamEvent(t EventType, requestID string, payload any) StreamEvent {
	ev := StreamEvent{Type: t, RequestID: requestID, Timestamp: time.Now()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// ProgressPayload is the payload of a progress event.
type ProgressPayload struct {
	Step       int     `json:"step"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Node       string  `json:"node,omitempty"`
}

// PlanPayload is the payload of a plan event.
type PlanPayload struct {
	Steps      []string `json:"steps"`
	Confidence float64  `json:"confidence"`
}

// DonePayload is the payload of the terminal done event.
type DonePayload struct {
	Response            string         `json:"response"`
	Citations           []Citation     `json:"citations,omitempty"`
	Status              WorkflowStatus `json:"status"`
	Degraded            bool           `json:"degraded"`
	RetrievalConfidence float64        `json:"retrieval_confidence"`
	ModelConfidence     float64        `json:"model_confidence"`
	SelectedAgents      []string       `json:"selected_agents,omitempty"`
}
