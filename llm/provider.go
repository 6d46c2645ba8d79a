// Package llm defines the model provider abstraction used by agent
// execution and panels. Providers are pluggable; the orchestration
// layers only see ChatRequest/ChatResponse.
package llm

import (
	"context"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a model conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is a single model invocation.
type ChatRequest struct {
	TraceID     string            `json:"trace_id,omitempty"`
	TenantID    string            `json:"tenant_id,omitempty"`
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Usage is the token accounting returned by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatResponse is one completed model invocation. Confidence is the
// model's self-reported confidence in [0,1]; providers that cannot
// estimate it return 0.
type ChatResponse struct {
	ID         string    `json:"id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model"`
	Content    string    `json:"content"`
	Confidence float64   `json:"confidence,omitempty"`
	Usage      Usage     `json:"usage,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}
