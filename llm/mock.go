package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockProvider is a scripted provider for tests and local development.
// Responses are served in order; when the script runs out it echoes the
// last user message.
type MockProvider struct {
	mu        sync.Mutex
	name      string
	script    []ChatResponse
	errs      []error
	next      int
	delay     time.Duration
	CallCount int
	Requests  []*ChatRequest
}

// NewMockProvider creates an empty mock.
func NewMockProvider(name string) *MockProvider {
	if name == "" {
		name = "mock"
	}
	return &MockProvider{name: name}
}

// Script queues a canned response.
func (m *MockProvider) Script(content string, confidence float64) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, ChatResponse{Content: content, Confidence: confidence})
	m.errs = append(m.errs, nil)
	return m
}

// ScriptError queues a failure.
func (m *MockProvider) ScriptError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, ChatResponse{})
	m.errs = append(m.errs, err)
	return m
}

// WithDelay makes each call block for d before responding, honoring
// context cancellation.
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Name implements Provider.
func (m *MockProvider) Name() string { return m.name }

// Chat implements Provider.
func (m *MockProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.CallCount++
	m.Requests = append(m.Requests, req)
	delay := m.delay
	var resp ChatResponse
	var err error
	if m.next < len(m.script) {
		resp = m.script[m.next]
		err = m.errs[m.next]
		m.next++
	} else {
		resp = ChatResponse{Content: echo(req), Confidence: 0.8}
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	resp.Provider = m.name
	resp.Model = req.Model
	resp.CreatedAt = time.Now()
	resp.Usage = Usage{
		PromptTokens:     promptLen(req),
		CompletionTokens: len(strings.Fields(resp.Content)),
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return &resp, nil
}

func echo(req *ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return fmt.Sprintf("mock answer to: %s", req.Messages[i].Content)
		}
	}
	return "mock answer"
}

func promptLen(req *ChatRequest) int {
	n := 0
	for _, msg := range req.Messages {
		n += len(strings.Fields(msg.Content))
	}
	return n
}
