// Package provider defines the model provider contract consumed by the
// conversation engine, plus a concrete OpenAI-compatible client and a
// retry decorator for transient upstream failures.
package provider

import (
	"context"
	"time"
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is a tool invocation requested by the model. ID is unique
// within one turn-cycle and correlates the eventual tool result.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is a single completion request.
type Request struct {
	Model    string
	Messages []Message

	// Tools carries the advertised tool schemas in provider wire shape
	// (the registry produces these).
	Tools []map[string]any
}

// Completion is the unified response from any provider. It carries either
// a final answer (Content) or one or more tool calls, never both.
type Completion struct {
	Model     string
	CreatedAt time.Time
	Content   string
	ToolCalls []ToolCall

	// Token usage (provider-neutral). Zero when the upstream omits it.
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model requested tool execution.
func (c *Completion) HasToolCalls() bool {
	return len(c.ToolCalls) > 0
}

// TotalTokens returns input plus output token usage.
func (c *Completion) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// Completer is the adapter contract the engine calls for completions.
// Implementations must be safe for concurrent use: different sessions'
// turns run in parallel against the same adapter.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
}
