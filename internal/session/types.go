// Package session provides the durable per-session turn log and session
// metadata. Append is the sole mutation path for turn history; turns are
// immutable once written and replay order is append order.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Turn roles. A summary turn produced by compaction uses RoleSystem.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one role-tagged entry in a session's ordered history.
type Turn struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"` // per-session monotonic append order
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ToolCalls  string    `json:"tool_calls,omitempty"`   // JSON-encoded tool calls on assistant turns
	ToolCallID string    `json:"tool_call_id,omitempty"` // correlates tool turns to their call
	IsSummary  bool      `json:"is_summary,omitempty"`   // compaction summary standing in for earlier turns
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session is the mutable metadata plus, when loaded, the replay view of
// its turn history: the summary turn covering everything up to the
// compaction marker, followed by the turns after it.
type Session struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	TokenUsage       int       `json:"token_usage"`
	CompactionMarker int64     `json:"compaction_marker"` // seq of the last summarized turn, 0 = never compacted

	Turns []Turn `json:"turns,omitempty"`
}

// Summary is a session list entry.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// estimateTokens provides a rough token count estimate.
// Rule of thumb: ~4 characters per token for English.
func estimateTokens(text string) int {
	return len(text) / 4
}
