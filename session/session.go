// Package session holds the conversation data model and the append-only
// store that persists it. A session is an ordered, gap-free sequence of
// turns; the store enforces that every tool call recorded in an assistant
// turn is resolved before the conversation moves on.
package session

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// Result status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ToolCall is a structured request, emitted by the model, to invoke a named
// capability. The ID correlates the call with its result and is unique
// within the enclosing assistant turn.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult records the outcome of one tool call. Status is "ok" or
// "error"; Error carries the detail when Status is "error".
type ToolResult struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Turn is one logical message in a conversation. Turns are immutable once
// appended; Index is assigned by the store and is strictly increasing and
// gap-free within a session.
type Turn struct {
	Index     int          `json:"index"`
	Role      Role         `json:"role"`
	Content   string       `json:"content,omitempty"`
	ToolCalls []ToolCall   `json:"tool_calls,omitempty"`
	Results   []ToolResult `json:"results,omitempty"`
	Timestamp time.Time    `json:"ts"`
}

// Session is a full conversation: identity, the configuration snapshot it
// was started with, and its turns.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	Turns     []Turn    `json:"turns,omitempty"`
}

// PendingCalls returns the tool calls of the final assistant turn that have
// not yet been matched by a tool_result turn. Empty when the conversation
// is in a resolved state.
func (s *Session) PendingCalls() []ToolCall {
	if len(s.Turns) == 0 {
		return nil
	}
	last := s.Turns[len(s.Turns)-1]
	if last.Role != RoleAssistant || len(last.ToolCalls) == 0 {
		return nil
	}
	return last.ToolCalls
}

// Clone returns a deep copy safe for use while the original keeps growing.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Turns = make([]Turn, len(s.Turns))
	copy(cp.Turns, s.Turns)
	for i := range cp.Turns {
		t := &cp.Turns[i]
		if len(t.ToolCalls) > 0 {
			calls := make([]ToolCall, len(t.ToolCalls))
			copy(calls, t.ToolCalls)
			t.ToolCalls = calls
		}
		if len(t.Results) > 0 {
			results := make([]ToolResult, len(t.Results))
			copy(results, t.Results)
			t.Results = results
		}
	}
	return &cp
}
