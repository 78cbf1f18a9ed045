package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/stream"
)

// ScriptedTurn is one canned assistant response.
type ScriptedTurn struct {
	Text   string
	Calls  []session.ToolCall
	Reason string
	Err    error
}

// MockClient replays a script of assistant turns. With an empty script it
// parrots the last user message, which is enough to exercise the loop
// end to end without an API key.
type MockClient struct {
	mu       sync.Mutex
	Script   []ScriptedTurn
	Requests []Request
}

func (m *MockClient) Stream(ctx context.Context, req Request, emit func(stream.Event)) error {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	var turn *ScriptedTurn
	if len(m.Script) > 0 {
		turn = &m.Script[0]
		m.Script = m.Script[1:]
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if turn == nil {
		var lastUser string
		for _, t := range req.Turns {
			if t.Role == session.RoleUser {
				lastUser = t.Content
			}
		}
		emitTurn(emit, fmt.Sprintf("I am a mock LLM. You said: %q.", lastUser), nil, "end_turn")
		return nil
	}
	if turn.Err != nil {
		return turn.Err
	}
	emitTurn(emit, turn.Text, turn.Calls, turn.Reason)
	return nil
}
