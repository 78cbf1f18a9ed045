// Package llm provides the model backends. Every backend implements
// Client: it takes the conversation so far and streams one assistant turn
// as decode events, whether the underlying API streams natively or not.
package llm

import (
	"context"

	"github.com/ljchg12-hue/glm-cli/config"
	"github.com/ljchg12-hue/glm-cli/errors"
	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/stream"
	"github.com/ljchg12-hue/glm-cli/tools"
)

// Request carries everything a backend needs for one assistant turn.
type Request struct {
	System    string
	Turns     []session.Turn
	Tools     []*tools.Descriptor
	MaxTokens int
}

const defaultMaxTokens = 4096

func (r Request) maxTokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return defaultMaxTokens
}

// Client is the interface for interacting with a Large Language Model.
// Stream calls emit for every decode event of the turn, in order, ending
// with TurnFinished unless the request itself fails.
type Client interface {
	Stream(ctx context.Context, req Request, emit func(stream.Event)) error
}

// New constructs the backend selected by the configuration.
func New(ctx context.Context, cfg *config.Config) (Client, error) {
	switch cfg.LLMClient {
	case "", "glm":
		return NewGLMClient(cfg.APIBase, cfg.Model)
	case "anthropic":
		return NewAnthropicClient(cfg.Model)
	case "openai":
		return NewOpenAIClient(cfg.Model)
	case "gemini":
		return NewGeminiClient(ctx, cfg.Model)
	case "bedrock":
		return NewBedrockClient(ctx, cfg.Model)
	case "mock":
		return &MockClient{}, nil
	default:
		return nil, errors.New("unknown llm client %q", cfg.LLMClient)
	}
}

// emitTurn synthesizes the event sequence for a fully assembled response.
// Non-streaming backends use it so the agent loop sees the same event shape
// from every client.
func emitTurn(emit func(stream.Event), text string, calls []session.ToolCall, reason string) {
	if text != "" {
		emit(stream.Event{Type: stream.TextDelta, Text: text})
	}
	for _, call := range calls {
		emit(stream.Event{Type: stream.ToolCallStarted, ID: call.ID, Name: call.Name})
		emit(stream.Event{Type: stream.ToolCallCompleted, ID: call.ID, Name: call.Name, Args: call.Args})
	}
	if reason == "" {
		if len(calls) > 0 {
			reason = "tool_use"
		} else {
			reason = "end_turn"
		}
	}
	emit(stream.Event{Type: stream.TurnFinished, Reason: reason})
}
