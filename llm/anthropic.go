package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ljchg12-hue/glm-cli/errors"
	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/stream"
)

// AnthropicClient is a client for the Anthropic API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient requires the ANTHROPIC_API_KEY environment variable.
func NewAnthropicClient(model string) (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{client: &client, model: model}, nil
}

// Stream sends the conversation through the SDK's streaming API and adapts
// the SDK events to decode events.
func (a *AnthropicClient) Stream(ctx context.Context, req Request, emit func(stream.Event)) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(req.maxTokens()),
		Messages:  convertTurnsToAnthropicMessages(req.Turns),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, d := range req.Tools {
		props, required := schemaFields(d.Schema)
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		}})
	}

	sse := a.client.Messages.NewStreaming(ctx, params)
	var stopReason string
	type pendingCall struct {
		id   string
		name string
		args []byte
	}
	calls := map[int64]*pendingCall{}

	for sse.Next() {
		event := sse.Current()
		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type != "tool_use" {
				continue
			}
			use := start.ContentBlock.AsToolUse()
			calls[start.Index] = &pendingCall{id: use.ID, name: use.Name}
			emit(stream.Event{Type: stream.ToolCallStarted, ID: use.ID, Name: use.Name})

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text != "" {
					emit(stream.Event{Type: stream.TextDelta, Text: delta.Delta.Text})
				}
			case "input_json_delta":
				if call, ok := calls[delta.Index]; ok && delta.Delta.PartialJSON != "" {
					call.args = append(call.args, delta.Delta.PartialJSON...)
					emit(stream.Event{Type: stream.ToolCallArgDelta, ID: call.id, Text: delta.Delta.PartialJSON})
				}
			}

		case "content_block_stop":
			stop := event.AsContentBlockStop()
			call, ok := calls[stop.Index]
			if !ok {
				continue
			}
			delete(calls, stop.Index)
			args := call.args
			if len(args) == 0 {
				args = []byte(`{}`)
			}
			if !json.Valid(args) {
				emit(stream.Event{
					Type: stream.DecodeError,
					ID:   call.id,
					Err:  errors.NewKind(errors.KindDecode, "tool call %q: arguments are not valid JSON", call.id),
				})
				continue
			}
			emit(stream.Event{Type: stream.ToolCallCompleted, ID: call.id, Name: call.name, Args: args})

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}

		case "message_stop":
			emit(stream.Event{Type: stream.TurnFinished, Reason: stopReason})
			return nil
		}
	}
	if err := sse.Err(); err != nil {
		return errors.WrapKind(err, errors.KindConnection, "Anthropic stream failed")
	}
	emit(stream.Event{Type: stream.TurnFinished, Reason: stopReason})
	return nil
}

// convertTurnsToAnthropicMessages converts the turn log to the SDK's
// message format.
func convertTurnsToAnthropicMessages(turns []session.Turn) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))

		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if turn.Content != "" {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: turn.Content},
				})
			}
			for _, call := range turn.ToolCalls {
				input := call.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						Type:  "tool_use",
						ID:    call.ID,
						Name:  call.Name,
						Input: input,
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case session.RoleToolResult:
			var blocks []anthropic.ContentBlockParamUnion
			for _, res := range turn.Results {
				content := res.Content
				isError := false
				if res.Status == session.StatusError {
					content = res.Error
					isError = true
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: res.ID,
						IsError:   anthropic.Bool(isError),
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: content},
						}},
					},
				})
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: blocks,
			})
		}
	}
	return messages
}
