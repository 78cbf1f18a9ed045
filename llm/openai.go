package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/ljchg12-hue/glm-cli/errors"
	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/stream"
	"github.com/ljchg12-hue/glm-cli/tools"
)

// OpenAIClient is a client for the OpenAI Chat Completion API. The API
// call itself is not streamed; the response is replayed as decode events.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient requires the OPENAI_API_KEY environment variable.
// OPENAI_BASE_URL selects a custom endpoint.
func NewOpenAIClient(model string) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The v2 SDK returns a value; keep a pointer to it.
	c := openai.NewClient(options...)
	return &OpenAIClient{client: &c, model: model}, nil
}

func (o *OpenAIClient) Stream(ctx context.Context, req Request, emit func(stream.Event)) error {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertTurnsToOpenAIMessages(req.System, req.Turns),
		Tools:    convertToolsToOpenAITools(req.Tools),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return errors.WrapKind(err, errors.KindConnection, "failed to send message to OpenAI")
	}
	if len(resp.Choices) == 0 {
		emitTurn(emit, "", nil, "end_turn")
		return nil
	}

	choice := resp.Choices[0].Message
	var calls []session.ToolCall
	for _, tc := range choice.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			emit(stream.Event{
				Type: stream.DecodeError,
				ID:   tc.ID,
				Err:  errors.NewKind(errors.KindDecode, "tool call %q: arguments are not valid JSON", tc.ID),
			})
			continue
		}
		calls = append(calls, session.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}

	emitTurn(emit, choice.Content, calls, string(resp.Choices[0].FinishReason))
	return nil
}

// convertTurnsToOpenAIMessages converts the turn log to OpenAI chat
// messages. Each tool result becomes its own tool-role message.
func convertTurnsToOpenAIMessages(system string, turns []session.Turn) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))

		case session.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: turn.Content,
			}
			for _, call := range turn.ToolCalls {
				args := string(call.Args)
				if args == "" {
					args = "{}"
				}
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
			messages = append(messages, assistantMessage.ToParam())

		case session.RoleToolResult:
			for _, res := range turn.Results {
				content := res.Content
				if res.Status == session.StatusError {
					content = res.Error
				}
				messages = append(messages, openai.ToolMessage(content, res.ID))
			}
		}
	}
	return messages
}

// convertToolsToOpenAITools converts descriptors to the OpenAI tool
// format, carrying each schema through.
func convertToolsToOpenAITools(descriptors []*tools.Descriptor) []openai.ChatCompletionToolUnionParam {
	if len(descriptors) == 0 {
		return nil
	}
	var out []openai.ChatCompletionToolUnionParam
	for _, d := range descriptors {
		var params openai.FunctionParameters
		if len(d.Schema) > 0 {
			json.Unmarshal(d.Schema, &params)
		}
		if params == nil {
			params = openai.FunctionParameters{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  params,
		}))
	}
	return out
}
