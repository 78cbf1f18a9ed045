package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/ljchg12-hue/glm-cli/errors"
	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/stream"
	"github.com/ljchg12-hue/glm-cli/tools"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	model *genai.GenerativeModel
}

// NewGeminiClient requires the GEMINI_API_KEY environment variable.
func NewGeminiClient(ctx context.Context, modelName string) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiClient{model: client.GenerativeModel(modelName)}, nil
}

func (g *GeminiClient) Stream(ctx context.Context, req Request, emit func(stream.Event)) error {
	history := g.convertTurns(req.Turns)
	if len(history) == 0 {
		return errors.New("empty conversation")
	}
	g.model.Tools = convertToolsToGeminiTools(req.Tools)
	if req.System != "" {
		g.model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	last := history[len(history)-1]
	chat := g.model.StartChat()
	chat.History = history[:len(history)-1]

	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return errors.WrapKind(err, errors.KindConnection, "failed to send message to Gemini")
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return errors.New("received an empty response from Gemini")
	}

	var text string
	var calls []session.ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text += string(v)
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil {
				return errors.Wrapf(err, "marshal function call arguments for %s", v.Name)
			}
			// Gemini function calls have no ids; synthesize one so the
			// result-matching invariant holds downstream.
			id := "call_" + uuid.NewString()[:8]
			calls = append(calls, session.ToolCall{ID: id, Name: v.Name, Args: args})
		}
	}

	emitTurn(emit, text, calls, "")
	return nil
}

// convertTurns converts the turn log to Gemini content. Tool results come
// back as FunctionResponse parts in a user-role message; the API correlates
// them by function name, not id, so the name is recovered from the
// assistant turn that issued the call. That works across resume because the
// log records the name with every call.
func (g *GeminiClient) convertTurns(turns []session.Turn) []*genai.Content {
	names := make(map[string]string)
	var contents []*genai.Content
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(turn.Content)},
			})

		case session.RoleAssistant:
			var parts []genai.Part
			if turn.Content != "" {
				parts = append(parts, genai.Text(turn.Content))
			}
			for _, call := range turn.ToolCalls {
				names[call.ID] = call.Name
				var args map[string]any
				json.Unmarshal(call.Args, &args)
				parts = append(parts, genai.FunctionCall{Name: call.Name, Args: args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})

		case session.RoleToolResult:
			var parts []genai.Part
			for _, res := range turn.Results {
				content := res.Content
				if res.Status == session.StatusError {
					content = res.Error
				}
				parts = append(parts, genai.FunctionResponse{
					Name:     names[res.ID],
					Response: map[string]any{"output": content},
				})
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		}
	}
	return contents
}

// convertToolsToGeminiTools converts descriptors to Gemini function
// declarations, translating each JSON schema into a genai.Schema.
func convertToolsToGeminiTools(descriptors []*tools.Descriptor) []*genai.Tool {
	if len(descriptors) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, d := range descriptors {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  geminiSchema(d.Schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema translates the subset of JSON schema our tools use into the
// genai schema type.
func geminiSchema(raw json.RawMessage) *genai.Schema {
	var parsed struct {
		Type        string                     `json:"type"`
		Description string                     `json:"description"`
		Properties  map[string]json.RawMessage `json:"properties"`
		Required    []string                   `json:"required"`
		Items       json.RawMessage            `json:"items"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &parsed) != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}

	s := &genai.Schema{Description: parsed.Description}
	switch parsed.Type {
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		if len(parsed.Items) > 0 {
			s.Items = geminiSchema(parsed.Items)
		}
	default:
		s.Type = genai.TypeObject
		if len(parsed.Properties) > 0 {
			s.Properties = make(map[string]*genai.Schema, len(parsed.Properties))
			for name, prop := range parsed.Properties {
				s.Properties[name] = geminiSchema(prop)
			}
		}
		s.Required = parsed.Required
	}
	return s
}
