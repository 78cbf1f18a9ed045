package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ljchg12-hue/glm-cli/errors"
	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/stream"
)

// BedrockClient runs Anthropic models on AWS Bedrock using the native
// request format. Responses arrive whole and are replayed as decode events.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient requires AWS credentials in the environment.
func NewBedrockClient(ctx context.Context, modelID string) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

func (b *BedrockClient) Stream(ctx context.Context, req Request, emit func(stream.Event)) error {
	payload := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        req.maxTokens(),
		"messages":          anthropicMessages(req.Turns),
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if ts := anthropicTools(req.Tools); ts != nil {
		payload["tools"] = ts
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to create Bedrock request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return errors.WrapKind(err, errors.KindConnection, "failed to invoke Bedrock model")
	}

	return replayBedrockResponse(resp.Body, emit)
}

// replayBedrockResponse converts a complete Bedrock response body into the
// decode event sequence.
func replayBedrockResponse(body []byte, emit func(stream.Event)) error {
	var response struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Error      any    `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if response.Error != nil {
		return errors.NewKind(errors.KindConnection, "Bedrock API error: %v", response.Error)
	}

	var text string
	var calls []session.ToolCall
	for i, item := range response.Content {
		switch item.Type {
		case "text":
			text += item.Text
		case "tool_use":
			id := item.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, item.Name)
			}
			input := item.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			calls = append(calls, session.ToolCall{ID: id, Name: item.Name, Args: input})
		}
	}

	emitTurn(emit, text, calls, response.StopReason)
	return nil
}
