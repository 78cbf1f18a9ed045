package llm

import (
	"encoding/json"

	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/tools"
)

// anthropicMessages converts the turn log into Anthropic-format messages.
// Tool results go back as user messages with tool_result blocks, one block
// per resolved call, in request order.
func anthropicMessages(turns []session.Turn) []map[string]any {
	var messages []map[string]any
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser:
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": turn.Content,
			})

		case session.RoleAssistant:
			var blocks []map[string]any
			if turn.Content != "" {
				blocks = append(blocks, map[string]any{
					"type": "text",
					"text": turn.Content,
				})
			}
			for _, call := range turn.ToolCalls {
				input := call.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    call.ID,
					"name":  call.Name,
					"input": input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, map[string]any{
				"role":    "assistant",
				"content": blocks,
			})

		case session.RoleToolResult:
			var blocks []map[string]any
			for _, res := range turn.Results {
				block := map[string]any{
					"type":        "tool_result",
					"tool_use_id": res.ID,
					"content":     res.Content,
				}
				if res.Status == session.StatusError {
					block["content"] = res.Error
					block["is_error"] = true
				}
				blocks = append(blocks, block)
			}
			messages = append(messages, map[string]any{
				"role":    "user",
				"content": blocks,
			})
		}
	}
	return messages
}

// anthropicTools converts descriptors to the Anthropic tool declaration
// format, passing each schema through verbatim.
func anthropicTools(descriptors []*tools.Descriptor) []map[string]any {
	if len(descriptors) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		schema := d.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, map[string]any{
			"name":         d.Name,
			"description":  d.Description,
			"input_schema": schema,
		})
	}
	return out
}

// schemaFields pulls properties and required out of a raw JSON schema for
// SDKs that want them as separate values.
func schemaFields(schema json.RawMessage) (map[string]any, []string) {
	var parsed struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if len(schema) > 0 {
		json.Unmarshal(schema, &parsed)
	}
	if parsed.Properties == nil {
		parsed.Properties = map[string]any{}
	}
	return parsed.Properties, parsed.Required
}
