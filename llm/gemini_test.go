package llm

import (
	"encoding/json"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/ljchg12-hue/glm-cli/session"
)

// A fresh client converting a persisted turn log (the resume path) must
// recover function names from the assistant turns that issued the calls.
func TestGeminiConvertTurnsNamesResumedResults(t *testing.T) {
	turns := []session.Turn{
		{Index: 0, Role: session.RoleUser, Content: "list files"},
		{Index: 1, Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ID: "call_ab12cd34", Name: "glob", Args: json.RawMessage(`{"pattern":"*.go"}`)},
		}},
		{Index: 2, Role: session.RoleToolResult, Results: []session.ToolResult{
			{ID: "call_ab12cd34", Status: session.StatusOK, Content: "main.go"},
		}},
		{Index: 3, Role: session.RoleUser, Content: "thanks"},
	}

	contents := (&GeminiClient{}).convertTurns(turns)
	if len(contents) != 4 {
		t.Fatalf("got %d contents, want 4", len(contents))
	}

	var resp *genai.FunctionResponse
	for _, part := range contents[2].Parts {
		if fr, ok := part.(genai.FunctionResponse); ok {
			resp = &fr
		}
	}
	if resp == nil {
		t.Fatal("no FunctionResponse part in the tool result content")
	}
	if resp.Name != "glob" {
		t.Fatalf("FunctionResponse.Name = %q, want %q", resp.Name, "glob")
	}
	if resp.Response["output"] != "main.go" {
		t.Fatalf("FunctionResponse.Response = %v", resp.Response)
	}
}

func TestGeminiConvertTurnsErrorResults(t *testing.T) {
	turns := []session.Turn{
		{Index: 0, Role: session.RoleUser, Content: "run it"},
		{Index: 1, Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ID: "c1", Name: "bash", Args: json.RawMessage(`{"command":"ls"}`)},
		}},
		{Index: 2, Role: session.RoleToolResult, Results: []session.ToolResult{
			{ID: "c1", Status: session.StatusError, Error: "command not allowed"},
		}},
	}

	contents := (&GeminiClient{}).convertTurns(turns)
	last := contents[len(contents)-1]
	fr, ok := last.Parts[0].(genai.FunctionResponse)
	if !ok {
		t.Fatalf("last part = %T, want FunctionResponse", last.Parts[0])
	}
	if fr.Name != "bash" || fr.Response["output"] != "command not allowed" {
		t.Fatalf("FunctionResponse = %+v", fr)
	}
}
