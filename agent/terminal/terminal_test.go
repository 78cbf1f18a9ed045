package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ljchg12-hue/glm-cli/agent"
	"github.com/ljchg12-hue/glm-cli/config"
	"github.com/ljchg12-hue/glm-cli/llm"
	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/tools"
)

func newTestAgent(t *testing.T, client llm.Client, mode agent.Mode, verbosity agent.ToolVerbosity) *agent.Agent {
	t.Helper()

	store, err := session.NewStore(t.TempDir(), "mock")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	registry := tools.NewRegistry()
	err = registry.Register(&tools.Descriptor{
		Name:        "echo",
		Description: "echoes its arguments",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
		Concurrency: tools.ConcurrentSafe,
		Backend:     tools.BackendLocal,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := &config.Config{MaxIterations: 10, ToolTimeoutSec: 5}
	executor := tools.NewExecutor(registry, nil, cfg.ToolTimeout())

	ag, err := agent.New(cfg, store, client, executor, registry, "default", mode, verbosity)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	return ag
}

func TestRunProcessesInitialPromptAndQuits(t *testing.T) {
	ag := newTestAgent(t, &llm.MockClient{}, agent.ModeAuto, agent.ToolVerbosityNone)

	var out bytes.Buffer
	term := newWith(ag, strings.NewReader("/quit\n"), &out)

	if err := term.Run(context.Background(), "hello there"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), `You said: "hello there"`) {
		t.Fatalf("output missing assistant reply:\n%s", out.String())
	}
}

func TestRunExitsOnEndOfInput(t *testing.T) {
	ag := newTestAgent(t, &llm.MockClient{}, agent.ModeAuto, agent.ToolVerbosityNone)

	var out bytes.Buffer
	term := newWith(ag, strings.NewReader("first message\n"), &out)

	if err := term.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), `You said: "first message"`) {
		t.Fatalf("output missing reply:\n%s", out.String())
	}
}

func TestVerbosityControlsToolOutput(t *testing.T) {
	script := func() []llm.ScriptedTurn {
		return []llm.ScriptedTurn{
			{Calls: []session.ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`{"n":1}`)}}},
			{Text: "done"},
		}
	}

	cases := []struct {
		name      string
		verbosity agent.ToolVerbosity
		wantCall  bool
		wantArgs  bool
	}{
		{"none", agent.ToolVerbosityNone, false, false},
		{"info", agent.ToolVerbosityInfo, true, false},
		{"all", agent.ToolVerbosityAll, true, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ag := newTestAgent(t, &llm.MockClient{Script: script()}, agent.ModeAuto, tc.verbosity)
			var out bytes.Buffer
			term := newWith(ag, strings.NewReader(""), &out)

			if err := term.processTurn(context.Background(), "go"); err != nil {
				t.Fatalf("processTurn: %v", err)
			}

			gotCall := strings.Contains(out.String(), "call tool `echo`")
			gotArgs := strings.Contains(out.String(), `with args: {"n":1}`)
			if gotCall != tc.wantCall || gotArgs != tc.wantArgs {
				t.Fatalf("verbosity %s output:\n%s", tc.verbosity, out.String())
			}
		})
	}
}

func TestPromptModeConfirmation(t *testing.T) {
	script := func() []llm.ScriptedTurn {
		return []llm.ScriptedTurn{
			{Calls: []session.ToolCall{{ID: "c1", Name: "echo", Args: json.RawMessage(`{}`)}}},
			{Text: "done"},
		}
	}

	t.Run("approved", func(t *testing.T) {
		ag := newTestAgent(t, &llm.MockClient{Script: script()}, agent.ModePrompt, agent.ToolVerbosityNone)
		var out bytes.Buffer
		term := newWith(ag, strings.NewReader("y\n"), &out)

		if err := term.processTurn(context.Background(), "go"); err != nil {
			t.Fatalf("processTurn: %v", err)
		}
		if strings.Contains(out.String(), "failed") {
			t.Fatalf("approved call should not fail:\n%s", out.String())
		}
	})

	t.Run("declined", func(t *testing.T) {
		ag := newTestAgent(t, &llm.MockClient{Script: script()}, agent.ModePrompt, agent.ToolVerbosityNone)
		var out bytes.Buffer
		term := newWith(ag, strings.NewReader("n\n"), &out)

		if err := term.processTurn(context.Background(), "go"); err != nil {
			t.Fatalf("processTurn: %v", err)
		}
		if !strings.Contains(out.String(), "execution declined by user") {
			t.Fatalf("declined call should surface the refusal:\n%s", out.String())
		}
	})
}

func TestWarningsArePrinted(t *testing.T) {
	client := &llm.MockClient{Script: []llm.ScriptedTurn{
		{Calls: []session.ToolCall{{ID: "c", Name: "echo", Args: json.RawMessage(`{}`)}}},
		{Calls: []session.ToolCall{{ID: "c", Name: "echo", Args: json.RawMessage(`{}`)}}},
	}}
	ag := newTestAgent(t, client, agent.ModeAuto, agent.ToolVerbosityNone)
	ag.Config.MaxIterations = 1

	var out bytes.Buffer
	term := newWith(ag, strings.NewReader(""), &out)

	if err := term.processTurn(context.Background(), "go"); err == nil {
		t.Fatal("expected the budget error")
	}
	if !strings.Contains(out.String(), "Warning:") {
		t.Fatalf("expected a warning line:\n%s", out.String())
	}
}
