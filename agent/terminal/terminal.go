package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ljchg12-hue/glm-cli/agent"
	"github.com/ljchg12-hue/glm-cli/session"
)

const displayLimit = 2000

// Terminal is the interactive CLI front end for the agent.
type Terminal struct {
	agent *agent.Agent
	in    *bufio.Scanner
	out   io.Writer
}

// New creates a terminal bound to stdin and stdout.
func New(a *agent.Agent) *Terminal {
	return &Terminal{
		agent: a,
		in:    bufio.NewScanner(os.Stdin),
		out:   os.Stdout,
	}
}

// newWith binds the terminal to explicit streams. Used by tests.
func newWith(a *agent.Agent, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		agent: a,
		in:    bufio.NewScanner(in),
		out:   out,
	}
}

// Run starts the read-eval loop. An initial prompt from the command line
// is processed before the first read. The loop ends on /quit, /exit, or
// end of input.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	}

	for {
		fmt.Fprint(t.out, "You: ")
		if !t.in.Scan() {
			break
		}

		userInput := strings.TrimSpace(t.in.Text())
		if userInput == "" {
			continue
		}
		if userInput == "/quit" || userInput == "/exit" {
			break
		}

		if err := t.processTurn(ctx, userInput); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
			if ctx.Err() != nil {
				return err
			}
		}
	}
	return t.in.Err()
}

func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	callbacks := agent.ProcessCallbacks{
		OnAssistantMessage: func(message string) {
			fmt.Fprintf(t.out, "GLM: %s\n", message)
		},
		OnToolCall: func(call session.ToolCall) {
			switch t.agent.Verbosity {
			case agent.ToolVerbosityAll:
				fmt.Fprintf(t.out, "GLM wants to call tool `%s` with args: %s\n", call.Name, call.Args)
			case agent.ToolVerbosityInfo:
				fmt.Fprintf(t.out, "GLM wants to call tool `%s`\n", call.Name)
			}
		},
		OnToolResult: func(call session.ToolCall, result session.ToolResult) {
			if result.Status == session.StatusError {
				fmt.Fprintf(t.out, "Tool `%s` failed: %s\n", call.Name, result.Error)
				return
			}
			if t.agent.Verbosity == agent.ToolVerbosityAll {
				fmt.Fprintf(t.out, "Tool `%s` output: %s\n", call.Name, clip(result.Content))
			}
		},
		ShouldExecuteTool: func(call session.ToolCall) bool {
			fmt.Fprintf(t.out, "Allow tool `%s`? (y/n): ", call.Name)
			if !t.in.Scan() {
				return false
			}
			return strings.EqualFold(strings.TrimSpace(t.in.Text()), "y")
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(t.out, "Warning: %s\n", warning)
		},
	}

	return t.agent.ProcessUserInput(ctx, userInput, callbacks)
}

func clip(s string) string {
	if len(s) <= displayLimit {
		return s
	}
	return s[:displayLimit] + "... (truncated)"
}
