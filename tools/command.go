package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ljchg12-hue/glm-cli/errors"
)

const maxCommandOutput = 30000

// NewBashTool runs shell commands. Commands must match one of the
// configured allowlist patterns; an empty allowlist permits nothing.
func NewBashTool(allowed []string) *Descriptor {
	return &Descriptor{
		Name:        "bash",
		Description: bashDescription(allowed),
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The bash command to execute"},
				"timeout": {"type": "integer", "description": "Timeout in seconds (default: 120)"},
				"cwd": {"type": "string", "description": "Working directory for the command"}
			},
			"required": ["command"]
		}`),
		Concurrency: Exclusive,
		Backend:     BackendLocal,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var p struct {
				Command string `json:"command"`
				Timeout int    `json:"timeout"`
				Cwd     string `json:"cwd"`
			}
			if err := json.Unmarshal(args, &p); err != nil {
				return "", errors.Wrapf(err, "invalid bash arguments")
			}
			if p.Command == "" {
				return "", errors.New("missing 'command' argument")
			}
			if !isCommandAllowed(p.Command, allowed) {
				return "", errors.New("command %q is not in the list of allowed commands", p.Command)
			}

			if p.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(p.Timeout)*time.Second)
				defer cancel()
			}

			cmd := exec.CommandContext(ctx, "bash", "-c", p.Command)
			if p.Cwd != "" {
				cmd.Dir = expand(p.Cwd)
			}

			output, err := cmd.CombinedOutput()
			result := string(output)
			if len(result) > maxCommandOutput {
				result = result[:maxCommandOutput] + "\n...[truncated]"
			}
			if ctx.Err() == context.DeadlineExceeded {
				return "", errors.NewKind(errors.KindTimeout, "command timed out after %ds", p.Timeout)
			}
			if err != nil {
				return "", errors.Wrapf(err, "command failed. Output:\n%s", result)
			}
			return result, nil
		},
	}
}

func bashDescription(allowed []string) string {
	if len(allowed) == 0 {
		return "Execute a bash command. No commands are currently allowed."
	}
	var sb strings.Builder
	sb.WriteString("Execute a bash command and return its output. Allowed command patterns:\n")
	for _, pattern := range allowed {
		fmt.Fprintf(&sb, "- %s\n", pattern)
	}
	return sb.String()
}
