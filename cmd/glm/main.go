package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ljchg12-hue/glm-cli/agent"
	"github.com/ljchg12-hue/glm-cli/agent/terminal"
	"github.com/ljchg12-hue/glm-cli/config"
	"github.com/ljchg12-hue/glm-cli/llm"
	"github.com/ljchg12-hue/glm-cli/mcp"
	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/tools"
)

func main() {
	modeFlag := flag.String("m", "", "Execution mode: 'auto' or 'prompt'")
	sessionFlag := flag.String("s", "", "Session id to use; resumes it if the log exists")
	toolsetFlag := flag.String("t", "default", "Toolset to use")
	resumeFlag := flag.String("r", "", "Resume a session by id")
	listFlag := flag.Bool("l", false, "List recent sessions and exit")
	toolVerbosityFlag := flag.String("tool-verbosity", "none", "Tool verbosity level: 'none', 'info', or 'all'")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	setupLogging(*debugFlag)

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	dir, err := session.DefaultDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving session directory: %+v\n", err)
		os.Exit(1)
	}

	if *listFlag {
		listSessions(dir)
		return
	}

	id := *resumeFlag
	if id == "" {
		id = *sessionFlag
	}
	store, err := openStore(dir, cfg.Model, id, *resumeFlag != "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening session: %+v\n", err)
		os.Exit(1)
	}

	opMode, err := parseMode(*modeFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	verbosity, err := parseVerbosity(*toolVerbosityFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()

	client, err := llm.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing LLM client: %+v\n", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterLocal(registry, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error registering tools: %+v\n", err)
		os.Exit(1)
	}

	manager := mcp.NewManager(registry, cfg.BackoffPolicy())
	defer manager.CloseAll()
	for _, server := range cfg.MCPServers {
		if err := manager.Connect(ctx, server); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: MCP server %q unavailable: %v\n", server.Name, err)
		}
	}

	executor := tools.NewExecutor(registry, manager, cfg.ToolTimeout())

	ag, err := agent.New(cfg, store, client, executor, registry, *toolsetFlag, opMode, verbosity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing agent: %+v\n", err)
		os.Exit(1)
	}

	initialPrompt := strings.Join(flag.Args(), " ")
	fmt.Printf("Session %s ready. Type your prompt.\n", store.ID())
	term := terminal.New(ag)
	if err := term.Run(ctx, initialPrompt); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openStore resumes an existing session or starts a fresh one. With strict
// set (-r) a missing log is an error; with -s it falls through to a new
// session.
func openStore(dir, model, id string, strict bool) (*session.Store, error) {
	if id != "" {
		st, err := session.LoadStore(dir, id)
		if err == nil {
			fmt.Printf("Resuming session: %s\n", id)
			return st, nil
		}
		if strict || !stderrors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return session.NewStore(dir, model)
}

func listSessions(dir string) {
	infos, err := session.List(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %+v\n", err)
		os.Exit(1)
	}
	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, info := range infos {
		fmt.Println(info)
	}
}

func parseMode(s string) (agent.Mode, error) {
	switch s {
	case "", "prompt":
		return agent.ModePrompt, nil
	case "auto":
		return agent.ModeAuto, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be 'auto' or 'prompt'", s)
	}
}

func parseVerbosity(s string) (agent.ToolVerbosity, error) {
	switch s {
	case "", "none":
		return agent.ToolVerbosityNone, nil
	case "info":
		return agent.ToolVerbosityInfo, nil
	case "all":
		return agent.ToolVerbosityAll, nil
	default:
		return "", fmt.Errorf("invalid tool verbosity %q: must be 'none', 'info', or 'all'", s)
	}
}
