package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ljchg12-hue/glm-cli/config"
	"github.com/ljchg12-hue/glm-cli/errors"
	"github.com/ljchg12-hue/glm-cli/llm"
	"github.com/ljchg12-hue/glm-cli/session"
	"github.com/ljchg12-hue/glm-cli/stream"
	"github.com/ljchg12-hue/glm-cli/tools"
)

// Mode controls whether tool calls run automatically or require
// confirmation through the ShouldExecuteTool callback.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// ToolVerbosity controls how much tool execution detail the interaction
// layer should surface.
type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// State is the loop's observable phase. It moves Idle -> AwaitingResponse
// -> DispatchingTools and back while a user input is being processed, and
// settles on Completed, Cancelled, or Failed when the input is done.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingResponse State = "awaiting_response"
	StateDispatchingTools State = "dispatching_tools"
	StateCompleted        State = "completed"
	StateCancelled        State = "cancelled"
	StateFailed           State = "failed"
)

const systemPrompt = `You are an AI assistant that uses tools to accomplish tasks.

Rules:
1. Output actual results immediately instead of announcing intent.
2. Synthesize tool output into a complete, structured answer.
3. Never end a response half-finished or after gathering information
   without presenting it.
4. Answer in the language the user writes in.`

// ProcessCallbacks lets the interaction layer observe and steer one call
// to ProcessUserInput. Nil members are skipped; a nil ShouldExecuteTool
// approves every call.
type ProcessCallbacks struct {
	OnAssistantMessage func(message string)
	OnToolCall         func(call session.ToolCall)
	OnToolResult       func(call session.ToolCall, result session.ToolResult)
	ShouldExecuteTool  func(call session.ToolCall) bool
	OnWarning          func(warning string)
}

func (cb ProcessCallbacks) warn(msg string) {
	if cb.OnWarning != nil {
		cb.OnWarning(msg)
	}
}

// Agent drives the conversation loop: it streams assistant turns from the
// model, dispatches the tool calls they request, and appends both sides to
// the session store until the model stops asking for tools.
type Agent struct {
	Config    *config.Config
	Store     *session.Store
	Client    llm.Client
	Executor  *tools.Executor
	Active    []*tools.Descriptor
	Mode      Mode
	Verbosity ToolVerbosity

	mu     sync.Mutex
	state  State
	logger *slog.Logger
}

// New builds an agent over an open session store. The toolset name selects
// which registered tools the model may see; "default" with no matching
// toolset exposes everything.
func New(cfg *config.Config, store *session.Store, client llm.Client, executor *tools.Executor, registry *tools.Registry, toolset string, mode Mode, verbosity ToolVerbosity) (*Agent, error) {
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}
	var names []string
	if ts != nil {
		names = ts.Tools
	}
	active, err := registry.Active(names)
	if err != nil {
		return nil, err
	}

	return &Agent{
		Config:    cfg,
		Store:     store,
		Client:    client,
		Executor:  executor,
		Active:    active,
		Mode:      mode,
		Verbosity: verbosity,
		state:     StateIdle,
		logger:    slog.Default().With("component", "agent"),
	}, nil
}

// State reports the loop's current phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// ProcessUserInput appends one user turn and runs the loop until the model
// finishes without tool calls, the context is cancelled, or the iteration
// budget runs out. Every persisted assistant turn with tool calls is
// followed by a matching tool_result turn, even on cancellation.
func (a *Agent) ProcessUserInput(ctx context.Context, userInput string, cb ProcessCallbacks) error {
	if err := a.Store.Append(session.Turn{
		Index:     a.Store.NextIndex(),
		Role:      session.RoleUser,
		Content:   userInput,
		Timestamp: time.Now(),
	}); err != nil {
		a.setState(StateFailed)
		return err
	}

	for iteration := 0; ; iteration++ {
		if iteration >= a.Config.MaxIterations {
			a.setState(StateFailed)
			cb.warn("tool iteration budget exhausted; stopping")
			return errors.NewKind(errors.KindTurnBudget, "stopped after %d iterations without a final answer", iteration)
		}

		turn, err := a.streamAssistantTurn(ctx, cb)
		if err != nil {
			if ctx.Err() != nil {
				a.setState(StateCancelled)
			} else {
				a.setState(StateFailed)
			}
			return err
		}

		if err := a.Store.Append(turn); err != nil {
			a.setState(StateFailed)
			return err
		}
		if turn.Content != "" && cb.OnAssistantMessage != nil {
			cb.OnAssistantMessage(turn.Content)
		}

		if len(turn.ToolCalls) == 0 {
			a.setState(StateCompleted)
			return nil
		}

		a.setState(StateDispatchingTools)
		results := a.dispatch(ctx, turn.ToolCalls, cb)
		if err := a.Store.Append(session.Turn{
			Index:     a.Store.NextIndex(),
			Role:      session.RoleToolResult,
			Results:   results,
			Timestamp: time.Now(),
		}); err != nil {
			a.setState(StateFailed)
			return err
		}

		if ctx.Err() != nil {
			a.setState(StateCancelled)
			return errors.Wrapf(ctx.Err(), "cancelled while dispatching tools")
		}
	}
}

// streamAssistantTurn runs one backend request and folds the decode events
// into a single assistant turn. Decode errors are surfaced as warnings and
// the affected call is dropped; the stream itself keeps going.
func (a *Agent) streamAssistantTurn(ctx context.Context, cb ProcessCallbacks) (session.Turn, error) {
	a.setState(StateAwaitingResponse)

	var (
		text   strings.Builder
		calls  []session.ToolCall
		reason string
	)
	err := a.Client.Stream(ctx, llm.Request{
		System: systemPrompt,
		Turns:  a.Store.Snapshot().Turns,
		Tools:  a.Active,
	}, func(ev stream.Event) {
		switch ev.Type {
		case stream.TextDelta:
			text.WriteString(ev.Text)
		case stream.ToolCallCompleted:
			calls = append(calls, session.ToolCall{ID: ev.ID, Name: ev.Name, Args: ev.Args})
		case stream.TurnFinished:
			reason = ev.Reason
		case stream.DecodeError:
			a.logger.Warn("decode error in assistant stream", "error", ev.Err)
			cb.warn("malformed model output: " + ev.Err.Error())
		}
	})
	if err != nil {
		return session.Turn{}, errors.Wrapf(err, "assistant stream failed")
	}
	a.logger.Debug("assistant turn decoded",
		"chars", text.Len(), "tool_calls", len(calls), "stop_reason", reason)

	return session.Turn{
		Index:     a.Store.NextIndex(),
		Role:      session.RoleAssistant,
		Content:   text.String(),
		ToolCalls: calls,
		Timestamp: time.Now(),
	}, nil
}

// dispatch produces exactly one result per call, in request order. Calls
// the user declines get a synthesized error result so the session log
// never carries an unresolved request.
func (a *Agent) dispatch(ctx context.Context, calls []session.ToolCall, cb ProcessCallbacks) []session.ToolResult {
	results := make([]session.ToolResult, len(calls))

	var approved []session.ToolCall
	var approvedAt []int
	for i, call := range calls {
		if cb.OnToolCall != nil {
			cb.OnToolCall(call)
		}
		if a.Mode == ModePrompt && cb.ShouldExecuteTool != nil && !cb.ShouldExecuteTool(call) {
			results[i] = session.ToolResult{
				ID:     call.ID,
				Status: session.StatusError,
				Error:  "execution declined by user",
			}
			continue
		}
		approved = append(approved, call)
		approvedAt = append(approvedAt, i)
	}

	for i, res := range a.Executor.ExecuteBatch(ctx, approved) {
		results[approvedAt[i]] = res
	}
	for i, call := range calls {
		if cb.OnToolResult != nil {
			cb.OnToolResult(call, results[i])
		}
	}
	return results
}
