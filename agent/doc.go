// Package agent contains the conversation loop that ties the model
// backends, the tool executor, and the session store together.
//
// One call to Agent.ProcessUserInput appends the user's turn and then
// alternates between streaming an assistant turn from the configured
// backend and dispatching whatever tool calls that turn requested, until
// the model answers without asking for tools or the iteration budget runs
// out. Each assistant turn that carries tool calls is always followed by a
// tool_result turn with exactly one result per call, in request order, so
// a persisted session never contains an unresolved request even when the
// context is cancelled mid-dispatch.
//
// The interaction layer observes the loop through ProcessCallbacks:
//
//	callbacks := agent.ProcessCallbacks{
//	    OnAssistantMessage: func(message string) { ... },
//	    OnToolCall:         func(call session.ToolCall) { ... },
//	    OnToolResult:       func(call session.ToolCall, result session.ToolResult) { ... },
//	    ShouldExecuteTool:  func(call session.ToolCall) bool { return true },
//	    OnWarning:          func(warning string) { ... },
//	}
//	err := ag.ProcessUserInput(ctx, "user message", callbacks)
//
// The same loop serves any front end; agent/terminal implements the
// interactive CLI on top of it.
//
// # Modes
//
//   - ModeAuto: tool calls execute without confirmation
//   - ModePrompt: each call is gated by ShouldExecuteTool; declined calls
//     are recorded as error results
//
// # Tool verbosity
//
// ToolVerbosityNone, ToolVerbosityInfo, and ToolVerbosityAll tell the
// interaction layer how much execution detail to show. The loop itself
// does not interpret the level; it is carried here so front ends and
// resumed sessions agree on it.
package agent
