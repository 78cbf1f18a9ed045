package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ljchg12-hue/glm-cli/errors"
	"github.com/ljchg12-hue/glm-cli/session"
)

// ProtocolCaller invokes a tool on a named protocol server. Implemented by
// mcp.Manager; the indirection keeps this package free of transport
// concerns.
type ProtocolCaller interface {
	CallTool(ctx context.Context, server, tool string, args json.RawMessage, timeout time.Duration) (string, error)
}

// Executor runs tool calls and converts every possible failure into an
// error-status result. Nothing a tool does can take down the agent loop:
// timeouts, panics, handler errors, and transport faults all come back as
// ToolResults.
type Executor struct {
	registry *Registry
	protocol ProtocolCaller
	timeout  time.Duration
	logger   *slog.Logger
}

func NewExecutor(registry *Registry, protocol ProtocolCaller, timeout time.Duration) *Executor {
	return &Executor{
		registry: registry,
		protocol: protocol,
		timeout:  timeout,
		logger:   slog.Default().With("component", "executor"),
	}
}

// Execute runs one call to completion and reports its outcome. The result
// always carries the call's ID and the elapsed duration.
func (e *Executor) Execute(ctx context.Context, call session.ToolCall) session.ToolResult {
	start := time.Now()

	desc, err := e.registry.Resolve(call.Name)
	if err != nil {
		return e.failure(call, start, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var content string
	switch desc.Backend {
	case BackendLocal:
		content, err = e.runLocal(ctx, desc, call.Args)
	case BackendProtocol:
		if e.protocol == nil {
			err = errors.NewKind(errors.KindConnection, "no protocol manager configured for tool %q", call.Name)
			break
		}
		content, err = e.protocol.CallTool(ctx, desc.Server, desc.RemoteName, call.Args, e.timeout)
	default:
		err = errors.New("tool %q has unknown backend %q", call.Name, desc.Backend)
	}

	if ctx.Err() == context.DeadlineExceeded {
		err = errors.NewKind(errors.KindTimeout, "tool %q timed out after %s", call.Name, e.timeout)
	}
	if err != nil {
		return e.failure(call, start, err)
	}
	return session.ToolResult{
		ID:         call.ID,
		Status:     session.StatusOK,
		Content:    content,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// runLocal runs a handler in its own goroutine so a hung handler cannot
// outlive the timeout and a panicking one is contained.
func (e *Executor) runLocal(ctx context.Context, desc *Descriptor, args json.RawMessage) (string, error) {
	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool handler panicked",
					"tool", desc.Name, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: errors.New("tool %q panicked: %v", desc.Name, r)}
			}
		}()
		content, err := desc.Handler(ctx, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		return out.content, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Executor) failure(call session.ToolCall, start time.Time, err error) session.ToolResult {
	e.logger.Warn("tool call failed", "tool", call.Name, "id", call.ID, "error", err)
	return session.ToolResult{
		ID:         call.ID,
		Status:     session.StatusError,
		Error:      err.Error(),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// ExecuteBatch runs one dispatch batch. Concurrent-safe calls overlap with
// each other; an exclusive call waits for everything in flight and runs
// alone. Results come back indexed by request order no matter when each
// call finishes.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []session.ToolCall) []session.ToolResult {
	results := make([]session.ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		exclusive := true
		if desc, err := e.registry.Resolve(call.Name); err == nil {
			exclusive = desc.Concurrency != ConcurrentSafe
		}

		if exclusive {
			wg.Wait()
			results[i] = e.Execute(ctx, call)
			continue
		}

		wg.Add(1)
		go func(i int, call session.ToolCall) {
			defer wg.Done()
			results[i] = e.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}
