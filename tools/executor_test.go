package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ljchg12-hue/glm-cli/session"
)

func register(t *testing.T, r *Registry, name string, c Concurrency, h Handler) {
	t.Helper()
	if err := r.Register(&Descriptor{
		Name: name, Description: name, Concurrency: c,
		Backend: BackendLocal, Handler: h,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestExecuteSuccess(t *testing.T) {
	r := NewRegistry()
	register(t, r, "ok", ConcurrentSafe, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "done", nil
	})
	e := NewExecutor(r, nil, time.Second)

	res := e.Execute(context.Background(), session.ToolCall{ID: "c1", Name: "ok"})
	if res.Status != session.StatusOK || res.Content != "done" || res.ID != "c1" {
		t.Fatalf("result = %+v", res)
	}
	if res.DurationMS < 0 {
		t.Errorf("duration = %d", res.DurationMS)
	}
}

func TestExecuteUnknownToolBecomesErrorResult(t *testing.T) {
	e := NewExecutor(NewRegistry(), nil, time.Second)
	res := e.Execute(context.Background(), session.ToolCall{ID: "c1", Name: "nope"})
	if res.Status != session.StatusError || res.ID != "c1" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "not registered") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	register(t, r, "slow", ConcurrentSafe, func(ctx context.Context, args json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	e := NewExecutor(r, nil, 20*time.Millisecond)

	res := e.Execute(context.Background(), session.ToolCall{ID: "c1", Name: "slow"})
	if res.Status != session.StatusError {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteTimeoutOnHungHandler(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	register(t, r, "hung", ConcurrentSafe, func(ctx context.Context, args json.RawMessage) (string, error) {
		// Ignores its context entirely.
		<-release
		return "late", nil
	})
	defer close(release)
	e := NewExecutor(r, nil, 20*time.Millisecond)

	start := time.Now()
	res := e.Execute(context.Background(), session.ToolCall{ID: "c1", Name: "hung"})
	if res.Status != session.StatusError {
		t.Fatalf("result = %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Error("executor waited on a handler that ignores cancellation")
	}
}

func TestExecutePanicContained(t *testing.T) {
	r := NewRegistry()
	register(t, r, "boom", ConcurrentSafe, func(ctx context.Context, args json.RawMessage) (string, error) {
		panic("kaboom")
	})
	e := NewExecutor(r, nil, time.Second)

	res := e.Execute(context.Background(), session.ToolCall{ID: "c1", Name: "boom"})
	if res.Status != session.StatusError {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "panicked") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecuteBatchResultsInRequestOrder(t *testing.T) {
	r := NewRegistry()
	// The first call finishes last; results must still come back in
	// request order.
	register(t, r, "slow", ConcurrentSafe, func(ctx context.Context, args json.RawMessage) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow", nil
	})
	register(t, r, "fast", ConcurrentSafe, func(ctx context.Context, args json.RawMessage) (string, error) {
		return "fast", nil
	})
	e := NewExecutor(r, nil, time.Second)

	results := e.ExecuteBatch(context.Background(), []session.ToolCall{
		{ID: "c1", Name: "slow"},
		{ID: "c2", Name: "fast"},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].ID != "c1" || results[0].Content != "slow" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].ID != "c2" || results[1].Content != "fast" {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestExecuteBatchExclusiveNeverOverlaps(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	track := func(d time.Duration) {
		mu.Lock()
		running++
		if running > maxConcurrent {
			maxConcurrent = running
		}
		mu.Unlock()
		time.Sleep(d)
		mu.Lock()
		running--
		mu.Unlock()
	}

	register(t, r, "excl", Exclusive, func(ctx context.Context, args json.RawMessage) (string, error) {
		track(10 * time.Millisecond)
		return "", nil
	})
	register(t, r, "safe", ConcurrentSafe, func(ctx context.Context, args json.RawMessage) (string, error) {
		track(10 * time.Millisecond)
		return "", nil
	})
	e := NewExecutor(r, nil, time.Second)

	calls := []session.ToolCall{
		{ID: "c1", Name: "safe"},
		{ID: "c2", Name: "safe"},
		{ID: "c3", Name: "excl"},
		{ID: "c4", Name: "excl"},
	}
	results := e.ExecuteBatch(context.Background(), calls)
	for i, res := range results {
		if res.ID != calls[i].ID {
			t.Errorf("results[%d].ID = %s, want %s", i, res.ID, calls[i].ID)
		}
	}

	// While an exclusive call runs, nothing else may run. Concurrency above
	// one can only come from the two concurrent-safe calls.
	if maxConcurrent > 2 {
		t.Errorf("max concurrency = %d, exclusive calls overlapped", maxConcurrent)
	}
}

type fakeProtocol struct {
	server string
	tool   string
	args   json.RawMessage
	out    string
	err    error
}

func (f *fakeProtocol) CallTool(ctx context.Context, server, tool string, args json.RawMessage, timeout time.Duration) (string, error) {
	f.server, f.tool, f.args = server, tool, args
	return f.out, f.err
}

func TestExecuteProtocolDelegates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Descriptor{
		Name: "mcp__gopls__definition", Backend: BackendProtocol,
		Server: "gopls", RemoteName: "definition", Concurrency: ConcurrentSafe,
	}); err != nil {
		t.Fatal(err)
	}
	fp := &fakeProtocol{out: "result text"}
	e := NewExecutor(r, fp, time.Second)

	res := e.Execute(context.Background(), session.ToolCall{
		ID: "c1", Name: "mcp__gopls__definition", Args: json.RawMessage(`{"symbol":"main"}`),
	})
	if res.Status != session.StatusOK || res.Content != "result text" {
		t.Fatalf("result = %+v", res)
	}
	if fp.server != "gopls" || fp.tool != "definition" {
		t.Errorf("delegated to %s/%s, want gopls/definition", fp.server, fp.tool)
	}
}
