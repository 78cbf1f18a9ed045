package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ljchg12-hue/glm-cli/errors"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := NewStore(dir, "glm-4.7")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st, dir
}

func userTurn(index int, content string) Turn {
	return Turn{Index: index, Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

func assistantTurn(index int, content string, calls ...ToolCall) Turn {
	return Turn{Index: index, Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now().UTC()}
}

func resultTurn(index int, results ...ToolResult) Turn {
	return Turn{Index: index, Role: RoleToolResult, Results: results, Timestamp: time.Now().UTC()}
}

func TestAppendAndResume(t *testing.T) {
	st, dir := newTestStore(t)

	turns := []Turn{
		userTurn(0, "list the files"),
		assistantTurn(1, "", ToolCall{ID: "call_1", Name: "bash", Args: json.RawMessage(`{"command":"ls"}`)}),
		resultTurn(2, ToolResult{ID: "call_1", Status: StatusOK, Content: "main.go"}),
		assistantTurn(3, "The directory contains main.go."),
	}
	for _, turn := range turns {
		if err := st.Append(turn); err != nil {
			t.Fatalf("Append(%d): %v", turn.Index, err)
		}
	}

	loaded, err := LoadStore(dir, st.ID())
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}
	snap := loaded.Snapshot()
	if len(snap.Turns) != len(turns) {
		t.Fatalf("got %d turns after resume, want %d", len(snap.Turns), len(turns))
	}
	if snap.Model != "glm-4.7" {
		t.Errorf("model = %q, want glm-4.7", snap.Model)
	}
	if snap.Turns[1].ToolCalls[0].Name != "bash" {
		t.Errorf("tool call name = %q, want bash", snap.Turns[1].ToolCalls[0].Name)
	}
	if loaded.NextIndex() != 4 {
		t.Errorf("NextIndex = %d, want 4", loaded.NextIndex())
	}
}

func TestAppendRejectsIndexGap(t *testing.T) {
	st, _ := newTestStore(t)

	if err := st.Append(userTurn(0, "hi")); err != nil {
		t.Fatalf("Append(0): %v", err)
	}
	err := st.Append(userTurn(2, "skipped one"))
	if !errors.IsKind(err, errors.KindOutOfOrder) {
		t.Fatalf("index gap: got %v, want out_of_order", err)
	}
	// The rejected turn must not have been persisted.
	if st.NextIndex() != 1 {
		t.Errorf("NextIndex after rejected append = %d, want 1", st.NextIndex())
	}
}

func TestAppendRejectsUnresolvedToolCalls(t *testing.T) {
	st, _ := newTestStore(t)

	must(t, st.Append(userTurn(0, "run it")))
	must(t, st.Append(assistantTurn(1, "",
		ToolCall{ID: "call_1", Name: "bash", Args: json.RawMessage(`{}`)},
		ToolCall{ID: "call_2", Name: "glob", Args: json.RawMessage(`{}`)},
	)))

	// A user turn cannot follow while calls are pending.
	err := st.Append(userTurn(2, "never mind"))
	if !errors.IsKind(err, errors.KindOutOfOrder) {
		t.Fatalf("user turn over pending calls: got %v, want out_of_order", err)
	}

	// Results must cover every pending call.
	err = st.Append(resultTurn(2, ToolResult{ID: "call_1", Status: StatusOK}))
	if !errors.IsKind(err, errors.KindOutOfOrder) {
		t.Fatalf("partial results: got %v, want out_of_order", err)
	}

	// Results must arrive in request order.
	err = st.Append(resultTurn(2,
		ToolResult{ID: "call_2", Status: StatusOK},
		ToolResult{ID: "call_1", Status: StatusOK},
	))
	if !errors.IsKind(err, errors.KindOutOfOrder) {
		t.Fatalf("reordered results: got %v, want out_of_order", err)
	}

	must(t, st.Append(resultTurn(2,
		ToolResult{ID: "call_1", Status: StatusOK, Content: "ok"},
		ToolResult{ID: "call_2", Status: StatusError, Error: "no matches"},
	)))
}

func TestAppendRejectsStrayResultTurn(t *testing.T) {
	st, _ := newTestStore(t)
	must(t, st.Append(userTurn(0, "hi")))

	err := st.Append(resultTurn(1, ToolResult{ID: "call_1", Status: StatusOK}))
	if !errors.IsKind(err, errors.KindOutOfOrder) {
		t.Fatalf("stray result turn: got %v, want out_of_order", err)
	}
}

func TestAppendRejectsDuplicateCallIDs(t *testing.T) {
	st, _ := newTestStore(t)
	must(t, st.Append(userTurn(0, "hi")))

	err := st.Append(assistantTurn(1, "",
		ToolCall{ID: "call_1", Name: "bash", Args: json.RawMessage(`{}`)},
		ToolCall{ID: "call_1", Name: "grep", Args: json.RawMessage(`{}`)},
	))
	if !errors.IsKind(err, errors.KindOutOfOrder) {
		t.Fatalf("duplicate call ids: got %v, want out_of_order", err)
	}
}

func TestLoadRejectsUnmatchedTrailingCalls(t *testing.T) {
	st, dir := newTestStore(t)
	must(t, st.Append(userTurn(0, "run it")))
	must(t, st.Append(assistantTurn(1, "",
		ToolCall{ID: "call_1", Name: "bash", Args: json.RawMessage(`{}`)})))

	// The log ends with a dispatched call and no result.
	_, err := LoadStore(dir, st.ID())
	if !errors.IsKind(err, errors.KindCorruptSession) {
		t.Fatalf("trailing unmatched call: got %v, want corrupt_session", err)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	st, dir := newTestStore(t)
	must(t, st.Append(userTurn(0, "hi")))

	path := filepath.Join(dir, st.ID()+".jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a write cut off mid-record.
	if _, err := f.WriteString(`{"type":"turn","turn":{"index":1,`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, err = LoadStore(dir, st.ID())
	if !errors.IsKind(err, errors.KindCorruptSession) {
		t.Fatalf("truncated record: got %v, want corrupt_session", err)
	}
}

func TestLoadRejectsMissingHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deadbeef.jsonl")
	turn := `{"type":"turn","turn":{"index":0,"role":"user","content":"hi","ts":"2026-01-01T00:00:00Z"}}` + "\n"
	if err := os.WriteFile(path, []byte(turn), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadStore(dir, "deadbeef")
	if !errors.IsKind(err, errors.KindCorruptSession) {
		t.Fatalf("missing header: got %v, want corrupt_session", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadStore(t.TempDir(), "nope")
	if !errors.IsKind(err, errors.KindCorruptSession) {
		t.Fatalf("missing file: got %v, want corrupt_session", err)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	st, _ := newTestStore(t)
	must(t, st.Append(userTurn(0, "hi")))

	snap := st.Snapshot()
	snap.Turns[0].Content = "mutated"

	if got := st.Snapshot().Turns[0].Content; got != "hi" {
		t.Errorf("store content = %q after mutating snapshot, want hi", got)
	}
}

func TestListOrdersByRecency(t *testing.T) {
	dir := t.TempDir()

	first, err := NewStore(dir, "glm-4.7")
	if err != nil {
		t.Fatal(err)
	}
	must(t, first.Append(userTurn(0, "hi")))
	must(t, first.Append(Turn{Index: 1, Role: RoleAssistant, Content: "hello"}))

	// Rewrite the second session's header with a later timestamp so the
	// ordering does not depend on wall-clock resolution.
	second, err := NewStore(dir, "glm-4.7")
	if err != nil {
		t.Fatal(err)
	}
	bump(t, dir, second.ID(), time.Now().Add(time.Hour).UTC())

	infos, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d sessions, want 2", len(infos))
	}
	if infos[0].ID != second.ID() {
		t.Errorf("most recent = %s, want %s", infos[0].ID, second.ID())
	}
	if infos[1].Turns != 2 {
		t.Errorf("turn count = %d, want 2", infos[1].Turns)
	}
}

func TestListSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir, "glm-4.7")
	if err != nil {
		t.Fatal(err)
	}
	must(t, st.Append(userTurn(0, "hi")))

	if err := os.WriteFile(filepath.Join(dir, "broken.jsonl"), []byte("not json\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	infos, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != st.ID() {
		t.Fatalf("got %v, want only %s", infos, st.ID())
	}
}

func bump(t *testing.T, dir, id string, at time.Time) {
	t.Helper()
	path := filepath.Join(dir, id+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.SplitN(string(data), "\n", 2)
	var rec record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	rec.Session.CreatedAt = at
	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	lines[0] = string(out)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
