package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ljchg12-hue/glm-cli/errors"
)

// record is one line of the on-disk log. The first line of every session
// file is a "session" record; every subsequent line is a "turn" record.
type record struct {
	Type    string   `json:"type"`
	Session *Session `json:"session,omitempty"`
	Turn    *Turn    `json:"turn,omitempty"`
}

// Store is the append-only log of turns for one session. Appends are
// validated against the session invariants and written through to disk one
// JSON line per turn, so a session can be reconstructed exactly.
//
// The store is mutated only by the agent loop; Snapshot exists so other
// readers never touch the live state.
type Store struct {
	mu   sync.Mutex
	sess *Session
	path string
}

// DefaultDir returns the sessions directory under the user's glm home.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve home directory")
	}
	dir := filepath.Join(home, ".glm", "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return dir, nil
}

// NewStore creates a new session and its backing log file. The model string
// is recorded so a resumed session knows what configuration produced it.
func NewStore(dir, model string) (*Store, error) {
	id := uuid.NewString()[:8]
	cwd, _ := os.Getwd()
	sess := &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Model:     model,
		Cwd:       cwd,
	}

	st := &Store{sess: sess, path: filepath.Join(dir, id+".jsonl")}
	header := *sess
	header.Turns = nil
	if err := st.writeRecord(record{Type: "session", Session: &header}); err != nil {
		return nil, err
	}
	return st, nil
}

// LoadStore reconstructs a session from its log. It fails with
// CorruptSession if the log is not a valid gap-free prefix: bad JSON, a
// missing header, non-contiguous indices, an invariant-violating turn, or a
// trailing assistant turn whose tool calls were never resolved.
func LoadStore(dir, id string) (*Store, error) {
	path := filepath.Join(dir, id+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindCorruptSession, "could not open session %s", id)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var sess *Session
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, errors.WrapKind(err, errors.KindCorruptSession, "session %s: bad record at line %d", id, line)
		}
		switch rec.Type {
		case "session":
			if sess != nil {
				return nil, errors.NewKind(errors.KindCorruptSession, "session %s: duplicate header at line %d", id, line)
			}
			sess = rec.Session
		case "turn":
			if sess == nil {
				return nil, errors.NewKind(errors.KindCorruptSession, "session %s: turn before header at line %d", id, line)
			}
			if rec.Turn == nil {
				return nil, errors.NewKind(errors.KindCorruptSession, "session %s: empty turn at line %d", id, line)
			}
			if err := validateAppend(sess, *rec.Turn); err != nil {
				return nil, errors.WrapKind(err, errors.KindCorruptSession, "session %s: invalid turn at line %d", id, line)
			}
			sess.Turns = append(sess.Turns, *rec.Turn)
		default:
			return nil, errors.NewKind(errors.KindCorruptSession, "session %s: unknown record type %q at line %d", id, rec.Type, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapKind(err, errors.KindCorruptSession, "session %s: read failed", id)
	}
	if sess == nil {
		return nil, errors.NewKind(errors.KindCorruptSession, "session %s: missing header", id)
	}
	if pending := sess.PendingCalls(); len(pending) > 0 {
		return nil, errors.NewKind(errors.KindCorruptSession,
			"session %s: %d tool calls without results", id, len(pending))
	}

	return &Store{sess: sess, path: path}, nil
}

// ID returns the session identifier.
func (st *Store) ID() string {
	return st.sess.ID
}

// Append validates the turn against the session invariants, assigns no
// state of its own beyond the log, and persists it. The caller sets
// Turn.Index to the current length of the session (NextIndex).
func (st *Store) Append(turn Turn) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := validateAppend(st.sess, turn); err != nil {
		return err
	}
	if err := st.writeRecord(record{Type: "turn", Turn: &turn}); err != nil {
		return err
	}
	st.sess.Turns = append(st.sess.Turns, turn)
	return nil
}

// NextIndex returns the index the next appended turn must carry.
func (st *Store) NextIndex() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sess.Turns)
}

// Snapshot returns an immutable copy of the session, safe for concurrent
// read while the loop continues appending.
func (st *Store) Snapshot() *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sess.Clone()
}

func (st *Store) writeRecord(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "could not serialize session record")
	}
	f, err := os.OpenFile(st.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "could not open session log")
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrapf(err, "could not append session record")
	}
	return nil
}

// validateAppend checks a candidate turn against the session as it stands.
func validateAppend(sess *Session, turn Turn) error {
	if turn.Index != len(sess.Turns) {
		return errors.NewKind(errors.KindOutOfOrder,
			"turn index %d, expected %d", turn.Index, len(sess.Turns))
	}

	switch turn.Role {
	case RoleUser, RoleAssistant, RoleToolResult:
	default:
		return errors.NewKind(errors.KindOutOfOrder, "unknown turn role %q", turn.Role)
	}

	pending := sess.PendingCalls()
	if len(pending) > 0 {
		// The only legal successor of an assistant turn with tool calls is
		// the tool_result turn that resolves all of them, in request order.
		if turn.Role != RoleToolResult {
			return errors.NewKind(errors.KindOutOfOrder,
				"%d tool calls unresolved, cannot append %s turn", len(pending), turn.Role)
		}
		if len(turn.Results) != len(pending) {
			return errors.NewKind(errors.KindOutOfOrder,
				"got %d results for %d pending tool calls", len(turn.Results), len(pending))
		}
		for i, res := range turn.Results {
			if res.ID != pending[i].ID {
				return errors.NewKind(errors.KindOutOfOrder,
					"result %d has id %q, expected %q", i, res.ID, pending[i].ID)
			}
		}
	} else if turn.Role == RoleToolResult {
		return errors.NewKind(errors.KindOutOfOrder, "tool_result turn without pending tool calls")
	}

	if turn.Role == RoleAssistant {
		seen := make(map[string]bool, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			if call.ID == "" {
				return errors.NewKind(errors.KindOutOfOrder, "tool call without correlation id")
			}
			if seen[call.ID] {
				return errors.NewKind(errors.KindOutOfOrder, "duplicate tool call id %q", call.ID)
			}
			seen[call.ID] = true
		}
	}

	return nil
}

// SessionInfo summarizes a stored session for listings.
type SessionInfo struct {
	ID        string
	CreatedAt time.Time
	Turns     int
	Cwd       string
}

// List returns summaries for sessions in dir, most recent first. Unreadable
// or corrupt files are skipped; listing is best effort.
func List(dir string) ([]SessionInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not read session directory")
	}

	var infos []SessionInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".jsonl")]
		st, err := LoadStore(dir, id)
		if err != nil {
			continue
		}
		infos = append(infos, SessionInfo{
			ID:        st.sess.ID,
			CreatedAt: st.sess.CreatedAt,
			Turns:     len(st.sess.Turns),
			Cwd:       st.sess.Cwd,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// String implements fmt.Stringer for session listings.
func (i SessionInfo) String() string {
	return fmt.Sprintf("%s  %s  %d turns  %s",
		i.ID, i.CreatedAt.Local().Format("2006-01-02 15:04"), i.Turns, i.Cwd)
}
