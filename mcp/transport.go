package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ljchg12-hue/glm-cli/config"
	"github.com/ljchg12-hue/glm-cli/errors"
)

// transport is one stdio JSON-RPC connection to a server subprocess. The
// pending map is the only structure touched from multiple goroutines; the
// read loop and callers coordinate through it under pendingMu.
type transport struct {
	server string
	logger *slog.Logger

	stdin io.WriteCloser
	wmu   sync.Mutex

	pending   map[int64]chan *response
	pendingMu sync.Mutex
	nextID    atomic.Int64

	// dead is closed by the read loop when the process side goes away.
	dead      chan struct{}
	closeOnce sync.Once
	kill      func()
}

// spawn starts the server subprocess and its read loop.
func spawn(cfg config.MCPServer, logger *slog.Logger) (*transport, error) {
	if cfg.Command == "" {
		return nil, errors.NewKind(errors.KindConnection, "server %q has no command", cfg.Name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindConnection, "stdin pipe for %q", cfg.Name)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindConnection, "stdout pipe for %q", cfg.Name)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapKind(err, errors.KindConnection, "could not start server %q", cfg.Name)
	}
	logger.Info("started protocol server", "command", cfg.Command, "pid", cmd.Process.Pid)

	t := newTransport(cfg.Name, stdin, stdout, func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}, logger)

	if stderr != nil {
		go t.logStderr(stderr)
	}
	go func() {
		// Reap the process once the read loop sees EOF.
		<-t.dead
		cmd.Wait()
	}()
	return t, nil
}

// newTransport wires a transport over arbitrary streams. Split out from
// spawn so tests can drive a connection over in-memory pipes.
func newTransport(server string, stdin io.WriteCloser, stdout io.Reader, kill func(), logger *slog.Logger) *transport {
	t := &transport{
		server:  server,
		logger:  logger,
		stdin:   stdin,
		pending: make(map[int64]chan *response),
		dead:    make(chan struct{}),
		kill:    kill,
	}
	go t.readLoop(stdout)
	return t
}

// call sends a request and waits for the matching response. On timeout the
// correlation id is abandoned: a late response is discarded by the read
// loop, never delivered.
func (t *transport) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-t.dead:
		return nil, errors.NewKind(errors.KindConnectionLost, "server %q is down", t.server)
	default:
	}

	id := t.nextID.Add(1)
	req := request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal params for %s", method)
		}
		req.Params = raw
	}

	respChan := make(chan *response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	abandon := func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}

	if err := t.write(req); err != nil {
		abandon()
		return nil, errors.WrapKind(err, errors.KindConnection, "write %s to %q", method, t.server)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, errors.NewKind(errors.KindConnection,
				"server %q: %s returned error %d: %s", t.server, method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-timer.C:
		abandon()
		return nil, errors.NewKind(errors.KindTimeout, "server %q: %s timed out after %s", t.server, method, timeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-t.dead:
		abandon()
		return nil, errors.NewKind(errors.KindConnectionLost, "server %q died during %s", t.server, method)
	}
}

// notify sends a notification; no response is expected.
func (t *transport) notify(method string, params any) error {
	n := notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return errors.Wrapf(err, "marshal params for %s", method)
		}
		n.Params = raw
	}
	if err := t.write(n); err != nil {
		return errors.WrapKind(err, errors.KindConnection, "write %s to %q", method, t.server)
	}
	return nil
}

func (t *transport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// close tears the connection down. Safe to call more than once.
func (t *transport) close() {
	t.closeOnce.Do(func() {
		t.stdin.Close()
		if t.kill != nil {
			t.kill()
		}
	})
}

// exited is closed when the process side of the connection is gone.
func (t *transport) exited() <-chan struct{} {
	return t.dead
}

func (t *transport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
			t.pendingMu.Lock()
			if ch, ok := t.pending[*resp.ID]; ok {
				ch <- &resp
				delete(t.pending, *resp.ID)
			} else {
				// Abandoned id: the caller timed out, drop the response.
				t.logger.Debug("discarding late response", "id", *resp.ID)
			}
			t.pendingMu.Unlock()
			continue
		}

		var n notification
		if err := json.Unmarshal(line, &n); err == nil && n.Method != "" {
			t.logger.Debug("server notification", "method", n.Method)
			continue
		}
		t.logger.Warn("unparseable line from server", "line", string(line))
	}

	// EOF or read error: the process is gone. Close dead first so callers
	// blocked in call() fail with ConnectionLost before we drop the map.
	close(t.dead)
	t.pendingMu.Lock()
	t.pending = make(map[int64]chan *response)
	t.pendingMu.Unlock()
}

func (t *transport) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "line", scanner.Text())
	}
}
