package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ljchg12-hue/glm-cli/backoff"
	"github.com/ljchg12-hue/glm-cli/config"
	"github.com/ljchg12-hue/glm-cli/errors"
	"github.com/ljchg12-hue/glm-cli/tools"
)

// State is the lifecycle state of one server connection.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

const handshakeTimeout = 30 * time.Second

// conn tracks one server: its transport, state, and discovered tools.
type conn struct {
	cfg       config.MCPServer
	transport *transport
	state     State
	tools     []toolInfo
	// closing marks an intentional Close so the monitor goroutine does not
	// treat the process exit as a failure.
	closing bool
}

// Manager owns every protocol server connection. Tool descriptors
// discovered from servers are registered into the shared registry under
// qualified names (mcp__<server>__<tool>); descriptors reference servers by
// name only and all calls route back through the manager.
type Manager struct {
	mu       sync.Mutex
	conns    map[string]*conn
	registry *tools.Registry
	policy   backoff.Policy
	logger   *slog.Logger

	// spawnFn is replaceable so connections can be driven over in-memory
	// pipes in tests.
	spawnFn func(config.MCPServer, *slog.Logger) (*transport, error)
}

func NewManager(registry *tools.Registry, policy backoff.Policy) *Manager {
	return &Manager{
		conns:    make(map[string]*conn),
		registry: registry,
		policy:   policy,
		logger:   slog.Default().With("component", "mcp"),
		spawnFn:  spawn,
	}
}

// Connect spawns the server, performs the initialize handshake, discovers
// its tools, and registers them. On any failure the subprocess is torn down
// and nothing is registered.
func (m *Manager) Connect(ctx context.Context, cfg config.MCPServer) error {
	m.mu.Lock()
	if existing, ok := m.conns[cfg.Name]; ok && existing.state != StateClosed {
		m.mu.Unlock()
		return errors.NewKind(errors.KindConnection, "server %q is already connected", cfg.Name)
	}
	c := &conn{cfg: cfg, state: StateConnecting}
	m.conns[cfg.Name] = c
	m.mu.Unlock()

	t, infos, err := m.establish(ctx, cfg)
	if err != nil {
		m.mu.Lock()
		c.state = StateClosed
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	c.transport = t
	c.tools = infos
	c.state = StateReady
	m.mu.Unlock()

	if err := m.registerTools(cfg.Name, infos); err != nil {
		m.teardown(cfg.Name)
		return err
	}

	go m.monitor(cfg.Name, t)
	return nil
}

// establish spawns the subprocess and runs the handshake. It returns a live
// transport and the server's tool list, or tears everything down.
func (m *Manager) establish(ctx context.Context, cfg config.MCPServer) (*transport, []toolInfo, error) {
	logger := m.logger.With("server", cfg.Name)
	t, err := m.spawnFn(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	if _, err := t.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{},
		},
		ClientInfo: clientInfo{Name: "glm-cli", Version: "1.0.0"},
	}, handshakeTimeout); err != nil {
		t.close()
		return nil, nil, errors.WrapKind(err, errors.KindConnection, "initialize handshake with %q failed", cfg.Name)
	}

	if err := t.notify("notifications/initialized", nil); err != nil {
		t.close()
		return nil, nil, err
	}

	raw, err := t.call(ctx, "tools/list", nil, handshakeTimeout)
	if err != nil {
		t.close()
		return nil, nil, errors.WrapKind(err, errors.KindConnection, "tools/list on %q failed", cfg.Name)
	}
	var listed listToolsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		t.close()
		return nil, nil, errors.WrapKind(err, errors.KindConnection, "invalid tools/list result from %q", cfg.Name)
	}

	logger.Info("server ready", "tools", len(listed.Tools))
	return t, listed.Tools, nil
}

func (m *Manager) registerTools(server string, infos []toolInfo) error {
	for _, info := range infos {
		schema := info.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		err := m.registry.Register(&tools.Descriptor{
			Name:        QualifiedName(server, info.Name),
			Description: info.Description,
			Schema:      schema,
			Concurrency: tools.ConcurrentSafe,
			Backend:     tools.BackendProtocol,
			Server:      server,
			RemoteName:  info.Name,
		})
		if err != nil {
			m.registry.Unregister(server)
			return err
		}
	}
	return nil
}

// QualifiedName is the registry name of a server tool.
func QualifiedName(server, tool string) string {
	return fmt.Sprintf("mcp__%s__%s", server, tool)
}

// SplitQualified reverses QualifiedName. ok is false for local tool names.
func SplitQualified(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, "mcp__")
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	return server, tool, found
}

// monitor watches for process death. An unexpected exit degrades the
// connection, fails everything pending (the transport already did), and
// starts the reconnect loop.
func (m *Manager) monitor(name string, t *transport) {
	<-t.exited()

	m.mu.Lock()
	c, ok := m.conns[name]
	if !ok || c.transport != t || c.closing || c.state == StateClosed {
		m.mu.Unlock()
		return
	}
	c.state = StateDegraded
	m.mu.Unlock()

	m.logger.Warn("server connection lost", "server", name)
	m.reconnect(name)
}

// reconnect retries with backoff until the server is ready again or the
// attempt budget is spent, at which point the connection closes for good
// and its tools are unregistered.
func (m *Manager) reconnect(name string) {
	m.mu.Lock()
	c, ok := m.conns[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	cfg := c.cfg
	m.mu.Unlock()

	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		if err := m.policy.Sleep(context.Background(), attempt); err != nil {
			break
		}

		m.mu.Lock()
		if c.closing || c.state != StateDegraded {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		t, infos, err := m.establish(context.Background(), cfg)
		if err != nil {
			m.logger.Warn("reconnect failed", "server", name, "attempt", attempt, "error", err)
			continue
		}

		m.mu.Lock()
		if c.closing {
			m.mu.Unlock()
			t.close()
			return
		}
		c.transport = t
		c.tools = infos
		c.state = StateReady
		m.mu.Unlock()

		// Tool sets can change across restarts; re-register from scratch.
		m.registry.Unregister(name)
		if err := m.registerTools(name, infos); err != nil {
			m.logger.Error("re-registration failed", "server", name, "error", err)
			m.teardown(name)
			return
		}
		m.logger.Info("server reconnected", "server", name, "attempt", attempt)
		go m.monitor(name, t)
		return
	}

	m.logger.Error("retry budget exhausted, closing server", "server", name)
	m.teardown(name)
}

// Call issues a raw JSON-RPC request on a ready connection.
func (m *Manager) Call(ctx context.Context, server, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	t, err := m.ready(server)
	if err != nil {
		return nil, err
	}
	return t.call(ctx, method, params, timeout)
}

// CallTool invokes a tool on a server and flattens the result content to
// text. Implements tools.ProtocolCaller.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args json.RawMessage, timeout time.Duration) (string, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := m.Call(ctx, server, "tools/call", callToolParams{Name: tool, Arguments: args}, timeout)
	if err != nil {
		return "", err
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", errors.WrapKind(err, errors.KindConnection, "invalid tools/call result from %q", server)
	}

	var parts []string
	for _, item := range result.Content {
		switch item.Type {
		case "text":
			parts = append(parts, item.Text)
		case "image":
			parts = append(parts, fmt.Sprintf("[Image: %s]", item.MimeType))
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", errors.New("tool %q on %q failed: %s", tool, server, text)
	}
	return text, nil
}

func (m *Manager) ready(server string) (*transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[server]
	if !ok {
		return nil, errors.NewKind(errors.KindConnection, "server %q is not configured", server)
	}
	switch c.state {
	case StateReady:
		return c.transport, nil
	case StateDegraded:
		return nil, errors.NewKind(errors.KindConnectionLost, "server %q is degraded", server)
	default:
		return nil, errors.NewKind(errors.KindConnection, "server %q is %s", server, c.state)
	}
}

// ServerState reports the connection state, StateClosed for unknown names.
func (m *Manager) ServerState(server string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[server]; ok {
		return c.state
	}
	return StateClosed
}

// Close shuts one server down. Idempotent.
func (m *Manager) Close(server string) {
	m.mu.Lock()
	c, ok := m.conns[server]
	if !ok || c.state == StateClosed {
		m.mu.Unlock()
		return
	}
	c.closing = true
	m.mu.Unlock()
	m.teardown(server)
}

// CloseAll shuts every server down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.Close(name)
	}
}

func (m *Manager) teardown(server string) {
	m.mu.Lock()
	c, ok := m.conns[server]
	if !ok {
		m.mu.Unlock()
		return
	}
	t := c.transport
	c.transport = nil
	c.state = StateClosed
	m.mu.Unlock()

	if t != nil {
		t.close()
	}
	m.registry.Unregister(server)
}
