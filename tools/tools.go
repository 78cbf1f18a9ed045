// Package tools holds the tool registry, the local tool implementations,
// and the executor that runs tool calls on behalf of the agent loop.
package tools

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ljchg12-hue/glm-cli/errors"
)

// Concurrency classifies how calls to a tool may be scheduled within one
// dispatch batch.
type Concurrency string

const (
	// Exclusive tools never run concurrently with any other tool call.
	Exclusive Concurrency = "exclusive"
	// ConcurrentSafe tools may run in parallel with each other.
	ConcurrentSafe Concurrency = "concurrent-safe"
)

// Backend identifies where a tool executes.
type Backend string

const (
	// BackendLocal tools run in-process through their Handler.
	BackendLocal Backend = "local"
	// BackendProtocol tools are served by a named protocol server. The
	// descriptor carries only the server name; connections are resolved at
	// call time.
	BackendProtocol Backend = "protocol"
)

// Handler executes a local tool call. Arguments arrive as the raw JSON the
// model produced; handlers unmarshal into their own parameter structs.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Descriptor describes one callable tool.
type Descriptor struct {
	Name        string
	Description string
	// Schema is the JSON schema of the tool's input, passed through to the
	// model verbatim.
	Schema      json.RawMessage
	Concurrency Concurrency
	Backend     Backend

	// Handler is set for local tools.
	Handler Handler
	// Server names the protocol server for protocol tools. RemoteName is
	// the tool's name on that server, without the qualified prefix.
	Server     string
	RemoteName string
}

// Registry holds all available tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Registering a name twice fails with
// DuplicateTool and leaves the first registration in place.
func (r *Registry) Register(d *Descriptor) error {
	if d.Name == "" {
		return errors.New("tool descriptor has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return errors.NewKind(errors.KindDuplicateTool, "tool %q is already registered", d.Name)
	}
	r.tools[d.Name] = d
	return nil
}

// Resolve returns the descriptor for name, or UnknownTool.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return nil, errors.NewKind(errors.KindUnknownTool, "tool %q is not registered", name)
	}
	return d, nil
}

// Unregister removes every tool belonging to the named protocol server.
// Used when a server connection closes for good.
func (r *Registry) Unregister(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.tools {
		if d.Backend == BackendProtocol && d.Server == server {
			delete(r.tools, name)
		}
	}
}

// List returns a snapshot of all descriptors sorted by name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Active returns the descriptors selected by a toolset. Entries may name a
// tool directly, or select a whole protocol server with "server.*". A nil
// toolset selects everything.
func (r *Registry) Active(names []string) ([]*Descriptor, error) {
	if names == nil {
		return r.List(), nil
	}
	var active []*Descriptor
	for _, name := range names {
		if server, ok := strings.CutSuffix(name, ".*"); ok {
			for _, d := range r.List() {
				if d.Backend == BackendProtocol && d.Server == server {
					active = append(active, d)
				}
			}
			continue
		}
		d, err := r.Resolve(name)
		if err != nil {
			return nil, errors.Wrapf(err, "toolset entry %q", name)
		}
		active = append(active, d)
	}
	return active, nil
}

// isPathRestricted checks whether a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern %q", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks a command against the allowlist. Patterns are
// regular expressions; an invalid pattern falls back to exact match.
func isCommandAllowed(command string, allowed []string) bool {
	if strings.TrimSpace(command) == "" {
		return false
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
