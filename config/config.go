package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ljchg12-hue/glm-cli/backoff"
	"github.com/ljchg12-hue/glm-cli/errors"
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer describes one protocol server subprocess.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Retry configures reconnection of protocol servers.
type Retry struct {
	InitialMS   int     `yaml:"initial_ms"`
	MaxMS       int     `yaml:"max_ms"`
	Factor      float64 `yaml:"factor"`
	Jitter      float64 `yaml:"jitter"`
	MaxAttempts int     `yaml:"max_attempts"`
}

type Config struct {
	LLMClient        string           `yaml:"llm"`
	Model            string           `yaml:"model"`
	APIBase          string           `yaml:"api_base"`
	Toolsets         []Toolset        `yaml:"toolsets"`
	MCPServers       []MCPServer      `yaml:"mcp_servers"`
	AllowedCommands  []string         `yaml:"allowed_commands"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`

	// Loop limits and tool execution.
	MaxIterations  int `yaml:"max_iterations"`
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`

	Retry Retry `yaml:"retry"`
}

const (
	defaultMaxIterations = 20
	defaultToolTimeout   = 120
)

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		MaxIterations:  defaultMaxIterations,
		ToolTimeoutSec: defaultToolTimeout,
	}

	// The .glm directory holds config and session logs; never expose it.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".glm", ".glm/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".glm", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".glm", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so project-level
	// config replaces user-level field by field.
	return yaml.Unmarshal(data, cfg)
}

// GetToolset finds a toolset by name. A missing "default" toolset means
// all registered tools are active, so GetToolset returns nil in that case
// rather than an error. Any other unknown name is an error: silently
// widening tool access on a mistyped toolset would be a surprise.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, nil
	}
	return nil, errors.New("toolset %q is not defined in the configuration", name)
}

// ToolTimeout returns the per-call tool timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	sec := c.ToolTimeoutSec
	if sec <= 0 {
		sec = defaultToolTimeout
	}
	return time.Duration(sec) * time.Second
}

// BackoffPolicy translates the retry section into a backoff policy,
// falling back to defaults for unset fields.
func (c *Config) BackoffPolicy() backoff.Policy {
	p := backoff.DefaultPolicy()
	if c.Retry.InitialMS > 0 {
		p.Initial = time.Duration(c.Retry.InitialMS) * time.Millisecond
	}
	if c.Retry.MaxMS > 0 {
		p.Max = time.Duration(c.Retry.MaxMS) * time.Millisecond
	}
	if c.Retry.Factor > 0 {
		p.Factor = c.Retry.Factor
	}
	if c.Retry.Jitter > 0 {
		p.Jitter = c.Retry.Jitter
	}
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	return p
}
