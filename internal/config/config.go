// Package config loads the runtime configuration: the global config.json
// (JSON5 with env-var overlay), minion-local MCP overrides, and plugin packs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/titanous/json5"
)

// MCPServerConfig declares one MCP server at the project level.
type MCPServerConfig struct {
	Transport  string            `json:"transport"` // "stdio", "http", "sse"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"` // nil = enabled
	TimeoutSec int               `json:"timeoutSec,omitempty"`
	// AllowTools restricts which of the server's tools are exposed. Not part
	// of the pool's config signature.
	AllowTools []string `json:"allowTools,omitempty"`
	// HasOAuthTokens marks servers whose headers are completed from the
	// credential store at start time.
	HasOAuthTokens bool `json:"hasOauthTokens,omitempty"`
}

// IsEnabled reports whether the server should be started.
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Experiments gates in-progress behavior.
type Experiments struct {
	ExecSidekickHardRestart bool   `json:"execSidekickHardRestart,omitempty"`
	PTCMode                 string `json:"ptcMode,omitempty"` // "", "supplement", "exclusive"
}

// AgentsConfig points at agent definition directories and disabled ids.
type AgentsConfig struct {
	// Dir overrides the per-project `.lattice/agents` location.
	Dir            string   `json:"dir,omitempty"`
	DisabledAgents []string `json:"disabledAgents,omitempty"`
}

// Config is the global runtime configuration.
type Config struct {
	mu sync.RWMutex

	SessionsRoot        string                      `json:"sessionsRoot,omitempty"`
	MCPServers          map[string]*MCPServerConfig `json:"mcpServers,omitempty"`
	Agents              AgentsConfig                `json:"agents,omitempty"`
	Experiments         Experiments                 `json:"experiments,omitempty"`
	MaxTaskNestingDepth int                         `json:"maxTaskNestingDepth,omitempty"`
	// AllowedMCPTransports restricts which transports minions may use; empty
	// means all.
	AllowedMCPTransports []string `json:"allowedMcpTransports,omitempty"`

	// LegacyMinionMCPOverrides is the pre-mcp.local.jsonc location for
	// per-project overrides, keyed by project path. Migrated away on first
	// read.
	LegacyMinionMCPOverrides map[string]*MinionMCPOverrides `json:"minionMcpOverrides,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		SessionsRoot:        filepath.Join(home, ".lattice", "sessions"),
		MaxTaskNestingDepth: 3,
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LATTICE_SESSIONS_ROOT"); v != "" {
		c.SessionsRoot = v
	}
	if v := os.Getenv("LATTICE_MAX_TASK_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxTaskNestingDepth = n
		}
	}
	if v := os.Getenv("LATTICE_EXEC_SIDEKICK_HARD_RESTART"); v != "" {
		c.Experiments.ExecSidekickHardRestart = v == "true" || v == "1"
	}
	if v := os.Getenv("LATTICE_PTC_MODE"); v != "" {
		c.Experiments.PTCMode = v
	}
}

// AgentDisabled reports whether an agent id is disabled by config.
func (c *Config) AgentDisabled(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.Agents.DisabledAgents {
		if d == id {
			return true
		}
	}
	return false
}

// TransportAllowed reports whether a resolved MCP transport is permitted.
func (c *Config) TransportAllowed(transport string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.AllowedMCPTransports) == 0 {
		return true
	}
	for _, t := range c.AllowedMCPTransports {
		if t == transport {
			return true
		}
	}
	return false
}
