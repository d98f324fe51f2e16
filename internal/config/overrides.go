package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

const (
	localOverridesFile       = "mcp.local.jsonc"
	localOverridesFileLegacy = "mcp.local.json"
)

// MinionMCPOverrides is the minion-local adjustment to the project MCP
// servers, stored under <project>/.lattice/mcp.local.jsonc.
type MinionMCPOverrides struct {
	// EnabledServers / DisabledServers override the project-level Enabled
	// flag by server name.
	EnabledServers  []string `json:"enabledServers,omitempty"`
	DisabledServers []string `json:"disabledServers,omitempty"`
	// ToolAllowlist narrows exposed tools per server. Not part of the pool's
	// config signature.
	ToolAllowlist map[string][]string `json:"toolAllowlist,omitempty"`
}

// ServerEnabled applies the override on top of the base enabled state.
func (o *MinionMCPOverrides) ServerEnabled(name string, base bool) bool {
	if o == nil {
		return base
	}
	for _, n := range o.DisabledServers {
		if n == name {
			return false
		}
	}
	for _, n := range o.EnabledServers {
		if n == name {
			return true
		}
	}
	return base
}

// OverridesPath returns the path of the minion-local overrides file for a
// project, preferring the .jsonc name.
func OverridesPath(projectPath string) string {
	return filepath.Join(projectPath, ".lattice", localOverridesFile)
}

// LoadMinionOverrides reads the minion-local MCP overrides for a project.
// It accepts both mcp.local.jsonc and the older mcp.local.json name, and
// migrates any legacy entry from the global config on first read. A missing
// file yields nil overrides, not an error.
func (c *Config) LoadMinionOverrides(projectPath string) (*MinionMCPOverrides, error) {
	dir := filepath.Join(projectPath, ".lattice")
	for _, name := range []string{localOverridesFile, localOverridesFileLegacy} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read mcp overrides: %w", err)
		}
		var o MinionMCPOverrides
		if err := json5.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		return &o, nil
	}

	// No file: migrate a legacy global-config entry if one exists.
	c.mu.Lock()
	legacy, ok := c.LegacyMinionMCPOverrides[projectPath]
	if ok {
		delete(c.LegacyMinionMCPOverrides, projectPath)
	}
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if err := SaveMinionOverrides(projectPath, legacy); err != nil {
		return nil, fmt.Errorf("migrate legacy mcp overrides: %w", err)
	}
	slog.Info("config.mcp_overrides.migrated", "project", projectPath)
	return legacy, nil
}

// SaveMinionOverrides writes the overrides file and keeps it out of git.
func SaveMinionOverrides(projectPath string, o *MinionMCPOverrides) error {
	dir := filepath.Join(projectPath, ".lattice")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".mcp-local-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, localOverridesFile)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	EnsureGitExclude(projectPath)
	return nil
}

// EnsureGitExclude appends the minion-local override paths to the project's
// .git/info/exclude so they never show up as untracked. Best effort: a
// non-git project is not an error.
func EnsureGitExclude(projectPath string) {
	gitDir := filepath.Join(projectPath, ".git")
	if fi, err := os.Stat(gitDir); err != nil || !fi.IsDir() {
		return
	}
	excludePath := filepath.Join(gitDir, "info", "exclude")
	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return
	}
	lines := map[string]bool{}
	for _, l := range strings.Split(string(existing), "\n") {
		lines[strings.TrimSpace(l)] = true
	}
	var add []string
	for _, entry := range []string{
		".lattice/" + localOverridesFile,
		".lattice/" + localOverridesFileLegacy,
	} {
		if !lines[entry] {
			add = append(add, entry)
		}
	}
	if len(add) == 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	out := strings.Join(add, "\n") + "\n"
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		out = "\n" + out
	}
	if _, err := f.WriteString(out); err != nil {
		slog.Warn("config.git_exclude.write_failed", "error", err)
	}
}
