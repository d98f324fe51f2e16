package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/titanous/json5"
)

// PluginPack declares one pack of agent definitions and MCP servers that can
// be toggled as a unit.
type PluginPack struct {
	Enabled    *bool                       `json:"enabled,omitempty"`
	AgentsDir  string                      `json:"agentsDir,omitempty"`
	MCPServers map[string]*MCPServerConfig `json:"mcpServers,omitempty"`
}

// PluginsConfig is the content of a plugins.json file.
type PluginsConfig struct {
	Packs map[string]*PluginPack `json:"packs,omitempty"`
}

// LoadPlugins merges the global plugins.json with the project-local
// .lattice/plugins.json. Project entries override global entries of the same
// name. Both files are optional.
func LoadPlugins(globalDir, projectPath string) (*PluginsConfig, error) {
	merged := &PluginsConfig{Packs: make(map[string]*PluginPack)}
	paths := []string{
		filepath.Join(globalDir, "plugins.json"),
		filepath.Join(projectPath, ".lattice", "plugins.json"),
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read plugins: %w", err)
		}
		var pc PluginsConfig
		if err := json5.Unmarshal(data, &pc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for name, pack := range pc.Packs {
			merged.Packs[name] = pack
		}
	}
	return merged, nil
}

// EnabledPacks returns the names of enabled packs, sorted.
func (pc *PluginsConfig) EnabledPacks() []string {
	var names []string
	for name, pack := range pc.Packs {
		if pack != nil && (pack.Enabled == nil || *pack.Enabled) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// MCPServers returns the server configs contributed by enabled packs, with
// names prefixed by the pack name to avoid collisions with project servers.
func (pc *PluginsConfig) MCPServers() map[string]*MCPServerConfig {
	out := make(map[string]*MCPServerConfig)
	for _, packName := range pc.EnabledPacks() {
		for name, server := range pc.Packs[packName].MCPServers {
			out[packName+"_"+name] = server
		}
	}
	return out
}
