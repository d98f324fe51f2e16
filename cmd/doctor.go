package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/mcp"
)

func doctorCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(probe)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "connect to each configured MCP server")
	return cmd
}

func runDoctor(probe bool) {
	fmt.Println("lattice doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Printf("  Sessions: %s", cfg.SessionsRoot)
	if err := os.MkdirAll(cfg.SessionsRoot, 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	if cfg.Agents.Dir != "" {
		fmt.Printf("  Agents:   %s", cfg.Agents.Dir)
		if _, err := os.Stat(cfg.Agents.Dir); err != nil {
			fmt.Println(" (NOT FOUND)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	if len(cfg.MCPServers) == 0 {
		fmt.Println("\n  MCP servers: none configured")
		return
	}

	fmt.Println("\n  MCP servers:")
	names := make([]string, 0, len(cfg.MCPServers))
	for name := range cfg.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	pool := mcp.NewPool(cfg)
	defer pool.Close()

	for _, name := range names {
		server := cfg.MCPServers[name]
		status := "enabled"
		switch {
		case !server.IsEnabled():
			status = "disabled"
		case !cfg.TransportAllowed(server.Transport):
			status = fmt.Sprintf("transport %q not allowed", server.Transport)
		}
		fmt.Printf("    %-20s %-10s %s\n", name, server.Transport, status)

		if !probe || status != "enabled" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		report, err := pool.Probe(ctx, mcp.StartConfig{
			Name:           name,
			Transport:      server.Transport,
			Command:        server.Command,
			Args:           server.Args,
			Env:            server.Env,
			URL:            server.URL,
			Headers:        server.Headers,
			HasOAuthTokens: server.HasOAuthTokens,
			TimeoutSec:     server.TimeoutSec,
		})
		cancel()
		if err != nil {
			fmt.Printf("      probe: FAILED (%s)\n", err)
			continue
		}
		fmt.Printf("      probe: OK via %s, %d tools\n", report.Transport, len(report.Tools))
		if report.OAuth != nil {
			fmt.Printf("      oauth: scope=%q resourceMetadata=%q\n", report.OAuth.Scope, report.OAuth.ResourceMetadataURL)
		}
	}
}
