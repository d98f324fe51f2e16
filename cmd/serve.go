package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/ai"
	"github.com/latticehq/lattice/internal/bus"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/delegated"
	"github.com/latticehq/lattice/internal/history"
	"github.com/latticehq/lattice/internal/initstate"
	"github.com/latticehq/lattice/internal/mcp"
	"github.com/latticehq/lattice/internal/minion"
	"github.com/latticehq/lattice/internal/stream"
	"github.com/latticehq/lattice/internal/usage"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lattice runtime",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// appRuntime bundles the long-lived components a serving process owns.
type appRuntime struct {
	cfg       *config.Config
	minions   *minion.Store
	history   *history.Store
	router    *bus.Router
	pool      *mcp.Pool
	resolver  *agent.Resolver
	streams   *stream.Manager
	ledger    *usage.Ledger
	delegated *delegated.Registry
	initstate *initstate.Manager
	service   *ai.Service
}

func buildRuntime(cfg *config.Config) *appRuntime {
	ms := minion.NewStore(cfg.SessionsRoot)
	hist := history.NewStore(ms)
	router := bus.NewRouter()
	pool := mcp.NewPool(cfg)
	resolver := agent.NewResolver(cfg, nil)
	streams := stream.NewManager(hist, router)
	ledger := usage.NewLedger(ms)
	reg := delegated.NewRegistry()

	svc := ai.NewService(ai.Options{
		Config:    cfg,
		History:   hist,
		Pool:      pool,
		Resolver:  resolver,
		Streams:   streams,
		Ledger:    ledger,
		Delegated: reg,
		Publisher: router,
	})
	return &appRuntime{
		cfg:       cfg,
		minions:   ms,
		history:   hist,
		router:    router,
		pool:      pool,
		resolver:  resolver,
		streams:   streams,
		ledger:    ledger,
		delegated: reg,
		initstate: initstate.NewManager(ms, router),
		service:   svc,
	}
}

func (r *appRuntime) close() {
	r.pool.Close()
	r.router.Close()
}

func runServe() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "lattice: %s\n", err)
		os.Exit(1)
	}

	// Plugin packs contribute MCP servers under a pack_ prefix.
	if plugins, err := config.LoadPlugins(filepath.Dir(resolveConfigPath()), ""); err != nil {
		slog.Warn("serve.plugins_load_failed", "error", err)
	} else {
		for name, server := range plugins.MCPServers() {
			if cfg.MCPServers == nil {
				cfg.MCPServers = map[string]*config.MCPServerConfig{}
			}
			if _, exists := cfg.MCPServers[name]; !exists {
				cfg.MCPServers[name] = server
			}
		}
	}

	if err := os.MkdirAll(cfg.SessionsRoot, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "lattice: create sessions root: %s\n", err)
		os.Exit(1)
	}

	rt := buildRuntime(cfg)
	defer rt.close()

	slog.Info("serve.ready",
		"version", Version,
		"sessionsRoot", cfg.SessionsRoot,
		"mcpServers", len(cfg.MCPServers),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	slog.Info("serve.shutdown", "signal", s.String())
}
