package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/tools"
)

const (
	sweepInterval = 60 * time.Second
	idleThreshold = 10 * time.Minute
)

// minionEntry is the per-minion cache slot. All fields are guarded by mu,
// which also serializes start/stop transitions for the minion.
type minionEntry struct {
	mu           sync.Mutex
	signature    string
	instances    map[string]*Instance
	lastActivity time.Time
	leases       int
}

// GetToolsOptions selects the servers for one minion.
type GetToolsOptions struct {
	MinionID    string
	ProjectPath string
	// ExtraServers adds servers beyond the project config (plugin packs).
	ExtraServers map[string]*config.MCPServerConfig
}

// PoolOption configures the Pool.
type PoolOption func(*Pool)

// WithConnectFunc replaces the dialer. Used by tests.
func WithConnectFunc(fn ConnectFunc) PoolOption {
	return func(p *Pool) { p.connect = fn }
}

// WithClock replaces time.Now. Used by idle-GC tests.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// Pool exclusively owns live MCP clients, cached per minion. Callers hold
// leases, never clients: a lease blocks both idle GC and instance close.
type Pool struct {
	cfg     *config.Config
	connect ConnectFunc
	now     func() time.Time

	mu      sync.Mutex
	minions map[string]*minionEntry

	watchMu   sync.Mutex
	watcher   *overridesWatcher
	overrides map[string]*config.MinionMCPOverrides

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewPool creates the pool and starts the idle sweep.
func NewPool(cfg *config.Config, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg:       cfg,
		connect:   dialServer,
		now:       time.Now,
		minions:   make(map[string]*minionEntry),
		overrides: make(map[string]*config.MinionMCPOverrides),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.sweepLoop()
	return p
}

// Close stops the sweep and every live instance.
func (p *Pool) Close() {
	close(p.stopSweep)
	<-p.sweepDone
	p.closeWatcher()

	p.mu.Lock()
	entries := p.minions
	p.minions = make(map[string]*minionEntry)
	p.mu.Unlock()

	for minionID, entry := range entries {
		entry.mu.Lock()
		closeAll(entry)
		entry.mu.Unlock()
		slog.Debug("mcp.pool.minion_stopped", "minion", minionID)
	}
}

func (p *Pool) entry(minionID string) *minionEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.minions[minionID]
	if !ok {
		e = &minionEntry{
			instances:    make(map[string]*Instance),
			lastActivity: p.now(),
		}
		p.minions[minionID] = e
	}
	return e
}

// AcquireLease reserves the minion's servers against idle GC and close.
func (p *Pool) AcquireLease(minionID string) {
	e := p.entry(minionID)
	e.mu.Lock()
	e.leases++
	e.lastActivity = p.now()
	e.mu.Unlock()
}

// ReleaseLease drops one reservation. It never applies a deferred restart:
// an in-flight stream may still hold tool references into the old clients.
// The restart happens on the next GetToolsForMinion with zero leases.
func (p *Pool) ReleaseLease(minionID string) {
	e := p.entry(minionID)
	e.mu.Lock()
	if e.leases > 0 {
		e.leases--
	}
	e.lastActivity = p.now()
	e.mu.Unlock()
}

// GetToolsForMinion resolves the enabled servers, reconciles the cache
// against their signature, and returns the wrapped tools.
func (p *Pool) GetToolsForMinion(ctx context.Context, opts GetToolsOptions) ([]tools.Tool, error) {
	cfgs, err := p.resolveServers(opts)
	if err != nil {
		return nil, err
	}
	sig := configSignature(cfgs)
	wanted := make(map[string]StartConfig, len(cfgs))
	for _, cfg := range cfgs {
		wanted[cfg.Name] = cfg
	}

	e := p.entry(opts.MinionID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = p.now()

	anyClosed := false
	for _, inst := range e.instances {
		if inst.IsClosed() {
			anyClosed = true
			break
		}
	}

	switch {
	case e.signature == sig && !anyClosed:
		// Cache hit. Allowlists apply at return time, never via restart.

	case e.signature != sig && e.leases > 0:
		if len(e.instances) == 0 {
			// Nothing is running, so there is nothing a lease could be
			// protecting. Cold entries start immediately.
			p.startLocked(ctx, opts.MinionID, e, cfgs)
			e.signature = sig
			break
		}
		// Deferred restart: an active stream may hold tool references into
		// the running clients, so they stay up. Servers without a live
		// instance still start; newly-disabled servers just vanish from the
		// returned set. The signature stays stale so the restart fires on
		// the next call made with zero leases.
		var missing []StartConfig
		for _, cfg := range cfgs {
			if _, ok := e.instances[cfg.Name]; !ok {
				missing = append(missing, cfg)
			}
		}
		if len(missing) > 0 {
			p.startLocked(ctx, opts.MinionID, e, missing)
		}
		slog.Info("mcp.pool.restart_deferred", "minion", opts.MinionID, "leases", e.leases)

	case anyClosed && e.leases > 0:
		// Partial restart: replace only the dead instances, leave healthy
		// ones untouched.
		var restart []StartConfig
		for name, inst := range e.instances {
			if !inst.IsClosed() {
				continue
			}
			_ = inst.Close()
			delete(e.instances, name)
			if cfg, ok := wanted[name]; ok {
				restart = append(restart, cfg)
			}
		}
		slog.Info("mcp.pool.partial_restart", "minion", opts.MinionID, "servers", len(restart))
		p.startLocked(ctx, opts.MinionID, e, restart)

	default:
		// Full reconcile: stop everything, start everything required.
		closeAll(e)
		p.startLocked(ctx, opts.MinionID, e, cfgs)
		e.signature = sig
	}

	return p.collectLocked(opts.MinionID, e, wanted), nil
}

// startLocked dials servers in parallel. Individual failures are logged and
// skipped so one bad server cannot take down the rest.
func (p *Pool) startLocked(ctx context.Context, minionID string, e *minionEntry, cfgs []StartConfig) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		started = make(map[string]*Instance, len(cfgs))
	)
	for _, cfg := range cfgs {
		cfg := cfg
		g.Go(func() error {
			inst, err := p.startInstance(ctx, cfg)
			if err != nil {
				slog.Warn("mcp.server.start_failed", "minion", minionID, "server", cfg.Name, "error", err)
				return nil
			}
			mu.Lock()
			started[cfg.Name] = inst
			mu.Unlock()
			slog.Info("mcp.server.started",
				"minion", minionID,
				"server", cfg.Name,
				"transport", cfg.Transport,
				"tools", len(inst.serverTools),
			)
			return nil
		})
	}
	_ = g.Wait()
	for _, cfg := range cfgs {
		if inst, ok := started[cfg.Name]; ok {
			e.instances[cfg.Name] = inst
		}
	}
}

func (p *Pool) startInstance(ctx context.Context, cfg StartConfig) (*Instance, error) {
	conn, err := p.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	discovered, err := conn.ListTools(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return &Instance{
		Name:        cfg.Name,
		Transport:   cfg.Transport,
		conn:        conn,
		serverTools: discovered,
		normalized:  make(map[string]string),
	}, nil
}

// collectLocked builds the returned tool set from live instances whose
// server is still wanted, filtered through the current allowlists. Names are
// normalized with deterministic collision suffixes across the whole set.
func (p *Pool) collectLocked(minionID string, e *minionEntry, wanted map[string]StartConfig) []tools.Tool {
	names := make([]string, 0, len(e.instances))
	for name := range e.instances {
		if _, ok := wanted[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	onActivity := func() { p.Touch(minionID) }
	taken := make(map[string]bool)
	var out []tools.Tool
	for _, serverName := range names {
		inst := e.instances[serverName]
		cfg := wanted[serverName]
		allow := toSet(cfg.AllowTools)
		timeout := cfg.TimeoutSec
		for _, st := range inst.serverTools {
			if allow != nil {
				if _, ok := allow[st.Name]; !ok {
					continue
				}
			}
			exposed := uniqueToolName(taken, serverName, st.Name)
			taken[exposed] = true
			inst.normalized[exposed] = st.Name
			out = append(out, wrapTool(inst, exposed, st.Name, schemaToMap(st), st.Description, timeout, onActivity))
		}
	}
	return out
}

// Touch bumps a minion's activity clock. Tool executes call this before
// delegating so failed calls still count.
func (p *Pool) Touch(minionID string) {
	e := p.entry(minionID)
	e.mu.Lock()
	e.lastActivity = p.now()
	e.mu.Unlock()
}

// StopMinion closes all instances for a minion and drops its cache entry.
func (p *Pool) StopMinion(minionID string) {
	p.mu.Lock()
	e, ok := p.minions[minionID]
	if ok {
		delete(p.minions, minionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	closeAll(e)
	e.mu.Unlock()
	slog.Info("mcp.pool.minion_stopped", "minion", minionID)
}

// Stats reports the cache state for one minion.
type Stats struct {
	Servers      int
	Leases       int
	LastActivity time.Time
}

// MinionStats returns current stats, or false if no entry exists.
func (p *Pool) MinionStats(minionID string) (Stats, bool) {
	p.mu.Lock()
	e, ok := p.minions[minionID]
	p.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Servers: len(e.instances), Leases: e.leases, LastActivity: e.lastActivity}, true
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

// sweepOnce stops minions idle past the threshold. Leased minions are never
// stopped regardless of age.
func (p *Pool) sweepOnce() {
	now := p.now()
	p.mu.Lock()
	var idle []string
	for minionID, e := range p.minions {
		e.mu.Lock()
		if e.leases == 0 && now.Sub(e.lastActivity) > idleThreshold {
			idle = append(idle, minionID)
		}
		e.mu.Unlock()
	}
	p.mu.Unlock()

	for _, minionID := range idle {
		slog.Info("mcp.pool.idle_stopped", "minion", minionID)
		p.StopMinion(minionID)
	}
}

// resolveServers merges project servers, extras, and minion-local overrides
// into the enabled start set, sorted by name. Disallowed transports fail the
// whole resolution as policy_denied.
func (p *Pool) resolveServers(opts GetToolsOptions) ([]StartConfig, error) {
	overrides := p.loadOverrides(opts.ProjectPath)

	merged := make(map[string]*config.MCPServerConfig)
	for name, sc := range p.cfg.MCPServers {
		merged[name] = sc
	}
	for name, sc := range opts.ExtraServers {
		merged[name] = sc
	}

	var out []StartConfig
	for name, sc := range merged {
		if sc == nil || !overrides.ServerEnabled(name, sc.IsEnabled()) {
			continue
		}
		transport := sc.Transport
		if transport == "streamable-http" {
			transport = "http"
		}
		if !p.cfg.TransportAllowed(transport) {
			return nil, &chat.CodedError{
				Kind: chat.ErrPolicyDenied,
				Err:  fmt.Errorf("mcp server %q: transport %q is not allowed", name, transport),
			}
		}
		allow := sc.AllowTools
		if overrides != nil {
			if localAllow, ok := overrides.ToolAllowlist[name]; ok {
				allow = localAllow
			}
		}
		out = append(out, StartConfig{
			Name:           name,
			Transport:      transport,
			Command:        sc.Command,
			Args:           sc.Args,
			Env:            sc.Env,
			URL:            sc.URL,
			Headers:        sc.Headers,
			HasOAuthTokens: sc.HasOAuthTokens,
			TimeoutSec:     sc.TimeoutSec,
			AllowTools:     allow,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func closeAll(e *minionEntry) {
	for name, inst := range e.instances {
		if err := inst.Close(); err != nil {
			slog.Debug("mcp.server.close_error", "server", name, "error", err)
		}
	}
	e.instances = make(map[string]*Instance)
	e.signature = ""
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}
