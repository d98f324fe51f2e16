package agent

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/minion"
	"github.com/latticehq/lattice/internal/tools"
)

// Mode is the effective conversation mode for a resolved agent.
type Mode string

const (
	ModePlan    Mode = "plan"
	ModeExec    Mode = "exec"
	ModeCompact Mode = "compact"
)

// maxParentHops guards the parentMinionId walk against cycles.
const maxParentHops = 32

// maxChainHops guards the definition inheritance walk.
const maxChainHops = 16

// systemChatAgentID is forced onto the system-chat minion regardless of the
// requested id.
const systemChatAgentID = AgentAuto

var agentIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// MinionLookup fetches minion metadata by id for the parent-chain walk.
type MinionLookup func(minionID string) (*minion.Minion, bool)

// ResolveOptions carries one resolution request.
type ResolveOptions struct {
	RequestedAgentID string
	Minion           *minion.Minion
	// CallerPolicy narrows the agent's policy (sidekick spawns).
	CallerPolicy tools.Policy
	// SystemMinion forces the fixed system-chat agent.
	SystemMinion bool
}

// Resolution is the effective agent state for one send.
type Resolution struct {
	Agent         *Definition
	Chain         []*Definition // resolved inheritance chain, leaf first
	Mode          Mode
	Policy        tools.Policy
	SentinelTools []string
	TaskDepth     int
	// DisableTaskTools is set when the minion sits at or past the nesting
	// limit: it must not spawn further sidekicks.
	DisableTaskTools bool
}

// Resolver turns requested agent ids into resolutions. Definition loads are
// deduplicated through singleflight and cached until Invalidate.
type Resolver struct {
	cfg    *config.Config
	lookup MinionLookup

	group    singleflight.Group
	builtins map[string]*Definition
}

// NewResolver creates a resolver over the given config and minion lookup.
func NewResolver(cfg *config.Config, lookup MinionLookup) *Resolver {
	return &Resolver{
		cfg:      cfg,
		lookup:   lookup,
		builtins: builtinDefinitions(),
	}
}

// Resolve produces the effective agent, mode, and composed policy.
func (r *Resolver) Resolve(opts ResolveOptions) (*Resolution, error) {
	id := r.effectiveID(opts)

	def, err := r.load(opts.Minion, id)
	if err != nil {
		return nil, err
	}
	if def == nil {
		slog.Warn("agent.unknown_id", "agent", id)
		def = r.builtins[AgentExec]
		id = AgentExec
	}

	if r.effectivelyDisabled(def) {
		if opts.Minion != nil && opts.Minion.IsSidekick() {
			return nil, fmt.Errorf("Agent '%s' is disabled", id)
		}
		slog.Info("agent.disabled_fallback", "agent", id, "fallback", AgentExec)
		def = r.builtins[AgentExec]
		id = AgentExec
	}

	chain, err := r.resolveChain(opts.Minion, def)
	if err != nil {
		return nil, err
	}

	depth, err := r.taskDepth(opts.Minion)
	if err != nil {
		return nil, err
	}

	policy, err := r.composePolicy(chain, opts, id, depth)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		Agent:            def,
		Chain:            chain,
		Mode:             modeFor(id, chain),
		Policy:           policy,
		SentinelTools:    sentinelTools(chain),
		TaskDepth:        depth,
		DisableTaskTools: depth >= r.maxTaskDepth(),
	}
	return res, nil
}

// effectiveID applies the id precedence: system minion > persisted child
// agent > normalized request.
func (r *Resolver) effectiveID(opts ResolveOptions) string {
	if opts.SystemMinion {
		return systemChatAgentID
	}
	if opts.Minion != nil && opts.Minion.IsSidekick() && opts.Minion.AgentID != "" {
		return NormalizeID(opts.Minion.AgentID)
	}
	return NormalizeID(opts.RequestedAgentID)
}

// NormalizeID trims, lowercases, and schema-validates an agent id. Anything
// invalid resolves to exec.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if !agentIDRe.MatchString(id) {
		return AgentExec
	}
	return id
}

func (r *Resolver) effectivelyDisabled(def *Definition) bool {
	return def.IsDisabled() || r.cfg.AgentDisabled(def.ID)
}

// load fetches a definition: custom files shadow nothing, builtins win.
// Concurrent loads of the same id share one file read.
func (r *Resolver) load(m *minion.Minion, id string) (*Definition, error) {
	if def, ok := r.builtins[id]; ok {
		return def, nil
	}
	dirs := r.agentDirs(m)
	key := strings.Join(dirs, ":") + "|" + id
	v, err, _ := r.group.Do(key, func() (any, error) {
		return loadDefinitionFile(dirs, id)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	def, _ := v.(*Definition)
	if def == nil {
		return nil, nil
	}
	return def, nil
}

func (r *Resolver) agentDirs(m *minion.Minion) []string {
	var dirs []string
	if m != nil && m.ProjectPath != "" {
		dirs = append(dirs, m.ProjectPath+"/.lattice/agents")
	}
	dirs = append(dirs, r.cfg.Agents.Dir)
	return dirs
}

// resolveChain walks Inherits links leaf-first with a hop guard.
func (r *Resolver) resolveChain(m *minion.Minion, def *Definition) ([]*Definition, error) {
	chain := []*Definition{def}
	seen := map[string]bool{def.ID: true}
	cur := def
	for hops := 0; cur.Inherits != ""; hops++ {
		if hops >= maxChainHops {
			return nil, fmt.Errorf("agent %s: inheritance chain exceeds %d hops", def.ID, maxChainHops)
		}
		parentID := NormalizeID(cur.Inherits)
		if seen[parentID] {
			return nil, fmt.Errorf("agent %s: inheritance cycle through %s", def.ID, parentID)
		}
		parent, err := r.load(m, parentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("agent %s: unknown parent %s", cur.ID, parentID)
		}
		chain = append(chain, parent)
		seen[parentID] = true
		cur = parent
	}
	return chain, nil
}

// taskDepth counts parent hops from the minion to the tree root.
func (r *Resolver) taskDepth(m *minion.Minion) (int, error) {
	if m == nil || r.lookup == nil {
		return 0, nil
	}
	depth := 0
	cur := m
	for cur.ParentMinionID != "" {
		depth++
		if depth > maxParentHops {
			return 0, fmt.Errorf("minion %s: parent chain exceeds %d hops", m.ID, maxParentHops)
		}
		parent, ok := r.lookup(cur.ParentMinionID)
		if !ok {
			break
		}
		cur = parent
	}
	return depth, nil
}

func (r *Resolver) maxTaskDepth() int {
	if r.cfg.MaxTaskNestingDepth > 0 {
		return r.cfg.MaxTaskNestingDepth
	}
	return 3
}

// composePolicy layers agent rules (ancestors first so the leaf overrides),
// the caller's narrowing policy, and system adjustments.
func (r *Resolver) composePolicy(chain []*Definition, opts ResolveOptions, id string, depth int) (tools.Policy, error) {
	var agentPolicy tools.Policy
	for i := len(chain) - 1; i >= 0; i-- {
		p, err := chain[i].Policy()
		if err != nil {
			return nil, err
		}
		agentPolicy = append(agentPolicy, p...)
	}

	var system tools.Policy
	if depth >= r.maxTaskDepth() {
		system = append(system, tools.MustRule("task_.*", tools.ActionDisable))
	}
	if id == AgentAuto {
		action := tools.ActionEnable
		if opts.Minion == nil || !opts.Minion.IsSidekick() {
			action = tools.ActionRequire
		}
		system = append(system, tools.MustRule("switch_agent", action))
	}
	if opts.SystemMinion {
		system = append(system, tools.MustRule("bash", tools.ActionDisable))
	}
	return tools.Compose(agentPolicy, opts.CallerPolicy, system), nil
}

// modeFor derives the conversation mode: compact by id, plan when any chain
// member provides propose_plan, otherwise exec.
func modeFor(id string, chain []*Definition) Mode {
	if id == AgentCompact {
		return ModeCompact
	}
	for _, def := range chain {
		for _, t := range def.ProvidesTools {
			if t == "propose_plan" {
				return ModePlan
			}
		}
	}
	return ModeExec
}

func sentinelTools(chain []*Definition) []string {
	seen := map[string]bool{}
	var out []string
	for _, def := range chain {
		for _, t := range def.SentinelTools {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// PlanLike reports whether the resolution's chain is plan-like.
func (res *Resolution) PlanLike() bool { return res.Mode == ModePlan }
