// Package ai composes the per-request pipeline: agent resolution, payload
// preparation, MCP leasing, delegated-tool wrapping, and the stream itself.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/artifacts"
	"github.com/latticehq/lattice/internal/bus"
	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/delegated"
	"github.com/latticehq/lattice/internal/history"
	"github.com/latticehq/lattice/internal/mcp"
	"github.com/latticehq/lattice/internal/minion"
	"github.com/latticehq/lattice/internal/pipeline"
	"github.com/latticehq/lattice/internal/providers"
	"github.com/latticehq/lattice/internal/stream"
	"github.com/latticehq/lattice/internal/tools"
	"github.com/latticehq/lattice/internal/usage"
)

// Runtime readies the execution environment behind a minion (local shell,
// container, remote host). EnsureReady may start a stopped remote.
type Runtime interface {
	EnsureReady(ctx context.Context, m *minion.Minion) error
}

// localRuntime is always ready.
type localRuntime struct{}

func (localRuntime) EnsureReady(ctx context.Context, m *minion.Minion) error { return nil }

// SimulationHooks short-circuit real streaming for tests and dry runs.
type SimulationHooks struct {
	// ForceContextLimitError fails the next stream with context_exceeded.
	ForceContextLimitError bool
	// SimulateToolPolicyNoop pretends a policy-denied tool ran and returned
	// nothing.
	SimulateToolPolicyNoop bool
}

// StreamOptions is one send through the facade.
type StreamOptions struct {
	Minion           *minion.Minion
	RequestedAgentID string
	Provider         providers.Provider
	Model            string
	Thinking         providers.ThinkingLevel
	SystemPrompt     string
	// AdditionalSystemInstructions rides alongside the system prompt
	// (hard-restart notices).
	AdditionalSystemInstructions string
	PlanTransitionText           string
	FileChangeNotices            []string
	// PostCompaction is the pending diff bundle; nil means none.
	PostCompaction *artifacts.PostCompaction
	// CallerPolicy narrows tools for sidekick spawns.
	CallerPolicy tools.Policy
	SystemMinion bool
}

// LLMRequestSnapshot is the per-minion debug capture of the last request
// and its outcome. Never consulted by control flow.
type LLMRequestSnapshot struct {
	Request    providers.Request
	Result     stream.Result
	CapturedAt time.Time
}

type pendingStart struct {
	cancel             context.CancelFunc
	syntheticMessageID string
}

// Service is the chat facade the session layer drives.
type Service struct {
	cfg       *config.Config
	hist      *history.Store
	pool      *mcp.Pool
	resolver  *agent.Resolver
	streams   *stream.Manager
	ledger    *usage.Ledger
	base      *tools.Registry
	delegated *delegated.Registry
	runtime   Runtime
	pub       bus.Publisher

	mu            sync.Mutex
	pendingStarts map[string]*pendingStart
	lastRequests  map[string]*LLMRequestSnapshot

	hooksMu sync.Mutex
	hooks   SimulationHooks

	ptc ptcFactory
}

// Options wires the service.
type Options struct {
	Config    *config.Config
	History   *history.Store
	Pool      *mcp.Pool
	Resolver  *agent.Resolver
	Streams   *stream.Manager
	Ledger    *usage.Ledger
	BaseTools *tools.Registry
	Delegated *delegated.Registry
	Runtime   Runtime
	Publisher bus.Publisher
}

// NewService builds the facade. A nil Runtime means everything is local and
// always ready; a nil Delegated registry uses the process-wide one.
func NewService(opts Options) *Service {
	rt := opts.Runtime
	if rt == nil {
		rt = localRuntime{}
	}
	reg := opts.Delegated
	if reg == nil {
		reg = delegated.Default()
	}
	base := opts.BaseTools
	if base == nil {
		base = tools.NewRegistry()
	}
	return &Service{
		cfg:           opts.Config,
		hist:          opts.History,
		pool:          opts.Pool,
		resolver:      opts.Resolver,
		streams:       opts.Streams,
		ledger:        opts.Ledger,
		base:          base,
		delegated:     reg,
		runtime:       rt,
		pub:           opts.Publisher,
		pendingStarts: make(map[string]*pendingStart),
		lastRequests:  make(map[string]*LLMRequestSnapshot),
	}
}

// SetSimulationHooks replaces the active hooks.
func (s *Service) SetSimulationHooks(h SimulationHooks) {
	s.hooksMu.Lock()
	s.hooks = h
	s.hooksMu.Unlock()
}

// StreamMessage runs one full send for a minion and returns the running
// stream. Any pre-provider step can be interrupted through StopStream via
// the pending-start registration.
func (s *Service) StreamMessage(ctx context.Context, opts StreamOptions) (*stream.Running, error) {
	minionID := opts.Minion.ID

	// A leftover partial from a previous crash or abort is committed before
	// anything else. Idempotent: no partial, no work.
	if err := s.hist.CommitPartial(minionID); err != nil {
		slog.Warn("ai.commit_leftover_partial_failed", "minion", minionID, "error", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	pending := &pendingStart{cancel: cancel, syntheticMessageID: uuid.NewString()}
	s.mu.Lock()
	s.pendingStarts[minionID] = pending
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pendingStarts[minionID] == pending {
			delete(s.pendingStarts, minionID)
		}
		s.mu.Unlock()
	}()

	if err := s.ensureRuntime(sctx, opts.Minion, pending); err != nil {
		return nil, err
	}
	if sctx.Err() != nil {
		return nil, s.startupAbort(minionID, pending)
	}

	res, err := s.resolver.Resolve(agent.ResolveOptions{
		RequestedAgentID: opts.RequestedAgentID,
		Minion:           opts.Minion,
		CallerPolicy:     opts.CallerPolicy,
		SystemMinion:     opts.SystemMinion,
	})
	if err != nil {
		return nil, err
	}

	toolset, release, err := s.collectTools(sctx, opts, res)
	if err != nil {
		return nil, err
	}

	historyMsgs, err := s.hist.FullHistory(minionID)
	if err != nil {
		release()
		return nil, err
	}
	prepared := pipeline.Prepare(historyMsgs, pipeline.Options{
		MinionID:           minionID,
		Provider:           opts.Provider.Kind(),
		Thinking:           opts.Thinking,
		Mode:               res.Mode,
		PlanTransitionText: opts.PlanTransitionText,
		FileChangeNotices:  opts.FileChangeNotices,
		PostCompaction:     opts.PostCompaction,
		SentinelTools:      res.SentinelTools,
		IsResponseIDLost:   s.streams.IsResponseIDLost(minionID),
	})

	req := providers.Request{
		MinionID:                     minionID,
		Model:                        opts.Model,
		System:                       opts.SystemPrompt,
		AdditionalSystemInstructions: opts.AdditionalSystemInstructions,
		Messages:                     prepared.Messages,
		Tools:                        toolset,
		PromptCacheKey:               prepared.PromptCacheKey,
		PreviousResponseID:           prepared.PreviousResponseID,
		Thinking:                     opts.Thinking,
	}
	if required := res.Policy.Required(toolNames(toolset)); len(required) > 0 {
		req.RequiredTool = required[0]
	}

	provider := opts.Provider
	if hooked := s.hookedProvider(); hooked != nil {
		provider = hooked
	}

	if sctx.Err() != nil {
		release()
		return nil, s.startupAbort(minionID, pending)
	}
	running, err := s.streams.StartStream(sctx, stream.StartOptions{
		MinionID: minionID,
		AgentID:  res.Agent.ID,
		Provider: provider,
		Request:  req,
	})
	if err != nil {
		release()
		return nil, err
	}

	// The pending-start window closes once the stream manager owns the
	// abort path.
	s.mu.Lock()
	delete(s.pendingStarts, minionID)
	s.mu.Unlock()

	go s.afterStream(running, minionID, opts.Model, req, release)
	return running, nil
}

// afterStream releases the MCP lease and records usage and the debug
// snapshot once the stream terminates.
func (s *Service) afterStream(running *stream.Running, minionID, model string, req providers.Request, release func()) {
	defer release()
	result, err := running.Wait(context.Background())
	if err != nil {
		return
	}
	if result.Usage != (chat.Usage{}) {
		if err := s.ledger.Record(minionID, model, result.Usage); err != nil {
			slog.Warn("ai.usage_record_failed", "minion", minionID, "error", err)
		}
	}
	s.mu.Lock()
	s.lastRequests[minionID] = &LLMRequestSnapshot{Request: req, Result: result, CapturedAt: time.Now()}
	s.mu.Unlock()
}

// StopStream interrupts a minion's send wherever it is: pre-provider steps
// get a synthetic stream-abort, live streams go through the manager.
func (s *Service) StopStream(minionID string, opts stream.StopOptions) {
	s.mu.Lock()
	pending, ok := s.pendingStarts[minionID]
	if ok {
		delete(s.pendingStarts, minionID)
	}
	s.mu.Unlock()
	if ok {
		pending.cancel()
		reason := opts.AbortReason
		if reason == "" {
			reason = "startup"
		}
		s.streams.EmitAbortSynthetic(minionID, pending.syntheticMessageID, reason)
		return
	}
	s.streams.StopStream(minionID, opts)
}

// LastLLMRequest returns the debug snapshot for a minion, if any.
func (s *Service) LastLLMRequest(minionID string) (*LLMRequestSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.lastRequests[minionID]
	return snap, ok
}

func (s *Service) startupAbort(minionID string, pending *pendingStart) error {
	s.streams.EmitAbortSynthetic(minionID, pending.syntheticMessageID, "startup")
	return &chat.CodedError{Kind: chat.ErrAbort, Err: errors.New("stream aborted before start")}
}

// ensureRuntime readies the minion's runtime and narrates status on the bus.
func (s *Service) ensureRuntime(ctx context.Context, m *minion.Minion, pending *pendingStart) error {
	s.publishRuntimeStatus(m.ID, "checking")
	if err := s.runtime.EnsureReady(ctx, m); err != nil {
		if ctx.Err() != nil {
			// Stopped during startup: the synthetic abort is emitted by
			// StopStream, not an error event.
			return &chat.CodedError{Kind: chat.ErrAbort, Err: err}
		}
		kind := chat.KindOf(err)
		if kind == chat.ErrUnknown {
			kind = chat.ErrRuntimeStartFailed
		}
		s.publishRuntimeStatus(m.ID, "failed")
		s.pub.Publish(bus.Event{
			Kind:      bus.EventError,
			MinionID:  m.ID,
			MessageID: pending.syntheticMessageID,
			Timestamp: time.Now().UnixMilli(),
			Payload:   map[string]any{"message": err.Error(), "errorType": string(kind)},
		})
		return &chat.CodedError{Kind: kind, Err: err}
	}
	s.publishRuntimeStatus(m.ID, "ready")
	return nil
}

func (s *Service) publishRuntimeStatus(minionID, status string) {
	s.pub.Publish(bus.Event{
		Kind:      bus.EventRuntimeStatus,
		MinionID:  minionID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   map[string]any{"status": status},
	})
}

// collectTools merges base tools with the minion's MCP tools under a lease,
// applies the policy filter, wraps sentinel tools through the delegated
// registry, and applies the PTC experiment. The returned release function
// drops the lease.
func (s *Service) collectTools(ctx context.Context, opts StreamOptions, res *agent.Resolution) ([]tools.Tool, func(), error) {
	minionID := opts.Minion.ID
	s.pool.AcquireLease(minionID)
	release := func() { s.pool.ReleaseLease(minionID) }

	mcpTools, err := s.pool.GetToolsForMinion(ctx, mcp.GetToolsOptions{
		MinionID:    minionID,
		ProjectPath: opts.Minion.ProjectPath,
	})
	if err != nil {
		release()
		return nil, nil, err
	}

	var all []tools.Tool
	for _, t := range s.base.All() {
		all = append(all, t)
	}
	all = append(all, mcpTools...)

	var filtered []tools.Tool
	for _, t := range all {
		if res.Policy.Allowed(t.Name) {
			filtered = append(filtered, t)
		}
	}

	sentinel := map[string]bool{}
	for _, name := range res.SentinelTools {
		sentinel[name] = true
	}
	for i, t := range filtered {
		if sentinel[t.Name] {
			filtered[i] = s.wrapDelegated(minionID, t)
		}
	}

	filtered = s.applyPTC(filtered, sentinel)
	return filtered, release, nil
}

// wrapDelegated replaces execute with a registry wait: an external actor
// answers the call, and an aborted execution cancels it with "Interrupted".
func (s *Service) wrapDelegated(minionID string, t tools.Tool) tools.Tool {
	wrapped := t
	wrapped.Execute = func(ctx context.Context, input json.RawMessage) (tools.Result, error) {
		callID := uuid.NewString()
		pending, err := s.delegated.RegisterPending(minionID, callID, t.Name)
		if err != nil {
			return tools.Result{}, err
		}
		result, err := pending.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.delegated.Cancel(minionID, callID, "Interrupted")
				return tools.Result{}, fmt.Errorf("%s: %w", t.Name, ctx.Err())
			}
			return tools.Result{Content: err.Error(), IsError: true}, nil
		}
		return tools.Result{Content: string(result), Raw: result}, nil
	}
	return wrapped
}

// hookedProvider returns a scripted provider when a simulation hook is set.
func (s *Service) hookedProvider() providers.Provider {
	s.hooksMu.Lock()
	h := s.hooks
	s.hooksMu.Unlock()
	switch {
	case h.ForceContextLimitError:
		return providers.NewSimulator(providers.ContextExceededScript())
	case h.SimulateToolPolicyNoop:
		return providers.NewSimulator(providers.TextScript(""))
	default:
		return nil
	}
}

func toolNames(ts []tools.Tool) []string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.Name
	}
	return names
}
