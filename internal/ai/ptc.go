package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/latticehq/lattice/internal/tools"
)

// Sandbox runs user code with access to bridged tools. The concrete runtime
// is heavy; it is injected and constructed lazily.
type Sandbox interface {
	Run(ctx context.Context, code string, bridge map[string]tools.Tool) (tools.Result, error)
}

// SandboxFactory builds the sandbox on first use.
type SandboxFactory func() (Sandbox, error)

// ptcFactory caches the code_execution tool construction. Thread-safe and
// idempotent: concurrent first calls build exactly once.
type ptcFactory struct {
	once    sync.Once
	sandbox Sandbox
	err     error
	factory SandboxFactory
}

// SetSandboxFactory installs the lazy sandbox constructor. Must be called
// before the first PTC-enabled stream.
func (s *Service) SetSandboxFactory(f SandboxFactory) {
	s.ptc.factory = f
}

func (p *ptcFactory) get() (Sandbox, error) {
	p.once.Do(func() {
		if p.factory == nil {
			p.err = fmt.Errorf("programmatic tool calling enabled but no sandbox is configured")
			return
		}
		p.sandbox, p.err = p.factory()
	})
	return p.sandbox, p.err
}

// applyPTC implements the programmatic-tool-calling experiment. In
// supplement mode the code_execution tool joins the set; in exclusive mode
// it replaces every bridgeable tool. Sentinel tools are never bridgeable:
// they resolve outside the process.
func (s *Service) applyPTC(toolset []tools.Tool, sentinel map[string]bool) []tools.Tool {
	mode := s.cfg.Experiments.PTCMode
	if mode != "supplement" && mode != "exclusive" {
		return toolset
	}

	bridge := make(map[string]tools.Tool)
	var kept []tools.Tool
	for _, t := range toolset {
		if sentinel[t.Name] {
			kept = append(kept, t)
			continue
		}
		bridge[t.Name] = t
		if mode == "supplement" {
			kept = append(kept, t)
		}
	}
	kept = append(kept, s.codeExecutionTool(bridge))
	return kept
}

func (s *Service) codeExecutionTool(bridge map[string]tools.Tool) tools.Tool {
	return tools.Tool{
		Name:        "code_execution",
		Description: "Run a program that may call the available tools through the bridge.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{"type": "string"},
			},
			"required": []string{"code"},
		},
		Execute: func(ctx context.Context, input json.RawMessage) (tools.Result, error) {
			sandbox, err := s.ptc.get()
			if err != nil {
				return tools.Result{Content: err.Error(), IsError: true}, nil
			}
			var args struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return tools.Result{}, fmt.Errorf("parse code_execution input: %w", err)
			}
			return sandbox.Run(ctx, args.Code, bridge)
		},
	}
}
