// Package mcp owns the live MCP client instances for all minions. Sessions
// and streams never hold clients directly: they take leases on a minion's
// pool entry and receive wrapped tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/latticehq/lattice/internal/tools"
)

// StartConfig is everything needed to start one MCP server for a minion.
// AllowTools narrows the exposed tools but is not part of the pool's config
// signature.
type StartConfig struct {
	Name           string
	Transport      string // "stdio", "http", "sse"
	Command        string
	Args           []string
	Env            map[string]string
	URL            string
	Headers        map[string]string
	HasOAuthTokens bool
	TimeoutSec     int
	AllowTools     []string
}

// Conn is the minimal client surface the pool needs. The production
// implementation wraps mark3labs/mcp-go; tests substitute fakes.
type Conn interface {
	ListTools(ctx context.Context) ([]mcpgo.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error)
	Close() error
}

// ConnectFunc dials one server. Swappable for tests.
type ConnectFunc func(ctx context.Context, cfg StartConfig) (Conn, error)

// Instance is one live server inside a minion's cache entry.
type Instance struct {
	Name      string
	Transport string

	conn   Conn
	closed atomic.Bool
	// serverTools are the discovered tools with normalized names; execute is
	// wrapped by the pool before they are handed out.
	serverTools []mcpgo.Tool
	// normalized maps exposed tool name back to the server's original name.
	normalized map[string]string
}

// IsClosed reports whether the instance's transport is dead or was closed.
func (i *Instance) IsClosed() bool { return i.closed.Load() }

// MarkClosed flags the instance dead without tearing down the transport;
// the pool replaces it on the next getToolsForMinion.
func (i *Instance) MarkClosed() { i.closed.Store(true) }

// Close shuts the transport down. Idempotent.
func (i *Instance) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	return i.conn.Close()
}

type mcpGoConn struct {
	client *mcpclient.Client
}

func (c *mcpGoConn) ListTools(ctx context.Context) ([]mcpgo.Tool, error) {
	res, err := c.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (c *mcpGoConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcpgo.CallToolResult, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return c.client.CallTool(ctx, req)
}

func (c *mcpGoConn) Close() error { return c.client.Close() }

// dialServer creates, starts, and initializes a real MCP client.
func dialServer(ctx context.Context, cfg StartConfig) (Conn, error) {
	client, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http need explicit Start; stdio auto-starts.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "lattice",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return &mcpGoConn{client: client}, nil
}

func createClient(cfg StartConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

// wrapTool builds the registry-shaped tool for one server tool. onActivity
// runs before delegating so failed calls still count as activity.
func wrapTool(inst *Instance, exposedName, originalName string, schema map[string]any, description string, timeoutSec int, onActivity func()) tools.Tool {
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return tools.Tool{
		Name:        exposedName,
		Description: description,
		Schema:      schema,
		Execute: func(ctx context.Context, input json.RawMessage) (tools.Result, error) {
			onActivity()
			if inst.IsClosed() {
				return tools.Result{}, fmt.Errorf("mcp server %q is closed", inst.Name)
			}

			var args map[string]any
			if len(input) > 0 {
				if err := json.Unmarshal(input, &args); err != nil {
					return tools.Result{}, fmt.Errorf("parse tool input: %w", err)
				}
			}

			cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
			defer cancel()
			res, err := inst.conn.CallTool(cctx, originalName, args)
			if err != nil {
				return tools.Result{}, fmt.Errorf("call %s: %w", exposedName, err)
			}
			return toolResultFromMCP(res), nil
		},
	}
}

// toolResultFromMCP flattens an MCP result into the provider tool shape.
func toolResultFromMCP(res *mcpgo.CallToolResult) tools.Result {
	out := tools.Result{IsError: res.IsError}
	for _, content := range res.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			if out.Content != "" {
				out.Content += "\n"
			}
			out.Content += tc.Text
		}
	}
	if raw, err := json.Marshal(res); err == nil {
		out.Raw = raw
	}
	return out
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}

func schemaToMap(tool mcpgo.Tool) map[string]any {
	data, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
