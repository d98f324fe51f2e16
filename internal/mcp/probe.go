package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/latticehq/lattice/internal/chat"
)

const probeTimeout = 10 * time.Second

// OAuthChallenge is the parsed WWW-Authenticate Bearer challenge from a
// remote server that wants OAuth.
type OAuthChallenge struct {
	Scope               string `json:"scope,omitempty"`
	ResourceMetadataURL string `json:"resourceMetadataUrl,omitempty"`
}

// ProbeReport is the outcome of a short-lived connection test.
type ProbeReport struct {
	Transport string          `json:"transport"`
	Tools     []string        `json:"tools,omitempty"`
	OAuth     *OAuthChallenge `json:"oauth,omitempty"`
}

// Probe connects, lists tools, and disconnects, without touching the pool
// cache. Remote 401/403 responses surface an OAuth challenge; an http server
// answering 400/404/405 is retried over sse.
func (p *Pool) Probe(ctx context.Context, cfg StartConfig) (ProbeReport, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	report, err := p.probeOnce(ctx, cfg)
	if err == nil {
		return report, nil
	}

	if cfg.Transport == "http" && isTransportMismatch(err) {
		slog.Info("mcp.probe.fallback_sse", "server", cfg.Name)
		sseCfg := cfg
		sseCfg.Transport = "sse"
		if sseReport, sseErr := p.probeOnce(ctx, sseCfg); sseErr == nil {
			return sseReport, nil
		}
	}

	if cfg.Transport != "stdio" && isAuthError(err) {
		challenge := challengeFromError(err)
		if challenge == nil {
			challenge = p.fetchChallenge(ctx, cfg)
		}
		return ProbeReport{Transport: cfg.Transport, OAuth: challenge}, &chat.CodedError{
			Kind: chat.ErrOAuthNotConnected,
			Err:  fmt.Errorf("mcp server %q requires oauth: %w", cfg.Name, err),
		}
	}
	return ProbeReport{Transport: cfg.Transport}, err
}

func (p *Pool) probeOnce(ctx context.Context, cfg StartConfig) (ProbeReport, error) {
	conn, err := p.connect(ctx, cfg)
	if err != nil {
		return ProbeReport{}, err
	}
	defer conn.Close()

	discovered, err := conn.ListTools(ctx)
	if err != nil {
		return ProbeReport{}, fmt.Errorf("list tools: %w", err)
	}
	report := ProbeReport{Transport: cfg.Transport}
	for _, t := range discovered {
		report.Tools = append(report.Tools, t.Name)
	}
	return report, nil
}

// fetchChallenge GETs the server URL with an event-stream Accept header to
// read the WWW-Authenticate challenge when the MCP error did not carry it.
func (p *Pool) fetchChallenge(ctx context.Context, cfg StartConfig) *OAuthChallenge {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	return parseBearerChallenge(resp.Header.Get("WWW-Authenticate"))
}

var bearerParamRe = regexp.MustCompile(`([a-zA-Z_]+)\s*=\s*"([^"]*)"`)

// parseBearerChallenge extracts scope and resource_metadata from a
// `Bearer k="v", ...` header value.
func parseBearerChallenge(header string) *OAuthChallenge {
	trimmed := strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(trimmed), "bearer") {
		return nil
	}
	challenge := &OAuthChallenge{}
	for _, m := range bearerParamRe.FindAllStringSubmatch(trimmed, -1) {
		switch strings.ToLower(m[1]) {
		case "scope":
			challenge.Scope = m[2]
		case "resource_metadata":
			challenge.ResourceMetadataURL = m[2]
		}
	}
	if challenge.Scope == "" && challenge.ResourceMetadataURL == "" {
		return nil
	}
	return challenge
}

// challengeFromError looks for a WWW-Authenticate fragment inside the MCP
// client's error text.
func challengeFromError(err error) *OAuthChallenge {
	text := err.Error()
	idx := strings.Index(strings.ToLower(text), "bearer")
	if idx < 0 {
		return nil
	}
	return parseBearerChallenge(text[idx:])
}

func isAuthError(err error) bool {
	text := err.Error()
	return strings.Contains(text, "401") || strings.Contains(text, "403")
}

func isTransportMismatch(err error) bool {
	text := err.Error()
	for _, code := range []string{"400", "404", "405"} {
		if strings.Contains(text, code) {
			return true
		}
	}
	return false
}
