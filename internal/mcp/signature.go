package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
)

// configSignature identifies the start-relevant shape of a minion's enabled
// servers. Stdio servers hash transport+command(+args), remote servers hash
// transport+url+resolved headers+oauth flag. Tool allowlists are excluded:
// narrowing exposure must not restart clients.
func configSignature(cfgs []StartConfig) string {
	parts := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		var b strings.Builder
		b.WriteString(cfg.Name)
		b.WriteString("|")
		b.WriteString(cfg.Transport)
		b.WriteString("|")
		if cfg.Transport == "stdio" {
			b.WriteString(cfg.Command)
			b.WriteString("|")
			b.WriteString(strings.Join(cfg.Args, "\x00"))
		} else {
			b.WriteString(cfg.URL)
			b.WriteString("|")
			keys := make([]string, 0, len(cfg.Headers))
			for k := range cfg.Headers {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString(k)
				b.WriteString("=")
				b.WriteString(cfg.Headers[k])
				b.WriteString(";")
			}
			fmt.Fprintf(&b, "|oauth=%v", cfg.HasOAuthTokens)
		}
		parts = append(parts, b.String())
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:16])
}

// normalizeToolName builds the provider-safe exposed name {server}_{tool}.
func normalizeToolName(server, tool string) string {
	return sanitizeNamePart(server) + "_" + sanitizeNamePart(tool)
}

func sanitizeNamePart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// uniqueToolName resolves a collision deterministically: the later-added
// entry gets a short hash suffix derived from server/tool.
func uniqueToolName(taken map[string]bool, server, tool string) string {
	name := normalizeToolName(server, tool)
	if !taken[name] {
		return name
	}
	h := fnv.New32a()
	h.Write([]byte(server + "/" + tool))
	suffixed := fmt.Sprintf("%s_%08x", name, h.Sum32())
	slog.Warn("mcp.tool.name_suffixed",
		"server", server,
		"tool", tool,
		"exposed", suffixed,
	)
	return suffixed
}
