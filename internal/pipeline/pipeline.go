// Package pipeline prepares boundary-sliced, provider-shaped message
// payloads. Everything here is pure: no I/O, no clocks, same input same
// output.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/artifacts"
	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/providers"
)

// promptCacheKeyPrefix versions the provider-side prompt cache namespace.
const promptCacheKeyPrefix = "lattice-v1-"

// continueSentinel nudges the model to resume an interrupted answer.
const continueSentinel = "[CONTINUE]"

// Options selects the shaping for one request.
type Options struct {
	MinionID string
	Provider providers.Kind
	Thinking providers.ThinkingLevel
	Mode     agent.Mode
	// PlanTransitionText is injected as a synthetic user message when the
	// conversation just moved from plan to exec.
	PlanTransitionText string
	// FileChangeNotices describe files edited outside the conversation.
	FileChangeNotices []string
	// PostCompaction attaches the pending diff bundle, if any.
	PostCompaction *artifacts.PostCompaction
	SentinelTools  []string
	// IsResponseIDLost filters provider response ids the server reported
	// lost from the previousResponseId lookup.
	IsResponseIDLost func(string) bool
}

// Prepared is the finished payload. Messages is exactly what the provider
// request and the plan-instructions builder must both receive.
type Prepared struct {
	Messages           []chat.Message
	PromptCacheKey     string
	PreviousResponseID string
	SentinelTools      []string
}

// Prepare runs the full pipeline over raw history. Slicing happens before
// the previousResponseId lookup; both see the same payload.
func Prepare(history []chat.Message, opts Options) Prepared {
	msgs := dropEmptyAssistants(history, opts)
	msgs = SliceFromLatestBoundary(msgs)
	msgs = shapeReasoning(msgs, opts)
	msgs = injectContinue(msgs)

	prevResponseID := ""
	if opts.Provider == providers.KindOpenAI {
		prevResponseID = latestResponseID(msgs, opts.IsResponseIDLost)
	}

	msgs = injectPlanTransition(msgs, opts)
	msgs = injectAttachments(msgs, opts)
	msgs = shapeForProvider(msgs, opts)

	return Prepared{
		Messages:           msgs,
		PromptCacheKey:     promptCacheKeyPrefix + opts.MinionID,
		PreviousResponseID: prevResponseID,
		SentinelTools:      append([]string(nil), opts.SentinelTools...),
	}
}

// dropEmptyAssistants removes assistant messages with no content. A message
// carrying only reasoning counts as empty and survives exactly when the
// provider is Anthropic and thinking is on.
func dropEmptyAssistants(msgs []chat.Message, opts Options) []chat.Message {
	keepReasoningOnly := opts.Provider == providers.KindAnthropic && opts.Thinking != providers.ThinkingOff
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == chat.RoleAssistant {
			if !m.HasContent() {
				continue
			}
			if m.ReasoningOnly() && !keepReasoningOnly {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// SliceFromLatestBoundary returns the suffix starting at the latest durable
// compaction boundary. Malformed boundaries (epoch 0) never truncate.
func SliceFromLatestBoundary(msgs []chat.Message) []chat.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsDurableBoundary() {
			return msgs[i:]
		}
	}
	return msgs
}

// shapeReasoning strips reasoning parts except where the provider consumes
// them: OpenAI reconstructs via previousResponseId, Anthropic replays them
// when thinking is on.
func shapeReasoning(msgs []chat.Message, opts Options) []chat.Message {
	if opts.Provider == providers.KindOpenAI {
		return msgs
	}
	if opts.Provider == providers.KindAnthropic && opts.Thinking != providers.ThinkingOff {
		return msgs
	}
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		parts := make([]chat.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Type == chat.PartReasoning {
				continue
			}
			parts = append(parts, p)
		}
		m.Parts = parts
		out[i] = m
	}
	return out
}

// injectContinue appends the continue sentinel after a trailing partial
// assistant message so the model resumes instead of restarting.
func injectContinue(msgs []chat.Message) []chat.Message {
	if len(msgs) == 0 {
		return msgs
	}
	last := msgs[len(msgs)-1]
	if last.Role != chat.RoleAssistant || !last.Metadata.Partial {
		return msgs
	}
	sentinel := chat.NewMessage(chat.RoleUser, chat.TextPart(continueSentinel))
	sentinel.Metadata.Synthetic = true
	return append(msgs, sentinel)
}

// latestResponseID finds the newest assistant response id in the sliced
// payload, skipping ids the server reported lost.
func latestResponseID(msgs []chat.Message, isLost func(string) bool) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != chat.RoleAssistant || m.Metadata.ProviderMetadata == nil {
			continue
		}
		raw, ok := m.Metadata.ProviderMetadata["responseId"]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err != nil || id == "" {
			continue
		}
		if isLost != nil && isLost(id) {
			continue
		}
		return id
	}
	return ""
}

// injectPlanTransition adds the plan→exec handoff content. It precedes the
// post-compaction attachments so the model reads the plan outcome before
// the diff bundle.
func injectPlanTransition(msgs []chat.Message, opts Options) []chat.Message {
	if opts.PlanTransitionText == "" {
		return msgs
	}
	m := chat.NewMessage(chat.RoleUser, chat.TextPart(opts.PlanTransitionText))
	m.Metadata.Synthetic = true
	return append(msgs, m)
}

// injectAttachments appends file-change notices and the post-compaction
// diff bundle as synthetic user content.
func injectAttachments(msgs []chat.Message, opts Options) []chat.Message {
	if len(opts.FileChangeNotices) > 0 {
		m := chat.NewMessage(chat.RoleUser, chat.TextPart("Files changed outside this conversation:\n"+strings.Join(opts.FileChangeNotices, "\n")))
		m.Metadata.Synthetic = true
		msgs = append(msgs, m)
	}
	if pc := opts.PostCompaction; pc != nil && len(pc.Diffs) > 0 {
		var b strings.Builder
		b.WriteString("Changes since the compaction summary:\n")
		for _, d := range pc.Diffs {
			fmt.Fprintf(&b, "\n--- %s ---\n%s", d.Path, d.Diff)
			if d.Truncated {
				b.WriteString("\n[diff truncated]")
			}
		}
		m := chat.NewMessage(chat.RoleUser, chat.TextPart(b.String()))
		m.Metadata.Synthetic = true
		msgs = append(msgs, m)
	}
	return msgs
}

// shapeForProvider applies provider-specific hints. Anthropic gets a cache
// TTL marker on the last message so the prompt prefix stays warm.
func shapeForProvider(msgs []chat.Message, opts Options) []chat.Message {
	if opts.Provider != providers.KindAnthropic || len(msgs) == 0 {
		return msgs
	}
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	last := out[len(out)-1]
	meta := make(map[string]json.RawMessage, len(last.Metadata.ProviderMetadata)+1)
	for k, v := range last.Metadata.ProviderMetadata {
		meta[k] = v
	}
	meta["cacheControl"] = json.RawMessage(`{"type":"ephemeral","ttl":"5m"}`)
	last.Metadata.ProviderMetadata = meta
	out[len(out)-1] = last
	return out
}
