package pipeline

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/latticehq/lattice/internal/artifacts"
	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/providers"
)

func boundary(id string, epoch int) chat.Message {
	m := chat.NewMessage(chat.RoleAssistant, chat.TextPart("summary "+id))
	m.ID = id
	m.Metadata.Compacted = chat.CompactedUser
	m.Metadata.CompactionBoundary = true
	m.Metadata.CompactionEpoch = epoch
	return m
}

func userMsg(id, text string) chat.Message {
	m := chat.NewMessage(chat.RoleUser, chat.TextPart(text))
	m.ID = id
	return m
}

func assistantMsg(id, text, responseID string) chat.Message {
	m := chat.NewMessage(chat.RoleAssistant, chat.TextPart(text))
	m.ID = id
	if responseID != "" {
		m.Metadata.ProviderMetadata = map[string]json.RawMessage{
			"responseId": json.RawMessage(`"` + responseID + `"`),
		}
	}
	return m
}

func TestPrepare_SlicesAtLatestDurableBoundary(t *testing.T) {
	history := []chat.Message{
		userMsg("u1", "first"),
		boundary("b1", 1),
		userMsg("u2", "second"),
		boundary("b2", 2),
		userMsg("u3", "third"),
	}
	got := Prepare(history, Options{MinionID: "m1"})

	if len(got.Messages) != 2 || got.Messages[0].ID != "b2" {
		t.Fatalf("slice = %v", ids(got.Messages))
	}
	if got.PromptCacheKey != "lattice-v1-m1" {
		t.Errorf("promptCacheKey = %s", got.PromptCacheKey)
	}
}

func TestPrepare_MalformedBoundaryIgnored(t *testing.T) {
	malformed := boundary("b0", 0)
	history := []chat.Message{
		assistantMsg("a1", "old answer", "resp-1"),
		malformed,
		userMsg("u1", "go on"),
	}
	got := Prepare(history, Options{MinionID: "m1", Provider: providers.KindOpenAI})

	if len(got.Messages) != 3 {
		t.Fatalf("malformed boundary truncated payload: %v", ids(got.Messages))
	}
	// previousResponseId resolves to the latest pre-boundary assistant.
	if got.PreviousResponseID != "resp-1" {
		t.Errorf("previousResponseId = %q, want resp-1", got.PreviousResponseID)
	}
}

func TestPrepare_PreviousResponseIDAfterSlice(t *testing.T) {
	history := []chat.Message{
		assistantMsg("a1", "pre-boundary", "resp-old"),
		boundary("b1", 1),
		assistantMsg("a2", "post-boundary", "resp-new"),
		userMsg("u1", "next"),
	}
	got := Prepare(history, Options{MinionID: "m1", Provider: providers.KindOpenAI})
	if got.PreviousResponseID != "resp-new" {
		t.Errorf("previousResponseId = %q: lookup must run on the sliced payload", got.PreviousResponseID)
	}
}

func TestPrepare_LostResponseIDFiltered(t *testing.T) {
	history := []chat.Message{
		assistantMsg("a1", "first", "resp-1"),
		assistantMsg("a2", "second", "resp-2"),
		userMsg("u1", "next"),
	}
	got := Prepare(history, Options{
		MinionID:         "m1",
		Provider:         providers.KindOpenAI,
		IsResponseIDLost: func(id string) bool { return id == "resp-2" },
	})
	if got.PreviousResponseID != "resp-1" {
		t.Errorf("previousResponseId = %q, lost id must be skipped", got.PreviousResponseID)
	}
}

func TestPrepare_DropsEmptyAssistants(t *testing.T) {
	empty := chat.NewMessage(chat.RoleAssistant)
	empty.ID = "empty"
	reasoningOnly := chat.NewMessage(chat.RoleAssistant, chat.Part{Type: chat.PartReasoning, Text: "thinking"})
	reasoningOnly.ID = "reasoning"
	history := []chat.Message{userMsg("u1", "hi"), empty, reasoningOnly}

	got := Prepare(history, Options{MinionID: "m1", Provider: providers.KindOpenAI})
	if len(got.Messages) != 1 {
		t.Errorf("openai payload = %v (reasoning-only and empty both dropped)", ids(got.Messages))
	}

	got = Prepare(history, Options{MinionID: "m1", Provider: providers.KindAnthropic, Thinking: providers.ThinkingMedium})
	if len(got.Messages) != 2 {
		t.Errorf("anthropic+thinking payload = %v (reasoning-only preserved)", ids(got.Messages))
	}

	got = Prepare(history, Options{MinionID: "m1", Provider: providers.KindAnthropic, Thinking: providers.ThinkingOff})
	if len(got.Messages) != 1 {
		t.Errorf("anthropic thinking=off payload = %v (reasoning-only dropped)", ids(got.Messages))
	}
}

func TestPrepare_ContinueSentinelAfterPartial(t *testing.T) {
	partial := chat.NewMessage(chat.RoleAssistant, chat.TextPart("half an ans"))
	partial.ID = "p1"
	partial.Metadata.Partial = true
	history := []chat.Message{userMsg("u1", "go"), partial}

	got := Prepare(history, Options{MinionID: "m1"})
	last := got.Messages[len(got.Messages)-1]
	if last.Role != chat.RoleUser || last.Text() != "[CONTINUE]" || !last.Metadata.Synthetic {
		t.Errorf("last message = %+v, want synthetic [CONTINUE]", last)
	}
}

func TestPrepare_PlanTransitionPrecedesPostCompaction(t *testing.T) {
	history := []chat.Message{userMsg("u1", "go")}
	got := Prepare(history, Options{
		MinionID:           "m1",
		PlanTransitionText: "The plan was approved.",
		PostCompaction: &artifacts.PostCompaction{
			Version: 1,
			Diffs:   []artifacts.Diff{{Path: "main.go", Diff: "@@ -1 +1 @@"}},
		},
	})
	if len(got.Messages) != 3 {
		t.Fatalf("payload = %v", ids(got.Messages))
	}
	if !strings.Contains(got.Messages[1].Text(), "approved") {
		t.Errorf("message 1 = %q, plan transition must come first", got.Messages[1].Text())
	}
	if !strings.Contains(got.Messages[2].Text(), "main.go") {
		t.Errorf("message 2 = %q, diff bundle must follow", got.Messages[2].Text())
	}
}

func TestPrepare_AnthropicCacheHint(t *testing.T) {
	history := []chat.Message{userMsg("u1", "go")}
	got := Prepare(history, Options{MinionID: "m1", Provider: providers.KindAnthropic})
	last := got.Messages[len(got.Messages)-1]
	if _, ok := last.Metadata.ProviderMetadata["cacheControl"]; !ok {
		t.Error("anthropic payload must carry a cacheControl hint on the last message")
	}
}

func TestPrepare_PureOverSameInput(t *testing.T) {
	history := []chat.Message{userMsg("u1", "go"), assistantMsg("a1", "done", "resp-1")}
	opts := Options{MinionID: "m1", Provider: providers.KindOpenAI}
	a := Prepare(history, opts)
	b := Prepare(history, opts)
	if len(a.Messages) != len(b.Messages) || a.PreviousResponseID != b.PreviousResponseID {
		t.Error("Prepare must be deterministic")
	}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
