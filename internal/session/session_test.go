package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/agent"
	"github.com/latticehq/lattice/internal/ai"
	"github.com/latticehq/lattice/internal/artifacts"
	"github.com/latticehq/lattice/internal/bus"
	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/history"
	"github.com/latticehq/lattice/internal/mcp"
	"github.com/latticehq/lattice/internal/minion"
	"github.com/latticehq/lattice/internal/providers"
	"github.com/latticehq/lattice/internal/stream"
	"github.com/latticehq/lattice/internal/usage"
)

type fixture struct {
	cfg       *config.Config
	minions   *minion.Store
	hist      *history.Store
	artifacts *artifacts.Store
	svc       *ai.Service
	resolver  *agent.Resolver
	router    *bus.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	ms := minion.NewStore(t.TempDir())
	hist := history.NewStore(ms)
	router := bus.NewRouter()
	t.Cleanup(router.Close)
	pool := mcp.NewPool(cfg)
	t.Cleanup(pool.Close)
	resolver := agent.NewResolver(cfg, nil)

	svc := ai.NewService(ai.Options{
		Config:    cfg,
		History:   hist,
		Pool:      pool,
		Resolver:  resolver,
		Streams:   stream.NewManager(hist, router),
		Ledger:    usage.NewLedger(ms),
		Publisher: router,
	})
	return &fixture{
		cfg:       cfg,
		minions:   ms,
		hist:      hist,
		artifacts: artifacts.NewStore(ms),
		svc:       svc,
		resolver:  resolver,
		router:    router,
	}
}

func (f *fixture) newSession(t *testing.T, m *minion.Minion, onChange func()) *Session {
	t.Helper()
	s := NewSession(Options{
		Minion:                      m,
		Config:                      f.cfg,
		Driver:                      f.svc,
		History:                     f.hist,
		Artifacts:                   f.artifacts,
		Resolver:                    f.resolver,
		Publisher:                   f.router,
		OnPostCompactionStateChange: onChange,
	})
	t.Cleanup(s.Dispose)
	return s
}

func seedUser(t *testing.T, f *fixture, minionID, text string, synthetic bool, snapshot []string) chat.Message {
	t.Helper()
	m := chat.NewMessage(chat.RoleUser, chat.TextPart(text))
	m.Metadata.Synthetic = synthetic
	m.Metadata.FileAtMentionSnapshot = snapshot
	if _, err := f.hist.Append(minionID, m); err != nil {
		t.Fatal(err)
	}
	return m
}

func hasDiffBundle(req providers.Request) bool {
	for _, m := range req.Messages {
		if strings.Contains(m.Text(), "Changes since the compaction") {
			return true
		}
	}
	return false
}

func TestContextExceeded_DiscardsPostCompactionAndRetries(t *testing.T) {
	f := newFixture(t)
	m := &minion.Minion{ID: "m1"}
	seedUser(t, f, "m1", "Continue", false, nil)

	if err := f.artifacts.BuildPostCompaction("m1", []artifacts.FileChange{
		{Path: "main.go", Before: "a\n", After: "b\n"},
	}); err != nil {
		t.Fatal(err)
	}

	sim := providers.NewSimulator(providers.ContextExceededScript(), providers.TextScript("recovered"))
	s := f.newSession(t, m, nil)

	res, err := s.ResumeStream(context.Background(), SendOptions{Provider: sim, Model: "sonnet"})
	if err != nil {
		t.Fatalf("resume after retry: %v", err)
	}
	if res.ErrKind != "" {
		t.Fatalf("result = %+v", res)
	}

	reqs := sim.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want exactly one retry", len(reqs))
	}
	if !hasDiffBundle(reqs[0]) {
		t.Error("first request must carry the post-compaction bundle")
	}
	if hasDiffBundle(reqs[1]) {
		t.Error("retry must not carry the bundle")
	}

	// The failed placeholder is gone; only the seed and the recovery answer
	// remain.
	msgs, _ := f.hist.FullHistory("m1")
	if len(msgs) != 2 || msgs[0].Text() != "Continue" || msgs[1].Text() != "recovered" {
		t.Errorf("history = %+v", texts(msgs))
	}

	// post-compaction.json was discarded on disk.
	path := filepath.Join(f.minions.SessionDir("m1"), "post-compaction.json")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("post-compaction.json still present: %v", err)
	}
}

func TestContextExceeded_SidekickHardRestart(t *testing.T) {
	f := newFixture(t)
	f.cfg.Experiments.ExecSidekickHardRestart = true
	m := &minion.Minion{ID: "child", ParentMinionID: "parent", AgentID: "exec"}

	seedUser(t, f, "child", "snapshot contents", true, []string{"notes.md"})
	seedUser(t, f, "child", "do the task", false, nil)

	// Two context-exceeded streams in a row: the restart fires once, the
	// second failure is terminal.
	sim := providers.NewSimulator(providers.ContextExceededScript(), providers.ContextExceededScript())
	s := f.newSession(t, m, nil)

	res, err := s.ResumeStream(context.Background(), SendOptions{Provider: sim, Model: "sonnet"})
	if res.ErrKind != chat.ErrContextExceeded {
		t.Fatalf("result = %+v err = %v", res, err)
	}

	reqs := sim.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want original + one restart retry", len(reqs))
	}
	if reqs[0].AdditionalSystemInstructions != "" {
		t.Errorf("first request instructions = %q", reqs[0].AdditionalSystemInstructions)
	}
	if !strings.Contains(reqs[1].AdditionalSystemInstructions, "restarted") {
		t.Errorf("retry instructions = %q", reqs[1].AdditionalSystemInstructions)
	}

	// History after the restart: notice first, then the preserved messages
	// in their original order, then the terminal errored placeholder.
	msgs, _ := f.hist.FullHistory("child")
	if len(msgs) != 4 {
		t.Fatalf("history = %+v", texts(msgs))
	}
	notice := msgs[0]
	if !strings.Contains(notice.Text(), "restarted") || !notice.Metadata.Synthetic || !notice.Metadata.UIVisible {
		t.Errorf("notice = %+v", notice)
	}
	if msgs[1].Text() != "snapshot contents" || msgs[2].Text() != "do the task" {
		t.Errorf("preserved order = %+v", texts(msgs))
	}
	if msgs[1].Metadata.FileAtMentionSnapshot == nil {
		t.Error("snapshot metadata must survive the restart")
	}
	if msgs[3].Role != chat.RoleAssistant || msgs[3].Metadata.ErrorKind != chat.ErrContextExceeded {
		t.Errorf("terminal placeholder = %+v", msgs[3].Metadata)
	}
}

func TestHardRestart_RequiresExecLikeChain(t *testing.T) {
	f := newFixture(t)
	f.cfg.Experiments.ExecSidekickHardRestart = true
	// Plan sidekicks never hard-restart.
	m := &minion.Minion{ID: "child", ParentMinionID: "parent", AgentID: "plan"}
	seedUser(t, f, "child", "make a plan", false, nil)

	sim := providers.NewSimulator(providers.ContextExceededScript())
	s := f.newSession(t, m, nil)

	res, _ := s.ResumeStream(context.Background(), SendOptions{Provider: sim, Model: "sonnet"})
	if res.ErrKind != chat.ErrContextExceeded {
		t.Fatalf("result = %+v", res)
	}
	if got := len(sim.Requests()); got != 1 {
		t.Errorf("requests = %d, plan sidekick must not retry", got)
	}
	msgs, _ := f.hist.FullHistory("child")
	if len(msgs) == 0 || msgs[0].Text() != "make a plan" {
		t.Errorf("history must be untouched: %+v", texts(msgs))
	}
}

func TestSendMessage_EditTruncatesAndPreservesFileParts(t *testing.T) {
	f := newFixture(t)
	m := &minion.Minion{ID: "m1"}

	img := chat.Part{Type: chat.PartFile, Filename: "shot.png", MediaType: "image/png"}
	first := chat.NewMessage(chat.RoleUser, chat.TextPart("original question"), img)
	if _, err := f.hist.Append("m1", first); err != nil {
		t.Fatal(err)
	}
	reply := chat.NewMessage(chat.RoleAssistant, chat.TextPart("old answer"))
	if _, err := f.hist.Append("m1", reply); err != nil {
		t.Fatal(err)
	}

	sim := providers.NewSimulator(providers.TextScript("new answer"))
	s := f.newSession(t, m, nil)

	res, err := s.SendMessage(context.Background(), "edited question", SendOptions{
		Provider:      sim,
		Model:         "sonnet",
		EditMessageID: first.ID,
	})
	if err != nil || res.Err != nil {
		t.Fatalf("send: %v / %+v", err, res)
	}

	msgs, _ := f.hist.FullHistory("m1")
	if len(msgs) != 2 {
		t.Fatalf("history = %+v", texts(msgs))
	}
	edited := msgs[0]
	if edited.Text() != "edited question" {
		t.Errorf("edited = %q", edited.Text())
	}
	if parts := filePartsOf(edited); len(parts) != 1 || parts[0].Filename != "shot.png" {
		t.Errorf("file parts = %+v, must be preserved when not replaced", parts)
	}
	if msgs[1].Text() != "new answer" {
		t.Errorf("reply = %q", msgs[1].Text())
	}
}

func TestSendMessage_EditWithEmptyFilePartsClears(t *testing.T) {
	f := newFixture(t)
	m := &minion.Minion{ID: "m1"}

	img := chat.Part{Type: chat.PartFile, Filename: "shot.png", MediaType: "image/png"}
	target := chat.NewMessage(chat.RoleUser, chat.TextPart("question"), img)
	if _, err := f.hist.Append("m1", target); err != nil {
		t.Fatal(err)
	}

	sim := providers.NewSimulator(providers.TextScript("ok"))
	s := f.newSession(t, m, nil)

	if _, err := s.SendMessage(context.Background(), "question, no image", SendOptions{
		Provider:      sim,
		Model:         "sonnet",
		EditMessageID: target.ID,
		FileParts:     []chat.Part{},
	}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := f.hist.FullHistory("m1")
	if parts := filePartsOf(msgs[0]); len(parts) != 0 {
		t.Errorf("file parts = %+v, explicit empty slice must clear them", parts)
	}
}

func TestSendMessage_MissingEditTargetAppends(t *testing.T) {
	f := newFixture(t)
	m := &minion.Minion{ID: "m1"}
	seedUser(t, f, "m1", "kept", false, nil)

	sim := providers.NewSimulator(providers.TextScript("ok"))
	s := f.newSession(t, m, nil)

	if _, err := s.SendMessage(context.Background(), "new text", SendOptions{
		Provider:      sim,
		Model:         "sonnet",
		EditMessageID: "msg-gone",
	}); err != nil {
		t.Fatal(err)
	}

	msgs, _ := f.hist.FullHistory("m1")
	if len(msgs) != 3 || msgs[0].Text() != "kept" || msgs[1].Text() != "new text" {
		t.Errorf("history = %+v, vanished target must degrade to append", texts(msgs))
	}
}

func TestResumeStream_EmptyHistory(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t, &minion.Minion{ID: "m1"}, nil)

	_, err := s.ResumeStream(context.Background(), SendOptions{Provider: providers.NewSimulator(), Model: "sonnet"})
	if err == nil || err.Error() != "history is empty" {
		t.Fatalf("err = %v", err)
	}
}

func TestPostCompactionRefresh_OnFileEditToolEnd(t *testing.T) {
	f := newFixture(t)
	fired := make(chan string, 2)
	f.newSession(t, &minion.Minion{ID: "m1"}, func() { fired <- "refresh" })

	f.router.Publish(bus.Event{Kind: bus.EventToolCallEnd, MinionID: "m1", Payload: map[string]any{"toolName": "file_edit_replace"}})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("file_edit_* completion must trigger a refresh")
	}

	// Other tools and other minions are ignored.
	f.router.Publish(bus.Event{Kind: bus.EventToolCallEnd, MinionID: "m1", Payload: map[string]any{"toolName": "bash"}})
	f.router.Publish(bus.Event{Kind: bus.EventToolCallEnd, MinionID: "m2", Payload: map[string]any{"toolName": "file_edit_replace"}})
	select {
	case <-fired:
		t.Fatal("unrelated tool-call-end must not refresh")
	case <-time.After(50 * time.Millisecond):
	}
}

// blockingDriver parks the first send until released.
type blockingDriver struct {
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDriver) StreamMessage(ctx context.Context, opts ai.StreamOptions) (*stream.Running, error) {
	close(d.entered)
	<-d.release
	return nil, context.Canceled
}

func (d *blockingDriver) StopStream(minionID string, opts stream.StopOptions) {}

func TestSendMessage_RejectsWhileStreaming(t *testing.T) {
	f := newFixture(t)
	drv := &blockingDriver{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSession(Options{
		Minion:    &minion.Minion{ID: "m1"},
		Config:    f.cfg,
		Driver:    drv,
		History:   f.hist,
		Artifacts: f.artifacts,
		Resolver:  f.resolver,
	})
	t.Cleanup(s.Dispose)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.SendMessage(context.Background(), "first", SendOptions{Model: "sonnet"})
	}()
	<-drv.entered

	if _, err := s.SendMessage(context.Background(), "second", SendOptions{Model: "sonnet"}); err == nil {
		t.Error("second send while streaming must be rejected")
	}
	close(drv.release)
	<-done
}

func TestDispose_Idempotent(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t, &minion.Minion{ID: "m1"}, nil)
	s.Dispose()
	s.Dispose()

	if _, err := s.SendMessage(context.Background(), "hi", SendOptions{Provider: providers.NewSimulator(), Model: "sonnet"}); err == nil {
		t.Error("disposed session must reject sends")
	}
}

func texts(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}
