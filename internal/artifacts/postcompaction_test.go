package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/latticehq/lattice/internal/minion"
)

func newTestStore(t *testing.T) (*Store, *minion.Store) {
	t.Helper()
	ms := minion.NewStore(t.TempDir())
	return NewStore(ms), ms
}

func TestPostCompaction_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	changes := []FileChange{{Path: "main.go", Before: "a\nb\nc\n", After: "a\nB\nc\n"}}
	if err := s.BuildPostCompaction("m1", changes); err != nil {
		t.Fatal(err)
	}

	pc, ok, err := s.LoadPostCompaction("m1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || pc.Version != 1 {
		t.Fatalf("bundle = %+v ok = %v", pc, ok)
	}
	if len(pc.Diffs) != 1 || pc.Diffs[0].Path != "main.go" || pc.Diffs[0].Diff == "" {
		t.Errorf("diffs = %+v", pc.Diffs)
	}
	if pc.Diffs[0].Truncated {
		t.Error("small diff must not be truncated")
	}
}

func TestPostCompaction_TruncatesLargeDiff(t *testing.T) {
	s, _ := newTestStore(t)

	after := strings.Repeat("new line of content that keeps going\n", 4000)
	if err := s.BuildPostCompaction("m1", []FileChange{{Path: "big.txt", Before: "", After: after}}); err != nil {
		t.Fatal(err)
	}
	pc, ok, err := s.LoadPostCompaction("m1")
	if err != nil || !ok {
		t.Fatal(err)
	}
	d := pc.Diffs[0]
	if !d.Truncated {
		t.Error("oversized diff must be flagged truncated")
	}
	if len(d.Diff) > maxDiffBytes {
		t.Errorf("diff length = %d, cap is %d", len(d.Diff), maxDiffBytes)
	}
}

func TestPostCompaction_DiscardIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.BuildPostCompaction("m1", []FileChange{{Path: "f", Before: "x", After: "y"}}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := s.DiscardPostCompaction("m1"); err != nil {
			t.Fatalf("discard #%d: %v", i+1, err)
		}
	}
	if _, ok, _ := s.LoadPostCompaction("m1"); ok {
		t.Error("bundle must be gone after discard")
	}
}

func TestArchiveSidekickTranscript(t *testing.T) {
	s, ms := newTestStore(t)

	if _, err := ms.EnsureSessionDir("child"); err != nil {
		t.Fatal(err)
	}
	childLog := filepath.Join(ms.SessionDir("child"), "chat.jsonl")
	if err := os.WriteFile(childLog, []byte(`{"id":"u1"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.ArchiveSidekickTranscript("parent", "task-1", "child"); err != nil {
		t.Fatal(err)
	}

	entry, ok, err := s.TranscriptFor("parent", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || entry.ChildMinionID != "child" {
		t.Fatalf("entry = %+v ok = %v", entry, ok)
	}
	archived := filepath.Join(ms.SessionDir("parent"), entry.Dir, "chat.jsonl")
	data, err := os.ReadFile(archived)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"u1"`) {
		t.Errorf("archived content = %q", data)
	}
}
