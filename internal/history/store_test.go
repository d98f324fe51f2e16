package history

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/latticehq/lattice/internal/chat"
	"github.com/latticehq/lattice/internal/minion"
)

func newTestStore(t *testing.T) (*Store, *minion.Store) {
	t.Helper()
	ms := minion.NewStore(t.TempDir())
	return NewStore(ms), ms
}

func mustAppend(t *testing.T, s *Store, minionID string, msg chat.Message) int {
	t.Helper()
	seq, err := s.Append(minionID, msg)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return seq
}

func TestAppend_AssignsContiguousSequences(t *testing.T) {
	s, _ := newTestStore(t)

	var seqs []int
	for i := 0; i < 5; i++ {
		seqs = append(seqs, mustAppend(t, s, "m1", chat.NewMessage(chat.RoleUser, chat.TextPart("hi"))))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("sequences not contiguous: %v", seqs)
		}
	}
}

func TestAppend_ConcurrentSequencesUnique(t *testing.T) {
	s, _ := newTestStore(t)

	const n = 32
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Append("m1", chat.NewMessage(chat.RoleUser, chat.TextPart("x")))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for i, seq := range results {
		if errs[i] != nil {
			t.Fatalf("append: %v", errs[i])
		}
		if seen[seq] {
			t.Fatalf("duplicate sequence %d", seq)
		}
		seen[seq] = true
	}
}

func TestAppend_SurvivesReload(t *testing.T) {
	ms := minion.NewStore(t.TempDir())
	s := NewStore(ms)
	m1 := chat.NewMessage(chat.RoleUser, chat.TextPart("one"))
	mustAppend(t, s, "m1", m1)
	mustAppend(t, s, "m1", chat.NewMessage(chat.RoleAssistant, chat.TextPart("two")))

	// Fresh store over the same directory must continue the sequence.
	s2 := NewStore(ms)
	seq := mustAppend(t, s2, "m1", chat.NewMessage(chat.RoleUser, chat.TextPart("three")))
	if seq != 3 {
		t.Fatalf("sequence after reload = %d, want 3", seq)
	}
	msgs, err := s2.FullHistory("m1")
	if err != nil || len(msgs) != 3 {
		t.Fatalf("history after reload = %d msgs, err %v", len(msgs), err)
	}
	if msgs[0].ID != m1.ID {
		t.Errorf("first message id changed across reload")
	}
}

func TestTruncateAfterMessage_KeepsMatchInclusive(t *testing.T) {
	s, _ := newTestStore(t)
	var ids []string
	for i := 0; i < 4; i++ {
		m := chat.NewMessage(chat.RoleUser, chat.TextPart("m"))
		ids = append(ids, m.ID)
		mustAppend(t, s, "m1", m)
	}

	if err := s.TruncateAfterMessage("m1", ids[1]); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	msgs, _ := s.FullHistory("m1")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].ID != ids[1] {
		t.Errorf("last message = %s, want %s", msgs[1].ID, ids[1])
	}
}

func TestTruncateAfterMessage_MissingID(t *testing.T) {
	s, _ := newTestStore(t)
	mustAppend(t, s, "m1", chat.NewMessage(chat.RoleUser, chat.TextPart("m")))
	if err := s.TruncateAfterMessage("m1", "nope"); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestUpdate_PreservesSequence(t *testing.T) {
	s, _ := newTestStore(t)
	m := chat.NewMessage(chat.RoleAssistant, chat.TextPart("draft"))
	seq := mustAppend(t, s, "m1", m)

	m.Parts = []chat.Part{chat.TextPart("final")}
	m.Metadata.HistorySequence = 999 // must be ignored
	if err := s.Update("m1", m); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.GetMessage("m1", m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata.HistorySequence != seq {
		t.Errorf("sequence = %d, want %d", got.Metadata.HistorySequence, seq)
	}
	if got.Text() != "final" {
		t.Errorf("text = %q, want final", got.Text())
	}
}

func TestHistoryFromLatestBoundary(t *testing.T) {
	s, _ := newTestStore(t)

	plain := chat.NewMessage(chat.RoleUser, chat.TextPart("old"))
	mustAppend(t, s, "m1", plain)

	epoch1 := chat.NewMessage(chat.RoleAssistant, chat.TextPart("summary 1"))
	epoch1.Metadata.CompactionBoundary = true
	epoch1.Metadata.CompactionEpoch = 1
	mustAppend(t, s, "m1", epoch1)

	mid := chat.NewMessage(chat.RoleUser, chat.TextPart("mid"))
	mustAppend(t, s, "m1", mid)

	epoch2 := chat.NewMessage(chat.RoleAssistant, chat.TextPart("summary 2"))
	epoch2.Metadata.CompactionBoundary = true
	epoch2.Metadata.CompactionEpoch = 2
	mustAppend(t, s, "m1", epoch2)

	tail := chat.NewMessage(chat.RoleUser, chat.TextPart("tail"))
	mustAppend(t, s, "m1", tail)

	got, err := s.HistoryFromLatestBoundary("m1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].ID != epoch2.ID || got[1].ID != tail.ID {
		t.Fatalf("slice = %d msgs starting %s, want epoch-2 boundary", len(got), got[0].ID)
	}
}

func TestHistoryFromLatestBoundary_MalformedEpochIgnored(t *testing.T) {
	s, _ := newTestStore(t)

	first := chat.NewMessage(chat.RoleUser, chat.TextPart("first"))
	mustAppend(t, s, "m1", first)

	bad := chat.NewMessage(chat.RoleAssistant, chat.TextPart("bad boundary"))
	bad.Metadata.CompactionBoundary = true
	bad.Metadata.CompactionEpoch = 0
	mustAppend(t, s, "m1", bad)

	got, err := s.HistoryFromLatestBoundary("m1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("malformed boundary truncated payload: got %d msgs", len(got))
	}
}

func TestCommitPartial_AppendsOnce(t *testing.T) {
	s, ms := newTestStore(t)

	p := chat.NewMessage(chat.RoleAssistant, chat.TextPart("in flight"))
	if err := s.WritePartial("m1", p); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if err := s.CommitPartial("m1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := os.Stat(filepath.Join(ms.SessionDir("m1"), "partial.json")); !os.IsNotExist(err) {
		t.Error("partial.json still exists after commit")
	}
	msgs, _ := s.FullHistory("m1")
	count := 0
	for _, m := range msgs {
		if m.ID == p.ID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("committed message appears %d times, want 1", count)
	}

	// Second commit is a no-op.
	if err := s.CommitPartial("m1"); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	msgs, _ = s.FullHistory("m1")
	if len(msgs) != 1 {
		t.Errorf("idempotence violated: %d messages", len(msgs))
	}
}

func TestCommitPartial_UpdatesPlaceholder(t *testing.T) {
	s, _ := newTestStore(t)

	placeholder := chat.NewMessage(chat.RoleAssistant)
	mustAppend(t, s, "m1", placeholder)

	p := placeholder
	p.Parts = []chat.Part{chat.TextPart("recovered")}
	if err := s.WritePartial("m1", p); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if err := s.CommitPartial("m1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	msgs, _ := s.FullHistory("m1")
	if len(msgs) != 1 {
		t.Fatalf("placeholder duplicated: %d messages", len(msgs))
	}
	if msgs[0].Text() != "recovered" || !msgs[0].Metadata.Partial {
		t.Errorf("placeholder not updated in place: %+v", msgs[0])
	}
}

func TestCommitPartial_EmptyPartialDropsPlaceholder(t *testing.T) {
	s, _ := newTestStore(t)

	placeholder := chat.NewMessage(chat.RoleAssistant)
	mustAppend(t, s, "m1", placeholder)
	if err := s.WritePartial("m1", placeholder); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	if err := s.CommitPartial("m1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	msgs, _ := s.FullHistory("m1")
	if len(msgs) != 0 {
		t.Errorf("empty partial left %d messages", len(msgs))
	}
}

func TestDecodeMessage_LegacyKeys(t *testing.T) {
	line := []byte(`{"id":"a","role":"assistant","parts":[{"type":"text","text":"s"}],"metadata":{"historySeq":7,"compacted":true}}`)
	msg, err := decodeMessage(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Metadata.HistorySequence != 7 {
		t.Errorf("historySeq not upgraded: %d", msg.Metadata.HistorySequence)
	}
	if msg.Metadata.Compacted != chat.CompactedUser {
		t.Errorf("compacted bool not upgraded: %q", msg.Metadata.Compacted)
	}
}
