package delegated

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRegisterPending_DuplicateFails(t *testing.T) {
	r := NewRegistry()
	if _, err := r.RegisterPending("m1", "tc1", "ask_user"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.RegisterPending("m1", "tc1", "ask_user"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate register err = %v, want ErrDuplicate", err)
	}
}

func TestAnswer_FulfillsExactlyOnce(t *testing.T) {
	r := NewRegistry()
	p, err := r.RegisterPending("m1", "tc1", "ask_user")
	if err != nil {
		t.Fatal(err)
	}

	if !r.Answer("m1", "tc1", json.RawMessage(`{"ok":true}`)) {
		t.Fatal("answer returned false")
	}
	// Second fulfillment attempt finds nothing.
	if r.Answer("m1", "tc1", nil) {
		t.Error("second answer should find no pending entry")
	}
	if r.Cancel("m1", "tc1", "late") {
		t.Error("cancel after answer should find no pending entry")
	}

	res, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(res) != `{"ok":true}` {
		t.Errorf("result = %s", res)
	}
}

func TestCancel_PropagatesReason(t *testing.T) {
	r := NewRegistry()
	p, _ := r.RegisterPending("m1", "tc1", "ask_user")
	r.Cancel("m1", "tc1", "Interrupted")

	_, err := p.Wait(context.Background())
	if err == nil || err.Error() != "Interrupted" {
		t.Fatalf("err = %v, want Interrupted", err)
	}
}

func TestCancelAll_FulfillsEachOnce(t *testing.T) {
	r := NewRegistry()
	p1, _ := r.RegisterPending("m1", "tc1", "a")
	p2, _ := r.RegisterPending("m1", "tc2", "b")
	other, _ := r.RegisterPending("m2", "tc1", "c")

	if n := r.CancelAll("m1", "shutdown"); n != 2 {
		t.Fatalf("canceled %d, want 2", n)
	}
	for _, p := range []*Pending{p1, p2} {
		if _, err := p.Wait(context.Background()); err == nil {
			t.Error("pending not canceled")
		}
	}
	if r.PendingCount("m2") != 1 {
		t.Error("other minion's pending call was touched")
	}
	r.Cancel("m2", "tc1", "cleanup")
	_ = other
}

func TestLatestPending(t *testing.T) {
	r := NewRegistry()
	first, _ := r.RegisterPending("m1", "tc1", "a")
	first.CreatedAt = first.CreatedAt.Add(-time.Second)
	second, _ := r.RegisterPending("m1", "tc2", "b")

	got, ok := r.LatestPending("m1")
	if !ok || got.ToolCallID != second.ToolCallID {
		t.Fatalf("latest = %+v, want tc2", got)
	}
}

func TestWait_AbortViaContext(t *testing.T) {
	r := NewRegistry()
	p, _ := r.RegisterPending("m1", "tc1", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
