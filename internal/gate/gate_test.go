package gate

import (
	"testing"

	"atlas/internal/logging"
	"atlas/internal/types"
)

func reasons(t *testing.T, b *Bridge, chatID string, want ...Reason) {
	t.Helper()
	got := b.Reasons(chatID)
	if len(got) != len(want) {
		t.Fatalf("reasons for %s: got %v, want %v", chatID, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reasons for %s: got %v, want %v", chatID, got, want)
		}
	}
}

func TestBindDisablesBothHalves(t *testing.T) {
	b := NewBridge(logging.Nop())
	b.Bind("child", "parent")

	reasons(t, b, "child", ReasonForkChild)
	reasons(t, b, "parent", ReasonForkParent)

	if parent, ok := b.LinkedParent("child"); !ok || parent != "parent" {
		t.Fatalf("linked parent = %q, %v", parent, ok)
	}
}

func TestProgressReleasesParentOnly(t *testing.T) {
	b := NewBridge(logging.Nop())
	b.Bind("child", "parent")

	b.Apply(types.ThoughtsEvent{ChatID: "child", Content: "working"})

	reasons(t, b, "parent")
	reasons(t, b, "child", ReasonForkChild)
}

func TestTerminalReleasesChild(t *testing.T) {
	b := NewBridge(logging.Nop())
	b.Bind("child", "parent")

	b.Apply(types.AnswerEvent{ChatID: "child", Content: "out"})
	b.Apply(types.CompleteEvent{ChatID: "child"})

	reasons(t, b, "child")
	reasons(t, b, "parent")
	if _, ok := b.LinkedParent("child"); ok {
		t.Fatal("binding must be removed on terminal event")
	}
}

func TestTerminalWithoutProgressReleasesBothHalves(t *testing.T) {
	b := NewBridge(logging.Nop())
	b.Bind("child", "parent")

	// Stream errors before any token arrives.
	b.Apply(types.ErrorEvent{ChatID: "child", Message: "backend down"})

	reasons(t, b, "child")
	reasons(t, b, "parent")
}

func TestStreamingReasonTracksChatState(t *testing.T) {
	b := NewBridge(logging.Nop())

	b.Apply(types.ChatStateEvent{ChatID: "c1", State: types.SessionStateThinking})
	if !b.Disabled("c1") {
		t.Fatal("streaming chat must be gated")
	}
	b.Apply(types.ChatStateEvent{ChatID: "c1", State: types.SessionStateStatic})
	if b.Disabled("c1") {
		t.Fatal("static chat must not be gated")
	}
}

func TestPlanPendingApprovalReleasesStreaming(t *testing.T) {
	b := NewBridge(logging.Nop())

	b.Apply(types.ChatStateEvent{ChatID: "c1", State: types.SessionStateResponding})
	b.Apply(types.TaskflowPlanEvent{ChatID: "c1", Plan: types.PlanSummary{
		PlanID: "p1",
		Status: types.PlanStatusPendingApproval,
	}})
	if b.Disabled("c1") {
		t.Fatalf("approval prompt must re-enable sending, reasons %v", b.Reasons("c1"))
	}
}

func TestReasonsCombine(t *testing.T) {
	b := NewBridge(logging.Nop())
	b.Bind("child", "parent")
	b.Apply(types.ChatStateEvent{ChatID: "child", State: types.SessionStateThinking})

	// Progress through chat_state released the parent half but the child is
	// both streaming and fork-bound.
	reasons(t, b, "child", ReasonStreaming, ReasonForkChild)
	reasons(t, b, "parent")
}

func TestClearBindingRollback(t *testing.T) {
	b := NewBridge(logging.Nop())
	b.Bind("child", "parent")
	b.ClearBinding("child")

	reasons(t, b, "child")
	reasons(t, b, "parent")
}

func TestRebindReplacesExistingBinding(t *testing.T) {
	b := NewBridge(logging.Nop())
	b.Bind("child", "p1")
	b.Apply(types.AnswerEvent{ChatID: "child", Content: "x"})
	reasons(t, b, "p1")

	b.Bind("child", "p2")
	reasons(t, b, "p1")
	reasons(t, b, "p2", ReasonForkParent)
}

func TestSubscribeNotifiesAffectedChats(t *testing.T) {
	b := NewBridge(logging.Nop())
	seen := make(map[string]int)
	unsub := b.Subscribe(func(chatID string) { seen[chatID]++ })
	defer unsub()

	b.Bind("child", "parent")
	if seen["child"] == 0 || seen["parent"] == 0 {
		t.Fatalf("bind must notify both halves: %v", seen)
	}

	before := seen["parent"]
	b.Apply(types.AnswerEvent{ChatID: "child", Content: "x"})
	if seen["parent"] != before+1 {
		t.Fatalf("progress must notify the parent: %v", seen)
	}
}
