package stubserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"atlas/internal/api"
	"atlas/internal/bus"
	"atlas/internal/gate"
	"atlas/internal/history"
	"atlas/internal/logging"
	"atlas/internal/session"
	"atlas/internal/types"
	"atlas/internal/version"
)

type harness struct {
	stub        *Server
	client      *api.Client
	registry    *session.Registry
	bridge      *gate.Bridge
	history     *history.Cache
	coordinator *version.Coordinator
	bus         *bus.Bus
}

// newHarness wires the full client stack against an in-memory backend, the
// same composition the binary uses.
func newHarness(t *testing.T) *harness {
	t.Helper()
	stub := New(logging.Nop(), WithTokenDelay(0))
	srv := httptest.NewServer(stub.Handler())
	t.Cleanup(srv.Close)

	client := api.New(srv.URL, "test-client")
	registry := session.NewRegistry(logging.Nop())
	bridge := gate.NewBridge(logging.Nop())
	hist := history.NewCache()
	coordinator := version.NewCoordinator(client, hist, bridge, logging.Nop())
	b := bus.New(client, bus.Fanout(registry, bridge), logging.Nop())

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(b.Stop)

	h := &harness{
		stub:        stub,
		client:      client,
		registry:    registry,
		bridge:      bridge,
		history:     hist,
		coordinator: coordinator,
		bus:         b,
	}
	h.waitConnected(t)
	return h
}

// waitConnected emits probe frames until one lands in the registry, proving
// the feed subscription is live before the test starts real turns.
func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	h.waitFor(t, func() bool {
		h.stub.Emit([]byte(`{"type":"complete","chat_id":"probe"}`))
		return h.registry.Snapshot("probe") != nil
	})
}

func (h *harness) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func (h *harness) waitIdle(t *testing.T, chatID, wantAnswer string) {
	t.Helper()
	h.waitFor(t, func() bool {
		s := h.registry.Snapshot(chatID)
		return s != nil && s.State == types.SessionStateStatic && s.ContentBuffer == wantAnswer
	})
}

func TestConcurrentTurnsMultiplexOneFeed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.StartTurn(ctx, api.StartTurnRequest{ChatID: "chat-a", Message: "alpha"}); err != nil {
		t.Fatalf("start turn a: %v", err)
	}
	if err := h.client.StartTurn(ctx, api.StartTurnRequest{ChatID: "chat-b", Message: "beta"}); err != nil {
		t.Fatalf("start turn b: %v", err)
	}

	h.waitIdle(t, "chat-a", "echo: alpha")
	h.waitIdle(t, "chat-b", "echo: beta")

	a := h.registry.Snapshot("chat-a")
	b := h.registry.Snapshot("chat-b")
	if a.LastAssistantID == "" || b.LastAssistantID == "" {
		t.Fatalf("message ids not promoted: %q, %q", a.LastAssistantID, b.LastAssistantID)
	}
	if a.LastAssistantID == b.LastAssistantID {
		t.Fatal("sessions leaked state across chats")
	}
	if h.bridge.Disabled("chat-a") || h.bridge.Disabled("chat-b") {
		t.Fatal("idle chats must not be gated")
	}
}

func TestEditForkEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.StartTurn(ctx, api.StartTurnRequest{ChatID: "base", Message: "original question"}); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	h.waitIdle(t, "base", "echo: original question")

	if err := h.coordinator.SwitchChat(ctx, "base"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	baseHistory := h.history.Messages("base")
	if len(baseHistory) != 2 || baseHistory[0].Role != types.MessageRoleUser {
		t.Fatalf("unexpected base history: %+v", baseHistory)
	}
	userMessageID := baseHistory[0].ID

	if err := h.coordinator.Edit(ctx, "base", userMessageID, "edited question"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	forkChatID := h.coordinator.ActiveChat()
	if forkChatID == "" || forkChatID == "base" {
		t.Fatalf("edit must switch to a fresh fork chat, got %q", forkChatID)
	}

	h.waitIdle(t, forkChatID, "echo: edited question")
	h.waitFor(t, func() bool { return !h.bridge.Disabled(forkChatID) && !h.bridge.Disabled("base") })

	forkHistory, err := h.client.ChatHistory(ctx, forkChatID)
	if err != nil {
		t.Fatalf("fork history: %v", err)
	}
	if len(forkHistory) != 2 {
		t.Fatalf("fork history must be edited user + regenerated answer: %+v", forkHistory)
	}
	if forkHistory[0].Content != "edited question" || forkHistory[1].Role != types.MessageRoleAssistant {
		t.Fatalf("unexpected fork history: %+v", forkHistory)
	}

	// The base chat's history is untouched by the fork.
	original, err := h.client.ChatHistory(ctx, "base")
	if err != nil {
		t.Fatalf("base history: %v", err)
	}
	if len(original) != 2 || original[0].Content != "original question" {
		t.Fatalf("base history mutated by fork: %+v", original)
	}

	versions, err := h.coordinator.Versions(ctx, userMessageID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions.Versions) != 2 {
		t.Fatalf("expected original + edit in the lineage: %+v", versions.Versions)
	}
	if versions.Versions[1].Operation != types.VersionOperationEdit || versions.Versions[1].VersionChatID != forkChatID {
		t.Fatalf("unexpected lineage tail: %+v", versions.Versions[1])
	}
}

func TestRetryForkRegeneratesLastAnswer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.StartTurn(ctx, api.StartTurnRequest{ChatID: "base", Message: "try this"}); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	h.waitIdle(t, "base", "echo: try this")
	if err := h.coordinator.SwitchChat(ctx, "base"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	assistantID := h.history.Messages("base")[1].ID

	if err := h.coordinator.Retry(ctx, "base", assistantID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	forkChatID := h.coordinator.ActiveChat()
	h.waitIdle(t, forkChatID, "echo: try this")

	forkHistory, err := h.client.ChatHistory(ctx, forkChatID)
	if err != nil {
		t.Fatalf("fork history: %v", err)
	}
	if len(forkHistory) != 2 || forkHistory[1].ID == assistantID {
		t.Fatalf("retry must regenerate a fresh answer: %+v", forkHistory)
	}
}

func TestVersioningIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.client.StartTurn(ctx, api.StartTurnRequest{ChatID: "base", Message: "to delete"}); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	h.waitIdle(t, "base", "echo: to delete")
	messages, err := h.client.ChatHistory(ctx, "base")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	req := api.VersioningRequest{
		OperationType: types.VersionOperationDelete,
		MessageID:     messages[1].ID,
		ChatID:        "base",
	}

	first, err := h.client.NotifyVersioning(ctx, req)
	if err != nil || !first.Success {
		t.Fatalf("first fork: %+v, %v", first, err)
	}
	second, err := h.client.NotifyVersioning(ctx, req)
	if err != nil {
		t.Fatalf("second fork: %v", err)
	}
	if second.Success || second.ErrorCode != api.ErrorCodeVersionExists {
		t.Fatalf("replayed fork must report version_already_exists: %+v", second)
	}
	if second.VersionChatID != first.VersionChatID {
		t.Fatalf("replayed fork must return the same version chat: %q vs %q", second.VersionChatID, first.VersionChatID)
	}
}

func TestStopEndsTurn(t *testing.T) {
	ctx := context.Background()

	slow := New(logging.Nop()) // default token delay keeps the turn open
	srv := httptest.NewServer(slow.Handler())
	defer srv.Close()
	client := api.New(srv.URL, "test-client")

	if err := client.StartTurn(ctx, api.StartTurnRequest{ChatID: "c1", Message: "long answer"}); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := client.StopChat(ctx, "c1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// A second stop of an idle chat is harmless.
	if err := client.StopChat(ctx, "c1"); err != nil {
		t.Fatalf("stop idle: %v", err)
	}
}
