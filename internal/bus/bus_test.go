package bus

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"atlas/internal/logging"
	"atlas/internal/types"
)

type collectingApplier struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *collectingApplier) Apply(event types.Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *collectingApplier) snapshot() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Event(nil), c.events...)
}

// scriptedOpener hands out one canned stream per connect, then blocks until
// the bus is stopped.
type scriptedOpener struct {
	mu      sync.Mutex
	streams []string
}

func (o *scriptedOpener) OpenEventStream(ctx context.Context) (io.ReadCloser, error) {
	o.mu.Lock()
	if len(o.streams) > 0 {
		stream := o.streams[0]
		o.streams = o.streams[1:]
		o.mu.Unlock()
		return io.NopCloser(strings.NewReader(stream)), nil
	}
	o.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func frames(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBusRoutesSessionEventsInOrder(t *testing.T) {
	applier := &collectingApplier{}
	opener := &scriptedOpener{streams: []string{frames(
		`{"type":"chat_state","chat_id":"c1","state":"thinking"}`,
		`{"type":"answer","chat_id":"c2","content":"hi"}`,
	)}}
	b := New(opener, applier, logging.Nop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool { return len(applier.snapshot()) == 2 })
	events := applier.snapshot()
	if events[0].Kind() != types.EventKindChatState || events[0].SessionID() != "c1" {
		t.Fatalf("unexpected first event: %v", events[0])
	}
	if events[1].Kind() != types.EventKindAnswer || events[1].SessionID() != "c2" {
		t.Fatalf("unexpected second event: %v", events[1])
	}
}

func TestMalformedFrameDoesNotBreakDelivery(t *testing.T) {
	applier := &collectingApplier{}
	opener := &scriptedOpener{streams: []string{frames(
		`{"type":"answer","chat_id":"c1",`,
		`{"chat_id":"c1","content":"no type"}`,
		`{"type":"chat_state","chat_id":"c1","state":"warming_up"}`,
		`{"type":"answer","chat_id":"c1","content":"still here"}`,
	)}}
	b := New(opener, applier, logging.Nop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool { return len(applier.snapshot()) == 1 })
	event := applier.snapshot()[0]
	answer, ok := event.(types.AnswerEvent)
	if !ok || answer.Content != "still here" {
		t.Fatalf("unexpected surviving event: %v", event)
	}
}

func TestNoticesGoToGlobalSubscribers(t *testing.T) {
	applier := &collectingApplier{}
	opener := &scriptedOpener{streams: []string{frames(
		`{"type":"file_update","path":"/tmp/x"}`,
	)}}
	b := New(opener, applier, logging.Nop())

	var mu sync.Mutex
	var notices []types.Event
	unsub := b.SubscribeGlobal(func(event types.Event) {
		mu.Lock()
		notices = append(notices, event)
		mu.Unlock()
	})
	defer unsub()

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) == 1
	})
	mu.Lock()
	notice := notices[0]
	mu.Unlock()
	if notice.Kind() != types.EventKindFileNotice {
		t.Fatalf("unexpected notice: %v", notice)
	}
	if len(applier.snapshot()) != 0 {
		t.Fatalf("notices must not reach the session applier: %v", applier.snapshot())
	}
}

func TestUnknownTypeLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	log := logging.New(lockedWriter{w: &buf, mu: &mu}, logging.Warn)

	applier := &collectingApplier{}
	opener := &scriptedOpener{streams: []string{frames(
		`{"type":"telemetry_blob","chat_id":"c1"}`,
		`{"type":"telemetry_blob","chat_id":"c2"}`,
		`{"type":"answer","chat_id":"c1","content":"done"}`,
	)}}
	b := New(opener, applier, log)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(applier.snapshot()) == 1 })
	b.Stop()

	mu.Lock()
	logged := buf.String()
	mu.Unlock()
	if got := strings.Count(logged, "unhandled event type"); got != 1 {
		t.Fatalf("unknown type logged %d times, want 1:\n%s", got, logged)
	}
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestReconnectContinuesDelivery(t *testing.T) {
	applier := &collectingApplier{}
	opener := &scriptedOpener{streams: []string{
		frames(`{"type":"answer","chat_id":"c1","content":"before drop"}`),
		frames(`{"type":"answer","chat_id":"c1","content":"after drop"}`),
	}}
	b := New(opener, applier, logging.Nop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool { return len(applier.snapshot()) == 2 })
	second, ok := applier.snapshot()[1].(types.AnswerEvent)
	if !ok || second.Content != "after drop" {
		t.Fatalf("delivery did not resume after reconnect: %v", applier.snapshot())
	}
}

func TestMultiLineDataFramesJoin(t *testing.T) {
	applier := &collectingApplier{}
	opener := &scriptedOpener{streams: []string{
		"data: {\"type\":\"answer\",\ndata: \"chat_id\":\"c1\",\"content\":\"joined\"}\n\n",
	}}
	b := New(opener, applier, logging.Nop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool { return len(applier.snapshot()) == 1 })
	answer, ok := applier.snapshot()[0].(types.AnswerEvent)
	if !ok || answer.Content != "joined" {
		t.Fatalf("multi-line frame not reassembled: %v", applier.snapshot())
	}
}

func TestStartIdempotentAndStopTerminal(t *testing.T) {
	b := New(&scriptedOpener{}, &collectingApplier{}, logging.Nop())
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("second start must be a no-op: %v", err)
	}
	b.Stop()
	b.Stop()
	if err := b.Start(ctx); err != ErrBusStopped {
		t.Fatalf("start after stop = %v, want ErrBusStopped", err)
	}
}

func TestFanoutAppliesToAllInOrder(t *testing.T) {
	first := &collectingApplier{}
	second := &collectingApplier{}
	f := Fanout(first, second)

	f.Apply(types.AnswerEvent{ChatID: "c1", Content: "x"})
	if len(first.snapshot()) != 1 || len(second.snapshot()) != 1 {
		t.Fatalf("fanout missed an applier: %d, %d", len(first.snapshot()), len(second.snapshot()))
	}
}

func TestPanickingSubscriberDoesNotKillTheLoop(t *testing.T) {
	applier := &collectingApplier{}
	opener := &scriptedOpener{streams: []string{frames(
		`{"type":"file_update","path":"/tmp/x"}`,
		`{"type":"answer","chat_id":"c1","content":"survived"}`,
	)}}
	b := New(opener, applier, logging.Nop())
	unsub := b.SubscribeGlobal(func(types.Event) { panic("subscriber bug") })
	defer unsub()

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Stop()

	waitFor(t, func() bool { return len(applier.snapshot()) == 1 })
	answer, ok := applier.snapshot()[0].(types.AnswerEvent)
	if !ok || answer.Content != "survived" {
		t.Fatalf("loop did not survive the panic: %v", applier.snapshot())
	}
}
