package bus

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"atlas/internal/logging"
	"atlas/internal/types"
)

const (
	reconnectMinDelay = 500 * time.Millisecond
	reconnectMaxDelay = 10 * time.Second
	scanBufferSize    = 64 * 1024
	scanBufferMax     = 1024 * 1024
)

var ErrBusStopped = errors.New("event bus stopped")

// StreamOpener opens the shared multiplexed event feed.
type StreamOpener interface {
	OpenEventStream(ctx context.Context) (io.ReadCloser, error)
}

// Applier receives every session-scoped event in delivery order.
type Applier interface {
	Apply(event types.Event)
}

// Bus owns the process's single long-lived event connection. It reconnects
// automatically; session state lives in the registry and survives transport
// drops. Start is idempotent and the read loop never panics out: a malformed
// frame is logged and dropped without affecting delivery to other sessions.
type Bus struct {
	opener   StreamOpener
	sessions Applier
	log      logging.Logger

	mu          sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
	nextSubID   int
	globalSubs  map[int]func(types.Event)
	unknownSeen map[string]struct{}
}

func New(opener StreamOpener, sessions Applier, log logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{
		opener:      opener,
		sessions:    sessions,
		log:         log.With(logging.F("component", "bus")),
		globalSubs:  make(map[int]func(types.Event)),
		unknownSeen: make(map[string]struct{}),
	}
}

// Start opens the shared feed and begins routing. Calling Start on a running
// bus is a no-op; calling it after Stop returns ErrBusStopped.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrBusStopped
	}
	if b.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	b.started = true
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx)
	return nil
}

// Stop tears the connection down and waits for the read loop to exit.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// SubscribeGlobal registers fn for process-wide (non-session) events and
// returns an unsubscribe handle.
func (b *Bus) SubscribeGlobal(fn func(types.Event)) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.globalSubs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.globalSubs, id)
		b.mu.Unlock()
	}
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)

	delay := reconnectMinDelay
	for {
		if ctx.Err() != nil {
			return
		}
		body, err := b.opener.OpenEventStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("stream connect failed", logging.F("err", err), logging.F("retry_in", delay))
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		b.log.Info("stream connected")
		delivered := b.consume(ctx, body)
		_ = body.Close()
		if ctx.Err() != nil {
			return
		}
		if delivered > 0 {
			delay = reconnectMinDelay
		} else {
			delay = nextDelay(delay)
		}
		b.log.Warn("stream disconnected", logging.F("delivered", delivered), logging.F("retry_in", delay))
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// consume reads SSE frames until the connection drops, returning how many
// frames were delivered.
func (b *Bus) consume(ctx context.Context, body io.Reader) int {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scanBufferSize), scanBufferMax)

	delivered := 0
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = dataLines[:0]
			if b.dispatch([]byte(payload)) {
				delivered++
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		b.log.Warn("stream read error", logging.F("err", err))
	}
	return delivered
}

func (b *Bus) dispatch(payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic", logging.F("panic", r))
			ok = false
		}
	}()

	event, err := types.DecodeEvent(payload)
	if err != nil {
		b.log.Warn("dropping malformed event", logging.F("err", err))
		return false
	}

	switch e := event.(type) {
	case types.UnknownEvent:
		b.logUnknown(e.Type)
		return false
	case types.NoticeEvent:
		b.notifyGlobal(event)
		return true
	default:
		if event.SessionID() == "" {
			b.notifyGlobal(event)
			return true
		}
		b.sessions.Apply(event)
		return true
	}
}

func (b *Bus) notifyGlobal(event types.Event) {
	b.mu.Lock()
	subs := make([]func(types.Event), 0, len(b.globalSubs))
	for _, fn := range b.globalSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(event)
	}
}

func (b *Bus) logUnknown(kind string) {
	b.mu.Lock()
	_, seen := b.unknownSeen[kind]
	if !seen {
		b.unknownSeen[kind] = struct{}{}
	}
	b.mu.Unlock()
	if !seen {
		b.log.Warn("unhandled event type", logging.F("type", kind))
	}
}

func nextDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
