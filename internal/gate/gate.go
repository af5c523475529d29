package gate

import (
	"sync"

	"atlas/internal/logging"
	"atlas/internal/types"
)

type Reason string

const (
	// ReasonStreaming disables a chat while its own turn is in flight.
	ReasonStreaming Reason = "streaming"
	// ReasonForkParent disables a base chat until its forked child shows
	// forward progress.
	ReasonForkParent Reason = "fork_parent"
	// ReasonForkChild disables a forked chat until its regeneration stream
	// reaches a terminal event.
	ReasonForkChild Reason = "fork_child"
)

type binding struct {
	childID        string
	parentID       string
	parentReleased bool
}

// Bridge is the cross-session send-gate registry. Two producers write to it:
// the fork coordinator (Bind/ClearBinding) and the event tap (Apply), which
// tracks ordinary per-chat streaming. Consumers treat Disabled as the OR of
// all reasons currently held against a chat id.
type Bridge struct {
	mu        sync.Mutex
	streaming map[string]struct{}
	bindings  map[string]*binding // keyed by child chat id
	nextSubID int
	subs      map[int]func(chatID string)
	log       logging.Logger
}

func NewBridge(log logging.Logger) *Bridge {
	if log == nil {
		log = logging.Nop()
	}
	return &Bridge{
		streaming: make(map[string]struct{}),
		bindings:  make(map[string]*binding),
		subs:      make(map[int]func(string)),
		log:       log.With(logging.F("component", "gate")),
	}
}

// Bind registers a fork binding: both the child and its base chat are
// disabled until the child stream makes progress (parent half) and reaches a
// terminal event (child half, which removes the binding). At most one binding
// per child; rebinding an existing child replaces its binding.
func (b *Bridge) Bind(childID, parentID string) {
	if childID == "" || parentID == "" {
		return
	}
	b.mu.Lock()
	b.bindings[childID] = &binding{childID: childID, parentID: parentID}
	b.mu.Unlock()
	b.notify(childID, parentID)
}

// ClearBinding drops a child's binding outright, re-enabling both halves.
// The coordinator uses it when a fork needs no regeneration stream and when
// rolling back a failed operation.
func (b *Bridge) ClearBinding(childID string) {
	b.mu.Lock()
	bd, ok := b.bindings[childID]
	if ok {
		delete(b.bindings, childID)
	}
	b.mu.Unlock()
	if ok {
		b.notify(childID, bd.parentID)
	}
}

// Disabled reports whether any registered reason currently blocks sending on
// chatID.
func (b *Bridge) Disabled(chatID string) bool {
	return len(b.Reasons(chatID)) > 0
}

// Reasons lists every reason currently held against chatID.
func (b *Bridge) Reasons(chatID string) []Reason {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Reason
	if _, ok := b.streaming[chatID]; ok {
		out = append(out, ReasonStreaming)
	}
	if _, ok := b.bindings[chatID]; ok {
		out = append(out, ReasonForkChild)
	}
	for _, bd := range b.bindings {
		if bd.parentID == chatID && !bd.parentReleased {
			out = append(out, ReasonForkParent)
			break
		}
	}
	return out
}

// LinkedParent returns the base chat bound to a forked child, if any.
func (b *Bridge) LinkedParent(childID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.bindings[childID]
	if !ok {
		return "", false
	}
	return bd.parentID, true
}

// Subscribe registers fn to run whenever a chat's gating may have changed.
func (b *Bridge) Subscribe(fn func(chatID string)) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Apply is the bridge's event tap. It runs on the bus's delivery path, so
// release ordering follows event order: a parent half releases on the child's
// first forward progress, strictly before (or with) the child half, which
// releases only on the child's terminal event.
func (b *Bridge) Apply(event types.Event) {
	chatID := event.SessionID()
	if chatID == "" {
		return
	}
	switch e := event.(type) {
	case types.ChatStateEvent:
		if e.State == types.SessionStateStatic {
			b.setStreaming(chatID, false)
		} else {
			b.setStreaming(chatID, true)
			b.noteProgress(chatID)
		}
	case types.ThoughtsEvent:
		if e.Content != "" {
			b.noteProgress(chatID)
		}
	case types.AnswerEvent:
		if e.Content != "" {
			b.noteProgress(chatID)
		}
	case types.CompleteEvent:
		b.setStreaming(chatID, false)
		b.noteTerminal(chatID)
	case types.ErrorEvent:
		b.setStreaming(chatID, false)
		b.noteTerminal(chatID)
	case types.TaskflowPlanEvent:
		// Pending approval means "awaiting a human decision": the session
		// shows static and sending must come back.
		if e.Plan.Status == types.PlanStatusPendingApproval {
			b.setStreaming(chatID, false)
		}
	}
}

func (b *Bridge) setStreaming(chatID string, on bool) {
	b.mu.Lock()
	_, had := b.streaming[chatID]
	if on {
		b.streaming[chatID] = struct{}{}
	} else {
		delete(b.streaming, chatID)
	}
	b.mu.Unlock()
	if had != on {
		b.notify(chatID)
	}
}

// noteProgress releases the parent half of a child's binding.
func (b *Bridge) noteProgress(childID string) {
	b.mu.Lock()
	bd, ok := b.bindings[childID]
	released := false
	if ok && !bd.parentReleased {
		bd.parentReleased = true
		released = true
	}
	var parentID string
	if ok {
		parentID = bd.parentID
	}
	b.mu.Unlock()
	if released {
		b.log.Debug("fork parent released", logging.F("child", childID), logging.F("parent", parentID))
		b.notify(parentID)
	}
}

// noteTerminal removes a child's binding entirely. The parent half is
// released first if progress never arrived, preserving release ordering.
func (b *Bridge) noteTerminal(childID string) {
	b.mu.Lock()
	bd, ok := b.bindings[childID]
	if ok {
		delete(b.bindings, childID)
	}
	b.mu.Unlock()
	if ok {
		b.log.Debug("fork binding removed", logging.F("child", childID), logging.F("parent", bd.parentID))
		b.notify(bd.parentID, childID)
	}
}

func (b *Bridge) notify(chatIDs ...string) {
	b.mu.Lock()
	subs := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, chatID := range chatIDs {
		for _, fn := range subs {
			fn(chatID)
		}
	}
}
