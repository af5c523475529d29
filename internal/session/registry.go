package session

import (
	"sync"
	"time"

	"atlas/internal/logging"
	"atlas/internal/types"
)

// Promotion reconciles an optimistic local placeholder message with the
// durable ids the backend assigned once a turn persisted. It is broadcast at
// most once per (chat, user id, assistant id) triple.
type Promotion struct {
	ChatID             string
	UserMessageID      string
	AssistantMessageID string
}

// Registry owns the per-chat live session map. Sessions are treated as
// immutable snapshots: reducers build a new value and replace the old one,
// bumping Version so subscribers can detect no-op updates. Session lifetime
// is independent of the event connection; only Reset removes one.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*types.Session
	nextSubID  int
	subs       map[string]map[int]func(*types.Session)
	stateSubs  map[string]map[int]func(*types.Session)
	anySubs    map[int]func(*types.Session)
	promoSubs  map[int]func(Promotion)
	promotions *promotionCache
	log        logging.Logger
}

func NewRegistry(log logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		sessions:   make(map[string]*types.Session),
		subs:       make(map[string]map[int]func(*types.Session)),
		stateSubs:  make(map[string]map[int]func(*types.Session)),
		anySubs:    make(map[int]func(*types.Session)),
		promoSubs:  make(map[int]func(Promotion)),
		promotions: newPromotionCache(time.Now),
		log:        log,
	}
}

// EnsureSession pre-registers a session so subscribers can attach before the
// first event arrives.
func (r *Registry) EnsureSession(chatID string) *types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSession(r.ensureLocked(chatID))
}

// Snapshot returns a copy of the current session state, or nil when the chat
// has never been seen.
func (r *Registry) Snapshot(chatID string) *types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSession(r.sessions[chatID])
}

// ChatIDs lists every chat id with live session state.
func (r *Registry) ChatIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Reset drops all live state for a chat (chat deleted).
func (r *Registry) Reset(chatID string) {
	r.mu.Lock()
	delete(r.sessions, chatID)
	r.mu.Unlock()
}

// Subscribe registers fn for every update of chatID's session and returns an
// unsubscribe handle. The handle is safe to call more than once.
func (r *Registry) Subscribe(chatID string, fn func(*types.Session)) func() {
	return r.subscribe(r.subs, chatID, fn)
}

// SubscribeState is like Subscribe but fires only when the session's State
// field changed.
func (r *Registry) SubscribeState(chatID string, fn func(*types.Session)) func() {
	return r.subscribe(r.stateSubs, chatID, fn)
}

// SubscribeAny registers fn for updates of every session.
func (r *Registry) SubscribeAny(fn func(*types.Session)) func() {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.anySubs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.anySubs, id)
		r.mu.Unlock()
	}
}

// SubscribePromotions registers fn for message-id promotion signals.
func (r *Registry) SubscribePromotions(fn func(Promotion)) func() {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.promoSubs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.promoSubs, id)
		r.mu.Unlock()
	}
}

func (r *Registry) subscribe(table map[string]map[int]func(*types.Session), chatID string, fn func(*types.Session)) func() {
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	set := table[chatID]
	if set == nil {
		set = make(map[int]func(*types.Session))
		table[chatID] = set
	}
	set[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if set, ok := table[chatID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(table, chatID)
			}
		}
		r.mu.Unlock()
	}
}

// Apply runs the reducer for one session-scoped event. The bus calls this
// from its single read loop, so per-chat ordering follows delivery order.
func (r *Registry) Apply(event types.Event) {
	chatID := event.SessionID()
	if chatID == "" {
		return
	}

	if promo, ok := event.(types.MessageIDsEvent); ok {
		r.applyPromotion(promo)
		return
	}

	r.mu.Lock()
	current := r.ensureLocked(chatID)
	next := reduce(current, event)
	if next == nil {
		r.mu.Unlock()
		return
	}
	next.Version = current.Version + 1
	r.sessions[chatID] = next
	stateChanged := next.State != current.State
	subs, stateSubs, anySubs := r.collectLocked(chatID, stateChanged)
	r.mu.Unlock()

	snapshot := cloneSession(next)
	for _, fn := range subs {
		fn(snapshot)
	}
	for _, fn := range stateSubs {
		fn(snapshot)
	}
	for _, fn := range anySubs {
		fn(snapshot)
	}
}

func (r *Registry) applyPromotion(event types.MessageIDsEvent) {
	r.mu.Lock()
	if !r.promotions.firstSeen(event.ChatID, event.UserMessageID, event.AssistantMessageID) {
		r.mu.Unlock()
		return
	}
	current := r.ensureLocked(event.ChatID)
	next := cloneSession(current)
	next.LastAssistantID = event.AssistantMessageID
	next.Version = current.Version + 1
	r.sessions[event.ChatID] = next

	promoSubs := make([]func(Promotion), 0, len(r.promoSubs))
	for _, fn := range r.promoSubs {
		promoSubs = append(promoSubs, fn)
	}
	subs, _, anySubs := r.collectLocked(event.ChatID, false)
	r.mu.Unlock()

	promotion := Promotion{
		ChatID:             event.ChatID,
		UserMessageID:      event.UserMessageID,
		AssistantMessageID: event.AssistantMessageID,
	}
	for _, fn := range promoSubs {
		fn(promotion)
	}
	snapshot := cloneSession(next)
	for _, fn := range subs {
		fn(snapshot)
	}
	for _, fn := range anySubs {
		fn(snapshot)
	}
}

func (r *Registry) collectLocked(chatID string, stateChanged bool) (subs, stateSubs, anySubs []func(*types.Session)) {
	for _, fn := range r.subs[chatID] {
		subs = append(subs, fn)
	}
	if stateChanged {
		for _, fn := range r.stateSubs[chatID] {
			stateSubs = append(stateSubs, fn)
		}
	}
	for _, fn := range r.anySubs {
		anySubs = append(anySubs, fn)
	}
	return subs, stateSubs, anySubs
}

func (r *Registry) ensureLocked(chatID string) *types.Session {
	if s, ok := r.sessions[chatID]; ok {
		return s
	}
	s := &types.Session{
		ChatID: chatID,
		State:  types.SessionStateStatic,
	}
	r.sessions[chatID] = s
	return s
}

func cloneSession(s *types.Session) *types.Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.RouterDecision != nil {
		rd := *s.RouterDecision
		out.RouterDecision = &rd
	}
	if s.DomainExecution != nil {
		de := *s.DomainExecution
		out.DomainExecution = &de
	}
	if s.PlanSummary != nil {
		ps := *s.PlanSummary
		ps.Steps = append([]types.PlanStep(nil), s.PlanSummary.Steps...)
		out.PlanSummary = &ps
	}
	if s.Err != nil {
		e := *s.Err
		out.Err = &e
	}
	return &out
}
