package version

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"atlas/internal/api"
	"atlas/internal/history"
	"atlas/internal/logging"
	"atlas/internal/types"
)

var (
	ErrOperationInFlight = errors.New("an operation is already in progress for this chat")
	ErrMessageNotFound   = errors.New("message not found in chat history")
)

// Backend is the slice of the API client the coordinator needs.
type Backend interface {
	NotifyVersioning(ctx context.Context, req api.VersioningRequest) (*api.VersioningResponse, error)
	MessageVersions(ctx context.Context, messageID string) (*types.VersionList, error)
	ChatVersions(ctx context.Context, chatID string) ([]types.VersionRecord, error)
	StartTurn(ctx context.Context, req api.StartTurnRequest) error
	SetActiveChat(ctx context.Context, chatID string) error
	ChatHistory(ctx context.Context, chatID string) ([]types.Message, error)
}

// Gate is the send-gate surface the coordinator writes to.
type Gate interface {
	Bind(childID, parentID string)
	ClearBinding(childID string)
}

// Operation is the in-flight fork state for one chat.
type Operation struct {
	Kind      types.VersionOperation
	MessageID string
}

// Coordinator orchestrates edit/retry/delete forks: optimistic local
// mutation, backend fork call, gate binding, chat switch, regeneration
// stream, and exact rollback on failure. At most one operation may be in
// flight per chat; a second request is rejected outright, never queued.
//
// Chat switching is guarded by a monotonically increasing switch token. Every
// switch mints a new token; awaited continuations compare their token against
// the current value before committing, so a superseded switch is a silent
// no-op. This is cooperative supersession, not preemption.
type Coordinator struct {
	backend Backend
	history *history.Cache
	gate    Gate
	log     logging.Logger

	switchGen atomic.Int64

	mu           sync.Mutex
	inProgress   map[string]Operation
	versionCache map[string]*types.VersionList
	activeChat   string
	nextSubID    int
	activeSubs   map[int]func(chatID string)
	reloadSubs   map[int]func(chatID string)
}

func NewCoordinator(backend Backend, hist *history.Cache, g Gate, log logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{
		backend:      backend,
		history:      hist,
		gate:         g,
		log:          log.With(logging.F("component", "version")),
		inProgress:   make(map[string]Operation),
		versionCache: make(map[string]*types.VersionList),
		activeSubs:   make(map[int]func(string)),
		reloadSubs:   make(map[int]func(string)),
	}
}

// ActiveChat returns the chat id the user is currently viewing.
func (c *Coordinator) ActiveChat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeChat
}

// OperationInProgress reports the in-flight fork operation for a chat, if any.
func (c *Coordinator) OperationInProgress(chatID string) (Operation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op, ok := c.inProgress[chatID]
	return op, ok
}

// SubscribeActive registers fn for active-chat changes.
func (c *Coordinator) SubscribeActive(fn func(chatID string)) func() {
	return c.subscribe(&c.activeSubs, fn)
}

// SubscribeReload registers fn for reload notifications emitted after a
// failed operation, so dependent views re-fetch ground truth.
func (c *Coordinator) SubscribeReload(fn func(chatID string)) func() {
	return c.subscribe(&c.reloadSubs, fn)
}

func (c *Coordinator) subscribe(table *map[int]func(string), fn func(string)) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	(*table)[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(*table, id)
		c.mu.Unlock()
	}
}

// Edit forks the chat with messageID rewritten to newContent. Editing a user
// message truncates everything after it, forcing regeneration.
func (c *Coordinator) Edit(ctx context.Context, chatID, messageID, newContent string) error {
	return c.run(ctx, chatID, messageID, types.VersionOperationEdit, newContent)
}

// Retry forks the chat and regenerates the response to messageID.
func (c *Coordinator) Retry(ctx context.Context, chatID, messageID string) error {
	return c.run(ctx, chatID, messageID, types.VersionOperationRetry, "")
}

// Delete forks the chat with history truncated at messageID.
func (c *Coordinator) Delete(ctx context.Context, chatID, messageID string) error {
	return c.run(ctx, chatID, messageID, types.VersionOperationDelete, "")
}

func (c *Coordinator) run(ctx context.Context, chatID, messageID string, kind types.VersionOperation, newContent string) error {
	if !c.begin(chatID, messageID, kind) {
		return ErrOperationInFlight
	}
	defer c.finish(chatID)

	snapshot := c.history.Snapshot(chatID)

	if err := c.applyOptimistic(chatID, messageID, kind, newContent); err != nil {
		return err
	}

	versionChatID, err := c.fork(ctx, chatID, messageID, kind, newContent)
	if err != nil {
		c.rollback(chatID, versionChatID, snapshot)
		return err
	}
	return nil
}

func (c *Coordinator) begin(chatID, messageID string, kind types.VersionOperation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inProgress[chatID]; busy {
		return false
	}
	c.inProgress[chatID] = Operation{Kind: kind, MessageID: messageID}
	return true
}

func (c *Coordinator) finish(chatID string) {
	c.mu.Lock()
	delete(c.inProgress, chatID)
	c.mu.Unlock()
}

func (c *Coordinator) applyOptimistic(chatID, messageID string, kind types.VersionOperation, newContent string) error {
	switch kind {
	case types.VersionOperationDelete:
		if !c.history.TruncateAt(chatID, messageID) {
			return ErrMessageNotFound
		}
	case types.VersionOperationEdit:
		role, ok := c.history.Rewrite(chatID, messageID, newContent)
		if !ok {
			return ErrMessageNotFound
		}
		if role == types.MessageRoleUser {
			c.history.TruncateAfter(chatID, messageID)
		}
	case types.VersionOperationRetry:
		// History is left untouched pending the backend response.
	default:
		return fmt.Errorf("unsupported version operation %q", kind)
	}
	return nil
}

// fork runs the backend half of the operation and returns the new version
// chat id.
// On error the caller rolls back; the returned id (possibly empty) tells the
// rollback which binding to clear.
func (c *Coordinator) fork(ctx context.Context, chatID, messageID string, kind types.VersionOperation, newContent string) (versionChatID string, err error) {
	resp, err := c.backend.NotifyVersioning(ctx, api.VersioningRequest{
		OperationType: kind,
		MessageID:     messageID,
		ChatID:        chatID,
		NewContent:    newContent,
	})
	if err != nil {
		return "", err
	}
	// An idempotent retry of the fork call reports the version as already
	// existing; that is success, not failure.
	if !resp.Success && resp.ErrorCode != api.ErrorCodeVersionExists {
		return "", fmt.Errorf("fork rejected: %s", resp.ErrorCode)
	}
	versionChatID = resp.VersionChatID
	if versionChatID == "" {
		return "", errors.New("fork response missing version chat id")
	}

	// Gate before switching: there must be no window where sending is
	// possible against a not-yet-streaming fork.
	c.gate.Bind(versionChatID, chatID)

	// The new version starts from the optimistically mutated list; a later
	// reload replaces it with backend truth.
	c.history.Replace(versionChatID, c.history.Messages(chatID))

	if err := c.switchTo(ctx, versionChatID); err != nil {
		return versionChatID, err
	}
	c.invalidateVersions(messageID)

	if !resp.NeedsStreaming {
		c.gate.ClearBinding(versionChatID)
		return versionChatID, nil
	}

	req := api.StartTurnRequest{
		Message:           resp.StreamMessage,
		ChatID:            versionChatID,
		IncludeReasoning:  true,
		ExistingMessageID: resp.TargetMessageID,
		AttachedFileIDs:   resp.AttachedFileIDs,
	}
	switch kind {
	case types.VersionOperationEdit:
		req.IsEditRegeneration = true
	case types.VersionOperationRetry:
		req.IsRetry = true
	}
	if err := c.backend.StartTurn(ctx, req); err != nil {
		return versionChatID, err
	}
	c.log.Info("fork started",
		logging.F("op", string(kind)),
		logging.F("chat", chatID),
		logging.F("version_chat", versionChatID),
	)
	return versionChatID, nil
}

// rollback restores the pre-operation snapshot verbatim, clears gating, and
// emits a reload notification so dependent views resynchronize.
func (c *Coordinator) rollback(chatID, versionChatID string, snapshot []types.Message) {
	c.history.Restore(chatID, snapshot)
	if versionChatID != "" {
		c.gate.ClearBinding(versionChatID)
		c.history.Drop(versionChatID)
		c.mu.Lock()
		switchedAway := c.activeChat == versionChatID
		c.mu.Unlock()
		if switchedAway {
			c.commitSwitch(c.switchGen.Add(1), chatID)
		}
	}
	c.log.Warn("fork rolled back", logging.F("chat", chatID), logging.F("version_chat", versionChatID))
	c.notifyReload(chatID)
}

// SwitchChat makes chatID the active chat. The backend sync and history fetch
// happen under a freshly minted switch token; when a later switch supersedes
// this one mid-flight, the stale continuation commits nothing.
func (c *Coordinator) SwitchChat(ctx context.Context, chatID string) error {
	return c.switchTo(ctx, chatID)
}

func (c *Coordinator) switchTo(ctx context.Context, chatID string) error {
	token := c.switchGen.Add(1)

	if err := c.backend.SetActiveChat(ctx, chatID); err != nil {
		return err
	}
	if !c.stillCurrent(token) {
		return nil
	}
	messages, histErr := c.backend.ChatHistory(ctx, chatID)
	if histErr == nil && c.stillCurrent(token) {
		c.history.Replace(chatID, messages)
	}
	if !c.stillCurrent(token) {
		return nil
	}
	c.commitSwitch(token, chatID)
	if histErr != nil {
		// The switch itself stands, but the cache may be stale; tell views
		// to re-fetch ground truth.
		c.log.Warn("history fetch failed on switch", logging.F("chat", chatID), logging.F("err", histErr))
		c.notifyReload(chatID)
	}
	return nil
}

func (c *Coordinator) stillCurrent(token int64) bool {
	return c.switchGen.Load() == token
}

func (c *Coordinator) commitSwitch(token int64, chatID string) {
	c.mu.Lock()
	if c.switchGen.Load() != token {
		c.mu.Unlock()
		return
	}
	c.activeChat = chatID
	subs := make([]func(string), 0, len(c.activeSubs))
	for _, fn := range c.activeSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(chatID)
	}
}

// Versions returns the version lineage for a message, cached until a fork
// invalidates it.
func (c *Coordinator) Versions(ctx context.Context, messageID string) (*types.VersionList, error) {
	c.mu.Lock()
	if cached, ok := c.versionCache[messageID]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	list, err := c.backend.MessageVersions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.versionCache[messageID] = list
	c.mu.Unlock()
	return list, nil
}

// VersionTree returns the full fork lineage for a chat, uncached.
func (c *Coordinator) VersionTree(ctx context.Context, chatID string) ([]types.VersionRecord, error) {
	return c.backend.ChatVersions(ctx, chatID)
}

func (c *Coordinator) invalidateVersions(messageID string) {
	c.mu.Lock()
	delete(c.versionCache, messageID)
	c.mu.Unlock()
}

func (c *Coordinator) notifyReload(chatID string) {
	c.mu.Lock()
	subs := make([]func(string), 0, len(c.reloadSubs))
	for _, fn := range c.reloadSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(chatID)
	}
}
