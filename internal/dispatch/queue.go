package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"atlas/internal/api"
	"atlas/internal/logging"
	"atlas/internal/store"
	"atlas/internal/types"
)

const derivedNameMaxLen = 48

// gcGrace is how long a pending record is exempt from garbage collection. A
// freshly minted chat is absent from the server's list until its first
// message round-trips, and its record must survive that window.
const gcGrace = time.Minute

// Backend is the slice of the API client the queue needs.
type Backend interface {
	StartTurn(ctx context.Context, req api.StartTurnRequest) error
	CreateChat(ctx context.Context, req api.CreateChatRequest) (*types.Chat, error)
	RenameChat(ctx context.Context, chatID, name string) error
}

// ViewReadyFunc reports whether the chat's live view is mounted and idle, the
// precondition for the active-view dispatch path.
type ViewReadyFunc func(chatID string) bool

// Queue is the durable pending-message dispatcher. A first message queued for
// a chat that may not yet exist server-side is persisted as a pending record;
// the active-view and bootstrap paths both try to deliver it, serialized by
// the store's atomic claim, and the record is deleted only on confirmed
// acceptance.
type Queue struct {
	pending   store.PendingStore
	meta      store.MetaStore
	backend   Backend
	viewReady ViewReadyFunc
	log       logging.Logger

	activeInterval    time.Duration
	bootstrapInterval time.Duration

	mu          sync.Mutex
	initialized bool
}

type Options struct {
	ActiveRetryInterval    time.Duration
	BootstrapRetryInterval time.Duration
	ViewReady              ViewReadyFunc
}

func NewQueue(repo store.Repository, backend Backend, log logging.Logger, opts Options) *Queue {
	if log == nil {
		log = logging.Nop()
	}
	if opts.ActiveRetryInterval <= 0 {
		opts.ActiveRetryInterval = 750 * time.Millisecond
	}
	if opts.BootstrapRetryInterval <= 0 {
		opts.BootstrapRetryInterval = 5 * time.Second
	}
	viewReady := opts.ViewReady
	if viewReady == nil {
		viewReady = func(string) bool { return false }
	}
	return &Queue{
		pending:           repo.Pending(),
		meta:              repo.Meta(),
		backend:           backend,
		viewReady:         viewReady,
		log:               log.With(logging.F("component", "dispatch")),
		activeInterval:    opts.ActiveRetryInterval,
		bootstrapInterval: opts.BootstrapRetryInterval,
	}
}

// SetViewReady installs the mounted-and-idle predicate after construction,
// once the view layer exists.
func (q *Queue) SetViewReady(fn ViewReadyFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fn != nil {
		q.viewReady = fn
	}
}

// Enqueue persists a first-message intent for chatID and records it as the
// pending active chat so a reload lands back on it.
func (q *Queue) Enqueue(ctx context.Context, chatID, message string, attachments []types.Attachment) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("chat id is required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("refusing to queue an empty message")
	}
	record := &types.PendingMessageRecord{
		ChatID:      chatID,
		Message:     message,
		Attachments: attachments,
		DerivedName: DeriveName(message),
		Status:      types.PendingStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := q.pending.Put(ctx, record); err != nil {
		return err
	}
	if err := q.meta.SetPendingChatMeta(ctx, types.PendingChatMeta{
		ActiveChatID: chatID,
		UpdatedAt:    record.CreatedAt,
	}); err != nil {
		return err
	}
	q.log.Info("queued pending message", logging.F("chat", chatID))
	return nil
}

// Pending returns the stored record for chatID, if any.
func (q *Queue) Pending(ctx context.Context, chatID string) (*types.PendingMessageRecord, bool, error) {
	return q.pending.Get(ctx, chatID)
}

// DispatchActive is the active-view path: it fires once the chat's live view
// is mounted and idle, at most once per minimum retry interval. A claim lost
// to the bootstrap path is not an error.
func (q *Queue) DispatchActive(ctx context.Context, chatID string) error {
	if !q.currentViewReady(chatID) {
		return nil
	}
	record, err := q.pending.Claim(ctx, chatID, types.DispatchSourceActive, q.activeInterval)
	if err != nil {
		return ignorableClaimErr(err)
	}
	return q.deliver(ctx, record, false)
}

// DispatchBootstrap is the startup path: it walks every stored record and
// delivers each directly, without requiring a mounted view. Individual
// failures revert the record to pending for a later retry.
func (q *Queue) DispatchBootstrap(ctx context.Context) error {
	records, err := q.pending.List(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, stub := range records {
		// No status filtering here: the claim itself refuses records held by
		// a live dispatcher and reclaims leases orphaned by a crash.
		record, err := q.pending.Claim(ctx, stub.ChatID, types.DispatchSourceBootstrap, q.bootstrapInterval)
		if err != nil {
			if e := ignorableClaimErr(err); e != nil && firstErr == nil {
				firstErr = e
			}
			continue
		}
		if err := q.deliver(ctx, record, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkInitialized tells the queue the session list is now authoritative, so
// garbage collection may prune records for unknown chats.
func (q *Queue) MarkInitialized() {
	q.mu.Lock()
	q.initialized = true
	q.mu.Unlock()
}

// GC prunes records whose chat id is absent from the known session set.
// Before MarkInitialized it is a no-op, and records still inside the grace
// window are left alone regardless of the known set.
func (q *Queue) GC(ctx context.Context, knownChatIDs []string) error {
	q.mu.Lock()
	initialized := q.initialized
	q.mu.Unlock()
	if !initialized {
		return nil
	}
	known := make(map[string]struct{}, len(knownChatIDs))
	for _, id := range knownChatIDs {
		known[id] = struct{}{}
	}
	records, err := q.pending.List(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if _, ok := known[record.ChatID]; ok {
			continue
		}
		if time.Since(record.CreatedAt) < gcGrace {
			continue
		}
		if err := q.pending.Delete(ctx, record.ChatID); err != nil {
			return err
		}
		q.log.Info("pruned orphaned pending record", logging.F("chat", record.ChatID))
	}
	return nil
}

// deliver sends one claimed record. Success deletes the record, the sole
// acknowledgment signal; failure releases it back to pending.
func (q *Queue) deliver(ctx context.Context, record *types.PendingMessageRecord, bootstrap bool) error {
	if bootstrap {
		if err := q.ensureChat(ctx, record); err != nil {
			q.releaseAfterFailure(ctx, record.ChatID, err)
			return err
		}
	}
	req := api.StartTurnRequest{
		Message:          record.Message,
		ChatID:           record.ChatID,
		IncludeReasoning: true,
	}
	for _, attachment := range record.Attachments {
		req.AttachedFileIDs = append(req.AttachedFileIDs, attachment.ID)
	}
	if err := q.backend.StartTurn(ctx, req); err != nil {
		q.releaseAfterFailure(ctx, record.ChatID, err)
		return err
	}
	if err := q.pending.Delete(ctx, record.ChatID); err != nil {
		return err
	}
	_ = q.clearMetaIfOwned(ctx, record.ChatID)
	q.log.Info("pending message delivered", logging.F("chat", record.ChatID), logging.F("bootstrap", bootstrap))
	return nil
}

// ensureChat makes the chat row and its derived name exist server-side before
// a bootstrap send. An already-existing row is fine.
func (q *Queue) ensureChat(ctx context.Context, record *types.PendingMessageRecord) error {
	_, err := q.backend.CreateChat(ctx, api.CreateChatRequest{
		ID:   record.ChatID,
		Name: record.DerivedName,
	})
	if err != nil {
		apiErr := api.AsError(err)
		if apiErr == nil || apiErr.StatusCode != http.StatusConflict {
			return err
		}
	}
	if record.DerivedName == "" {
		return nil
	}
	return q.backend.RenameChat(ctx, record.ChatID, record.DerivedName)
}

func (q *Queue) releaseAfterFailure(ctx context.Context, chatID string, cause error) {
	q.log.Warn("pending dispatch failed", logging.F("chat", chatID), logging.F("err", cause))
	if err := q.pending.Release(ctx, chatID); err != nil && !errors.Is(err, store.ErrPendingNotFound) {
		q.log.Error("pending release failed", logging.F("chat", chatID), logging.F("err", err))
	}
}

func (q *Queue) clearMetaIfOwned(ctx context.Context, chatID string) error {
	meta, ok, err := q.meta.PendingChatMeta(ctx)
	if err != nil || !ok {
		return err
	}
	if meta.ActiveChatID != chatID {
		return nil
	}
	return q.meta.ClearPendingChatMeta(ctx)
}

func (q *Queue) currentViewReady(chatID string) bool {
	q.mu.Lock()
	fn := q.viewReady
	q.mu.Unlock()
	return fn(chatID)
}

// ignorableClaimErr filters the claim outcomes that only mean "not now":
// missing records, records held by the other path, and records inside their
// retry window. Corruption is resolved by the claim itself (deletion).
func ignorableClaimErr(err error) error {
	switch {
	case errors.Is(err, store.ErrPendingNotFound),
		errors.Is(err, store.ErrPendingClaimed),
		errors.Is(err, store.ErrPendingTooSoon),
		errors.Is(err, store.ErrPendingCorrupt):
		return nil
	default:
		return err
	}
}

// DeriveName produces a chat name from the first message, in lieu of a
// backend-generated title.
func DeriveName(message string) string {
	name := strings.Join(strings.Fields(message), " ")
	if len(name) > derivedNameMaxLen {
		cut := strings.LastIndex(name[:derivedNameMaxLen], " ")
		if cut <= 0 {
			cut = derivedNameMaxLen
		}
		name = name[:cut]
	}
	return name
}
