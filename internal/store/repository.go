package store

import (
	"context"
	"errors"
	"time"

	"atlas/internal/types"
)

var (
	ErrPendingNotFound = errors.New("pending record not found")
	ErrPendingClaimed  = errors.New("pending record already dispatching")
	ErrPendingTooSoon  = errors.New("pending record attempted too recently")
	ErrPendingCorrupt  = errors.New("pending record corrupt")
)

// PendingStore persists first-message intents keyed by target chat id. The
// durable copy is the single source of truth: in-memory views are re-derived
// from it, never authoritative.
type PendingStore interface {
	List(ctx context.Context) ([]*types.PendingMessageRecord, error)
	Get(ctx context.Context, chatID string) (*types.PendingMessageRecord, bool, error)
	Put(ctx context.Context, record *types.PendingMessageRecord) error
	// Claim atomically moves a record from pending to dispatching on behalf
	// of one dispatch path. It fails with ErrPendingClaimed when another
	// path holds the record, with ErrPendingTooSoon inside the per-source
	// minimum retry interval, and deletes the record outright (returning
	// ErrPendingCorrupt) when its content is unusable.
	Claim(ctx context.Context, chatID string, source types.DispatchSource, minInterval time.Duration) (*types.PendingMessageRecord, error)
	// Release reverts a dispatching record to pending after a failed attempt.
	Release(ctx context.Context, chatID string) error
	// Delete acknowledges confirmed delivery. It is the only valid way a
	// record disappears, corruption aside.
	Delete(ctx context.Context, chatID string) error
}

// MetaStore holds the small durable client-side pointers. Cleared entries are
// removed from storage entirely, never written back empty.
type MetaStore interface {
	PendingChatMeta(ctx context.Context) (*types.PendingChatMeta, bool, error)
	SetPendingChatMeta(ctx context.Context, meta types.PendingChatMeta) error
	ClearPendingChatMeta(ctx context.Context) error

	WorkspaceSelection(ctx context.Context) (*types.WorkspaceSelection, bool, error)
	SetWorkspaceSelection(ctx context.Context, selection types.WorkspaceSelection) error
	ClearWorkspaceSelection(ctx context.Context) error
}

type Repository interface {
	Pending() PendingStore
	Meta() MetaStore
	Close() error
}
