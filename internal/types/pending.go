package types

import (
	"strings"
	"time"
)

type PendingStatus string

const (
	PendingStatusPending     PendingStatus = "pending"
	PendingStatusDispatching PendingStatus = "dispatching"
)

type DispatchSource string

const (
	DispatchSourceActive    DispatchSource = "active"
	DispatchSourceBootstrap DispatchSource = "bootstrap"
)

// PendingMessageRecord is a durably stored first-message intent, keyed by the
// target chat id. Deletion of the record is the only acknowledgment signal;
// a record with status "pending" has never been confirmed delivered.
type PendingMessageRecord struct {
	ChatID             string         `json:"chat_id"`
	Message            string         `json:"message"`
	Attachments        []Attachment   `json:"attachments,omitempty"`
	DerivedName        string         `json:"derived_name,omitempty"`
	Status             PendingStatus  `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
	// LastAttemptAt stamps every claim and doubles as the lease clock; the
	// per-source times drive each path's retry throttle.
	LastAttemptAt      time.Time      `json:"last_attempt_at,omitzero"`
	ActiveAttemptAt    time.Time      `json:"active_attempt_at,omitzero"`
	BootstrapAttemptAt time.Time      `json:"bootstrap_attempt_at,omitzero"`
	DispatchSource     DispatchSource `json:"dispatch_source,omitempty"`
}

// Corrupt reports whether the record carries no usable intent and should be
// deleted on sight.
func (r *PendingMessageRecord) Corrupt() bool {
	return r == nil || strings.TrimSpace(r.Message) == ""
}

// PendingChatMeta remembers which chat the user was looking at when a pending
// send was queued, so a reload can land back on it.
type PendingChatMeta struct {
	ActiveChatID string    `json:"active_chat_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WorkspaceSelection is the durable pointer to the currently selected
// workspace.
type WorkspaceSelection struct {
	WorkspaceID string    `json:"workspace_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}
