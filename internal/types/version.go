package types

import "time"

type VersionOperation string

const (
	VersionOperationOriginal VersionOperation = "original"
	VersionOperationEdit     VersionOperation = "edit"
	VersionOperationRetry    VersionOperation = "retry"
	VersionOperationDelete   VersionOperation = "delete"
)

// KnownVersionOperation reports whether op names a fork operation the
// coordinator can issue, or the synthetic root marker.
func KnownVersionOperation(op VersionOperation) bool {
	switch op {
	case VersionOperationOriginal, VersionOperationEdit, VersionOperationRetry, VersionOperationDelete:
		return true
	}
	return false
}

// VersionRecord is one node in a chat's version tree. Every fork produces a
// new chat id; the lineage is rooted at the original chat id.
type VersionRecord struct {
	VersionNumber       int              `json:"version_number"`
	VersionChatID       string           `json:"version_chat_id"`
	Operation           VersionOperation `json:"operation"`
	CreatedAt           time.Time        `json:"created_at"`
	ParentVersionChatID string           `json:"parent_version_chat_id,omitempty"`
}

// VersionList is the version lineage for a single message, as served by the
// backend, plus the currently active pointer.
type VersionList struct {
	Versions            []VersionRecord `json:"versions"`
	ActiveVersionNumber int             `json:"active_version_number"`
}
