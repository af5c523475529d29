package api

import "atlas/internal/types"

// StartTurnRequest starts one streaming turn. The streamed output arrives on
// the shared event feed, not on this request's response body.
type StartTurnRequest struct {
	Message            string   `json:"message"`
	ChatID             string   `json:"chat_id"`
	IncludeReasoning   bool     `json:"include_reasoning"`
	ClientID           string   `json:"client_id,omitempty"`
	AttachedFileIDs    []string `json:"attached_file_ids,omitempty"`
	IsEditRegeneration bool     `json:"is_edit_regeneration,omitempty"`
	ExistingMessageID  string   `json:"existing_message_id,omitempty"`
	IsRetry            bool     `json:"is_retry,omitempty"`
}

type VersioningRequest struct {
	OperationType types.VersionOperation `json:"operation_type"`
	MessageID     string                 `json:"message_id"`
	ChatID        string                 `json:"chat_id"`
	NewContent    string                 `json:"new_content,omitempty"`
}

// ErrorCodeVersionExists marks an idempotent retry of a fork call; callers
// treat it as success.
const ErrorCodeVersionExists = "version_already_exists"

type VersioningResponse struct {
	Success         bool     `json:"success"`
	ErrorCode       string   `json:"error_code,omitempty"`
	VersionChatID   string   `json:"version_chat_id"`
	NeedsStreaming  bool     `json:"needs_streaming"`
	StreamMessage   string   `json:"stream_message,omitempty"`
	TargetMessageID string   `json:"target_message_id,omitempty"`
	AttachedFileIDs []string `json:"attached_file_ids,omitempty"`
}

type CreateChatRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type RenameChatRequest struct {
	Name string `json:"name"`
}

type ActiveChatResponse struct {
	ChatID string `json:"chat_id"`
}

type ChatsResponse struct {
	Chats []types.Chat `json:"chats"`
}

type ChatHistoryResponse struct {
	Messages []types.Message `json:"messages"`
}

type ChatVersionsResponse struct {
	Versions []types.VersionRecord `json:"versions"`
}
