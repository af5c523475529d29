package types

import "time"

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	Role        MessageRole  `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// CloneMessages deep-copies a message list. Fork rollback snapshots rely on
// the copy being independent of the live slice.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Attachments != nil {
			out[i].Attachments = append([]Attachment(nil), out[i].Attachments...)
		}
	}
	return out
}
