package history

import (
	"sync"

	"atlas/internal/types"
)

// Cache holds the in-memory message list per chat. It is the substrate fork
// operations mutate optimistically and roll back on failure; the backend
// remains the source of truth, so a reload always replaces the cached list
// wholesale.
type Cache struct {
	mu    sync.Mutex
	chats map[string][]types.Message
}

func NewCache() *Cache {
	return &Cache{chats: make(map[string][]types.Message)}
}

// Messages returns a copy of the chat's message list.
func (c *Cache) Messages(chatID string) []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.CloneMessages(c.chats[chatID])
}

// Snapshot deep-copies the current list for later rollback.
func (c *Cache) Snapshot(chatID string) []types.Message {
	return c.Messages(chatID)
}

// Restore replaces the chat's list with a previously captured snapshot.
func (c *Cache) Restore(chatID string, snapshot []types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[chatID] = types.CloneMessages(snapshot)
}

// Replace installs a freshly fetched list.
func (c *Cache) Replace(chatID string, messages []types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[chatID] = types.CloneMessages(messages)
}

// Append adds one message to the end of the chat's list.
func (c *Cache) Append(chatID string, message types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[chatID] = append(c.chats[chatID], message)
}

// Drop forgets a chat entirely.
func (c *Cache) Drop(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chats, chatID)
}

// TruncateAt cuts the list so the target message is removed along with
// everything after it. Returns false when the message is unknown.
func (c *Cache) TruncateAt(chatID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := indexOf(c.chats[chatID], messageID)
	if idx < 0 {
		return false
	}
	c.chats[chatID] = c.chats[chatID][:idx]
	return true
}

// TruncateAfter keeps the target message and removes everything after it.
func (c *Cache) TruncateAfter(chatID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := indexOf(c.chats[chatID], messageID)
	if idx < 0 {
		return false
	}
	c.chats[chatID] = c.chats[chatID][:idx+1]
	return true
}

// Rewrite replaces the content of one message in place. Returns the rewritten
// message's role so callers can decide whether regeneration truncation
// applies.
func (c *Cache) Rewrite(chatID, messageID, content string) (types.MessageRole, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := indexOf(c.chats[chatID], messageID)
	if idx < 0 {
		return "", false
	}
	c.chats[chatID][idx].Content = content
	return c.chats[chatID][idx].Role, true
}

// PromoteIDs reconciles an optimistic placeholder pair with durable backend
// ids: the last user message missing a durable id takes userID, the last
// assistant message takes assistantID.
func (c *Cache) PromoteIDs(chatID, userID, assistantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	messages := c.chats[chatID]
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.MessageRoleAssistant {
			messages[i].ID = assistantID
			break
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.MessageRoleUser {
			messages[i].ID = userID
			break
		}
	}
}

func indexOf(messages []types.Message, messageID string) int {
	for i := range messages {
		if messages[i].ID == messageID {
			return i
		}
	}
	return -1
}
