package session

import "time"

const (
	promotionSweepInterval = 30 * time.Second
	promotionEntryTTL      = 2 * time.Minute
)

// promotionCache remembers which (chat, user id, assistant id) triples have
// already been promoted, so replayed message_ids frames cannot reconcile the
// same placeholder twice. Entries age out; the cache is swept opportunistically
// on access.
type promotionCache struct {
	now       func() time.Time
	seen      map[promotionKey]time.Time
	lastSweep time.Time
}

type promotionKey struct {
	chatID      string
	userID      string
	assistantID string
}

func newPromotionCache(now func() time.Time) *promotionCache {
	return &promotionCache{
		now:       now,
		seen:      make(map[promotionKey]time.Time),
		lastSweep: now(),
	}
}

func (c *promotionCache) firstSeen(chatID, userID, assistantID string) bool {
	now := c.now()
	c.sweep(now)
	key := promotionKey{chatID: chatID, userID: userID, assistantID: assistantID}
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = now
	return true
}

func (c *promotionCache) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < promotionSweepInterval {
		return
	}
	c.lastSweep = now
	for key, at := range c.seen {
		if now.Sub(at) > promotionEntryTTL {
			delete(c.seen, key)
		}
	}
}
