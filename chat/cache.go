package chat

import "sync"

// statusCache memoizes per-chat "is-still-initial" determinations so
// repeated sends and decrypts skip the directory round-trip. Entries only
// ever transition true to false; a chat observed as bootstrapped can never
// flip back to initial within the process lifetime.
type statusCache struct {
	mu    sync.Mutex
	state map[string]bool
}

func newStatusCache() *statusCache {
	return &statusCache{state: make(map[string]bool)}
}

func (c *statusCache) lookup(chatID string) (value, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok = c.state[chatID]
	return value, ok
}

func (c *statusCache) set(chatID string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.state[chatID]; ok && !existing && v {
		return
	}
	c.state[chatID] = v
}

// invalidate marks the chat as bootstrapped.
func (c *statusCache) invalidate(chatID string) {
	c.set(chatID, false)
}
