package moder

import (
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
)

// CachedMsg is one remembered message, enough to locate it for retroactive cleanup.
type CachedMsg struct {
	ID   int
	Text string
	Time time.Time
}

type roomUser struct {
	room int64
	user int64
}

// MessageCache keeps a short-term per (room, user) list of recent messages within a time
// horizon. Entries older than the horizon are purged lazily on every read or write touching
// the key, fully idle keys age out through the cache TTL. Thread-safe.
type MessageCache struct {
	horizon time.Duration
	cache   cache.Cache[roomUser, []CachedMsg]
	mu      sync.Mutex
}

// NewMessageCache creates a MessageCache with the given horizon.
func NewMessageCache(horizon time.Duration) *MessageCache {
	const defaultMaxKeys = 10000
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &MessageCache{
		horizon: horizon,
		cache:   cache.NewCache[roomUser, []CachedMsg]().WithMaxKeys(defaultMaxKeys).WithTTL(horizon),
	}
}

// Add remembers a message for the (room, user) pair, purging expired entries of that key.
func (m *MessageCache) Add(roomID, userID int64, msgID int, text string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := roomUser{room: roomID, user: userID}
	msgs, _ := m.cache.Get(key)
	msgs = m.purge(msgs, time.Now())
	msgs = append(msgs, CachedMsg{ID: msgID, Text: text, Time: ts})
	m.cache.Set(key, msgs, m.horizon)
}

// Recent returns the messages remembered for the (room, user) pair within the horizon.
func (m *MessageCache) Recent(roomID, userID int64) []CachedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := roomUser{room: roomID, user: userID}
	msgs, found := m.cache.Get(key)
	if !found {
		return nil
	}
	fresh := m.purge(msgs, time.Now())
	if len(fresh) != len(msgs) {
		if len(fresh) == 0 {
			m.cache.Invalidate(key)
			return nil
		}
		m.cache.Set(key, fresh, m.horizon)
	}
	res := make([]CachedMsg, len(fresh))
	copy(res, fresh)
	return res
}

// Count returns the number of remembered messages for the (room, user) pair.
func (m *MessageCache) Count(roomID, userID int64) int { return len(m.Recent(roomID, userID)) }

// Cleanup sweeps expired entries across all keys, for the periodic scheduler.
func (m *MessageCache) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, key := range m.cache.Keys() {
		msgs, found := m.cache.Get(key)
		if !found {
			continue
		}
		fresh := m.purge(msgs, now)
		if len(fresh) == 0 {
			m.cache.Invalidate(key)
			continue
		}
		if len(fresh) != len(msgs) {
			m.cache.Set(key, fresh, m.horizon)
		}
	}
}

func (m *MessageCache) purge(msgs []CachedMsg, now time.Time) []CachedMsg {
	cutoff := now.Add(-m.horizon)
	res := make([]CachedMsg, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Time.After(cutoff) {
			res = append(res, msg)
		}
	}
	return res
}
