// Package msgcache keeps the messages of open help sessions in memory until
// the session is scored.
package msgcache

import (
	"sync"
	"time"
)

// Message is the scoring-relevant projection of a chat message.
type Message struct {
	SpaceID   string
	AuthorID  string
	Automated bool
	Length    int // rune count of the content
	SentAt    time.Time
}

type entry struct {
	mu       sync.Mutex
	messages []Message
	last     time.Time
	dropped  int
	sealed   bool
}

// Cache maps a reservation id to its ordered messages. Entries are created
// lazily on the first Append and removed by Flush.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	maxPerKey int
}

// New creates a cache that keeps at most maxPerKey messages per
// reservation. Later messages still update the last activity time. A
// maxPerKey of zero means unbounded.
func New(maxPerKey int) *Cache {
	return &Cache{entries: make(map[string]*entry), maxPerKey: maxPerKey}
}

func (c *Cache) entry(key string, create bool) *entry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok || !create {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[key]; ok {
		return e
	}
	e = &entry{}
	c.entries[key] = e
	return e
}

// Start registers key with an initial activity time so an idle session is
// still visible to LastActivity.
func (c *Cache) Start(key string, at time.Time) {
	e := c.entry(key, true)
	e.mu.Lock()
	if e.last.Before(at) {
		e.last = at
	}
	e.mu.Unlock()
}

// Seal freezes key's messages. Once sealed, Append refuses new messages
// and they no longer count as activity, so every scoring attempt of a
// closing session sees the same messages. Flush removes the seal.
func (c *Cache) Seal(key string) {
	e := c.entry(key, true)
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}

// Sealed reports whether key was sealed.
func (c *Cache) Sealed(key string) bool {
	e := c.entry(key, false)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sealed
}

// Append adds msg to key's list. Automated messages and messages for a
// sealed key are discarded. It reports whether the message was stored.
func (c *Cache) Append(key string, msg Message) bool {
	if msg.Automated {
		return false
	}
	e := c.entry(key, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return false
	}
	if e.last.Before(msg.SentAt) {
		e.last = msg.SentAt
	}
	if c.maxPerKey > 0 && len(e.messages) >= c.maxPerKey {
		e.dropped++
		return false
	}
	e.messages = append(e.messages, msg)
	return true
}

// Messages returns a copy of key's messages in append order.
func (c *Cache) Messages(key string) []Message {
	e := c.entry(key, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// LastActivity returns the time of the most recent message or Start call.
func (c *Cache) LastActivity(key string) (time.Time, bool) {
	e := c.entry(key, false)
	if e == nil {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, true
}

// Dropped returns how many messages were refused for capacity.
func (c *Cache) Dropped(key string) int {
	e := c.entry(key, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Flush removes key and returns what it held.
func (c *Cache) Flush(key string) []Message {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messages
}

// Len returns the number of tracked reservations.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
