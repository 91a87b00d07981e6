// Package hookstate is the in-memory per-session hot cache the hook API
// reads between store writes: last-activity timestamp and active batch id.
// The cache is authoritative only between writes; any background recovery
// that mutates session or batch status must invalidate the entry.
package hookstate

import (
	"sync"
	"time"
)

// SessionState is the cached hot state for one session.
type SessionState struct {
	SessionID     string
	ActiveBatchID string
	LastActivity  time.Time
	PromptCount   int
}

// Cache holds per-session state with per-session locking.
type Cache struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

type sessionEntry struct {
	mu    sync.Mutex
	state SessionState
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{sessions: make(map[string]*sessionEntry)}
}

func (c *Cache) entry(sessionID string) *sessionEntry {
	c.mu.RLock()
	e, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if ok {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.sessions[sessionID]; ok {
		return e
	}
	e = &sessionEntry{state: SessionState{SessionID: sessionID}}
	c.sessions[sessionID] = e
	return e
}

// Touch records hook activity for the session.
func (c *Cache) Touch(sessionID string, at time.Time) {
	e := c.entry(sessionID)
	e.mu.Lock()
	if at.After(e.state.LastActivity) {
		e.state.LastActivity = at
	}
	e.mu.Unlock()
}

// SetActiveBatch records the batch now accepting activities and bumps the
// prompt count.
func (c *Cache) SetActiveBatch(sessionID, batchID string) {
	e := c.entry(sessionID)
	e.mu.Lock()
	e.state.ActiveBatchID = batchID
	e.state.PromptCount++
	e.state.LastActivity = time.Now()
	e.mu.Unlock()
}

// ClearActiveBatch drops the active batch marker, keeping the session entry.
func (c *Cache) ClearActiveBatch(sessionID string) {
	e := c.entry(sessionID)
	e.mu.Lock()
	e.state.ActiveBatchID = ""
	e.mu.Unlock()
}

// Get returns a copy of the session state and whether it was cached.
func (c *Cache) Get(sessionID string) (SessionState, bool) {
	c.mu.RLock()
	e, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return SessionState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// ActiveBatch returns the cached active batch id, "" when none.
func (c *Cache) ActiveBatch(sessionID string) string {
	s, _ := c.Get(sessionID)
	return s.ActiveBatchID
}

// Invalidate removes the session entry entirely. Recovery paths call this
// after mutating session or batch status in the store.
func (c *Cache) Invalidate(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// InvalidateAll drops every entry, e.g. after a backup restore.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.sessions = make(map[string]*sessionEntry)
	c.mu.Unlock()
}

// LastActivity returns the most recent cached activity across all sessions,
// or the zero time when the cache is empty.
func (c *Cache) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var latest time.Time
	for _, e := range c.sessions {
		e.mu.Lock()
		if e.state.LastActivity.After(latest) {
			latest = e.state.LastActivity
		}
		e.mu.Unlock()
	}
	return latest
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
