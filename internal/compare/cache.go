package compare

import (
	"fmt"
	"time"

	"github.com/davidroman0O/refsetlite/types"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

type entry struct {
	comparison *Comparison
	expires    time.Time
}

type CacheOption func(*Cache)

// WithTTL bounds how long an uncollected comparison is kept. Zero keeps it forever.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache holds compiled comparisons per session. Each one can be taken once.
type Cache struct {
	mu       deadlock.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]map[string]entry
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:      30 * time.Minute,
		now:      time.Now,
		sessions: map[string]map[string]entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores comparison under a fresh handle for session and returns the handle.
func (c *Cache) Put(session string, comparison *Comparison) string {
	handle := uuid.NewString()
	comparison.Handle = handle

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	entries, ok := c.sessions[session]
	if !ok {
		entries = map[string]entry{}
		c.sessions[session] = entries
	}
	e := entry{comparison: comparison}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	entries[handle] = e
	return handle
}

// Take returns the comparison and forgets it.
func (c *Cache) Take(session, handle string) (*Comparison, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	entries := c.sessions[session]
	e, ok := entries[handle]
	if !ok {
		return nil, fmt.Errorf("%w: comparison %s", types.ErrNotFound, handle)
	}
	delete(entries, handle)
	if len(entries) == 0 {
		delete(c.sessions, session)
	}
	return e.comparison, nil
}

// Len counts the comparisons still waiting to be taken.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	n := 0
	for _, entries := range c.sessions {
		n += len(entries)
	}
	return n
}

// Sweep drops the expired comparisons and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prune()
}

// prune drops expired entries. Caller holds mu.
func (c *Cache) prune() int {
	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	dropped := 0
	for session, entries := range c.sessions {
		for handle, e := range entries {
			if now.After(e.expires) {
				delete(entries, handle)
				dropped++
			}
		}
		if len(entries) == 0 {
			delete(c.sessions, session)
		}
	}
	return dropped
}
