package rules

import (
	"sync"
	"time"

	"campusnotify/internal/model"
)

// Cache memoizes the selected active rule per trigger type.
//
// Entries expire after TTL. Every rule write through Service calls
// Invalidate, so the TTL only bounds staleness for writes made by other
// processes sharing the same database.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[model.TriggerType]cacheEntry
}

type cacheEntry struct {
	rule    model.AutomationRule
	ok      bool
	expires time.Time
}

// NewCache returns a cache with the given TTL. ttl <= 0 disables caching.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: map[model.TriggerType]cacheEntry{}}
}

func (c *Cache) Get(t model.TriggerType, now time.Time) (rule model.AutomationRule, ok bool, hit bool) {
	if c == nil || c.ttl <= 0 {
		return model.AutomationRule{}, false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[t]
	if !found || !now.Before(e.expires) {
		return model.AutomationRule{}, false, false
	}
	return e.rule, e.ok, true
}

// Put stores the lookup result, including a negative one (ok=false).
func (c *Cache) Put(t model.TriggerType, rule model.AutomationRule, ok bool, now time.Time) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[t] = cacheEntry{rule: rule, ok: ok, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops every entry.
func (c *Cache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = map[model.TriggerType]cacheEntry{}
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
