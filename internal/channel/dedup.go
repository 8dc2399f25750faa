package channel

import (
	"strings"
	"sync"
	"time"
)

const defaultDedupMaxAge = 5 * time.Minute

// DedupCache remembers applied saveIds for a bounded age so whichever
// tier's payload arrives first wins and later duplicates are dropped.
type DedupCache struct {
	mu     sync.Mutex
	maxAge time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

func NewDedupCache(maxAge time.Duration) *DedupCache {
	if maxAge <= 0 {
		maxAge = defaultDedupMaxAge
	}
	return &DedupCache{
		maxAge: maxAge,
		seen:   map[string]time.Time{},
		now:    time.Now,
	}
}

// Seen records the saveId and reports whether it was already present and
// not yet aged out.
func (c *DedupCache) Seen(saveID string) bool {
	if c == nil || strings.TrimSpace(saveID) == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.pruneLocked(now)
	if _, ok := c.seen[saveID]; ok {
		return true
	}
	c.seen[saveID] = now
	return false
}

func (c *DedupCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.seen)
}

func (c *DedupCache) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.maxAge)
	for saveID, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, saveID)
		}
	}
}
