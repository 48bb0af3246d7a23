package sink

import (
	"sync"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// recordCache is a short-lived read cache of tabular records keyed by
// target+identity. It exists so template placeholder resolution does not
// re-query the store on every question; it is never the source of truth.
// Entries expire after the TTL and are invalidated on every write.
type recordCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	record    *models.Record
	fetchedAt time.Time
}

func newRecordCache(ttl time.Duration, now func() time.Time) *recordCache {
	return &recordCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(target, identity string) string {
	return target + "\x00" + identity
}

func (c *recordCache) get(target, identity string) (*models.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(target, identity)]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.fetchedAt) > c.ttl {
		delete(c.entries, cacheKey(target, identity))
		return nil, false
	}
	return entry.record, true
}

func (c *recordCache) put(target, identity string, rec *models.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(target, identity)] = cacheEntry{record: rec, fetchedAt: c.now()}
}

func (c *recordCache) invalidate(target, identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(target, identity))
}
