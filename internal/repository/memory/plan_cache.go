package memory

import (
	"context"
	"sync"
	"time"

	"github.com/limiquantix/replan/internal/domain"
	"github.com/limiquantix/replan/internal/plan"
)

type cacheEntry struct {
	rec     plan.Record
	expires time.Time
}

// PlanCache keeps plans by request fingerprint for a limited time.
type PlanCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]cacheEntry
	now  func() time.Time
}

// NewPlanCache creates a cache whose entries expire after ttl. A ttl of 0 keeps
// entries forever.
func NewPlanCache(ttl time.Duration) *PlanCache {
	return &PlanCache{
		ttl:  ttl,
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns the plan cached for key, domain.ErrNotFound on a miss.
func (c *PlanCache) Get(ctx context.Context, key string) (plan.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return plan.Record{}, domain.ErrNotFound
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.data, key)
		return plan.Record{}, domain.ErrNotFound
	}
	return cloneRecord(e.rec), nil
}

// Set caches a plan under key.
func (c *PlanCache) Set(ctx context.Context, key string, rec plan.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := cacheEntry{rec: cloneRecord(rec)}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.data[key] = e
	return nil
}
