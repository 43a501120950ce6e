package audit

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/drcubix/gansauditor/pkg/models"
)

// reviewCache deduplicates judge work for identical submissions inside the
// TTL window. Keys are submission fingerprints; a disabled cache is a nil
// receiver and misses everything.
type reviewCache struct {
	lru *expirable.LRU[string, *models.Review]
}

// newReviewCache returns a bounded TTL cache, or nil when disabled.
func newReviewCache(enabled bool, size int, ttl time.Duration) *reviewCache {
	if !enabled || size <= 0 {
		return nil
	}
	return &reviewCache{
		lru: expirable.NewLRU[string, *models.Review](size, nil, ttl),
	}
}

// get returns a copy of the cached review for a fingerprint.
func (c *reviewCache) get(fp string) (*models.Review, bool) {
	if c == nil {
		return nil, false
	}
	r, ok := c.lru.Get(fp)
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// put stores a review. Partial or timed-out reviews are never cached; a
// retry deserves a real judge run.
func (c *reviewCache) put(fp string, r *models.Review) {
	if c == nil || r == nil || r.Partial || r.TimedOut {
		return
	}
	c.lru.Add(fp, r.Clone())
}
