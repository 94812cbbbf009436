package oracle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Cache holds the last aggregated price. At most one refresh may be in flight
// at a time; TryBeginRefresh hands out that slot.
type Cache struct {
	mu         sync.Mutex
	value      decimal.Decimal
	capturedAt time.Time
	refreshing bool
	now        func() time.Time
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{now: time.Now}
}

// Snapshot returns the cached value and when it was captured. The value is
// zero until the first successful aggregation.
func (c *Cache) Snapshot() (decimal.Decimal, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.capturedAt
}

// Fresh returns the cached value when it is no older than ttl.
func (c *Cache) Fresh(ttl time.Duration) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capturedAt.IsZero() {
		return c.value, false
	}
	return c.value, c.now().Sub(c.capturedAt) <= ttl
}

// TryBeginRefresh claims the refresh slot. It returns false when another
// caller already holds it.
func (c *Cache) TryBeginRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshing {
		return false
	}
	c.refreshing = true
	return true
}

// EndRefresh releases the refresh slot, storing value when ok.
func (c *Cache) EndRefresh(value decimal.Decimal, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing = false
	if ok {
		c.value = value
		c.capturedAt = c.now()
	}
}

// Refreshing reports whether a refresh is in flight.
func (c *Cache) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing
}
