package emotion

import (
	"sync"
	"time"
)

// Cache holds the last stable sample. Reads and writes are atomic as a unit.
type Cache struct {
	mu     sync.RWMutex
	sample Sample
	set    bool
}

// Store overwrites the cached sample.
func (c *Cache) Store(s Sample) {
	c.mu.Lock()
	c.sample = s
	c.set = true
	c.mu.Unlock()
}

// Load returns the cached sample, or a zero-confidence neutral sample if
// nothing has been stored yet.
func (c *Cache) Load() Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return Sample{Label: Neutral, Confidence: 0}
	}
	return c.sample
}

// Fresh returns the cached sample when it is younger than ttl at now.
func (c *Cache) Fresh(now time.Time, ttl time.Duration) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set || now.Sub(c.sample.Timestamp) >= ttl {
		return Sample{}, false
	}
	return c.sample, true
}
