package directory

import (
	"sync"
	"time"

	"github.com/mbd888/replikanto/internal/retry"
)

// DirectoryCache remembers which lists a device follows. Entries share one
// generation: once the TTL since the generation started has passed, the
// whole cache is dropped, never single entries.
type DirectoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   retry.Clock
	started time.Time
	entries map[string][]string
}

// NewDirectoryCache creates a cache. A nil clock uses the wall clock.
func NewDirectoryCache(ttl time.Duration, clock retry.Clock) *DirectoryCache {
	if clock == nil {
		clock = retry.RealClock{}
	}
	return &DirectoryCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string][]string),
	}
}

// Get returns the cached list ids for deviceID.
func (c *DirectoryCache) Get(deviceID string) ([]string, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	expired := c.expired(now)
	ids, ok := c.entries[deviceID]
	c.mu.RUnlock()

	if expired {
		c.mu.Lock()
		if c.expired(now) {
			c.reset()
		}
		c.mu.Unlock()
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return append([]string(nil), ids...), true
}

// Put stores ids for deviceID, starting a new generation when empty.
func (c *DirectoryCache) Put(deviceID string, ids []string) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(now) {
		c.reset()
	}
	if len(c.entries) == 0 {
		c.started = now
	}
	c.entries[deviceID] = append([]string(nil), ids...)
}

// Invalidate drops every entry.
func (c *DirectoryCache) Invalidate() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
}

// Len returns the number of cached devices.
func (c *DirectoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *DirectoryCache) expired(now time.Time) bool {
	return len(c.entries) > 0 && now.Sub(c.started) >= c.ttl
}

func (c *DirectoryCache) reset() {
	c.entries = make(map[string][]string)
	c.started = time.Time{}
}
