package pipeline

import "sync"

// cacheEntry is one cached stage output together with the input fingerprint
// it was computed from.
type cacheEntry struct {
	state       *FlowState
	fingerprint Fingerprint
	validity    TimeInterval
}

// StateCache holds the cached outputs of one stage, keyed by evaluation time.
// The mutex only serves off-loop readers (the monitor API); all mutation
// happens on the main loop.
type StateCache struct {
	mu      sync.Mutex
	entries map[Time]cacheEntry
}

// NewStateCache creates an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{entries: make(map[Time]cacheEntry)}
}

// Lookup returns the entry cached for t, if any.
func (c *StateCache) Lookup(t Time) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[t]
	return e, ok
}

// Store caches state for t, remembering the input fingerprint it was derived
// from.
func (c *StateCache) Store(t Time, state *FlowState, fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[t] = cacheEntry{state: state, fingerprint: fp, validity: state.Validity()}
}

// Invalidate drops the entry for t.
func (c *StateCache) Invalidate(t Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, t)
}

// InvalidateAll drops every entry.
func (c *StateCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of cached entries.
func (c *StateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
