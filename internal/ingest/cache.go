// ABOUTME: Latest-value metrics cache, one snapshot per server
// ABOUTME: Backs REST reads for latest metrics and container lists

package ingest

import "sync"

// Cache stores the most recent snapshot for each server. Snapshots are
// treated as immutable once stored.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{snapshots: make(map[string]*Snapshot)}
}

// Put overwrites the snapshot for snap.ServerID.
func (c *Cache) Put(snap *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[snap.ServerID] = snap
}

// Get returns the latest snapshot for serverID.
func (c *Cache) Get(serverID string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[serverID]
	return snap, ok
}

// Containers returns the containers from the latest snapshot, or false if
// the server has not reported yet.
func (c *Cache) Containers(serverID string) ([]Container, bool) {
	snap, ok := c.Get(serverID)
	if !ok {
		return nil, false
	}
	out := make([]Container, len(snap.Containers))
	copy(out, snap.Containers)
	return out, true
}
