// ABOUTME: Pending-Request Table of in-flight commands awaiting a response.
// ABOUTME: Resolve and Expire take the entry atomically so exactly one wins.

package agent

import (
	"sync"
	"time"
)

type pendingRequest struct {
	requestID string
	serverID  string
	createdAt time.Time
	slot      chan Frame
}

// PendingTable correlates request IDs with waiting callers.
type PendingTable struct {
	entries map[string]*pendingRequest
	mu      sync.Mutex
}

// NewPendingTable creates an empty PendingTable.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]*pendingRequest)}
}

// Create inserts a fresh slot for requestID owned by serverID. The returned
// channel receives at most one frame and is never closed.
func (t *PendingTable) Create(requestID, serverID string) (<-chan Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[requestID]; exists {
		return nil, ErrDuplicateRequest
	}
	req := &pendingRequest{
		requestID: requestID,
		serverID:  serverID,
		createdAt: time.Now(),
		slot:      make(chan Frame, 1),
	}
	t.entries[requestID] = req
	return req.slot, nil
}

// Resolve delivers frame to the caller waiting on requestID and removes the
// entry. Unknown or already-expired IDs are a no-op and return false, as is
// a frame from a server other than the one the request was sent to; that
// entry stays pending.
func (t *PendingTable) Resolve(serverID, requestID string, frame Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[requestID]
	if !ok || req.serverID != serverID {
		return false
	}
	delete(t.entries, requestID)
	// slot has capacity one and only the taker writes to it, so this never
	// blocks while holding the lock.
	req.slot <- frame
	return true
}

// Expire removes requestID and reports whether it was still pending.
func (t *PendingTable) Expire(requestID string) bool {
	return t.take(requestID) != nil
}

// ExpireAll expires every listed request and returns how many were still
// pending.
func (t *PendingTable) ExpireAll(requestIDs []string) int {
	n := 0
	for _, id := range requestIDs {
		if t.Expire(id) {
			n++
		}
	}
	return n
}

// Len returns the number of pending requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *PendingTable) take(requestID string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[requestID]
	if !ok {
		return nil
	}
	delete(t.entries, requestID)
	return req
}
