// ABOUTME: Subscriber Broadcast Hub for live dashboard pushes per server.
// ABOUTME: Sends outside the lock and evicts subscribers whose send fails.

package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Push types delivered to dashboard subscribers.
const (
	PushMetrics = "metrics"
	PushLog     = "log"
)

// Subscriber is a dashboard send handle. Send must be safe for concurrent
// use and should not block indefinitely.
type Subscriber interface {
	ID() string
	Send(payload []byte) error
}

// Push is the envelope of every server-initiated dashboard message.
type Push struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// EncodePush renders a push envelope with an ISO-8601 timestamp.
func EncodePush(pushType string, data any, ts time.Time) ([]byte, error) {
	payload, err := json.Marshal(Push{
		Type:      pushType,
		Data:      data,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s push: %w", pushType, err)
	}
	return payload, nil
}

// Hub holds subscriber sets keyed by server ID.
type Hub struct {
	name        string
	mu          sync.RWMutex
	subscribers map[string]map[string]Subscriber // serverID -> subID -> sub
	logger      *slog.Logger
}

// New creates a hub. name distinguishes instances in logs. Pass nil logger
// for default.
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:        name,
		subscribers: make(map[string]map[string]Subscriber),
		logger:      logger.With("component", "hub", "hub", name),
	}
}

// Name returns the hub's topic name.
func (h *Hub) Name() string {
	return h.name
}

// Subscribe adds sub to the set for serverID.
func (h *Hub) Subscribe(sub Subscriber, serverID string) {
	h.mu.Lock()
	subs, ok := h.subscribers[serverID]
	if !ok {
		subs = make(map[string]Subscriber)
		h.subscribers[serverID] = subs
	}
	subs[sub.ID()] = sub
	count := len(subs)
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "server_id", serverID, "sub_id", sub.ID(), "subscribers", count)
}

// Unsubscribe removes sub from the set for serverID. Unknown subscribers are
// ignored.
func (h *Hub) Unsubscribe(sub Subscriber, serverID string) {
	if h.remove(serverID, sub.ID()) {
		h.logger.Debug("subscriber removed", "server_id", serverID, "sub_id", sub.ID())
	}
}

// Broadcast delivers payload to every subscriber of serverID and returns how
// many deliveries succeeded. Subscribers whose send fails are removed.
func (h *Hub) Broadcast(serverID string, payload []byte) int {
	h.mu.RLock()
	subs, ok := h.subscribers[serverID]
	if !ok || len(subs) == 0 {
		h.mu.RUnlock()
		return 0
	}

	// Copy under read lock so sends never hold it.
	targets := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		failed    []Subscriber
	)
	for _, sub := range targets {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			if err := sub.Send(payload); err != nil {
				h.logger.Debug("dropping failed subscriber",
					"server_id", serverID,
					"sub_id", sub.ID(),
					"error", err)
				mu.Lock()
				failed = append(failed, sub)
				mu.Unlock()
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(sub)
	}
	wg.Wait()

	for _, sub := range failed {
		h.remove(serverID, sub.ID())
	}
	return delivered
}

// Len returns the number of subscribers for serverID.
func (h *Hub) Len(serverID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[serverID])
}

// Close drops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.subscribers)
	h.logger.Debug("hub closed")
}

func (h *Hub) remove(serverID, subID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[serverID]
	if !ok {
		return false
	}
	if _, exists := subs[subID]; !exists {
		return false
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.subscribers, serverID)
	}
	return true
}
