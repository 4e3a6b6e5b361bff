// ABOUTME: Connection Registry holding the single live connection per server.
// ABOUTME: Registration overwrites; removal is idempotent and identity-aware.

package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// FrameSender transmits an encoded frame to an agent. Implementations must be
// safe for concurrent use.
type FrameSender interface {
	SendFrame(data []byte) error
}

// Connection is a registered agent connection.
type Connection struct {
	ServerID     string
	RegisteredAt time.Time
	RemoteAddr   string

	sender FrameSender
}

// NewConnection creates a Connection for serverID using sender to transmit.
func NewConnection(serverID string, sender FrameSender) *Connection {
	return &Connection{
		ServerID:     serverID,
		RegisteredAt: time.Now().UTC(),
		sender:       sender,
	}
}

// Send transmits an encoded frame on the connection.
func (c *Connection) Send(data []byte) error {
	return c.sender.SendFrame(data)
}

// Sender returns the underlying send handle.
func (c *Connection) Sender() FrameSender {
	return c.sender
}

// ConnectionInfo is a read-only view of a registered connection.
type ConnectionInfo struct {
	ServerID     string    `json:"server_id"`
	RegisteredAt time.Time `json:"registered_at"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
}

// Registry tracks the live connection for each server.
type Registry struct {
	conns  map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger.With("component", "registry"),
	}
}

// Register makes conn the live connection for conn.ServerID, replacing any
// existing entry. The superseded connection is returned, or nil.
func (r *Registry) Register(conn *Connection) *Connection {
	r.mu.Lock()
	prev := r.conns[conn.ServerID]
	r.conns[conn.ServerID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.logger.Warn("agent connection replaced",
			"server_id", conn.ServerID,
			"previous_registered_at", prev.RegisteredAt,
		)
	} else {
		prev = nil
	}
	r.logger.Info("agent registered", "server_id", conn.ServerID, "total_agents", total)
	return prev
}

// Get returns the live connection for serverID.
func (r *Registry) Get(serverID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[serverID]
	return conn, ok
}

// Unregister removes the entry for serverID if present.
func (r *Registry) Unregister(serverID string) {
	r.mu.Lock()
	_, ok := r.conns[serverID]
	delete(r.conns, serverID)
	total := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.logger.Info("agent unregistered", "server_id", serverID, "total_agents", total)
	}
}

// UnregisterIf removes conn only while it is still the live entry for its
// server. It reports whether an entry was removed.
func (r *Registry) UnregisterIf(conn *Connection) bool {
	r.mu.Lock()
	cur, ok := r.conns[conn.ServerID]
	removed := ok && cur == conn
	if removed {
		delete(r.conns, conn.ServerID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if removed {
		r.logger.Info("agent unregistered", "server_id", conn.ServerID, "total_agents", total)
	}
	return removed
}

// List returns all live connections ordered by server ID.
func (r *Registry) List() []ConnectionInfo {
	r.mu.RLock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, ConnectionInfo{
			ServerID:     c.ServerID,
			RegisteredAt: c.RegisteredAt,
			RemoteAddr:   c.RemoteAddr,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
