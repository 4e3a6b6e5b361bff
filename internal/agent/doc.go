// Package agent tracks connected monitoring agents and correlates commands
// sent to them with the responses they eventually return.
//
// # Registry
//
// The Registry holds at most one live Connection per server ID:
//
//	reg := agent.NewRegistry(logger)
//	prev := reg.Register(conn) // prev is the superseded connection, if any
//
// Key operations:
//
//   - Register(conn): Add or replace the connection for conn.ServerID
//   - Get(serverID): Look up the live connection
//   - Unregister(serverID): Remove the entry (idempotent)
//   - UnregisterIf(conn): Remove only if conn is still the live entry
//   - List(): Snapshot of all live connections
//
// # Pending Requests
//
// The PendingTable is an arena of single-resolution slots keyed by request
// ID. Resolve and Expire both take the entry out of the table under one lock,
// so exactly one of them wins for any request:
//
//	ch, _ := pending.Create(id, serverID)
//	pending.Resolve(serverID, id, frame) // delivers to ch and removes the entry
//	pending.Expire(id)                   // false: already resolved
//
// # Dispatcher
//
// The Dispatcher sends a Command to an agent and blocks the caller until a
// response with the matching request_id arrives or the timeout elapses:
//
//	resp, err := d.SendCommand(ctx, serverID, agent.ExecuteCommand("uptime"), 0)
//	switch {
//	case errors.Is(err, agent.ErrAgentOffline):
//	case errors.Is(err, agent.ErrCommandTimeout):
//	}
//
// The connection's read loop is never blocked by a dispatch; it only calls
// PendingTable.Resolve when a response frame arrives.
//
// # Thread Safety
//
// Registry, PendingTable and Dispatcher are safe for concurrent use. The
// registry and pending table use independent locks and no lock is shared
// across connections.
package agent
