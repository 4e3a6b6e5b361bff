// ABOUTME: Command Dispatcher sending commands to agents and awaiting replies.
// ABOUTME: Blocks only the caller; resolution is driven by the connection read loop.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCommandTimeout bounds a dispatch when the caller passes no timeout.
const DefaultCommandTimeout = 10 * time.Second

// Dispatch outcomes reported to an Observer.
const (
	OutcomeOK        = "ok"
	OutcomeOffline   = "offline"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
	OutcomeCanceled  = "canceled"
)

// Observer receives the outcome of every dispatch.
type Observer interface {
	ObserveCommand(commandType, outcome string, elapsed time.Duration)
}

// Dispatcher sends commands over registered connections and correlates the
// responses through a PendingTable.
type Dispatcher struct {
	registry       *Registry
	pending        *PendingTable
	defaultTimeout time.Duration
	observer       Observer
	logger         *slog.Logger

	// inflight tracks request IDs per connection for teardown expiry.
	inflight map[*Connection]map[string]struct{}
	mu       sync.Mutex
}

// NewDispatcher creates a Dispatcher. A non-positive defaultTimeout uses
// DefaultCommandTimeout.
func NewDispatcher(registry *Registry, pending *PendingTable, defaultTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:       registry,
		pending:        pending,
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "dispatcher"),
		inflight:       make(map[*Connection]map[string]struct{}),
	}
}

// SetObserver installs o to receive dispatch outcomes.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// SendCommand transmits cmd to the agent for serverID and waits for the
// correlated response. A non-positive timeout uses the default.
//
// Errors: ErrAgentOffline when no connection is registered (no pending entry
// is created), *TransportError when the frame could not be sent,
// ErrCommandTimeout when the deadline passes, or the wrapped context error.
// An agent-reported failure is a successful return; inspect Frame.AppError.
func (d *Dispatcher) SendCommand(ctx context.Context, serverID string, cmd Command, timeout time.Duration) (Frame, error) {
	start := time.Now()
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	conn, ok := d.registry.Get(serverID)
	if !ok {
		d.observe(cmd.Type, OutcomeOffline, start)
		return Frame{}, ErrAgentOffline
	}

	requestID := uuid.New().String()
	data, err := cmd.Encode(requestID)
	if err != nil {
		return Frame{}, err
	}

	slot, err := d.pending.Create(requestID, serverID)
	if err != nil {
		return Frame{}, fmt.Errorf("creating pending request: %w", err)
	}
	d.track(conn, requestID)
	defer d.untrack(conn, requestID)

	logger := d.logger.With("server_id", serverID, "request_id", requestID, "command", cmd.Type)

	if err := conn.Send(data); err != nil {
		d.pending.Expire(requestID)
		d.observe(cmd.Type, OutcomeTransport, start)
		logger.Warn("failed to send command", "error", err)
		return Frame{}, &TransportError{ServerID: serverID, Err: err}
	}
	logger.Debug("command sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		d.observe(cmd.Type, OutcomeOK, start)
		logger.Debug("command response received", "type", resp.Type, "elapsed", time.Since(start))
		return resp, nil
	case <-timer.C:
		return d.abandon(slot, requestID, cmd.Type, start, logger, ErrCommandTimeout)
	case <-ctx.Done():
		return d.abandon(slot, requestID, cmd.Type, start, logger, fmt.Errorf("waiting for response: %w", ctx.Err()))
	}
}

// abandon expires a request the caller stopped waiting for. If a response won
// the race to the table just before, that response is returned instead.
func (d *Dispatcher) abandon(slot <-chan Frame, requestID, cmdType string, start time.Time, logger *slog.Logger, cause error) (Frame, error) {
	if !d.pending.Expire(requestID) {
		// Resolve fills the slot under the table lock, so an entry that is
		// gone either has its frame waiting or was expired on teardown.
		select {
		case resp := <-slot:
			d.observe(cmdType, OutcomeOK, start)
			return resp, nil
		default:
		}
	}
	outcome := OutcomeTimeout
	if cause != ErrCommandTimeout {
		outcome = OutcomeCanceled
	}
	d.observe(cmdType, outcome, start)
	logger.Warn("command abandoned", "reason", cause, "elapsed", time.Since(start))
	return Frame{}, cause
}

// HandleResponse routes a response frame from the agent for serverID to its
// waiting caller. Late, unmatched or foreign responses are dropped.
func (d *Dispatcher) HandleResponse(serverID string, frame Frame) bool {
	if d.pending.Resolve(serverID, frame.RequestID, frame) {
		return true
	}
	d.logger.Debug("dropping unmatched response",
		"server_id", serverID,
		"request_id", frame.RequestID,
		"type", frame.Type,
	)
	return false
}

// ExpireConnection expires every request still waiting on conn and returns
// how many were pending. Waiting callers are not woken; they return
// ErrCommandTimeout when their own deadline passes.
func (d *Dispatcher) ExpireConnection(conn *Connection) int {
	d.mu.Lock()
	ids := make([]string, 0, len(d.inflight[conn]))
	for id := range d.inflight[conn] {
		ids = append(ids, id)
	}
	delete(d.inflight, conn)
	d.mu.Unlock()

	n := d.pending.ExpireAll(ids)
	if n > 0 {
		d.logger.Info("expired pending requests on teardown", "server_id", conn.ServerID, "count", n)
	}
	return n
}

// Pending returns the number of requests awaiting a response.
func (d *Dispatcher) Pending() int {
	return d.pending.Len()
}

func (d *Dispatcher) track(conn *Connection, requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids, ok := d.inflight[conn]
	if !ok {
		ids = make(map[string]struct{})
		d.inflight[conn] = ids
	}
	ids[requestID] = struct{}{}
}

func (d *Dispatcher) untrack(conn *Connection, requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids, ok := d.inflight[conn]
	if !ok {
		return
	}
	delete(ids, requestID)
	if len(ids) == 0 {
		delete(d.inflight, conn)
	}
}

func (d *Dispatcher) observe(cmdType, outcome string, start time.Time) {
	if d.observer != nil {
		d.observer.ObserveCommand(cmdType, outcome, time.Since(start))
	}
}
