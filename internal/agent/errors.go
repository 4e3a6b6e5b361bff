// ABOUTME: Error values returned by the registry, pending table and dispatcher.
// ABOUTME: Sentinels for offline/timeout plus typed transport and agent errors.

package agent

import (
	"errors"
	"fmt"
)

// ErrAgentOffline indicates no connection is registered for the server.
var ErrAgentOffline = errors.New("agent offline")

// ErrCommandTimeout indicates no response arrived before the deadline.
var ErrCommandTimeout = errors.New("command timed out")

// ErrDuplicateRequest indicates a request ID is already pending.
var ErrDuplicateRequest = errors.New("duplicate request id")

// ErrUnexpectedResponse indicates the agent answered with a frame type the
// caller did not ask for.
var ErrUnexpectedResponse = errors.New("unexpected response from agent")

// ErrConnectionClosed is returned by a sender after its connection closed.
var ErrConnectionClosed = errors.New("connection closed")

// TransportError wraps a failure to transmit a frame on a registered
// connection.
type TransportError struct {
	ServerID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sending to agent %s: %v", e.ServerID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AgentError is an application-level error reported by the agent inside a
// real response.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	return "agent error: " + e.Message
}
