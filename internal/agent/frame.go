// ABOUTME: JSON frames exchanged with agents and the command payload builders.
// ABOUTME: Decodes inbound frames and encodes outbound commands with a request_id.

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types sent by agents.
const (
	FrameAuth               = "auth"
	FrameMetrics            = "metrics"
	FramePing               = "ping"
	FrameCommandResult      = "command_result"
	FrameContainerStarted   = "container_started"
	FrameContainerStopped   = "container_stopped"
	FrameContainerRestarted = "container_restarted"
	FrameContainerLogs      = "container_logs"
	FrameError              = "error"
)

// Frame types sent by the control plane.
const (
	FrameAuthSuccess     = "auth_success"
	FrameMetricsReceived = "metrics_received"
	FramePong            = "pong"
)

// Command types understood by agents.
const (
	CommandExecute          = "execute_command"
	CommandStartContainer   = "start_container"
	CommandStopContainer    = "stop_container"
	CommandRestartContainer = "restart_container"
	CommandContainerLogs    = "get_container_logs"
)

// DefaultLogTail is the number of log lines requested when none is given.
const DefaultLogTail = 500

// ErrMalformedFrame indicates an inbound frame could not be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a single JSON message on the agent channel. Only the fields used
// by the control plane are decoded; Data is left raw for the consumer.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Status    string          `json:"status,omitempty"`
	APIKey    string          `json:"api_key,omitempty"`
	ServerID  string          `json:"server_id,omitempty"`
}

// ParseFrame decodes one inbound frame. A frame without a type and without a
// request_id carries nothing routable and is rejected.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" && f.RequestID == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// IsResponse reports whether the frame answers a dispatched command.
func (f Frame) IsResponse() bool {
	return f.RequestID != ""
}

// AppError returns the application-level error an agent embedded in its
// response, or nil when the response is not an error frame.
func (f Frame) AppError() error {
	if f.Type != FrameError {
		return nil
	}
	msg := f.Message
	if msg == "" {
		msg = "unknown error"
	}
	return &AgentError{Message: msg}
}

// CommandResult is the payload of a command_result frame.
type CommandResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// CommandResult decodes the data of a command_result frame.
func (f Frame) CommandResult() (CommandResult, error) {
	var res CommandResult
	if f.Type != FrameCommandResult {
		return res, fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedResponse, FrameCommandResult, f.Type)
	}
	if len(f.Data) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(f.Data, &res); err != nil {
		return res, fmt.Errorf("decoding command result: %w", err)
	}
	return res, nil
}

// ContainerLogs decodes the log lines of a container_logs frame.
func (f Frame) ContainerLogs() ([]string, error) {
	if f.Type != FrameContainerLogs {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedResponse, FrameContainerLogs, f.Type)
	}
	var data struct {
		Logs []string `json:"logs"`
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return nil, fmt.Errorf("decoding container logs: %w", err)
		}
	}
	if data.Logs == nil {
		data.Logs = []string{}
	}
	return data.Logs, nil
}

// Command is an outbound command frame before a request ID is attached.
type Command struct {
	Type   string
	Fields map[string]any
}

// Encode renders the command as a JSON frame carrying requestID.
func (c Command) Encode(requestID string) ([]byte, error) {
	msg := make(map[string]any, len(c.Fields)+2)
	for k, v := range c.Fields {
		msg[k] = v
	}
	msg["type"] = c.Type
	msg["request_id"] = requestID
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", c.Type, err)
	}
	return data, nil
}

// ExecuteCommand builds a shell command execution request.
func ExecuteCommand(command string) Command {
	return Command{Type: CommandExecute, Fields: map[string]any{"command": command}}
}

// StartContainer builds a container start request.
func StartContainer(containerID string) Command {
	return Command{Type: CommandStartContainer, Fields: map[string]any{"container_id": containerID}}
}

// StopContainer builds a container stop request.
func StopContainer(containerID string) Command {
	return Command{Type: CommandStopContainer, Fields: map[string]any{"container_id": containerID}}
}

// RestartContainer builds a container restart request.
func RestartContainer(containerID string) Command {
	return Command{Type: CommandRestartContainer, Fields: map[string]any{"container_id": containerID}}
}

// ContainerLogs builds a container log request. A non-positive tail uses
// DefaultLogTail.
func ContainerLogs(containerID string, tail int) Command {
	if tail <= 0 {
		tail = DefaultLogTail
	}
	return Command{Type: CommandContainerLogs, Fields: map[string]any{
		"container_id": containerID,
		"tail":         tail,
	}}
}
