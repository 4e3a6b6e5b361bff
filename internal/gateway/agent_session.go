// ABOUTME: Agent WebSocket session: authenticate, register, read loop and teardown
// ABOUTME: Drives the Connecting -> Authenticating -> Online -> Offline/Error lifecycle

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/2389/opsbridge/internal/agent"
	"github.com/2389/opsbridge/internal/auth"
	"github.com/2389/opsbridge/internal/ingest"
	"github.com/2389/opsbridge/internal/store"
)

// sessionState is the lifecycle state of an agent connection.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateOnline
	stateOffline
	stateError
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateOnline:
		return "online"
	case stateOffline:
		return "offline"
	case stateError:
		return "error"
	default:
		return "unknown"
	}
}

// Close reasons sent to agents.
const (
	reasonAgentAuthRequired = "Authentication required: send {'type': 'auth', 'api_key': '...'} as first message"
	reasonInvalidAPIKey     = "Invalid or inactive API key"
	reasonAuthTimeout       = "Authentication timeout"
	reasonAuthUnavailable   = "Authentication unavailable"
	reasonSuperseded        = "superseded by new connection"
	reasonMalformedFrame    = "Malformed frame"
	reasonInternalError     = "Internal server error"
	reasonConnectionLost    = "Connection lost"
)

// teardownTimeout bounds the store writes made while closing a session.
const teardownTimeout = 5 * time.Second

// authRejection closes a socket that failed authentication.
type authRejection struct {
	code   int
	reason string
	err    error
}

func (r *authRejection) Error() string {
	if r.err != nil {
		return r.reason + ": " + r.err.Error()
	}
	return r.reason
}

func (r *authRejection) Unwrap() error { return r.err }

// agentSession is one agent WebSocket connection.
type agentSession struct {
	g          *Gateway
	ws         *websocket.Conn
	sock       *socket
	conn       *agent.Connection
	serverID   string
	remoteAddr string
	userAgent  string
	state      sessionState
	onlineAt   time.Time
	logger     *slog.Logger
}

// handleAgentSocket upgrades an agent connection and runs its session.
func (g *Gateway) handleAgentSocket(c *gin.Context) {
	ws, err := g.agentUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		g.logger.Warn("agent websocket upgrade failed", "remote_addr", c.ClientIP(), "error", err)
		return
	}

	g.sessions.Add(1)
	defer g.sessions.Done()

	sess := &agentSession{
		g:          g,
		ws:         ws,
		sock:       g.newSessionSocket(ws, g.config.Agents.SendBuffer),
		remoteAddr: c.ClientIP(),
		userAgent:  c.Request.UserAgent(),
		state:      stateConnecting,
		logger:     g.logger.With("channel", "agent", "remote_addr", c.ClientIP()),
	}
	defer g.untrackSocket(sess.sock)

	sess.run(c.Request.Context())
}

func (s *agentSession) run(ctx context.Context) {
	s.state = stateAuthenticating
	id, err := s.authenticate(ctx)
	if err != nil {
		s.reject(ctx, id, err)
		return
	}

	s.goOnline(ctx, id.ServerID)
	err = s.readLoop(ctx)
	s.teardown(ctx, err)
}

// authenticate reads the first frame and verifies its API key. No state is
// mutated before it succeeds.
func (s *agentSession) authenticate(ctx context.Context) (auth.AgentIdentity, error) {
	_ = s.ws.SetReadDeadline(time.Now().Add(s.g.config.Agents.AuthTimeout))
	s.ws.SetReadLimit(maxMessageSize)

	_, raw, err := s.ws.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return auth.AgentIdentity{}, &authRejection{code: closePolicyViolation, reason: reasonAuthTimeout, err: err}
		}
		return auth.AgentIdentity{}, &ingest.StageError{Stage: ingest.StageTransport, Err: err}
	}

	frame, err := agent.ParseFrame(raw)
	if err != nil || frame.Type != agent.FrameAuth || frame.APIKey == "" {
		return auth.AgentIdentity{}, &authRejection{code: closePolicyViolation, reason: reasonAgentAuthRequired, err: err}
	}

	id, err := s.g.apiKeys.Verify(ctx, frame.APIKey)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, auth.ErrUnknownAPIKey),
		errors.Is(err, auth.ErrInactiveAPIKey),
		errors.Is(err, auth.ErrExpiredAPIKey):
		return id, &authRejection{code: closePolicyViolation, reason: reasonInvalidAPIKey, err: err}
	default:
		return id, &authRejection{code: closeInternalError, reason: reasonAuthUnavailable, err: err}
	}
}

// reject records a failed authentication and closes the socket.
func (s *agentSession) reject(ctx context.Context, id auth.AgentIdentity, err error) {
	s.state = stateError

	var rej *authRejection
	if !errors.As(err, &rej) {
		// The peer went away before authenticating.
		s.logger.Debug("agent disconnected before authenticating", "error", err)
		s.sock.Close(closeNormal, "")
		<-s.sock.Done()
		s.g.metrics.SessionEnded(stateOffline.String())
		return
	}

	reason := authFailureReason(rej.err)
	s.g.metrics.AuthFailed("agent", reason)
	s.logger.Warn("agent authentication failed", "reason", reason, "error", err)

	// A recognised key is attributed to its server; unknown keys leave no
	// per-server trace.
	if id.ServerID != "" {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		s.recordEvent(wctx, &store.ConnectionEvent{
			ServerID:  id.ServerID,
			EventType: store.EventAuthenticationFailed,
			Detail:    rej.err.Error(),
			IPAddress: s.remoteAddr,
			UserAgent: s.userAgent,
		})
		s.audit(wctx, &store.AuditEntry{
			ActorPrincipalID: "agent:" + id.KeyID,
			ServerID:         id.ServerID,
			Action:           store.AuditAgentAuthFailed,
			TargetType:       "server",
			TargetID:         id.ServerID,
			IPAddress:        s.remoteAddr,
			Detail:           map[string]any{"key_id": id.KeyID, "reason": reason},
		})
		cancel()
	}

	s.sock.Close(rej.code, rej.reason)
	<-s.sock.Done()
	s.g.metrics.SessionEnded(s.state.String())
}

func authFailureReason(err error) string {
	switch {
	case err == nil:
		return "missing_auth_frame"
	case errors.Is(err, auth.ErrUnknownAPIKey):
		return "unknown_key"
	case errors.Is(err, auth.ErrInactiveAPIKey):
		return "inactive_key"
	case errors.Is(err, auth.ErrExpiredAPIKey):
		return "expired_key"
	case errors.Is(err, agent.ErrMalformedFrame):
		return "malformed_frame"
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "timeout"
		}
		return "internal"
	}
}

// goOnline registers the connection, supersedes any previous one and
// confirms authentication to the agent.
func (s *agentSession) goOnline(ctx context.Context, serverID string) {
	s.serverID = serverID
	s.logger = s.logger.With("server_id", serverID)

	s.conn = agent.NewConnection(serverID, s.sock)
	s.conn.RemoteAddr = s.remoteAddr

	lock := s.g.statusLock(serverID)
	lock.Lock()
	if prev := s.g.registry.Register(s.conn); prev != nil {
		if ps, ok := prev.Sender().(*socket); ok {
			ps.Close(closePolicyViolation, reasonSuperseded)
		}
		s.logger.Info("superseded previous agent connection", "previous_remote_addr", prev.RemoteAddr)
	}
	s.state = stateOnline
	s.onlineAt = time.Now()
	if err := s.g.store.MarkServerOnline(ctx, serverID, s.onlineAt.UTC()); err != nil {
		s.logger.Warn("failed to mark server online", "error", err)
	}
	lock.Unlock()
	s.recordEvent(ctx, &store.ConnectionEvent{
		ServerID:  serverID,
		EventType: store.EventConnected,
		IPAddress: s.remoteAddr,
		UserAgent: s.userAgent,
	})

	if err := s.sendJSON(gin.H{
		"type":      agent.FrameAuthSuccess,
		"server_id": serverID,
		"message":   "Connected successfully",
	}); err != nil {
		s.logger.Warn("failed to send auth success", "error", err)
	}
	s.logger.Info("agent connected")
}

// readLoop processes frames in arrival order until a fatal failure.
func (s *agentSession) readLoop(ctx context.Context) error {
	pongWait := s.g.config.Agents.PongWait()
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return &ingest.StageError{Stage: ingest.StageTransport, Err: err}
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		err = s.handleFrame(ctx, raw)
		if err == nil {
			continue
		}
		for _, se := range ingest.StageErrors(err) {
			if !se.Stage.Fatal() {
				s.logger.Warn("frame stage failed", "stage", se.Stage, "error", se.Err)
			}
		}
		if ingest.IsFatal(err) {
			return err
		}
	}
}

func (s *agentSession) handleFrame(ctx context.Context, raw []byte) error {
	frame, err := agent.ParseFrame(raw)
	if err != nil {
		return &ingest.StageError{Stage: ingest.StageProtocol, Err: err}
	}
	s.g.metrics.FrameReceived(frame.Type)

	if frame.IsResponse() {
		s.g.dispatcher.HandleResponse(s.serverID, frame)
		return nil
	}

	switch frame.Type {
	case agent.FrameMetrics:
		ack, err := s.g.pipeline.HandleMetrics(ctx, s.serverID, frame.Data)
		if ingest.IsFatal(err) {
			return err
		}
		if ackErr := s.sendJSON(ack); ackErr != nil {
			err = errors.Join(err, &ingest.StageError{Stage: ingest.StageAck, Err: ackErr})
		}
		return err
	case agent.FramePing:
		if err := s.sendJSON(gin.H{"type": agent.FramePong}); err != nil {
			return &ingest.StageError{Stage: ingest.StageAck, Err: err}
		}
		return nil
	default:
		s.logger.Debug("ignoring frame", "type", frame.Type)
		return nil
	}
}

// teardown releases the session. Only the connection still registered for
// the server marks it offline; a superseded one just records its exit. The
// unregister and offline write hold the server's status lock so a reconnect
// cannot be overwritten.
func (s *agentSession) teardown(ctx context.Context, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	expired := s.g.dispatcher.ExpireConnection(s.conn)

	code, reason := closeNormal, ""
	s.state = stateOffline
	var se *ingest.StageError
	switch {
	case !errors.As(cause, &se):
		s.state = stateError
		code, reason = closeInternalError, reasonInternalError
	case se.Stage == ingest.StageProtocol:
		s.state = stateError
		code, reason = closePolicyViolation, reasonMalformedFrame
	case !s.cleanClose(se.Err):
		s.state = stateError
		code, reason = closeInternalError, reasonConnectionLost
	}

	lock := s.g.statusLock(s.serverID)
	lock.Lock()
	current := s.g.registry.UnregisterIf(s.conn)
	if current {
		if err := s.g.store.MarkServerOffline(ctx, s.serverID); err != nil {
			s.logger.Warn("failed to mark server offline", "error", err)
		}
		s.g.evaluator.Forget(s.serverID)
	}
	lock.Unlock()

	duration := time.Since(s.onlineAt).Seconds()
	event := &store.ConnectionEvent{
		ServerID:        s.serverID,
		EventType:       store.EventDisconnected,
		IPAddress:       s.remoteAddr,
		UserAgent:       s.userAgent,
		DurationSeconds: &duration,
	}
	switch {
	case !current:
		event.Detail = "superseded"
	case s.state == stateError:
		event.EventType = store.EventError
		event.Detail = cause.Error()
	}

	s.recordEvent(ctx, event)

	s.sock.Close(code, reason)
	<-s.sock.Done()

	s.g.metrics.SessionEnded(s.state.String())
	s.logger.Info("agent disconnected",
		"state", s.state.String(),
		"superseded", !current,
		"duration_seconds", duration,
		"expired_requests", expired,
		"cause", cause,
	)
}

// cleanClose reports whether a read error ended the session without a fault:
// the agent sent a normal or going-away close frame, or the gateway closed
// the socket on purpose. Dropped connections and missed pongs are faults.
func (s *agentSession) cleanClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return s.sock.closedByGateway()
}

func (s *agentSession) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.sock.Send(data)
}

func (s *agentSession) recordEvent(ctx context.Context, e *store.ConnectionEvent) {
	if err := s.g.store.AppendConnectionEvent(ctx, e); err != nil {
		s.logger.Warn("failed to record connection event", "event", e.EventType, "error", err)
	}
}

func (s *agentSession) audit(ctx context.Context, e *store.AuditEntry) {
	if err := s.g.store.AppendAuditLog(ctx, e); err != nil {
		s.logger.Warn("failed to append audit entry", "action", e.Action, "error", err)
	}
}
