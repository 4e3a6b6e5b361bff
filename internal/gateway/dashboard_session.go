// ABOUTME: Dashboard WebSocket session streaming metrics or logs of one server
// ABOUTME: Authenticates with a JWT first frame, checks ownership, then subscribes to a hub

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/2389/opsbridge/internal/agent"
	"github.com/2389/opsbridge/internal/hub"
	"github.com/2389/opsbridge/internal/store"
)

// Close reasons sent to dashboards.
const (
	reasonDashboardAuthRequired = "Authentication required: send {'type': 'auth', 'token': '...'} as first message"
	reasonInvalidToken          = "Invalid token"
	reasonServerNotFound        = "Server not found or access denied"
)

// dashboardFrame is an inbound dashboard message. Anything other than auth
// and ping is ignored.
type dashboardFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type dashboardSession struct {
	g        *Gateway
	ws       *websocket.Conn
	sock     *socket
	hub      *hub.Hub
	serverID string
	logger   *slog.Logger
}

// dashboardHandler returns a handler streaming h's pushes for the server
// named in the route.
func (g *Gateway) dashboardHandler(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := g.dashboardUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			g.logger.Warn("dashboard websocket upgrade failed", "remote_addr", c.ClientIP(), "error", err)
			return
		}

		g.sessions.Add(1)
		defer g.sessions.Done()

		serverID := c.Param("server_id")
		sess := &dashboardSession{
			g:        g,
			ws:       ws,
			sock:     g.newSessionSocket(ws, g.config.Dashboard.SendBuffer),
			hub:      h,
			serverID: serverID,
			logger:   g.logger.With("channel", "dashboard", "stream", h.Name(), "server_id", serverID),
		}
		defer g.untrackSocket(sess.sock)

		sess.run(c.Request.Context())
	}
}

func (d *dashboardSession) run(ctx context.Context) {
	principal, code, reason := d.authenticate(ctx)
	if reason != "" {
		d.g.metrics.AuthFailed("dashboard", reason)
		d.logger.Warn("dashboard authentication failed", "reason", reason)
		d.sock.Close(code, reason)
		<-d.sock.Done()
		return
	}
	d.logger = d.logger.With("principal_id", principal)

	// auth_success is queued before subscribing so it always precedes the
	// first push.
	if err := d.sendJSON(gin.H{"type": agent.FrameAuthSuccess, "message": "Authenticated successfully"}); err != nil {
		d.sock.Close(closeNormal, "")
		<-d.sock.Done()
		return
	}
	d.hub.Subscribe(d.sock, d.serverID)
	d.g.metrics.DashboardOpened()
	d.logger.Info("dashboard subscribed")

	d.readLoop()

	d.hub.Unsubscribe(d.sock, d.serverID)
	d.g.metrics.DashboardClosed()
	d.sock.Close(closeNormal, "")
	<-d.sock.Done()
	d.logger.Info("dashboard unsubscribed")
}

// authenticate validates the first frame. A non-empty reason means the
// session must be closed with code.
func (d *dashboardSession) authenticate(ctx context.Context) (principal string, code int, reason string) {
	_ = d.ws.SetReadDeadline(time.Now().Add(d.g.config.Agents.AuthTimeout))
	d.ws.SetReadLimit(maxMessageSize)

	_, raw, err := d.ws.ReadMessage()
	if err != nil {
		return "", closePolicyViolation, reasonDashboardAuthRequired
	}
	var frame dashboardFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != agent.FrameAuth || frame.Token == "" {
		return "", closePolicyViolation, reasonDashboardAuthRequired
	}

	principal, err = d.g.tokens.Verify(frame.Token)
	if err != nil {
		return "", closePolicyViolation, reasonInvalidToken
	}

	if _, err := d.g.store.GetServerForOwner(ctx, d.serverID, principal); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", closePolicyViolation, reasonServerNotFound
		}
		d.logger.Error("ownership lookup failed", "error", err)
		return "", closeInternalError, reasonInternalError
	}
	return principal, 0, ""
}

// readLoop answers heartbeats until the dashboard goes away.
func (d *dashboardSession) readLoop() {
	pongWait := d.g.config.Agents.PongWait()
	_ = d.ws.SetReadDeadline(time.Now().Add(pongWait))
	d.ws.SetPongHandler(func(string) error {
		return d.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := d.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Debug("dashboard read failed", "error", err)
			}
			return
		}
		_ = d.ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame dashboardFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type == agent.FramePing {
			if err := d.sendJSON(gin.H{"type": agent.FramePong}); err != nil {
				return
			}
		}
	}
}

func (d *dashboardSession) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.sock.Send(data)
}

// originChecker allows any origin when allowed is empty, and otherwise only
// requests whose Origin matches an entry (scheme://host[:port]). Requests
// without an Origin header are not from browsers and pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
