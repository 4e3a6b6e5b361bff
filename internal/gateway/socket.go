// ABOUTME: WebSocket wrapper with a single writer goroutine per socket
// ABOUTME: Serialises frames, pings and the close handshake onto one connection

package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Close codes used by opsbridge sockets.
const (
	closeNormal          = websocket.CloseNormalClosure
	closePolicyViolation = websocket.ClosePolicyViolation
	closeInternalError   = websocket.CloseInternalServerErr
)

// maxMessageSize bounds a single inbound frame.
const maxMessageSize = 4 << 20

var (
	errSocketClosed   = errors.New("socket closed")
	errSendBufferFull = errors.New("send buffer full")
)

type closeRequest struct {
	code   int
	reason string
}

// socket owns a websocket connection. Only the writer goroutine writes to
// conn; everything else enqueues through Send or Close.
type socket struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	writeWait  time.Duration
	pingPeriod time.Duration
	logger     *slog.Logger

	closeOnce sync.Once
	closeReq  closeRequest
	quit      chan struct{}
	done      chan struct{}
}

func newSocket(conn *websocket.Conn, buffer int, writeWait, pingPeriod time.Duration, logger *slog.Logger) *socket {
	s := &socket{
		id:         uuid.New().String(),
		conn:       conn,
		send:       make(chan []byte, buffer),
		writeWait:  writeWait,
		pingPeriod: pingPeriod,
		logger:     logger,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.writePump()
	return s
}

// ID implements hub.Subscriber.
func (s *socket) ID() string { return s.id }

// Send queues payload for the writer. It never blocks: a full buffer fails
// the send so a slow peer cannot stall the caller.
func (s *socket) Send(payload []byte) error {
	select {
	case <-s.quit:
		return errSocketClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.quit:
		return errSocketClosed
	default:
		return errSendBufferFull
	}
}

// SendFrame implements agent.FrameSender.
func (s *socket) SendFrame(payload []byte) error {
	return s.Send(payload)
}

// Close asks the writer to flush queued frames, send a close frame with
// code and reason and drop the connection. Only the first call counts.
func (s *socket) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeReq = closeRequest{code: code, reason: closeReason(reason)}
		close(s.quit)
	})
}

// closedByGateway reports whether Close was called with anything other than
// closeInternalError, which the writer uses when the connection fails.
func (s *socket) closedByGateway() bool {
	select {
	case <-s.quit:
		return s.closeReq.code != closeInternalError
	default:
		return false
	}
}

// Done is closed once the writer has exited and the connection is closed.
func (s *socket) Done() <-chan struct{} {
	return s.done
}

func (s *socket) writePump() {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case payload := <-s.send:
			if err := s.write(payload); err != nil {
				s.logger.Debug("socket write failed", "socket_id", s.id, "error", err)
				s.Close(closeInternalError, "")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(closeInternalError, "")
				return
			}
		case <-s.quit:
			s.flush()
			msg := websocket.FormatCloseMessage(s.closeReq.code, s.closeReq.reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
			return
		}
	}
}

// flush writes whatever is still queued without waiting for more.
func (s *socket) flush() {
	for {
		select {
		case payload := <-s.send:
			if err := s.write(payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *socket) write(payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// closeReason trims a close reason to the 123 bytes a control frame allows.
func closeReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
