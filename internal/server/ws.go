package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbiter-dev/arbiterd/internal/daemon"
	"github.com/arbiter-dev/arbiterd/internal/domain"
	"github.com/arbiter-dev/arbiterd/internal/wire"
)

const (
	handshakeTimeout   = 10 * time.Second
	writeTimeout       = 10 * time.Second
	maxFrameBytes      = 8 << 20
	defaultIdleTimeout = 5 * time.Minute
)

// WSHandler terminates client websocket connections: it performs the
// hello handshake, then relays call frames to the daemon and daemon frames
// back to the client. A peer that stops answering keepalive pings within
// the idle timeout is disconnected, destroying its session.
type WSHandler struct {
	daemon      *daemon.Daemon
	upgrader    websocket.Upgrader
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewWSHandler creates the websocket endpoint handler.
func NewWSHandler(d *daemon.Daemon, idleTimeout time.Duration, logger *slog.Logger) *WSHandler {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &WSHandler{
		daemon: d,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// wsConn serializes writes; gorilla permits one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
	dead bool
}

// send drops frames silently once the connection has died. The call keeps
// running server-side; its result is recoverable from the cache.
func (c *wsConn) send(f *wire.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(f); err != nil {
		c.dead = true
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	c := &wsConn{conn: conn}

	sess, ok := h.handshake(conn, c)
	if !ok {
		return
	}
	defer h.daemon.Disconnect(sess)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	})

	stopPings := make(chan struct{})
	defer close(stopPings)
	go h.pingLoop(conn, stopPings)

	for {
		conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		var frame wire.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("connection dropped",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch frame.Op {
		case wire.OpCall:
			args, err := decodeArguments(frame.Arguments)
			if err != nil {
				c.send(wire.Error(frame.RequestID, string(domain.ErrorKindValidation),
					"arguments must be a JSON object"))
				continue
			}
			h.daemon.Submit(sess, frame.RequestID, frame.ToolName, args, c.send)
		default:
			c.send(wire.Error(frame.RequestID, string(domain.ErrorKindValidation),
				"unexpected op "+frame.Op))
		}
	}
}

// pingLoop keeps the read deadline alive only while the peer keeps
// answering pings. WriteControl is safe alongside the frame writer.
func (h *WSHandler) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.idleTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handshake reads the hello frame and authenticates it. The error frame on
// rejection names the kind but never echoes token material.
func (h *WSHandler) handshake(conn *websocket.Conn, c *wsConn) (*daemon.Session, bool) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var hello wire.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, false
	}
	if hello.Op != wire.OpHello {
		c.send(wire.Error("", string(domain.ErrorKindValidation), "expected hello"))
		return nil, false
	}

	sess, err := h.daemon.Connect(hello.SessionToken)
	if err != nil {
		c.send(wire.Error("", string(domain.KindOf(err)), err.Error()))
		return nil, false
	}

	c.send(wire.HelloAck(sess.ID))
	return sess, true
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
