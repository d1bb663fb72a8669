package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/realtime"
	"github.com/fleetgrid/fleetgrid-core/internal/token"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

const (
	writeWait      = 10 * time.Second
	closeGraceWait = 250 * time.Millisecond
)

// clientOp is a client-initiated subscription request sent over the socket.
type clientOp struct {
	Op       string `json:"op"`
	OrgID    string `json:"org_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// opResult is the in-band reply to a client op. Validation failures come
// back as type "error" without closing the connection.
type opResult struct {
	Type    string `json:"type"`
	Op      string `json:"op,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsConn adapts one websocket client to the registry's Conn interface.
//
// Outbound traffic goes through the send channel so Deliver never blocks
// a publisher. A full channel drops the event rather than stalling fan-out;
// the client catches up through replay on reconnect.
type wsConn struct {
	id        string
	userID    string
	role      user.Role
	ws        *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	lastSeen  atomic.Int64 // unix nanos
	logger    *logging.Logger
}

func (c *wsConn) ID() string                    { return c.id }
func (c *wsConn) UserID() string                { return c.userID }
func (c *wsConn) Role() user.Role               { return c.role }
func (c *wsConn) Transport() realtime.Transport { return realtime.TransportWebSocket }
func (c *wsConn) LastActive() time.Time         { return time.Unix(0, c.lastSeen.Load()) }
func (c *wsConn) touch()                        { c.lastSeen.Store(time.Now().UnixNano()) }

// Deliver queues the event for the write pump. Events for a full buffer
// are dropped; a closed connection reports an error so the registry
// removes it.
func (c *wsConn) Deliver(evt *realtime.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	case c.send <- data:
		return nil
	default:
		c.logger.Debug("send buffer full, dropping event",
			"conn_id", c.id, "event_id", evt.ID)
		return nil
	}
}

// Kick tells the client why it is being closed, then tears the socket down.
func (c *wsConn) Kick(reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		//nolint:errcheck // best effort, the socket may already be gone
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(c.closed)
		time.AfterFunc(closeGraceWait, func() { c.ws.Close() })
	})
}

// teardown closes the socket without a reason frame, for pump exits.
func (c *wsConn) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// opLimiter is a sliding-window budget on client ops. Not safe for
// concurrent use; each connection's read pump owns one.
type opLimiter struct {
	budget int
	window time.Duration
	stamps []time.Time
}

func newOpLimiter(budget int, window time.Duration) *opLimiter {
	return &opLimiter{budget: budget, window: window}
}

// allow records an op and reports whether it fits in the window.
func (l *opLimiter) allow(now time.Time) bool {
	cutoff := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, ts := range l.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.stamps = kept
	if len(l.stamps) >= l.budget {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// handleWebSocket upgrades the request and attaches the client to the
// fan-out core. Authentication happens here rather than in middleware
// because browser WebSocket clients cannot set an Authorization header;
// the token arrives as a query parameter instead.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw := presentedToken(r)
	if raw == "" {
		writeUnauthorized(w, "missing token")
		return
	}
	claims, err := s.ledger.Verify(r.Context(), raw, token.KindAccess)
	if err != nil {
		writeTokenError(w, err)
		return
	}

	u, err := s.users.GetByID(r.Context(), claims.Subject)
	if err != nil || !u.IsActive {
		writeUnauthorized(w, "invalid token")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return s.isAllowedOrigin(r.Header.Get("Origin"))
		},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := &wsConn{
		id:     uuid.NewString(),
		userID: u.ID,
		role:   u.Role,
		ws:     ws,
		send:   make(chan []byte, s.cfg.WebSocket.SendBuffer),
		closed: make(chan struct{}),
		logger: s.logger,
	}
	conn.touch()

	// Snapshot the stream head before registering: events published from
	// here on reach the connection live, so replay must stop at the
	// snapshot or an event landing during the handshake goes out twice.
	head := s.bus.LastEventID()

	s.registry.Register(conn)
	if u.OrgID != "" {
		s.registry.Subscribe(conn.id, realtime.OrgTopic(u.OrgID))
	}

	s.logger.Info("websocket connected",
		"conn_id", conn.id, "user_id", u.ID, "remote", r.RemoteAddr)

	// The confirmation frame carries the stream head so the client can
	// detect a gap after reconnecting.
	welcome := &realtime.Event{
		ID:        head,
		Kind:      realtime.KindConnected,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"conn_id":       conn.id,
			"last_event_id": head,
		},
	}
	//nolint:errcheck // buffered channel is empty at this point
	conn.Deliver(welcome)

	if v := r.URL.Query().Get("last_event_id"); v != "" {
		if lastID, perr := strconv.ParseUint(v, 10, 64); perr == nil {
			for _, evt := range s.bus.ReplaySince(lastID) {
				if evt.ID > head {
					break
				}
				//nolint:errcheck // drops are acceptable during replay
				conn.Deliver(&evt)
			}
		}
	}

	go s.wsWritePump(conn)
	go s.wsReadPump(conn, u)
}

// wsReadPump consumes client ops until the socket dies, enforcing the
// per-connection op budget. Exiting the pump unregisters the connection.
func (s *Server) wsReadPump(c *wsConn, u *user.User) {
	defer func() {
		s.registry.Unregister(c.id)
		c.teardown()
		s.logger.Info("websocket disconnected", "conn_id", c.id, "user_id", c.userID)
	}()

	pingInterval := time.Duration(s.cfg.WebSocket.PingInterval) * time.Second
	pongWait := pingInterval + time.Duration(s.cfg.WebSocket.PongTimeout)*time.Second

	c.ws.SetReadLimit(int64(s.cfg.WebSocket.MaxMessageSize))
	//nolint:errcheck // deadline on a live conn does not fail
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := newOpLimiter(s.cfg.WebSocket.OpBudget,
		time.Duration(s.cfg.WebSocket.OpWindow)*time.Second)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
		c.touch()

		var op clientOp
		if err := json.Unmarshal(data, &op); err != nil {
			s.sendOpResult(c, opResult{Type: "error", Code: ErrCodeBadRequest,
				Message: "invalid JSON message"})
			continue
		}

		if !limiter.allow(time.Now()) {
			s.sendOpResult(c, opResult{Type: "error", Op: op.Op,
				Code: ErrCodeRateLimited, Message: "operation budget exceeded"})
			continue
		}

		s.applyOp(c, u, op)
	}
}

// applyOp mutates the connection's topic subscriptions. Regular users may
// only join their own organisation's room; admins may join any.
func (s *Server) applyOp(c *wsConn, u *user.User, op clientOp) {
	switch op.Op {
	case "join-org":
		if op.OrgID == "" {
			s.sendOpResult(c, opResult{Type: "error", Op: op.Op,
				Code: ErrCodeValidation, Message: "org_id is required"})
			return
		}
		if u.Role != user.RoleAdmin && op.OrgID != u.OrgID {
			s.sendOpResult(c, opResult{Type: "error", Op: op.Op,
				Code: ErrCodeForbidden, Message: "not a member of this organisation"})
			return
		}
		s.registry.Subscribe(c.id, realtime.OrgTopic(op.OrgID))
		s.sendOpResult(c, opResult{Type: "ack", Op: op.Op})

	case "leave-org":
		if op.OrgID == "" {
			s.sendOpResult(c, opResult{Type: "error", Op: op.Op,
				Code: ErrCodeValidation, Message: "org_id is required"})
			return
		}
		s.registry.Unsubscribe(c.id, realtime.OrgTopic(op.OrgID))
		s.sendOpResult(c, opResult{Type: "ack", Op: op.Op})

	case "watch-device":
		if op.DeviceID == "" {
			s.sendOpResult(c, opResult{Type: "error", Op: op.Op,
				Code: ErrCodeValidation, Message: "device_id is required"})
			return
		}
		s.registry.Subscribe(c.id, realtime.DeviceTopic(op.DeviceID))
		s.sendOpResult(c, opResult{Type: "ack", Op: op.Op})

	case "unwatch-device":
		if op.DeviceID == "" {
			s.sendOpResult(c, opResult{Type: "error", Op: op.Op,
				Code: ErrCodeValidation, Message: "device_id is required"})
			return
		}
		s.registry.Unsubscribe(c.id, realtime.DeviceTopic(op.DeviceID))
		s.sendOpResult(c, opResult{Type: "ack", Op: op.Op})

	default:
		s.sendOpResult(c, opResult{Type: "error", Op: op.Op,
			Code: ErrCodeValidation, Message: "unknown op"})
	}
}

// sendOpResult queues an in-band reply, dropping it if the buffer is full.
func (s *Server) sendOpResult(c *wsConn, res opResult) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	select {
	case <-c.closed:
	case c.send <- data:
	default:
	}
}

// wsWritePump drains the send channel onto the socket and keeps the
// connection alive with periodic pings.
func (s *Server) wsWritePump(c *wsConn) {
	pingInterval := time.Duration(s.cfg.WebSocket.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			//nolint:errcheck // a failed deadline surfaces on the write
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			c.touch()
		case <-ticker.C:
			//nolint:errcheck
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
