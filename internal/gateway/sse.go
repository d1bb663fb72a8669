package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/realtime"
	"github.com/fleetgrid/fleetgrid-core/internal/token"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

// sseConn adapts one event-stream response to the registry's Conn
// interface. SSE is push-only: the client never sends ops, so the
// connection's activity clock advances on outbound writes.
type sseConn struct {
	id     string
	userID string
	role   user.Role

	send      chan *realtime.Event
	closed    chan struct{}
	closeOnce sync.Once
	reason    atomic.Pointer[string]
	lastSeen  atomic.Int64 // unix nanos
	logger    *logging.Logger
}

func (c *sseConn) ID() string                    { return c.id }
func (c *sseConn) UserID() string                { return c.userID }
func (c *sseConn) Role() user.Role               { return c.role }
func (c *sseConn) Transport() realtime.Transport { return realtime.TransportSSE }
func (c *sseConn) LastActive() time.Time         { return time.Unix(0, c.lastSeen.Load()) }
func (c *sseConn) touch()                        { c.lastSeen.Store(time.Now().UnixNano()) }

// Deliver queues the event for the streaming handler. A full buffer drops
// the event; the client recovers through Last-Event-ID replay on reconnect.
func (c *sseConn) Deliver(evt *realtime.Event) error {
	select {
	case <-c.closed:
		return fmt.Errorf("sse connection %s closed", c.id)
	case c.send <- evt:
		return nil
	default:
		c.logger.Debug("send buffer full, dropping event",
			"conn_id", c.id, "event_id", evt.ID)
		return nil
	}
}

// Kick records the reason and wakes the streaming handler, which writes a
// final frame and ends the response.
func (c *sseConn) Kick(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(&reason)
		close(c.closed)
	})
}

// handleSSE serves the read-only event stream.
//
// EventSource clients cannot set an Authorization header, so the token is
// accepted as a query parameter. Replay from the last seen event works via
// the standard Last-Event-ID header (set automatically by EventSource on
// reconnect) or a last_event_id query parameter.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternalError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := &sseConn{
		id:     uuid.NewString(),
		userID: u.ID,
		role:   u.Role,
		send:   make(chan *realtime.Event, s.cfg.SSE.SendBuffer),
		closed: make(chan struct{}),
		logger: s.logger,
	}
	conn.touch()

	// Snapshot the stream head before registering: events published from
	// here on land in conn.send, so replay must stop at the snapshot or
	// an event landing during the handshake goes out twice.
	head := s.bus.LastEventID()

	s.registry.Register(conn)
	if u.OrgID != "" {
		s.registry.Subscribe(conn.id, realtime.OrgTopic(u.OrgID))
	}
	defer func() {
		s.registry.Unregister(conn.id)
		conn.Kick("stream closed")
		s.logger.Info("sse disconnected", "conn_id", conn.id, "user_id", u.ID)
	}()

	s.logger.Info("sse connected",
		"conn_id", conn.id, "user_id", u.ID, "remote", r.RemoteAddr)

	welcome := &realtime.Event{
		ID:        head,
		Kind:      realtime.KindConnected,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"conn_id":       conn.id,
			"last_event_id": head,
		},
	}
	if err := writeSSEFrame(w, welcome); err != nil {
		return
	}

	// Missed events since the client's last position go out before any
	// live traffic so ordering is preserved.
	if lastID, ok := lastEventID(r); ok {
		for _, evt := range s.bus.ReplaySince(lastID) {
			if evt.ID > head {
				break
			}
			if err := writeSSEFrame(w, &evt); err != nil {
				return
			}
		}
	}
	flusher.Flush()
	conn.touch()

	keepalive := time.NewTicker(time.Duration(s.cfg.SSE.KeepAliveInterval) * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-conn.closed:
			reason := "closed"
			if p := conn.reason.Load(); p != nil {
				reason = *p
			}
			// Best effort goodbye so the client knows not to auto-reconnect.
			fmt.Fprintf(w, "event: kicked\ndata: %q\n\n", reason) //nolint:errcheck
			flusher.Flush()
			return

		case evt := <-conn.send:
			if err := writeSSEFrame(w, evt); err != nil {
				return
			}
			flusher.Flush()
			conn.touch()

		case <-keepalive.C:
			// Comment frame: keeps intermediaries from timing the stream
			// out without advancing the client's Last-Event-ID.
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			conn.touch()
		}
	}
}

// writeSSEFrame encodes one event in wire format: id, event, and data
// lines followed by a blank line.
func writeSSEFrame(w http.ResponseWriter, evt *realtime.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, data)
	return err
}

// lastEventID extracts the client's resume position from the standard
// Last-Event-ID header or the last_event_id query parameter.
func lastEventID(r *http.Request) (uint64, bool) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("last_event_id")
	}
	if v == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
