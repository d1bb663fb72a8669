package realtime

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

// fakeConn is an in-memory Conn that records delivered events.
type fakeConn struct {
	id        string
	userID    string
	role      user.Role
	transport Transport

	mu         sync.Mutex
	events     []Event
	kicked     string
	failNext   bool
	lastActive time.Time
}

func newFakeConn(id, userID string, role user.Role) *fakeConn {
	return &fakeConn{
		id:         id,
		userID:     userID,
		role:       role,
		transport:  TransportWebSocket,
		lastActive: time.Now(),
	}
}

func (c *fakeConn) ID() string            { return c.id }
func (c *fakeConn) UserID() string        { return c.userID }
func (c *fakeConn) Role() user.Role       { return c.role }
func (c *fakeConn) Transport() Transport  { return c.transport }
func (c *fakeConn) LastActive() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.lastActive }

func (c *fakeConn) Deliver(evt *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		return errors.New("connection torn down")
	}
	c.events = append(c.events, *evt)
	return nil
}

func (c *fakeConn) Kick(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = reason
}

func (c *fakeConn) delivered() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) kickedWith() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicked
}

func (c *fakeConn) setIdle(since time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now().Add(-since)
}

func (c *fakeConn) setFailing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = true
}

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
