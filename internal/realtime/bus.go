package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

// defaultReplayCapacity bounds the replay log when the config leaves it zero.
const defaultReplayCapacity = 100

// Bus assigns monotonic event IDs, retains a bounded ring of recent
// events for reconnect replay, and fans published events out to the
// registry's current subscribers.
//
// Delivery is at-most-once per event per connection; there is no
// acknowledgement protocol. Reconnect-and-replay is the sole recovery
// mechanism for missed events.
//
// Thread Safety: all methods are safe for concurrent use. ID assignment
// and the ring append happen in one critical section, keeping ring slot
// order identical to ID order; fan-out happens outside the lock, against
// a registry snapshot.
type Bus struct {
	registry *Registry
	logger   *logging.Logger

	counter atomic.Uint64

	mu       sync.Mutex
	ring     []Event
	capacity int
	next     int // next write position in the ring
	size     int
}

// BusStats is the observability surface for the bus.
type BusStats struct {
	LastEventID uint64 `json:"last_event_id"`
	Retained    int    `json:"retained"`
	Capacity    int    `json:"capacity"`
}

// NewBus creates an event bus over the registry with the given replay
// log capacity.
func NewBus(registry *Registry, capacity int, logger *logging.Logger) *Bus {
	if capacity <= 0 {
		capacity = defaultReplayCapacity
	}
	return &Bus{
		registry: registry,
		logger:   logger.With("component", "bus"),
		ring:     make([]Event, capacity),
		capacity: capacity,
	}
}

// Publish assigns the next event ID, appends the event to the replay log,
// and fans it out to every connection currently subscribed to the topic.
// Fire-and-forget for the caller: per-connection delivery failures tear
// down that one connection and never propagate.
func (b *Bus) Publish(topic string, kind Kind, payload any) uint64 {
	return b.publish(kind, payload, topic)
}

// publish is the multi-topic fan-out core: one event, one ID, delivered
// at most once per connection even when it subscribes to several of the
// target topics.
func (b *Bus) publish(kind Kind, payload any, topics ...string) uint64 {
	// ID assignment and the ring append share one critical section so
	// slot order always equals ID order; a concurrent publisher pair can
	// otherwise append in the opposite order from their IDs and break
	// replay ordering.
	b.mu.Lock()
	evt := Event{
		ID:        b.counter.Add(1),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	b.ring[b.next] = evt
	b.next = (b.next + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
	b.mu.Unlock()

	delivered := make(map[string]struct{})
	for _, topic := range topics {
		for _, conn := range b.registry.ConnectionsFor(topic) {
			if _, seen := delivered[conn.ID()]; seen {
				continue
			}
			delivered[conn.ID()] = struct{}{}

			if err := conn.Deliver(&evt); err != nil {
				// One bad connection never aborts fan-out to the others.
				b.logger.Debug("delivery failed, dropping connection",
					"conn_id", conn.ID(), "event_id", evt.ID, "error", err)
				b.registry.Unregister(conn.ID())
			}
		}
	}

	return evt.ID
}

// ReplaySince returns every retained event with ID strictly greater than
// lastID, in ascending ID order. If lastID predates the oldest retained
// event the result is silently partial; the client sees a gap, not an
// error.
func (b *Bus) ReplaySince(lastID uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := make([]Event, 0, b.size)
	start := b.next - b.size
	if start < 0 {
		start += b.capacity
	}
	for i := 0; i < b.size; i++ {
		evt := b.ring[(start+i)%b.capacity]
		if evt.ID > lastID {
			events = append(events, evt)
		}
	}
	return events
}

// LastEventID returns the most recently assigned event ID, zero if none.
func (b *Bus) LastEventID() uint64 {
	return b.counter.Load()
}

// Stats returns the bus's observability counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	retained := b.size
	b.mu.Unlock()

	return BusStats{
		LastEventID: b.counter.Load(),
		Retained:    retained,
		Capacity:    b.capacity,
	}
}

// PublishDeviceUpdate announces a device status change to the device's
// watchers and its owner.
func (b *Bus) PublishDeviceUpdate(deviceID, status, ownerID string) uint64 {
	payload := map[string]any{
		"device_id": deviceID,
		"status":    status,
		"owner_id":  ownerID,
	}
	topics := []string{DeviceTopic(deviceID)}
	if ownerID != "" {
		topics = append(topics, UserTopic(ownerID))
	}
	return b.publish(KindDeviceUpdate, payload, topics...)
}

// PublishHeartbeat announces a device check-in to the device's watchers,
// its owner, and its organisation room.
func (b *Bus) PublishHeartbeat(deviceID string, ts time.Time, ownerID, orgID string) uint64 {
	payload := map[string]any{
		"device_id": deviceID,
		"timestamp": ts.UTC().Format(time.RFC3339),
	}
	topics := []string{DeviceTopic(deviceID)}
	if ownerID != "" {
		payload["owner_id"] = ownerID
		topics = append(topics, UserTopic(ownerID))
	}
	if orgID != "" {
		payload["org_id"] = orgID
		topics = append(topics, OrgTopic(orgID))
	}
	return b.publish(KindDeviceHeartbeat, payload, topics...)
}

// PublishNotification delivers a message to one user's personal topic.
func (b *Bus) PublishNotification(userID string, payload any) uint64 {
	return b.publish(KindNotification, payload, UserTopic(userID))
}

// PublishAnnouncement broadcasts an operator message. With an org ID the
// announcement goes to that organisation's room; without one it reaches
// every connected client through the role rooms each connection is
// auto-subscribed to.
func (b *Bus) PublishAnnouncement(orgID string, payload any) uint64 {
	if orgID != "" {
		return b.publish(KindAnnouncement, payload, OrgTopic(orgID))
	}
	return b.publish(KindAnnouncement, payload,
		RoleTopic(user.RoleUser), RoleTopic(user.RoleAdmin))
}
