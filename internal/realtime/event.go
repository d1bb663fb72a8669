package realtime

import "time"

// Kind labels the event classes carried over both transports.
type Kind string

const (
	// KindConnected is the confirmation event sent after a successful
	// handshake. Transport-internal, never replayed.
	KindConnected Kind = "connected"

	// KindDeviceUpdate announces a device status change.
	KindDeviceUpdate Kind = "device-update"

	// KindDeviceHeartbeat announces a device check-in.
	KindDeviceHeartbeat Kind = "device-heartbeat"

	// KindNotification is a user-directed message.
	KindNotification Kind = "notification"

	// KindAnnouncement is a fleet-wide broadcast.
	KindAnnouncement Kind = "announcement"

	// KindKeepalive is the periodic liveness ping on the push stream.
	// Transport-internal, never replayed.
	KindKeepalive Kind = "keepalive"
)

// Event is one immutable record in the replay log. IDs are assigned by
// the bus, strictly increasing for the lifetime of the process, and reset
// on restart.
type Event struct {
	ID        uint64    `json:"id"`
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
