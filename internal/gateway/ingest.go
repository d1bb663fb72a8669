package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/mqtt"
)

// statePayload is the JSON body a field agent publishes on
// fleetgrid/state/{device}.
type statePayload struct {
	Status  string `json:"status"`
	OwnerID string `json:"owner_id"`
}

// heartbeatPayload is the JSON body published on fleetgrid/heartbeat/{device}.
// A missing timestamp means "now".
type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
	OwnerID   string    `json:"owner_id"`
	OrgID     string    `json:"org_id"`
}

// subscribeIngest wires the MQTT ingest topics into the event bus. With no
// broker configured the gateway still serves HTTP clients; only field
// traffic is absent.
func (s *Server) subscribeIngest() error {
	if s.mqtt == nil {
		s.logger.Info("mqtt not configured, ingest disabled")
		return nil
	}

	qos := byte(s.cfg.MQTT.QoS)
	topics := mqtt.Topics{}

	if err := s.mqtt.Subscribe(topics.AllDeviceStates(), qos, s.ingestState); err != nil {
		return fmt.Errorf("subscribing to device states: %w", err)
	}
	if err := s.mqtt.Subscribe(topics.AllDeviceHeartbeats(), qos, s.ingestHeartbeat); err != nil {
		return fmt.Errorf("subscribing to device heartbeats: %w", err)
	}
	if err := s.mqtt.Subscribe(topics.AllUserNotifies(), qos, s.ingestNotify); err != nil {
		return fmt.Errorf("subscribing to user notifications: %w", err)
	}

	s.logger.Info("mqtt ingest subscribed", "subscriptions", s.mqtt.SubscriptionCount())
	return nil
}

// ingestState fans a device status change out to the device's watchers
// and its owner, and records the transition in the time-series store.
func (s *Server) ingestState(topic string, payload []byte) error {
	deviceID := mqtt.IDFromTopic(topic)
	if deviceID == "" {
		return fmt.Errorf("state topic %q has no device id", topic)
	}

	var body statePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("parsing state payload for %s: %w", deviceID, err)
	}
	if body.Status == "" {
		return fmt.Errorf("state payload for %s has no status", deviceID)
	}

	id := s.bus.PublishDeviceUpdate(deviceID, body.Status, body.OwnerID)
	s.logger.Debug("device state ingested",
		"device_id", deviceID, "status", body.Status, "event_id", id)

	if s.influx != nil {
		s.influx.WriteStatusChange(deviceID, body.Status)
	}
	return nil
}

// ingestHeartbeat fans a liveness beacon out to the device's watchers,
// the owner, and the owning organisation's room.
func (s *Server) ingestHeartbeat(topic string, payload []byte) error {
	deviceID := mqtt.IDFromTopic(topic)
	if deviceID == "" {
		return fmt.Errorf("heartbeat topic %q has no device id", topic)
	}

	var body heartbeatPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("parsing heartbeat payload for %s: %w", deviceID, err)
	}
	if body.Timestamp.IsZero() {
		body.Timestamp = time.Now().UTC()
	}

	s.bus.PublishHeartbeat(deviceID, body.Timestamp, body.OwnerID, body.OrgID)

	if s.influx != nil {
		s.influx.WriteHeartbeat(deviceID, body.OrgID, body.Timestamp)
	}
	return nil
}

// ingestNotify routes an agent-originated notification to the addressed
// user's personal topic. The payload passes through opaque; the gateway
// does not interpret it.
func (s *Server) ingestNotify(topic string, payload []byte) error {
	userID := mqtt.IDFromTopic(topic)
	if userID == "" {
		return fmt.Errorf("notify topic %q has no user id", topic)
	}

	var body json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("parsing notification payload for %s: %w", userID, err)
	}

	s.bus.PublishNotification(userID, body)
	return nil
}
