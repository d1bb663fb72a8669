package mqtt

import "fmt"

// Topic prefixes for the FleetGrid ingest bus.
//
// Device-originated traffic uses the flat scheme:
// fleetgrid/{category}/{device_or_user_id}
const (
	// TopicPrefix is the base for all FleetGrid topics.
	TopicPrefix = "fleetgrid"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "fleetgrid/system"
)

// Topics provides builders for FleetGrid MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("sensor-ba12")
//	// Returns: "fleetgrid/state/sensor-ba12"
type Topics struct{}

// DeviceState returns the topic a device publishes status changes on.
//
// Example: fleetgrid/state/sensor-ba12
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, deviceID)
}

// DeviceHeartbeat returns the topic a device publishes check-ins on.
//
// Example: fleetgrid/heartbeat/sensor-ba12
func (Topics) DeviceHeartbeat(deviceID string) string {
	return fmt.Sprintf("%s/heartbeat/%s", TopicPrefix, deviceID)
}

// UserNotify returns the topic external producers publish user-directed
// notifications on.
//
// Example: fleetgrid/notify/usr-7fa2
func (Topics) UserNotify(userID string) string {
	return fmt.Sprintf("%s/notify/%s", TopicPrefix, userID)
}

// SystemStatus returns the core's own status topic, used for the LWT.
//
// Example: fleetgrid/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllDeviceStates returns a pattern matching every device state topic.
//
// Pattern: fleetgrid/state/+
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/state/+", TopicPrefix)
}

// AllDeviceHeartbeats returns a pattern matching every heartbeat topic.
//
// Pattern: fleetgrid/heartbeat/+
func (Topics) AllDeviceHeartbeats() string {
	return fmt.Sprintf("%s/heartbeat/+", TopicPrefix)
}

// AllUserNotifies returns a pattern matching every notification topic.
//
// Pattern: fleetgrid/notify/+
func (Topics) AllUserNotifies() string {
	return fmt.Sprintf("%s/notify/+", TopicPrefix)
}

// IDFromTopic extracts the trailing device or user identifier from a
// flat-scheme topic, empty string if the topic has no identifier segment.
func IDFromTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return ""
}
