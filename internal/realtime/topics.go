package realtime

import "github.com/fleetgrid/fleetgrid-core/internal/user"

// Topic builders. Every connection is auto-subscribed to its user and
// role topics on registration; org and device topics are joined on demand.

// UserTopic is the personal room for one account.
func UserTopic(userID string) string {
	return "user:" + userID
}

// RoleTopic is the shared room for an authorisation tier.
func RoleTopic(role user.Role) string {
	return "role:" + string(role)
}

// OrgTopic is the room for one organisation's fleet.
func OrgTopic(orgID string) string {
	return "org:" + orgID
}

// DeviceTopic is the room for watchers of one device.
func DeviceTopic(deviceID string) string {
	return "device:" + deviceID
}
