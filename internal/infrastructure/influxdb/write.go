package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteHeartbeat records a device check-in.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Example:
//
//	client.WriteHeartbeat("sensor-ba12", "org-acme", time.Now())
func (c *Client) WriteHeartbeat(deviceID, orgID string, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{"device_id": deviceID}
	if orgID != "" {
		tags["org_id"] = orgID
	}

	point := write.NewPoint(
		"device_heartbeat",
		tags,
		map[string]interface{}{"seen": 1},
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WriteStatusChange records a device status transition for history queries.
func (c *Client) WriteStatusChange(deviceID, status string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_status",
		map[string]string{"device_id": deviceID},
		map[string]interface{}{"status": status},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteConnectionGauge records the gateway's live connection counts.
//
// Sampled periodically so dashboards can graph concurrent clients per
// transport.
func (c *Client) WriteConnectionGauge(connections, users int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"gateway_connections",
		nil,
		map[string]interface{}{
			"connections": connections,
			"users":       users,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
