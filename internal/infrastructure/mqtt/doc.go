// Package mqtt provides MQTT client connectivity for FleetGrid Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// FleetGrid uses MQTT as the ingest bus for device-originated traffic.
// Field agents publish state changes and heartbeats to the broker; the
// gateway subscribes and converts them into event-bus publishes for
// fan-out to connected clients.
//
//	Field agents → MQTT Broker → FleetGrid Core → WebSocket/SSE clients
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceStates(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("received: %s = %s", topic, payload)
//	        return nil
//	    })
package mqtt
