// Package realtime implements the fan-out core: a sharded connection
// registry and an event bus with a bounded replay log.
//
// Connections are tracked per user, per role, and per topic (org and
// device rooms joined on demand). The bus assigns process-lifetime
// monotonic event IDs and retains the most recent events in a ring so a
// reconnecting client can catch up with "everything after ID N". State is
// in-memory only; the replay log does not survive a restart.
//
// Both gateway transports sit on top of this package via the Conn
// interface. Publishers never block on a slow client and never see a per
// connection delivery failure.
package realtime
