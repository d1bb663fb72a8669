// Package database provides SQLite persistence for FleetGrid Core.
//
// It wraps database/sql with:
//   - WAL mode and busy-timeout pragmas for concurrent access
//   - Embedded SQL migrations applied in version order
//   - Health checks and lifecycle management
//
// SQLite holds only the session-security state (users, refresh tokens,
// token blacklist). Connection and replay-log state is in-memory and
// intentionally not persisted.
package database
