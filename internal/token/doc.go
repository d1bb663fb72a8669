// Package token implements the session-security ledger for FleetGrid Core.
//
// Two bearer token kinds share one HS256 signing scheme: short-lived
// access tokens validated statelessly, and long-lived refresh tokens
// backed by persisted per-user records. The persisted side is what makes
// revocation and rotation authoritative:
//
//   - A blacklist keyed by token hash revokes tokens before their expiry.
//     Its unique constraint doubles as the atomic consume step of rotation,
//     so a refresh token is single-use even under concurrent exchange
//     attempts.
//   - Refresh-token records are bounded per user (FIFO eviction); evicted
//     tokens are blacklisted in the same transaction.
//
// Verification order is fixed: blacklist first, then signature and expiry,
// then (refresh only) the live-record check. Expired entries in both
// tables are purged by the background reaper via SweepExpired.
package token
