package token

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// BlacklistRepository persists token revocation records.
//
// The token_hash primary key is load-bearing: a blacklist insert is the
// atomic "consume" step of rotation, and the unique constraint is what
// makes a refresh token single-use under concurrent rotation attempts.
type BlacklistRepository struct {
	db *sql.DB
}

// NewBlacklistRepository creates a new SQLite-backed blacklist repository.
func NewBlacklistRepository(db *sql.DB) *BlacklistRepository {
	return &BlacklistRepository{db: db}
}

// Insert adds a blacklist entry. Returns ErrTokenRevoked if the token is
// already blacklisted, meaning the caller lost a rotation race.
func (r *BlacklistRepository) Insert(ctx context.Context, e *BlacklistEntry) error {
	if e.BlacklistedAt.IsZero() {
		e.BlacklistedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_blacklist (token_hash, kind, user_id, reason, expires_at, blacklisted_at, origin)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TokenHash, string(e.Kind), e.UserID, string(e.Reason),
		e.ExpiresAt.UTC().Format(time.RFC3339),
		e.BlacklistedAt.Format(time.RFC3339),
		nullString(e.Origin),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrTokenRevoked
		}
		return fmt.Errorf("inserting blacklist entry: %w", err)
	}
	return nil
}

// Contains reports whether the token hash is blacklisted.
func (r *BlacklistRepository) Contains(ctx context.Context, tokenHash string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		"SELECT 1 FROM token_blacklist WHERE token_hash = ?", tokenHash).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("checking blacklist: %w", err)
	}
	return true, nil
}

// Remove deletes a single blacklist entry. Used as compensating cleanup
// when a rotation fails after consuming the old token.
func (r *BlacklistRepository) Remove(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM token_blacklist WHERE token_hash = ?", tokenHash)
	if err != nil {
		return fmt.Errorf("removing blacklist entry: %w", err)
	}
	return nil
}

// DeleteExpired purges entries whose expiry has passed. By then the
// original token would have expired on its own signature, so the purge
// cannot resurrect it.
func (r *BlacklistRepository) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM token_blacklist WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired blacklist entries: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// Count returns the number of blacklist entries.
func (r *BlacklistRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM token_blacklist").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting blacklist entries: %w", err)
	}
	return count, nil
}
