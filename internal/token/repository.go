package token

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RefreshTokenRepository persists refresh-token records.
type RefreshTokenRepository struct {
	db *sql.DB
}

// NewRefreshTokenRepository creates a new SQLite-backed refresh token repository.
func NewRefreshTokenRepository(db *sql.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// CreateWithLimit inserts a new refresh-token record and enforces the
// per-user bound: if the user already holds maxPerUser live records, the
// oldest (by creation time) are deleted and blacklisted with the given
// reason, all in one transaction.
//
// Returns the token hashes of any evicted records.
func (r *RefreshTokenRepository) CreateWithLimit(ctx context.Context, rec *RefreshTokenRecord, maxPerUser int, evictReason Reason) ([]string, error) {
	if rec.ID == "" {
		rec.ID = "rt-" + uuid.NewString()[:16]
	}

	now := time.Now().UTC()
	rec.CreatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	// Find records beyond the bound, oldest first. Room is made for the
	// incoming record, so >= maxPerUser existing rows means eviction.
	rows, err := tx.QueryContext(ctx,
		`SELECT token_hash, expires_at FROM refresh_tokens
		 WHERE user_id = ?
		 ORDER BY created_at ASC, id ASC`, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing user tokens: %w", err)
	}

	type candidate struct {
		hash      string
		expiresAt string
	}
	var existing []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.hash, &c.expiresAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning token row: %w", err)
		}
		existing = append(existing, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}

	var evicted []string
	if over := len(existing) - maxPerUser + 1; over > 0 {
		for _, c := range existing[:over] {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM refresh_tokens WHERE token_hash = ?", c.hash); err != nil {
				return nil, fmt.Errorf("evicting oldest token: %w", err)
			}
			// The evicted token string is still out there; blacklist it so
			// it can never pass verification again.
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO token_blacklist (token_hash, kind, user_id, reason, expires_at, blacklisted_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				c.hash, string(KindRefresh), rec.UserID, string(evictReason),
				c.expiresAt, now.Format(time.RFC3339)); err != nil {
				return nil, fmt.Errorf("blacklisting evicted token: %w", err)
			}
			evicted = append(evicted, c.hash)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, user_agent, remote_addr, expires_at, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.UserID, rec.TokenHash,
		nullString(rec.UserAgent), nullString(rec.RemoteAddr),
		rec.ExpiresAt.UTC().Format(time.RFC3339), now.Format(time.RFC3339),
	); err != nil {
		return nil, fmt.Errorf("creating refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing insert: %w", err)
	}
	return evicted, nil
}

// GetByTokenHash retrieves a live record by its SHA-256 hash.
// Returns ErrTokenInvalid if no record exists.
func (r *RefreshTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*RefreshTokenRecord, error) {
	var rec RefreshTokenRecord
	var userAgent, remoteAddr, lastUsed sql.NullString
	var expiresAt, createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, user_agent, remote_addr, expires_at, created_at, last_used_at
		 FROM refresh_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &userAgent, &remoteAddr,
		&expiresAt, &createdAt, &lastUsed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("getting refresh token by hash: %w", err)
	}

	if userAgent.Valid {
		rec.UserAgent = userAgent.String
	}
	if remoteAddr.Valid {
		rec.RemoteAddr = remoteAddr.String
	}
	if lastUsed.Valid {
		t, parseErr := time.Parse(time.RFC3339, lastUsed.String)
		if parseErr == nil {
			rec.LastUsedAt = &t
		}
	}
	rec.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &rec, nil
}

// TouchLastUsed updates the record's last-used timestamp. This is the
// observable side effect of a successful refresh verification.
func (r *RefreshTokenRepository) TouchLastUsed(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET last_used_at = ? WHERE token_hash = ?",
		time.Now().UTC().Format(time.RFC3339), tokenHash)
	if err != nil {
		return fmt.Errorf("touching last used: %w", err)
	}
	return nil
}

// DeleteByTokenHash removes a single record. Missing rows are not an error;
// a rotation racing a revoke-all must both converge to "gone".
func (r *RefreshTokenRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE token_hash = ?", tokenHash)
	if err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	return nil
}

// ListByUser returns all records for a user, oldest first.
func (r *RefreshTokenRepository) ListByUser(ctx context.Context, userID string) ([]RefreshTokenRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, token_hash, user_agent, remote_addr, expires_at, created_at, last_used_at
		 FROM refresh_tokens WHERE user_id = ?
		 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing refresh tokens: %w", err)
	}
	defer rows.Close()

	var records []RefreshTokenRecord
	for rows.Next() {
		var rec RefreshTokenRecord
		var userAgent, remoteAddr, lastUsed sql.NullString
		var expiresAt, createdAt string

		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TokenHash, &userAgent, &remoteAddr,
			&expiresAt, &createdAt, &lastUsed); err != nil {
			return nil, fmt.Errorf("scanning refresh token: %w", err)
		}

		if userAgent.Valid {
			rec.UserAgent = userAgent.String
		}
		if remoteAddr.Valid {
			rec.RemoteAddr = remoteAddr.String
		}
		if lastUsed.Valid {
			t, parseErr := time.Parse(time.RFC3339, lastUsed.String)
			if parseErr == nil {
				rec.LastUsedAt = &t
			}
		}
		rec.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating refresh tokens: %w", err)
	}

	if records == nil {
		records = []RefreshTokenRecord{}
	}
	return records, nil
}

// DeleteAllForUser removes every record for a user and returns the deleted rows.
func (r *RefreshTokenRepository) DeleteAllForUser(ctx context.Context, userID string) ([]RefreshTokenRecord, error) {
	records, err := r.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE user_id = ?", userID); err != nil {
		return nil, fmt.Errorf("deleting user tokens: %w", err)
	}
	return records, nil
}

// DeleteExpired removes records whose expiry has passed.
// Returns the number of deleted rows.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// CountLive returns the number of non-expired records across all users.
func (r *RefreshTokenRepository) CountLive(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var count int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM refresh_tokens WHERE expires_at > ?", now).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting live tokens: %w", err)
	}
	return count, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
