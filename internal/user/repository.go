package user

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for user account persistence.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	RecordFailedLogin(ctx context.Context, id string, maxAttempts int, lockWindow time.Duration) error
	ResetFailedLogins(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite-backed user repository.
func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const userColumns = `id, username, display_name, password_hash, role, org_id,
	is_active, failed_logins, locked_until, created_at, updated_at`

// Create inserts a new user account. The ID is generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = "usr-" + uuid.NewString()[:8]
	}

	now := time.Now().UTC().Format(time.RFC3339)
	u.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled
	u.UpdatedAt = u.CreatedAt

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, password_hash, role, org_id, is_active, failed_logins, locked_until, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		u.ID, u.Username, u.DisplayName, u.PasswordHash, string(u.Role),
		nullString(u.OrgID), boolToInt(u.IsActive), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUsernameExists
		}
		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by their unique ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*User, error) {
	return r.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
}

// GetByUsername retrieves a user by their username.
func (r *SQLiteRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
}

// RecordFailedLogin increments the failed-login counter. When the counter
// reaches maxAttempts the account is locked for lockWindow and the counter
// resets.
func (r *SQLiteRepository) RecordFailedLogin(ctx context.Context, id string, maxAttempts int, lockWindow time.Duration) error {
	u, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	failed := u.FailedLogins + 1
	now := time.Now().UTC()

	if failed >= maxAttempts {
		lockedUntil := now.Add(lockWindow).Format(time.RFC3339)
		_, err = r.db.ExecContext(ctx,
			"UPDATE users SET failed_logins = 0, locked_until = ?, updated_at = ? WHERE id = ?",
			lockedUntil, now.Format(time.RFC3339), id)
	} else {
		_, err = r.db.ExecContext(ctx,
			"UPDATE users SET failed_logins = ?, updated_at = ? WHERE id = ?",
			failed, now.Format(time.RFC3339), id)
	}
	if err != nil {
		return fmt.Errorf("recording failed login: %w", err)
	}
	return nil
}

// ResetFailedLogins clears the failed-login counter and any lockout.
func (r *SQLiteRepository) ResetFailedLogins(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE users SET failed_logins = 0, locked_until = NULL, updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("resetting failed logins: %w", err)
	}
	return nil
}

// Count returns the number of user accounts.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return count, nil
}

// getUser runs a single-row user query and scans the result.
func (r *SQLiteRepository) getUser(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	var orgID, lockedUntil sql.NullString
	var isActive int
	var createdAt, updatedAt string

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role,
		&orgID, &isActive, &u.FailedLogins, &lockedUntil, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}

	u.IsActive = isActive != 0
	if orgID.Valid {
		u.OrgID = orgID.String
	}
	if lockedUntil.Valid {
		t, parseErr := time.Parse(time.RFC3339, lockedUntil.String)
		if parseErr == nil {
			u.LockedUntil = &t
		}
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled

	return &u, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "unique constraint"))
}
