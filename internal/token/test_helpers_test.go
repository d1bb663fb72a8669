package token

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

const testSecret = "test-signing-secret-at-least-32-chars!"

// testDB creates a temporary SQLite database with the users, refresh_tokens,
// and token_blacklist schemas applied. Cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "token-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			org_id TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			failed_logins INTEGER NOT NULL DEFAULT 0,
			locked_until TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		) STRICT;

		CREATE TABLE refresh_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash TEXT NOT NULL UNIQUE,
			user_agent TEXT,
			remote_addr TEXT,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used_at TEXT
		) STRICT;

		CREATE TABLE token_blacklist (
			token_hash TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			blacklisted_at TEXT NOT NULL,
			origin TEXT
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating test schema: %v", err)
	}

	return db
}

// seedUser inserts a test user and returns it.
func seedUser(t *testing.T, db *sql.DB, username string, role user.Role) *user.User {
	t.Helper()

	repo := user.NewRepository(db)
	u := &user.User{
		Username:     username,
		DisplayName:  "Test " + username,
		PasswordHash: "$argon2id$unused",
		Role:         role,
		IsActive:     true,
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("creating test user: %v", err)
	}
	return u
}

// lockUser sets a lockout window on the account, directly in the table.
func lockUser(t *testing.T, db *sql.DB, userID string, until time.Time) {
	t.Helper()
	_, err := db.Exec("UPDATE users SET locked_until = ? WHERE id = ?",
		until.UTC().Format(time.RFC3339), userID)
	if err != nil {
		t.Fatalf("locking test user: %v", err)
	}
}

// testLedger wires a ledger over the test database with short TTLs.
func testLedger(t *testing.T, db *sql.DB, cfg Config) *Ledger {
	t.Helper()

	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	logger := &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	l, err := NewLedger(cfg, user.NewRepository(db),
		NewRefreshTokenRepository(db), NewBlacklistRepository(db), logger)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	return l
}
