package reaper

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/realtime"
	"github.com/fleetgrid/fleetgrid-core/internal/token"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "reaper-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
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
			user_id TEXT NOT NULL,
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

func testLedger(t *testing.T, db *sql.DB) *token.Ledger {
	t.Helper()

	l, err := token.NewLedger(
		token.Config{Secret: "reaper-test-signing-secret-32ch!"},
		user.NewRepository(db),
		token.NewRefreshTokenRepository(db),
		token.NewBlacklistRepository(db),
		testLogger(),
	)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	return l
}

// idleConn is a registry connection whose activity clock is pinned in
// the past.
type idleConn struct {
	id       string
	lastSeen time.Time
	kicked   atomic.Bool
}

func (c *idleConn) ID() string                    { return c.id }
func (c *idleConn) UserID() string                { return "usr-idle" }
func (c *idleConn) Role() user.Role               { return user.RoleUser }
func (c *idleConn) Transport() realtime.Transport { return realtime.TransportSSE }
func (c *idleConn) Deliver(*realtime.Event) error { return nil }
func (c *idleConn) Kick(string)                   { c.kicked.Store(true) }
func (c *idleConn) LastActive() time.Time         { return c.lastSeen }

// seedExpiredState plants an expired blacklist entry and an expired
// refresh record directly in the tables.
func seedExpiredState(t *testing.T, db *sql.DB) {
	t.Helper()

	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := db.Exec(
		`INSERT INTO token_blacklist (token_hash, kind, user_id, reason, expires_at, blacklisted_at)
		 VALUES ('dead-hash', 'access', 'usr-1', 'logout', ?, ?)`, past, past); err != nil {
		t.Fatalf("seeding blacklist: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		 VALUES ('rt-1', 'usr-1', 'stale-hash', ?, ?)`, past, past); err != nil {
		t.Fatalf("seeding refresh token: %v", err)
	}
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

func TestNewValidatesDeps(t *testing.T) {
	db := testDB(t)
	ledger := testLedger(t, db)
	registry := realtime.NewRegistry(testLogger())

	cases := []struct {
		name string
		deps Deps
	}{
		{"missing logger", Deps{Ledger: ledger, Registry: registry, Interval: time.Minute}},
		{"missing ledger", Deps{Logger: testLogger(), Registry: registry, Interval: time.Minute}},
		{"missing registry", Deps{Logger: testLogger(), Ledger: ledger, Interval: time.Minute}},
		{"zero interval", Deps{Logger: testLogger(), Ledger: ledger, Registry: registry}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestSweepPurgesExpiredState(t *testing.T) {
	db := testDB(t)
	seedExpiredState(t, db)

	ledger := testLedger(t, db)
	registry := realtime.NewRegistry(testLogger())

	stale := &idleConn{id: "conn-stale", lastSeen: time.Now().Add(-time.Hour)}
	registry.Register(stale)

	r, err := New(Deps{
		Logger:    testLogger(),
		Ledger:    ledger,
		Registry:  registry,
		Interval:  time.Hour, // only the startup sweep runs
		IdleBound: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Close()

	// The startup sweep runs asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if count(t, db, "token_blacklist") == 0 && count(t, db, "refresh_tokens") == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if n := count(t, db, "token_blacklist"); n != 0 {
		t.Errorf("blacklist rows = %d, want 0", n)
	}
	if n := count(t, db, "refresh_tokens"); n != 0 {
		t.Errorf("refresh token rows = %d, want 0", n)
	}
	if !stale.kicked.Load() {
		t.Error("idle connection not kicked")
	}
	if stats := registry.Stats(); stats.Connections != 0 {
		t.Errorf("connections = %d, want 0", stats.Connections)
	}
}

func TestSweepKeepsLiveState(t *testing.T) {
	db := testDB(t)
	ledger := testLedger(t, db)
	registry := realtime.NewRegistry(testLogger())

	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := db.Exec(
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		 VALUES ('rt-live', 'usr-1', 'live-hash', ?, ?)`, future, now); err != nil {
		t.Fatalf("seeding refresh token: %v", err)
	}

	active := &idleConn{id: "conn-active", lastSeen: time.Now()}
	registry.Register(active)

	r, err := New(Deps{
		Logger:    testLogger(),
		Ledger:    ledger,
		Registry:  registry,
		Interval:  time.Hour,
		IdleBound: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if n := count(t, db, "refresh_tokens"); n != 1 {
		t.Errorf("refresh token rows = %d, want 1", n)
	}
	if active.kicked.Load() {
		t.Error("active connection kicked")
	}
}

func TestHealthCheck(t *testing.T) {
	db := testDB(t)
	r, err := New(Deps{
		Logger:   testLogger(),
		Ledger:   testLedger(t, db),
		Registry: realtime.NewRegistry(testLogger()),
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := r.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start error = nil, want error")
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() while running error = %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := r.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() after Close error = nil, want error")
	}
}
