package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/config"
	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/realtime"
	"github.com/fleetgrid/fleetgrid-core/internal/token"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

const (
	testSecret   = "gateway-test-signing-secret-32-chars!"
	testPassword = "correct-horse-battery"
)

func testLogger() *logging.Logger {
	return &logging.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// testDB creates a temporary SQLite database with the auth schemas applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "gateway-test-*.db")
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

// testConfig returns a config tuned for fast tests: tiny op budget,
// one-second windows, small buffers.
func testConfig() *config.Config {
	return &config.Config{
		WebSocket: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     32,
			OpBudget:       3,
			OpWindow:       10,
		},
		SSE: config.SSEConfig{
			KeepAliveInterval: 30,
			SendBuffer:        32,
		},
		Security: config.SecurityConfig{
			Lockout: config.LockoutConfig{
				MaxAttempts:   3,
				WindowMinutes: 15,
			},
		},
	}
}

// testHarness bundles the gateway with the stores it sits on.
type testHarness struct {
	server  *Server
	ts      *httptest.Server
	db      *sql.DB
	ledger  *token.Ledger
	users   user.Repository
	reg     *realtime.Registry
	bus     *realtime.Bus
	baseURL string
}

// newTestHarness wires a full gateway over a temp database and serves it
// through httptest so the real router, middleware, and transports run.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	db := testDB(t)
	logger := testLogger()

	ledger, err := token.NewLedger(token.Config{Secret: testSecret},
		user.NewRepository(db), token.NewRefreshTokenRepository(db),
		token.NewBlacklistRepository(db), logger)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}

	reg := realtime.NewRegistry(logger)
	bus := realtime.NewBus(reg, 100, logger)

	srv, err := New(Deps{
		Config:   testConfig(),
		Logger:   logger,
		Ledger:   ledger,
		Users:    user.NewRepository(db),
		Registry: reg,
		Bus:      bus,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &testHarness{
		server:  srv,
		ts:      ts,
		db:      db,
		ledger:  ledger,
		users:   user.NewRepository(db),
		reg:     reg,
		bus:     bus,
		baseURL: ts.URL + "/api/v1",
	}
}

// seedUser inserts an account with a real password hash.
func (h *testHarness) seedUser(t *testing.T, username string, role user.Role, orgID string) *user.User {
	t.Helper()

	hash, err := user.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	u := &user.User{
		Username:     username,
		DisplayName:  "Test " + username,
		PasswordHash: hash,
		Role:         role,
		OrgID:        orgID,
		IsActive:     true,
	}
	if err := h.users.Create(context.Background(), u); err != nil {
		t.Fatalf("creating test user: %v", err)
	}
	return u
}

// login performs a real login round trip and returns the token pair.
func (h *testHarness) login(t *testing.T, username, password string) tokenResponse {
	t.Helper()

	resp := h.postJSON(t, "/auth/login", loginRequest{Username: username, Password: password})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var pair tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}
	return pair
}

// postJSON posts a JSON body to the API path.
func (h *testHarness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshalling request body: %v", err)
	}
	resp, err := http.Post(h.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

// authedRequest builds a request with a bearer token attached.
func (h *testHarness) authedRequest(t *testing.T, method, path, accessToken string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.baseURL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}
