package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

func TestVerifyAccessToken(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleAdmin)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	raw, err := ledger.IssueAccessToken(u)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	claims, err := ledger.Verify(ctx, raw, KindAccess)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != u.ID {
		t.Errorf("Subject = %q, want %q", claims.Subject, u.ID)
	}
	if claims.Role != user.RoleAdmin {
		t.Errorf("Role = %q, want %q", claims.Role, user.RoleAdmin)
	}
	if claims.Kind != KindAccess {
		t.Errorf("Kind = %q, want %q", claims.Kind, KindAccess)
	}
}

func TestVerifyWrongKind(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})

	raw, err := ledger.IssueAccessToken(u)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	// An access token presented as a refresh token must fail.
	if _, err := ledger.Verify(context.Background(), raw, KindRefresh); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify(access as refresh) error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})

	raw, err := sign(u.ID, u.Role, KindAccess, -time.Minute, testSecret)
	if err != nil {
		t.Fatalf("sign() error = %v", err)
	}

	if _, err := ledger.Verify(context.Background(), raw, KindAccess); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify(expired) error = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})

	raw, err := ledger.IssueAccessToken(u)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}

	tampered := raw[:len(raw)-4] + "AAAA"
	if _, err := ledger.Verify(context.Background(), tampered, KindAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify(tampered) error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyBlacklisted(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	raw, err := ledger.IssueAccessToken(u)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if err := ledger.Blacklist(ctx, raw, KindAccess, u.ID, ReasonLogout); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}

	// Signature and expiry are still valid, only the blacklist rejects it.
	if _, err := ledger.Verify(ctx, raw, KindAccess); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("Verify(blacklisted) error = %v, want ErrTokenRevoked", err)
	}
}

func TestVerifyRefreshRequiresLiveRecord(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})

	// A correctly signed refresh token with no persisted record is invalid.
	raw, err := sign(u.ID, u.Role, KindRefresh, time.Hour, testSecret)
	if err != nil {
		t.Fatalf("sign() error = %v", err)
	}

	if _, err := ledger.Verify(context.Background(), raw, KindRefresh); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify(recordless refresh) error = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyRefreshTouchesLastUsed(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	raw, err := ledger.IssueRefreshToken(ctx, u, ClientInfo{})
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}
	if _, err := ledger.Verify(ctx, raw, KindRefresh); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	rec, err := NewRefreshTokenRepository(db).GetByTokenHash(ctx, HashToken(raw))
	if err != nil {
		t.Fatalf("GetByTokenHash() error = %v", err)
	}
	if rec.LastUsedAt == nil {
		t.Error("LastUsedAt = nil after successful verification, want set")
	}
}

func TestRotate(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	oldRaw, err := ledger.IssueRefreshToken(ctx, u, ClientInfo{RemoteAddr: "10.0.0.1"})
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}

	pair, subject, err := ledger.Rotate(ctx, oldRaw, ClientInfo{RemoteAddr: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if subject != u.ID {
		t.Errorf("subject = %q, want %q", subject, u.ID)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("Rotate() returned empty token pair")
	}
	if pair.RefreshToken == oldRaw {
		t.Error("Rotate() returned the consumed token")
	}

	// The old token is consumed; the new one verifies.
	if _, err := ledger.Verify(ctx, oldRaw, KindRefresh); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("Verify(old) error = %v, want ErrTokenRevoked", err)
	}
	if _, err := ledger.Verify(ctx, pair.RefreshToken, KindRefresh); err != nil {
		t.Errorf("Verify(new) error = %v", err)
	}
}

func TestRotateConcurrentSingleUse(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	raw, err := ledger.IssueRefreshToken(ctx, u, ClientInfo{})
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = ledger.Rotate(ctx, raw, ClientInfo{})
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrTokenRevoked), errors.Is(err, ErrTokenInvalid):
			// losers fail at the blacklist check or the live-record check,
			// depending on how far the winner had progressed
		default:
			t.Errorf("attempt %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Errorf("successful rotations = %d, want exactly 1", wins)
	}
}

func TestRefreshTokenFIFOBound(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{MaxRefreshPerUser: 5})
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 6; i++ {
		raw, err := ledger.IssueRefreshToken(ctx, u, ClientInfo{})
		if err != nil {
			t.Fatalf("IssueRefreshToken(%d) error = %v", i, err)
		}
		tokens = append(tokens, raw)
		// created_at has second resolution; keep insertion order distinct
		time.Sleep(1100 * time.Millisecond)
	}

	// Oldest evicted and blacklisted, the rest still live.
	if _, err := ledger.Verify(ctx, tokens[0], KindRefresh); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("Verify(evicted) error = %v, want ErrTokenRevoked", err)
	}
	for i := 1; i < 6; i++ {
		if _, err := ledger.Verify(ctx, tokens[i], KindRefresh); err != nil {
			t.Errorf("Verify(token %d) error = %v", i, err)
		}
	}

	records, err := NewRefreshTokenRepository(db).ListByUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(records) != 5 {
		t.Errorf("live records = %d, want 5", len(records))
	}
}

func TestRotateLockedAccount(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	raw, err := ledger.IssueRefreshToken(ctx, u, ClientInfo{})
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}
	lockUser(t, db, u.ID, time.Now().Add(15*time.Minute))

	if _, _, err := ledger.Rotate(ctx, raw, ClientInfo{}); !errors.Is(err, ErrAccountLocked) {
		t.Errorf("Rotate(locked) error = %v, want ErrAccountLocked", err)
	}

	// The token was not consumed: once the lock clears, rotation works.
	lockUser(t, db, u.ID, time.Now().Add(-time.Minute))
	if _, _, err := ledger.Rotate(ctx, raw, ClientInfo{}); err != nil {
		t.Errorf("Rotate(unlocked) error = %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	other := seedUser(t, db, "bob", user.RoleUser)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 3; i++ {
		raw, err := ledger.IssueRefreshToken(ctx, u, ClientInfo{})
		if err != nil {
			t.Fatalf("IssueRefreshToken() error = %v", err)
		}
		tokens = append(tokens, raw)
	}
	otherRaw, err := ledger.IssueRefreshToken(ctx, other, ClientInfo{})
	if err != nil {
		t.Fatalf("IssueRefreshToken(other) error = %v", err)
	}

	count, err := ledger.RevokeAll(ctx, u.ID, ReasonSecurity)
	if err != nil {
		t.Fatalf("RevokeAll() error = %v", err)
	}
	if count != 3 {
		t.Errorf("RevokeAll() count = %d, want 3", count)
	}

	for i, raw := range tokens {
		if _, err := ledger.Verify(ctx, raw, KindRefresh); !errors.Is(err, ErrTokenRevoked) {
			t.Errorf("Verify(revoked token %d) error = %v, want ErrTokenRevoked", i, err)
		}
	}
	// Unrelated users are untouched.
	if _, err := ledger.Verify(ctx, otherRaw, KindRefresh); err != nil {
		t.Errorf("Verify(other user) error = %v", err)
	}
}

func TestBlacklistRefreshRemovesRecord(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	raw, err := ledger.IssueRefreshToken(ctx, u, ClientInfo{})
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}
	if err := ledger.Blacklist(ctx, raw, KindRefresh, u.ID, ReasonLogout); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}

	if _, err := NewRefreshTokenRepository(db).GetByTokenHash(ctx, HashToken(raw)); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("GetByTokenHash(after logout) error = %v, want ErrTokenInvalid", err)
	}

	// Blacklisting twice is idempotent.
	if err := ledger.Blacklist(ctx, raw, KindRefresh, u.ID, ReasonLogout); err != nil {
		t.Errorf("Blacklist(again) error = %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	tokens := NewRefreshTokenRepository(db)
	blacklist := NewBlacklistRepository(db)

	if _, err := tokens.CreateWithLimit(ctx, &RefreshTokenRecord{
		UserID:    u.ID,
		TokenHash: HashToken("stale-refresh"),
		ExpiresAt: past,
	}, 5, ReasonRotated); err != nil {
		t.Fatalf("CreateWithLimit() error = %v", err)
	}
	if err := blacklist.Insert(ctx, &BlacklistEntry{
		TokenHash: HashToken("stale-blacklist"),
		Kind:      KindAccess,
		UserID:    u.ID,
		Reason:    ReasonLogout,
		ExpiresAt: past,
	}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// One live token that must survive the sweep.
	live, err := ledger.IssueRefreshToken(ctx, u, ClientInfo{})
	if err != nil {
		t.Fatalf("IssueRefreshToken() error = %v", err)
	}

	purged, err := ledger.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if purged != 2 {
		t.Errorf("SweepExpired() purged = %d, want 2", purged)
	}
	if _, err := ledger.Verify(ctx, live, KindRefresh); err != nil {
		t.Errorf("Verify(live after sweep) error = %v", err)
	}
}

func TestStats(t *testing.T) {
	db := testDB(t)
	u := seedUser(t, db, "alice", user.RoleUser)
	ledger := testLedger(t, db, Config{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := ledger.IssueRefreshToken(ctx, u, ClientInfo{}); err != nil {
			t.Fatalf("IssueRefreshToken() error = %v", err)
		}
	}
	access, err := ledger.IssueAccessToken(u)
	if err != nil {
		t.Fatalf("IssueAccessToken() error = %v", err)
	}
	if err := ledger.Blacklist(ctx, access, KindAccess, u.ID, ReasonLogout); err != nil {
		t.Fatalf("Blacklist() error = %v", err)
	}

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.LiveRefreshTokens != 2 {
		t.Errorf("LiveRefreshTokens = %d, want 2", stats.LiveRefreshTokens)
	}
	if stats.BlacklistSize != 1 {
		t.Errorf("BlacklistSize = %d, want 1", stats.BlacklistSize)
	}
}
