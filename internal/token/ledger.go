package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

// Config holds the ledger's signing and bounds settings.
type Config struct {
	// Secret is the HS256 signing secret shared by both token kinds.
	Secret string

	// AccessTTL is the access token lifetime (default 15 minutes).
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime (default 7 days).
	RefreshTTL time.Duration

	// MaxRefreshPerUser bounds a user's live refresh-token records.
	// Inserting beyond the bound evicts the oldest record (FIFO).
	MaxRefreshPerUser int
}

// ClientInfo carries origin metadata persisted with refresh-token records
// and blacklist entries.
type ClientInfo struct {
	UserAgent  string
	RemoteAddr string
}

// Ledger issues, verifies, rotates, and revokes bearer tokens.
//
// Access tokens are validated by signature alone plus a blacklist check;
// refresh tokens additionally require a live persisted record, which is
// what makes rotation and revocation authoritative.
//
// Thread Safety: all methods are safe for concurrent use. Rotation
// single-use is enforced by the blacklist's unique constraint, not by
// in-process locking.
type Ledger struct {
	cfg       Config
	users     user.Repository
	tokens    *RefreshTokenRepository
	blacklist *BlacklistRepository
	logger    *logging.Logger
}

// Default token lifetimes, applied when the config leaves them zero.
const (
	defaultAccessTTL         = 15 * time.Minute
	defaultRefreshTTL        = 7 * 24 * time.Hour
	defaultMaxRefreshPerUser = 5
)

// NewLedger creates a token ledger.
func NewLedger(cfg Config, users user.Repository, tokens *RefreshTokenRepository, blacklist *BlacklistRepository, logger *logging.Logger) (*Ledger, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	if users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if tokens == nil || blacklist == nil {
		return nil, fmt.Errorf("token and blacklist repositories are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.MaxRefreshPerUser <= 0 {
		cfg.MaxRefreshPerUser = defaultMaxRefreshPerUser
	}

	return &Ledger{
		cfg:       cfg,
		users:     users,
		tokens:    tokens,
		blacklist: blacklist,
		logger:    logger.With("component", "token"),
	}, nil
}

// IssueAccessToken signs a short-lived access token for the user.
// No side effects beyond signing.
func (l *Ledger) IssueAccessToken(u *user.User) (string, error) {
	return sign(u.ID, u.Role, KindAccess, l.cfg.AccessTTL, l.cfg.Secret)
}

// IssueRefreshToken signs a long-lived refresh token and persists its
// record into the user's bounded refresh-token set. Evicted tokens are
// blacklisted so they can never verify again.
func (l *Ledger) IssueRefreshToken(ctx context.Context, u *user.User, client ClientInfo) (string, error) {
	raw, err := sign(u.ID, u.Role, KindRefresh, l.cfg.RefreshTTL, l.cfg.Secret)
	if err != nil {
		return "", err
	}

	rec := &RefreshTokenRecord{
		UserID:     u.ID,
		TokenHash:  HashToken(raw),
		UserAgent:  client.UserAgent,
		RemoteAddr: client.RemoteAddr,
		ExpiresAt:  time.Now().Add(l.cfg.RefreshTTL),
	}

	evicted, err := l.tokens.CreateWithLimit(ctx, rec, l.cfg.MaxRefreshPerUser, ReasonRotated)
	if err != nil {
		return "", err
	}
	if len(evicted) > 0 {
		l.logger.Info("evicted oldest refresh tokens", "user_id", u.ID, "count", len(evicted))
	}

	return raw, nil
}

// IssuePair issues a fresh access/refresh pair for the user.
func (l *Ledger) IssuePair(ctx context.Context, u *user.User, client ClientInfo) (*Pair, error) {
	access, err := l.IssueAccessToken(u)
	if err != nil {
		return nil, err
	}
	refresh, err := l.IssueRefreshToken(ctx, u, client)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(l.cfg.AccessTTL.Seconds()),
	}, nil
}

// Verify validates a token of the given kind and returns its claims.
//
// The blacklist is consulted before the signature: a logged-out token
// must fail with ErrTokenRevoked even when its signature and expiry are
// still fine. Refresh tokens additionally require a live record for the
// claimed subject; a token whose record was rotated away or evicted is
// ErrTokenInvalid. Successful refresh verification updates the record's
// last-used timestamp.
func (l *Ledger) Verify(ctx context.Context, raw string, kind Kind) (*Claims, error) {
	hash := HashToken(raw)

	revoked, err := l.blacklist.Contains(ctx, hash)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	claims, err := parse(raw, kind, l.cfg.Secret)
	if err != nil {
		return nil, err
	}

	if kind == KindRefresh {
		rec, err := l.tokens.GetByTokenHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if rec.UserID != claims.Subject {
			return nil, fmt.Errorf("%w: subject mismatch", ErrTokenInvalid)
		}
		if err := l.tokens.TouchLastUsed(ctx, hash); err != nil {
			l.logger.Warn("failed to update last-used timestamp", "error", err)
		}
	}

	return claims, nil
}

// Rotate exchanges a refresh token for a new access/refresh pair.
//
// The old refresh token is consumed by a blacklist insert whose unique
// constraint guarantees single use: of two concurrent rotations with the
// same token, exactly one wins; the loser gets ErrTokenRevoked. A failure
// after the consume step removes the blacklist entry again so no partial
// state survives.
func (l *Ledger) Rotate(ctx context.Context, oldRaw string, client ClientInfo) (*Pair, string, error) {
	claims, err := l.Verify(ctx, oldRaw, KindRefresh)
	if err != nil {
		return nil, "", err
	}

	u, err := l.users.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, "", ErrUserNotFound
		}
		return nil, "", err
	}
	if u.Locked(time.Now()) {
		return nil, "", ErrAccountLocked
	}
	if !u.IsActive {
		return nil, "", fmt.Errorf("%w: account inactive", ErrTokenInvalid)
	}

	oldHash := HashToken(oldRaw)

	// Consume the old token. This is the atomicity point: the unique
	// token_hash makes the second of two racing rotations fail here.
	entry := &BlacklistEntry{
		TokenHash: oldHash,
		Kind:      KindRefresh,
		UserID:    u.ID,
		Reason:    ReasonRotated,
		ExpiresAt: claims.ExpiresAt.Time,
		Origin:    client.RemoteAddr,
	}
	if err := l.blacklist.Insert(ctx, entry); err != nil {
		return nil, "", err
	}

	if err := l.tokens.DeleteByTokenHash(ctx, oldHash); err != nil {
		// Compensate: un-consume so the caller can retry with the same token.
		if rmErr := l.blacklist.Remove(ctx, oldHash); rmErr != nil {
			l.logger.Error("rotation cleanup failed", "error", rmErr)
		}
		return nil, "", err
	}

	pair, err := l.IssuePair(ctx, u, client)
	if err != nil {
		if rmErr := l.blacklist.Remove(ctx, oldHash); rmErr != nil {
			l.logger.Error("rotation cleanup failed", "error", rmErr)
		}
		return nil, "", err
	}

	l.logger.Debug("refresh token rotated", "user_id", u.ID)
	return pair, u.ID, nil
}

// Blacklist revokes a single raw token with the given reason. Used for
// logout (access and refresh tokens of the ending session) and for
// administrative revocation. Already-blacklisted tokens are not an error.
func (l *Ledger) Blacklist(ctx context.Context, raw string, kind Kind, userID string, reason Reason) error {
	hash := HashToken(raw)

	// Mirror the token's own expiry so the entry can be purged once the
	// token would have expired anyway. Unparseable tokens get the refresh
	// TTL as a conservative bound.
	expiresAt := time.Now().Add(l.cfg.RefreshTTL)
	if claims, err := parse(raw, kind, l.cfg.Secret); err == nil {
		expiresAt = claims.ExpiresAt.Time
	}

	err := l.blacklist.Insert(ctx, &BlacklistEntry{
		TokenHash: hash,
		Kind:      kind,
		UserID:    userID,
		Reason:    reason,
		ExpiresAt: expiresAt,
	})
	if err != nil && !errors.Is(err, ErrTokenRevoked) {
		return err
	}

	if kind == KindRefresh {
		if err := l.tokens.DeleteByTokenHash(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

// RevokeAll blacklists every live refresh-token record for the user and
// clears the set. Used for "logout everywhere" and security-triggered
// forced logout. Safe to call concurrently with an in-flight Rotate for
// the same user: both paths produce correctly blacklisted entries.
func (l *Ledger) RevokeAll(ctx context.Context, userID string, reason Reason) (int, error) {
	records, err := l.tokens.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, rec := range records {
		err := l.blacklist.Insert(ctx, &BlacklistEntry{
			TokenHash: rec.TokenHash,
			Kind:      KindRefresh,
			UserID:    userID,
			Reason:    reason,
			ExpiresAt: rec.ExpiresAt,
		})
		if err != nil {
			if errors.Is(err, ErrTokenRevoked) {
				continue // a concurrent rotate already blacklisted it
			}
			return count, err
		}
		count++
	}

	l.logger.Info("revoked all refresh tokens", "user_id", userID, "count", count, "reason", reason)
	return count, nil
}

// SweepExpired purges blacklist entries and refresh-token records whose
// expiry has passed. Run periodically by the background reaper.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	blacklisted, err := l.blacklist.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	records, err := l.tokens.DeleteExpired(ctx)
	if err != nil {
		return blacklisted, err
	}
	return blacklisted + records, nil
}

// Stats returns the ledger's observability counters.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	blacklistSize, err := l.blacklist.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	live, err := l.tokens.CountLive(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		BlacklistSize:     blacklistSize,
		LiveRefreshTokens: live,
	}, nil
}
