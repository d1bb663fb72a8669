package token

import (
	"errors"
	"time"
)

// Kind distinguishes the two bearer token classes.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Reason records why a token was blacklisted.
type Reason string

const (
	ReasonLogout   Reason = "logout"
	ReasonRotated  Reason = "rotated"
	ReasonRevoked  Reason = "revoked"
	ReasonSecurity Reason = "security"
)

// RefreshTokenRecord is the persisted state for one live refresh token.
// Only the SHA-256 hash of the raw token is stored.
type RefreshTokenRecord struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	TokenHash  string     `json:"-"` // never serialised
	UserAgent  string     `json:"user_agent,omitempty"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// BlacklistEntry is the authoritative revocation record for a token.
// Its expiry mirrors the token's own expiry so the entry can be purged
// once the token would have expired anyway.
type BlacklistEntry struct {
	TokenHash     string    `json:"-"`
	Kind          Kind      `json:"kind"`
	UserID        string    `json:"user_id"`
	Reason        Reason    `json:"reason"`
	ExpiresAt     time.Time `json:"expires_at"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
	Origin        string    `json:"origin,omitempty"`
}

// Pair is a freshly issued access/refresh token pair.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"` // access token lifetime, seconds
}

// Stats is the observability surface for the token ledger.
type Stats struct {
	BlacklistSize     int `json:"blacklist_size"`
	LiveRefreshTokens int `json:"live_refresh_tokens"`
}

// Sentinel errors surfaced to callers. None are retried internally;
// callers translate them to unauthenticated-request responses.
var (
	ErrTokenExpired  = errors.New("token has expired")
	ErrTokenRevoked  = errors.New("token has been revoked")
	ErrTokenInvalid  = errors.New("invalid token")
	ErrAccountLocked = errors.New("account is locked")
	ErrUserNotFound  = errors.New("user not found")
)
