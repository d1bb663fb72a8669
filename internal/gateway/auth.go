package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/token"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse is the response body for login and refresh.
type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	User         *userInfo `json:"user,omitempty"`
}

// userInfo is the public account shape returned on login.
type userInfo struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Role        user.Role `json:"role"`
	OrgID       string    `json:"org_id,omitempty"`
}

// refreshRequest is the request body for POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// logoutRequest is the optional request body for POST /auth/logout.
type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleLogin authenticates a user and returns an access/refresh pair.
//
// Failed attempts are counted; reaching the configured threshold locks
// the account for the lockout window. The lock is checked before the
// password so a locked account gets the distinct response even with
// correct credentials.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeBadRequest(w, "username and password are required")
		return
	}

	ctx := r.Context()
	u, err := s.users.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			writeUnauthorized(w, "invalid credentials")
			return
		}
		s.logger.Error("login lookup failed", "error", err)
		writeInternalError(w, "login failed")
		return
	}

	if u.Locked(time.Now()) {
		writeError(w, http.StatusForbidden, ErrCodeAccountLocked, "account is locked")
		return
	}
	if !u.IsActive {
		writeUnauthorized(w, "invalid credentials")
		return
	}

	ok, err := user.VerifyPassword(req.Password, u.PasswordHash)
	if err != nil || !ok {
		if recErr := s.users.RecordFailedLogin(ctx, u.ID,
			s.cfg.Security.Lockout.MaxAttempts, s.cfg.LockoutWindow()); recErr != nil {
			s.logger.Error("failed to record login attempt", "error", recErr)
		}
		writeUnauthorized(w, "invalid credentials")
		return
	}

	if err := s.users.ResetFailedLogins(ctx, u.ID); err != nil {
		s.logger.Warn("failed to reset login attempts", "error", err)
	}

	pair, err := s.ledger.IssuePair(ctx, u, clientInfo(r))
	if err != nil {
		s.logger.Error("failed to issue token pair", "error", err)
		writeInternalError(w, "login failed")
		return
	}

	s.logger.Info("user logged in", "user_id", u.ID, "username", u.Username)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
		User: &userInfo{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Role:        u.Role,
			OrgID:       u.OrgID,
		},
	})
}

// handleRefresh exchanges a refresh token for a new access/refresh pair.
// The old refresh token is consumed; submitting it again fails.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.RefreshToken == "" {
		writeBadRequest(w, "refresh_token is required")
		return
	}

	pair, userID, err := s.ledger.Rotate(r.Context(), req.RefreshToken, clientInfo(r))
	if err != nil {
		writeTokenError(w, err)
		return
	}

	s.logger.Debug("tokens rotated", "user_id", userID)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn,
	})
}

// handleLogout ends the current session: the presented access token is
// blacklisted, and the session's refresh token too when the client sends
// it in the body.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeUnauthorized(w, "missing token claims")
		return
	}
	ctx := r.Context()

	if err := s.ledger.Blacklist(ctx, bearerToken(r), token.KindAccess,
		claims.Subject, token.ReasonLogout); err != nil {
		s.logger.Error("failed to blacklist access token", "error", err)
		writeInternalError(w, "logout failed")
		return
	}

	var req logoutRequest
	//nolint:errcheck // body is optional
	json.NewDecoder(r.Body).Decode(&req)
	if req.RefreshToken != "" {
		if err := s.ledger.Blacklist(ctx, req.RefreshToken, token.KindRefresh,
			claims.Subject, token.ReasonLogout); err != nil {
			s.logger.Error("failed to blacklist refresh token", "error", err)
			writeInternalError(w, "logout failed")
			return
		}
	}

	s.logger.Info("user logged out", "user_id", claims.Subject)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleLogoutAll revokes every refresh token the user holds and tears
// down all of their open connections. Revocation is observable in real
// time, not just on the next request.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r.Context())
	if !ok {
		writeUnauthorized(w, "missing token claims")
		return
	}
	ctx := r.Context()

	count, err := s.ledger.RevokeAll(ctx, claims.Subject, token.ReasonLogout)
	if err != nil {
		s.logger.Error("failed to revoke refresh tokens", "error", err)
		writeInternalError(w, "logout failed")
		return
	}

	if err := s.ledger.Blacklist(ctx, bearerToken(r), token.KindAccess,
		claims.Subject, token.ReasonLogout); err != nil {
		s.logger.Error("failed to blacklist access token", "error", err)
	}

	disconnected := s.registry.ForceDisconnect(claims.Subject, "logged out everywhere")

	s.logger.Info("user logged out everywhere",
		"user_id", claims.Subject, "revoked", count, "disconnected", disconnected)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "logged_out",
		"revoked":      count,
		"disconnected": disconnected,
	})
}

// clientInfo extracts origin metadata persisted with refresh tokens.
func clientInfo(r *http.Request) token.ClientInfo {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	return token.ClientInfo{
		UserAgent:  r.UserAgent(),
		RemoteAddr: host,
	}
}
