package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fleetgrid/fleetgrid-core/internal/token"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeUnauthorized  = "unauthorised"
	ErrCodeForbidden     = "forbidden"
	ErrCodeAccountLocked = "account_locked"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternal      = "internal_error"
	ErrCodeValidation    = "validation_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeTokenError maps a token-ledger failure to the handshake-rejection
// response. A store failure fails closed as unauthorised rather than
// leaking internals; a locked account is surfaced distinctly so clients
// can show a specific message.
func writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrAccountLocked):
		writeError(w, http.StatusForbidden, ErrCodeAccountLocked, "account is locked")
	case errors.Is(err, token.ErrTokenExpired):
		writeUnauthorized(w, "token has expired")
	case errors.Is(err, token.ErrTokenRevoked):
		writeUnauthorized(w, "token has been revoked")
	default:
		writeUnauthorized(w, "invalid token")
	}
}
