package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/welldanyogia/teamchat-events/internal/auth"
	appctx "github.com/welldanyogia/teamchat-events/internal/context"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Auth error codes
const (
	CodeTokenMissing = "AUTH_TOKEN_MISSING"
	CodeTokenInvalid = "AUTH_TOKEN_INVALID"
)

// AuthMiddleware resolves the bearer token to a realm member.
type AuthMiddleware struct {
	tokenService *auth.TokenService
}

// NewAuthMiddleware creates a new AuthMiddleware instance
func NewAuthMiddleware(tokenService *auth.TokenService) *AuthMiddleware {
	return &AuthMiddleware{tokenService: tokenService}
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
// ok is false when the header is absent; a malformed header yields "" and true.
func BearerToken(r *http.Request) (token string, ok bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(token), true
}

// Authenticate rejects requests without a valid access token and stores the
// user, realm and email of the token in the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, present := BearerToken(r)
		if !present {
			writeAuthError(w, CodeTokenMissing, "Authorization header is required")
			return
		}
		if token == "" {
			writeAuthError(w, CodeTokenInvalid, "Invalid authorization header format")
			return
		}

		claims, err := m.tokenService.ValidateAccessToken(token)
		if err != nil {
			writeAuthError(w, CodeTokenInvalid, "Invalid or expired token")
			return
		}
		userID, err := claims.UserID()
		if err != nil || claims.RealmID <= 0 {
			writeAuthError(w, CodeTokenInvalid, "Invalid or expired token")
			return
		}

		annotateRequestLog(r.Context(), userID)
		ctx := appctx.WithUser(r.Context(), userID, claims.RealmID, claims.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(ErrorResponse{
		Success:   false,
		Error:     ErrorDetail{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	})
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (int64, bool) {
	return appctx.ExtractUserID(ctx)
}

// ExtractRealmID extracts the realm ID from the request context
func ExtractRealmID(ctx context.Context) (int64, bool) {
	return appctx.ExtractRealmID(ctx)
}
