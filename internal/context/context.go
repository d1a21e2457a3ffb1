package context

import (
	"context"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user's id (int64)
	UserIDKey ContextKey = "user_id"
	// RealmIDKey is the context key for the user's realm id (int64)
	RealmIDKey ContextKey = "realm_id"
	// EmailKey is the context key for user email
	EmailKey ContextKey = "email"
)

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, userID, realmID int64, email string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, RealmIDKey, realmID)
	return context.WithValue(ctx, EmailKey, email)
}

// ExtractUserID extracts the user ID from the request context
func ExtractUserID(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(UserIDKey).(int64)
	return userID, ok && userID > 0
}

// ExtractRealmID extracts the realm ID from the request context
func ExtractRealmID(ctx context.Context) (int64, bool) {
	realmID, ok := ctx.Value(RealmIDKey).(int64)
	return realmID, ok
}

// ExtractEmail extracts the email from the request context
func ExtractEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(EmailKey).(string)
	return email, ok
}
