package api

import "context"

// Typed context keys shared by the auth middleware (which writes them) and
// downstream permission checks (which read them).
type contextKey string

const (
	UserIDKey    contextKey = "userID"
	SessionKey   contextKey = "session"
	TokenTypeKey contextKey = "tokenType"
)

// GetUserIDFromContext returns the authenticated user id, if any.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}
