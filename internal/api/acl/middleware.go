package acl

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

// loginRedirectCookie remembers where an anonymous caller was headed so the
// login flow can send them back afterwards.
const loginRedirectCookie = "harbor_login_redirect"

// UserLoader loads the durable user behind an authenticated request.
type UserLoader interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error)
}

// RequireLoggedInPermission gates a route on an ACL decision. Runs AFTER the
// Authenticate middleware. An anonymous caller gets a 401 plus a remembered
// intended destination; a caller lacking the permission gets a generic 403
// that does not reveal whether the resource exists. On success any remembered
// diversion is cleared.
func RequireLoggedInPermission(checker Checker, users UserLoader, logger *slog.Logger, action types.Action, objectType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			userIDStr, ok := api.GetUserIDFromContext(ctx)
			if !ok || userIDStr == "" {
				http.SetCookie(w, &http.Cookie{
					Name:     loginRedirectCookie,
					Value:    r.URL.RequestURI(),
					Path:     "/",
					HttpOnly: true,
					MaxAge:   600,
				})
				api.ErrorResponse(w, r, http.StatusUnauthorized, "Login required")
				return
			}

			userID, err := uuid.Parse(userIDStr)
			if err != nil {
				api.ErrorResponse(w, r, http.StatusUnauthorized, "Login required")
				return
			}
			user, err := users.GetUserByID(ctx, userID)
			if err != nil {
				logger.WarnContext(ctx, "Failed to load user for permission check",
					slog.String("userID", userIDStr), slog.Any("error", err))
				api.ErrorResponse(w, r, http.StatusUnauthorized, "Login required")
				return
			}

			// Route-level checks are type-scoped; object-specific checks
			// happen in the handler where the object id is known.
			allowed, err := checker.HasPermission(ctx, user, action, objectType, types.ObjectIDAll)
			if err != nil {
				logger.ErrorContext(ctx, "Permission evaluation failed", slog.Any("error", err))
				api.ErrorResponse(w, r, http.StatusInternalServerError, "Internal server error")
				return
			}
			if !allowed {
				api.ErrorResponse(w, r, http.StatusForbidden, "Access denied")
				return
			}

			// Permission granted; clear any remembered login diversion.
			http.SetCookie(w, &http.Cookie{
				Name:   loginRedirectCookie,
				Value:  "",
				Path:   "/",
				MaxAge: -1,
			})
			next.ServeHTTP(w, r)
		})
	}
}
