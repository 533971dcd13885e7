package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/harborauth/harbor/app/observability/metrics"
	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/api/token"
)

// Authenticate is middleware that validates bearer access tokens and puts
// the caller's user id on the request context. Revocation is enforced
// inside the validator, so a bumped api code locks out a still-unexpired
// token on its next request.
func Authenticate(tokens *token.Service, appMetrics *metrics.AppMetrics, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			l := logger.With(slog.String("middleware", "Authenticate"))

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				l.WarnContext(ctx, "Missing Authorization header")
				api.ErrorResponse(w, r, http.StatusUnauthorized, "Authorization header required")
				return
			}

			headerParts := strings.Split(authHeader, " ")
			if len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" {
				l.WarnContext(ctx, "Invalid Authorization header format")
				api.ErrorResponse(w, r, http.StatusUnauthorized, "Authorization header format must be Bearer {token}")
				return
			}

			if appMetrics != nil {
				appMetrics.TokenValidationsTotal.Add(ctx, 1)
			}

			claims, err := tokens.Validate(ctx, headerParts[1], api.TokenTypeAccess)
			if err != nil {
				if appMetrics != nil && errors.Is(err, token.ErrTokenRevoked) {
					appMetrics.TokenRevocationsTotal.Add(ctx, 1)
				}
				l.WarnContext(ctx, "Token validation failed", slog.Any("error", err))
				errMsg := "Invalid or expired token"
				switch {
				case errors.Is(err, token.ErrTokenExpired):
					errMsg = "Token has expired"
				case errors.Is(err, token.ErrTokenWrongType):
					errMsg = "Wrong token type for this endpoint"
				case errors.Is(err, token.ErrTokenRevoked):
					errMsg = "Token has been revoked"
				}
				api.ErrorResponse(w, r, http.StatusUnauthorized, errMsg)
				return
			}

			ctx = context.WithValue(ctx, api.UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, api.TokenTypeKey, claims.TokenType)
			l.DebugContext(ctx, "Authentication successful", slog.String("userID", claims.UserID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateOptional identifies the caller when a valid bearer token is
// presented but never rejects the request. Public flows that still care who
// is logged in (registration, verification links, the bridged-login
// callback) use it so the session can carry the caller's user id.
func AuthenticateOptional(tokens *token.Service, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			l := logger.With(slog.String("middleware", "AuthenticateOptional"))

			authHeader := r.Header.Get("Authorization")
			headerParts := strings.Split(authHeader, " ")
			if authHeader == "" || len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := tokens.Validate(ctx, headerParts[1], api.TokenTypeAccess)
			if err != nil {
				// The route is public, so a bad token degrades to anonymous.
				l.DebugContext(ctx, "Ignoring invalid bearer token on public route", slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}

			ctx = context.WithValue(ctx, api.UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, api.TokenTypeKey, claims.TokenType)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
