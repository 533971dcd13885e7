package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/harborauth/harbor/internal/api/acl"
	"github.com/harborauth/harbor/internal/api/auth"
	"github.com/harborauth/harbor/internal/types"
)

// Config contains dependencies needed for the router setup.
type Config struct {
	AuthHandler *auth.AuthHandler
	RoleHandler *acl.RoleHandler

	AuthenticateMiddleware func(http.Handler) http.Handler

	// OptionalAuthMiddleware identifies a logged-in caller on public routes
	// without rejecting anonymous ones. The bridged-login callback and
	// registration need it so the session knows who is already signed in.
	OptionalAuthMiddleware func(http.Handler) http.Handler

	PermissionChecker acl.Checker
	UserLoader        acl.UserLoader
	Logger            *slog.Logger
}

// SetupRouter initializes and configures the main application router.
// Server-wide middleware (requestID, recoverer, the structured logger) are
// applied before this router is mounted in main.go.
func SetupRouter(cfg *Config) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	// Mailed links land here; the code itself is the credential, but a
	// signed-in caller is still recognized so the session carries their id.
	r.Group(func(r chi.Router) {
		r.Use(cfg.OptionalAuthMiddleware)
		r.Get("/verify/{code}", cfg.AuthHandler.VerifyCode)
	})

	r.Route("/api/v1", func(r chi.Router) {

		// Public routes: no token required.
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", cfg.AuthHandler.Login)
			r.Post("/auth/login-link", cfg.AuthHandler.RequestLoginLink)
			r.Post("/auth/refresh", cfg.AuthHandler.RefreshSession)
		})

		// Public routes that bind work to the current session. A valid
		// bearer token identifies the caller; its absence is not an error.
		// Without this, a logged-in user starting a third-party sign-in
		// could never have the new login attached to their account.
		r.Group(func(r chi.Router) {
			r.Use(cfg.OptionalAuthMiddleware)

			r.Post("/auth/register", cfg.AuthHandler.Register)
			r.Post("/auth/register/start", cfg.AuthHandler.StartRegistration)

			// Third-party sign-in round trip.
			r.Get("/auth/{provider}", cfg.AuthHandler.BeginOAuth)
			r.Get("/auth/{provider}/callback", cfg.AuthHandler.OAuthCallback)
		})

		// Protected routes: require a valid access token.
		r.Group(func(r chi.Router) {
			r.Use(cfg.AuthenticateMiddleware)

			r.Post("/auth/logout", cfg.AuthHandler.Logout)
			r.Post("/auth/logout-everywhere", cfg.AuthHandler.LogoutEverywhere)
			r.Put("/auth/password", cfg.AuthHandler.UpdatePassword)
			r.Post("/auth/email", cfg.AuthHandler.ChangeEmail)
		})

		// Role administration: requires the grant capability on roles.
		r.Group(func(r chi.Router) {
			r.Use(cfg.AuthenticateMiddleware)
			r.Use(acl.RequireLoggedInPermission(cfg.PermissionChecker, cfg.UserLoader, cfg.Logger, types.ActionGrant, "role"))

			r.Post("/roles/grant", cfg.RoleHandler.GrantRole)
			r.Post("/roles/revoke", cfg.RoleHandler.RevokeRole)
		})
	})

	return r
}
