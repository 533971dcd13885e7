package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/markbates/goth/gothic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborauth/harbor/app/observability/metrics"
	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/api/bridge"
	"github.com/harborauth/harbor/internal/api/verification"
	"github.com/harborauth/harbor/internal/types"
)

type AuthHandler struct {
	service   AuthService
	workflows *verification.Workflows
	bridge    bridge.Resolver
	sessions  *SessionManager
	metrics   *metrics.AppMetrics
	logger    *slog.Logger
}

func NewAuthHandler(service AuthService, workflows *verification.Workflows, resolver bridge.Resolver, sessions *SessionManager, appMetrics *metrics.AppMetrics, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		panic("PANIC: Attempting to create AuthHandler with nil logger!")
	}
	return &AuthHandler{
		service:   service,
		workflows: workflows,
		bridge:    resolver,
		sessions:  sessions,
		metrics:   appMetrics,
		logger:    logger,
	}
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "Login", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/login"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "Login"))

	var req api.LoginRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if h.metrics != nil {
		h.metrics.LoginAttemptsTotal.Add(ctx, 1)
	}

	tokens, err := h.service.Login(ctx, req.UsernameOrEmail, req.Password)
	if err != nil {
		if h.metrics != nil {
			h.metrics.LoginFailuresTotal.Add(ctx, 1)
		}
		if errors.Is(err, api.ErrUnauthenticated) {
			span.SetStatus(codes.Error, "Invalid credentials")
			api.ErrorResponse(w, r, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		l.ErrorContext(ctx, "Login failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Login failed")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Login failed")
		return
	}

	span.SetStatus(codes.Ok, "Login successful")
	api.WriteJSONResponse(w, r, http.StatusOK, api.LoginResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Message:      "Login successful",
	})
}

// Register handles POST /auth/register. A verification code links the new
// account to a proven email claim; a pending-login cookie links it to a
// bridged third-party identity.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "Register", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/register"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "Register"))

	var req api.RegisterRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	session := h.sessions.FromRequest(w, r)
	loginID := PendingLogin(w, r)

	u, err := h.service.Register(ctx, req, session, loginID)
	if err != nil {
		switch {
		case errors.Is(err, api.ErrValidation):
			span.SetStatus(codes.Error, "Validation failed")
			api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, api.ErrConflict):
			span.SetStatus(codes.Error, "Conflict")
			api.ErrorResponse(w, r, http.StatusConflict, "Username or email already registered")
		case errors.Is(err, api.ErrUnauthenticated), errors.Is(err, api.ErrNotFound):
			span.SetStatus(codes.Error, "Invalid code")
			api.ErrorResponse(w, r, http.StatusUnauthorized, "Invalid or expired verification code")
		default:
			l.ErrorContext(ctx, "Registration failed", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Registration failed")
			api.ErrorResponse(w, r, http.StatusInternalServerError, "Registration failed")
		}
		return
	}

	if h.metrics != nil {
		h.metrics.RegisterRequestsTotal.Add(ctx, 1)
	}

	tokens, err := h.service.IssueSessionTokens(ctx, u)
	if err != nil {
		l.ErrorContext(ctx, "Registered but token issue failed", slog.Any("error", err))
		span.RecordError(err)
		api.WriteJSONResponse(w, r, http.StatusCreated, api.Response{
			Success: true,
			Message: "Account created, please log in",
		})
		return
	}

	span.SetStatus(codes.Ok, "Registered")
	api.WriteJSONResponse(w, r, http.StatusCreated, api.LoginResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Message:      "Account created",
	})
}

// RefreshSession handles POST /auth/refresh.
func (h *AuthHandler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "RefreshSession", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/refresh"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "RefreshSession"))

	var req api.RefreshTokenRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tokens, err := h.service.RefreshSession(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, api.ErrUnauthenticated) {
			span.SetStatus(codes.Error, "Invalid refresh token")
			api.ErrorResponse(w, r, http.StatusUnauthorized, "Invalid or expired refresh token")
			return
		}
		l.ErrorContext(ctx, "Refresh failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Refresh failed")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Refresh failed")
		return
	}

	span.SetStatus(codes.Ok, "Session refreshed")
	api.WriteJSONResponse(w, r, http.StatusOK, tokens)
}

// Logout handles POST /auth/logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "Logout", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/logout"),
	))
	defer span.End()

	var req api.LogoutRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Logout(ctx, req.RefreshToken); err != nil {
		h.logger.ErrorContext(ctx, "Logout failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Logout failed")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Logout failed")
		return
	}

	span.SetStatus(codes.Ok, "Logged out")
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{Success: true, Message: "Logged out"})
}

// LogoutEverywhere handles POST /auth/logout-everywhere. Requires an
// authenticated caller; every token they ever received stops working.
func (h *AuthHandler) LogoutEverywhere(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "LogoutEverywhere", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/logout-everywhere"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "LogoutEverywhere"))

	userID, ok := authenticatedUserID(ctx, w, r, l, span)
	if !ok {
		return
	}

	if err := h.service.LogoutEverywhere(ctx, userID); err != nil {
		l.ErrorContext(ctx, "Logout everywhere failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Logout everywhere failed")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Logout failed")
		return
	}

	span.SetStatus(codes.Ok, "All sessions revoked")
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{Success: true, Message: "All sessions revoked"})
}

// UpdatePassword handles POST /auth/password.
func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "UpdatePassword", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/password"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "UpdatePassword"))

	userID, ok := authenticatedUserID(ctx, w, r, l, span)
	if !ok {
		return
	}

	var req api.ChangePasswordRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.UpdatePassword(ctx, userID, req.OldPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, api.ErrValidation):
			api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, api.ErrUnauthenticated):
			api.ErrorResponse(w, r, http.StatusUnauthorized, "Current password is incorrect")
		default:
			l.ErrorContext(ctx, "Password update failed", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Password update failed")
			api.ErrorResponse(w, r, http.StatusInternalServerError, "Password update failed")
		}
		return
	}

	span.SetStatus(codes.Ok, "Password updated")
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{Success: true, Message: "Password updated, please log in again"})
}

// ChangeEmail handles POST /auth/email. The change only takes effect once
// the code mailed to the new address is resolved.
func (h *AuthHandler) ChangeEmail(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "ChangeEmail", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/email"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "ChangeEmail"))

	userID, ok := authenticatedUserID(ctx, w, r, l, span)
	if !ok {
		return
	}

	var req api.ChangeEmailRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.RequestEmailChange(ctx, userID, req.Password, req.NewEmail); err != nil {
		switch {
		case errors.Is(err, api.ErrUnauthenticated):
			api.ErrorResponse(w, r, http.StatusUnauthorized, "Password is incorrect")
		case errors.Is(err, api.ErrConflict):
			api.ErrorResponse(w, r, http.StatusConflict, "Email already in use")
		default:
			l.ErrorContext(ctx, "Email change request failed", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Email change request failed")
			api.ErrorResponse(w, r, http.StatusInternalServerError, "Email change request failed")
		}
		return
	}

	span.SetStatus(codes.Ok, "Confirmation mailed")
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{
		Success: true,
		Message: "A confirmation link was sent to the new address",
	})
}

type emailRequest struct {
	Email string `json:"email"`
}

// StartRegistration handles POST /auth/register/start. The response is
// deliberately the same whether or not the address is already registered;
// the distinction is only logged.
func (h *AuthHandler) StartRegistration(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "StartRegistration", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/register/start"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "StartRegistration"))

	var req emailRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Email is required")
		return
	}

	if err := h.workflows.RequestNewAccountEmail(ctx, req.Email, nil); err != nil {
		if !errors.Is(err, api.ErrConflict) {
			l.ErrorContext(ctx, "Failed to start registration", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to start registration")
			api.ErrorResponse(w, r, http.StatusInternalServerError, "Could not send verification email")
			return
		}
		l.InfoContext(ctx, "Registration start for already registered address",
			slog.String("email", req.Email))
	}

	span.SetStatus(codes.Ok, "Verification mailed")
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{
		Success: true,
		Message: "If the address is available, a verification link was sent",
	})
}

// RequestLoginLink handles POST /auth/login-link. Same enumeration stance
// as StartRegistration: unknown addresses get the same response as known
// ones.
func (h *AuthHandler) RequestLoginLink(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "RequestLoginLink", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/login-link"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "RequestLoginLink"))

	var req emailRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Email is required")
		return
	}

	if err := h.workflows.RequestOneTimeLogin(ctx, req.Email); err != nil {
		if !errors.Is(err, api.ErrNotFound) {
			l.ErrorContext(ctx, "Failed to send login link", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to send login link")
			api.ErrorResponse(w, r, http.StatusInternalServerError, "Could not send login link")
			return
		}
		l.InfoContext(ctx, "Login link requested for unknown address",
			slog.String("email", req.Email))
	}

	span.SetStatus(codes.Ok, "Login link mailed")
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{
		Success: true,
		Message: "If the address is registered, a login link was sent",
	})
}

// VerifyCode handles GET /verify/{code}: the landing point of every mailed
// link. What happens next depends on what the code proves.
func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "VerifyCode", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/verify/{code}"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "VerifyCode"))

	code := chi.URLParam(r, "code")
	if code == "" {
		api.ErrorResponse(w, r, http.StatusBadRequest, "Verification code is required")
		return
	}

	session := h.sessions.FromRequest(w, r)

	result, err := h.workflows.Resolve(ctx, code, session)
	if err != nil {
		switch {
		case errors.Is(err, api.ErrNotFound),
			errors.Is(err, verification.ErrCodeUsed),
			errors.Is(err, verification.ErrCodeExpired):
			span.SetStatus(codes.Error, "Invalid code")
			api.ErrorResponse(w, r, http.StatusUnauthorized, "Invalid or expired verification code")
		default:
			l.ErrorContext(ctx, "Code resolution failed", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Code resolution failed")
			api.ErrorResponse(w, r, http.StatusInternalServerError, "Verification failed")
		}
		return
	}

	switch result.Type {
	case types.VerificationNewAccountEmail:
		// The claim checks out; the client finishes registration with the
		// same code, which is only consumed once the account exists.
		span.SetStatus(codes.Ok, "Email claim verified")
		api.WriteJSONResponse(w, r, http.StatusOK, map[string]interface{}{
			"success": true,
			"type":    result.Type,
			"email":   result.Verification.Val,
			"message": "Email verified, complete your registration",
		})

	case types.VerificationOneTimeLogin:
		tokens, err := h.service.IssueSessionTokens(ctx, result.User)
		if err != nil {
			l.ErrorContext(ctx, "Login code resolved but token issue failed", slog.Any("error", err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "Token issue failed")
			api.ErrorResponse(w, r, http.StatusInternalServerError, "Login failed")
			return
		}
		span.SetStatus(codes.Ok, "Logged in via link")
		api.WriteJSONResponse(w, r, http.StatusOK, api.LoginResponse{
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
			Message:      "Login successful",
		})

	case types.VerificationChangeEmail:
		span.SetStatus(codes.Ok, "Email changed")
		api.WriteJSONResponse(w, r, http.StatusOK, api.Response{
			Success: true,
			Message: "Email address updated",
		})

	default:
		l.ErrorContext(ctx, "Unhandled verification type", slog.String("type", string(result.Type)))
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Verification failed")
	}
}

// BeginOAuth handles GET /auth/{provider}: redirects to the provider's
// consent screen.
func (h *AuthHandler) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	r = withProviderParam(r)
	gothic.BeginAuthHandler(w, r)
}

// OAuthCallback handles GET /auth/{provider}/callback. The resolution
// engine decides whether this handshake maps to an existing account, links
// the current session's account, or yields an unclaimed identity that
// needs registration to finish.
func (h *AuthHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("AuthHandler").Start(r.Context(), "OAuthCallback", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/auth/{provider}/callback"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "OAuthCallback"))
	provider := chi.URLParam(r, "provider")

	r = withProviderParam(r)
	providerUser, err := gothic.CompleteUserAuth(w, r)
	if err != nil {
		l.WarnContext(ctx, "Provider handshake failed",
			slog.String("provider", provider), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Provider handshake failed")
		api.ErrorResponse(w, r, http.StatusUnauthorized, "Third-party authentication failed")
		return
	}

	session := h.sessions.FromRequest(w, r)

	result, err := h.bridge.Resolve(ctx, provider, providerUser, session)
	if err != nil {
		l.ErrorContext(ctx, "Identity resolution failed",
			slog.String("provider", provider), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Identity resolution failed")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Sign-in failed")
		return
	}

	if result.User.IsProxy() {
		// Unseen identity with no session to attach to. Stash the login so
		// the registration that follows can claim it.
		StashPendingLogin(w, result.Login.ID)
		span.SetStatus(codes.Ok, "Registration required")
		api.WriteJSONResponse(w, r, http.StatusOK, map[string]interface{}{
			"success":               true,
			"registration_required": true,
			"email":                 result.User.Email,
			"messages":              result.Messages,
		})
		return
	}

	tokens, err := h.service.IssueSessionTokens(ctx, result.User)
	if err != nil {
		l.ErrorContext(ctx, "Resolved but token issue failed", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Token issue failed")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Sign-in failed")
		return
	}

	span.SetStatus(codes.Ok, "Signed in via provider")
	api.WriteJSONResponse(w, r, http.StatusOK, api.LoginResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		Message:      "Login successful",
	})
}

// gothic resolves the provider from a context value when the router does
// not put it in the query string.
func withProviderParam(r *http.Request) *http.Request {
	return gothic.GetContextWithProvider(r, chi.URLParam(r, "provider"))
}

func authenticatedUserID(ctx context.Context, w http.ResponseWriter, r *http.Request, l *slog.Logger, span trace.Span) (uuid.UUID, bool) {
	userIDStr, ok := api.GetUserIDFromContext(ctx)
	if !ok || userIDStr == "" {
		l.WarnContext(ctx, "User ID not found in context")
		span.SetStatus(codes.Error, "Authentication required")
		api.ErrorResponse(w, r, http.StatusUnauthorized, "Authentication required")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		l.ErrorContext(ctx, "Invalid user ID format in context", slog.String("user_id_str", userIDStr), slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid User ID in token")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Invalid user session")
		return uuid.Nil, false
	}
	return userID, true
}
