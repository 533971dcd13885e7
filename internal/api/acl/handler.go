package acl

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

type RoleHandler struct {
	evaluator *Evaluator
	logger    *slog.Logger
}

func NewRoleHandler(evaluator *Evaluator, logger *slog.Logger) *RoleHandler {
	return &RoleHandler{
		evaluator: evaluator,
		logger:    logger,
	}
}

type roleRequest struct {
	UserID     uuid.UUID `json:"user_id"`
	Role       string    `json:"role"`
	ObjectType string    `json:"object_type"`
	ObjectID   string    `json:"object_id"`
}

func (req *roleRequest) validate() (types.RoleName, string) {
	role := types.RoleName(req.Role)
	switch role {
	case types.RoleSiteAdmin, types.RoleOwner, types.RoleModerator, types.RoleMember:
	default:
		return "", "Unknown role"
	}
	if req.UserID == uuid.Nil {
		return "", "user_id is required"
	}
	if req.ObjectType == "" {
		return "", "object_type is required"
	}
	if req.ObjectID == "" {
		return "", "object_id is required"
	}
	return role, ""
}

// GrantRole handles POST /roles/grant.
func (h *RoleHandler) GrantRole(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("RoleHandler").Start(r.Context(), "GrantRole", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/roles/grant"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "GrantRole"))

	var req roleRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, problem := req.validate()
	if problem != "" {
		api.ErrorResponse(w, r, http.StatusBadRequest, problem)
		return
	}

	if err := h.evaluator.GrantRole(ctx, req.UserID, role, req.ObjectType, req.ObjectID); err != nil {
		l.ErrorContext(ctx, "Failed to grant role", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to grant role")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Failed to grant role")
		return
	}

	span.SetStatus(codes.Ok, "Role granted")
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{Success: true, Message: "Role granted"})
}

// RevokeRole handles POST /roles/revoke.
func (h *RoleHandler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("RoleHandler").Start(r.Context(), "RevokeRole", trace.WithAttributes(
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.HTTPRouteKey.String("/roles/revoke"),
	))
	defer span.End()

	l := h.logger.With(slog.String("handler", "RevokeRole"))

	var req roleRequest
	if err := api.DecodeJSONBody(w, r, &req); err != nil {
		api.ErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, problem := req.validate()
	if problem != "" {
		api.ErrorResponse(w, r, http.StatusBadRequest, problem)
		return
	}

	if err := h.evaluator.RevokeRole(ctx, req.UserID, role, req.ObjectType, req.ObjectID); err != nil {
		l.ErrorContext(ctx, "Failed to revoke role", slog.Any("error", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to revoke role")
		api.ErrorResponse(w, r, http.StatusInternalServerError, "Failed to revoke role")
		return
	}

	span.SetStatus(codes.Ok, "Role revoked")
	api.WriteJSONResponse(w, r, http.StatusOK, api.Response{Success: true, Message: "Role revoked"})
}
