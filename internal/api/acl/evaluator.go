package acl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/harborauth/harbor/internal/types"
)

var _ Checker = (*Evaluator)(nil)

// Checker decides allow/deny for an action on a resource. Every privileged
// operation flows through it before mutating state.
type Checker interface {
	HasPermission(ctx context.Context, user *types.User, action types.Action, objectType, objectID string) (bool, error)
	HasPermissionOrOwner(ctx context.Context, user *types.User, action types.Action, objectType, objectID string, creator uuid.UUID) (bool, error)
	GrantOwnerOnCreate(ctx context.Context, user *types.User, objectType, objectID string) error
	GrantRole(ctx context.Context, userID uuid.UUID, role types.RoleName, objectType, objectID string) error
	RevokeRole(ctx context.Context, userID uuid.UUID, role types.RoleName, objectType, objectID string) error
}

// Evaluator is the role-based permission evaluator. Tuple lookups are cached
// briefly per user; grants and revokes invalidate the cache entry.
type Evaluator struct {
	repo   RoleRepo
	cache  *gocache.Cache
	logger *slog.Logger
}

func NewEvaluator(repo RoleRepo, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		repo:   repo,
		cache:  gocache.New(30*time.Second, time.Minute),
		logger: logger,
	}
}

func (e *Evaluator) tuplesFor(ctx context.Context, userID uuid.UUID) ([]types.RoleAssignment, error) {
	key := userID.String()
	if cached, ok := e.cache.Get(key); ok {
		return cached.([]types.RoleAssignment), nil
	}
	tuples, err := e.repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.cache.SetDefault(key, tuples)
	return tuples, nil
}

// HasPermission evaluates the tuple scan: a tuple matches when its role
// grants the action, its object type matches, and its object id is the ALL
// sentinel or the requested id. First match allows; no match denies.
// Anonymous callers and unsaved proxy users are always denied.
func (e *Evaluator) HasPermission(ctx context.Context, user *types.User, action types.Action, objectType, objectID string) (bool, error) {
	if user == nil || user.IsProxy() {
		return false, nil
	}

	tuples, err := e.tuplesFor(ctx, user.ID)
	if err != nil {
		return false, err
	}
	for _, t := range tuples {
		if !RoleGrants(t.Role, action) {
			continue
		}
		if t.ObjectType != objectType {
			continue
		}
		if t.ObjectID == types.ObjectIDAll || t.ObjectID == objectID {
			return true, nil
		}
	}
	return false, nil
}

// HasPermissionOrOwner additionally applies the ownership shortcut: the
// creator of a resource holds an implicit owner role for that object without
// a persisted tuple. The shortcut is checked explicitly here, never folded
// into the generic tuple scan.
func (e *Evaluator) HasPermissionOrOwner(ctx context.Context, user *types.User, action types.Action, objectType, objectID string, creator uuid.UUID) (bool, error) {
	if user != nil && !user.IsProxy() && creator != uuid.Nil && creator == user.ID && RoleGrants(types.RoleOwner, action) {
		return true, nil
	}
	return e.HasPermission(ctx, user, action, objectType, objectID)
}

// GrantRole upserts a role tuple and drops the user's cached tuples.
func (e *Evaluator) GrantRole(ctx context.Context, userID uuid.UUID, role types.RoleName, objectType, objectID string) error {
	err := e.repo.Grant(ctx, types.RoleAssignment{
		UserID:     userID,
		Role:       role,
		ObjectType: objectType,
		ObjectID:   objectID,
	})
	if err != nil {
		return err
	}
	e.cache.Delete(userID.String())
	return nil
}

// RevokeRole removes a tuple and drops the user's cached tuples.
func (e *Evaluator) RevokeRole(ctx context.Context, userID uuid.UUID, role types.RoleName, objectType, objectID string) error {
	if err := e.repo.Revoke(ctx, userID, role, objectType, objectID); err != nil {
		return err
	}
	e.cache.Delete(userID.String())
	return nil
}

// GrantOwnerOnCreate grants the creator an owner tuple for a just-persisted
// resource. A failure here leaves a resource without its owner grant, which
// is a serious inconsistency: it is logged at error level for alerting, and
// the error still propagates so the caller can decide whether to unwind.
func (e *Evaluator) GrantOwnerOnCreate(ctx context.Context, user *types.User, objectType, objectID string) error {
	if user == nil || user.IsProxy() {
		return fmt.Errorf("cannot grant ownership to an unsaved user")
	}
	if err := e.GrantRole(ctx, user.ID, types.RoleOwner, objectType, objectID); err != nil {
		e.logger.ErrorContext(ctx, "CONSISTENCY: owner role grant failed after resource was persisted",
			slog.String("userID", user.ID.String()),
			slog.String("objectType", objectType),
			slog.String("objectID", objectID),
			slog.Any("error", err))
		return fmt.Errorf("owner grant failed for persisted resource %s/%s: %w", objectType, objectID, err)
	}
	return nil
}
