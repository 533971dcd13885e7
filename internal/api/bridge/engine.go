package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/markbates/goth"

	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

// UserStore is the slice of the user repository the engine needs.
type UserStore interface {
	GetUserByID(ctx context.Context, userID uuid.UUID) (*types.User, error)
}

// Result reports what resolving a third-party authentication produced. User
// may be an unsaved proxy; callers must not assume persistence.
type Result struct {
	User  *types.User
	Login *types.Login

	// NewLogin reports that the provider identity was unseen before this
	// call. NewlyLinked reports that the login was attached to a user it did
	// not point at before, which is distinct from a brand-new account.
	NewLogin    bool
	NewlyLinked bool

	Messages []string
}

var _ Resolver = (*Engine)(nil)

// Resolver decides, given a successful third-party handshake and the current
// session, whether to find, create, or attach identities.
type Resolver interface {
	Resolve(ctx context.Context, provider string, providerUser goth.User, session *types.Session) (*Result, error)
	ConnectUserToLogin(ctx context.Context, userID, loginID *uuid.UUID, forceOverwrite bool) (*Result, error)
}

// Engine implements identity resolution for bridged logins.
type Engine struct {
	logins LoginRepo
	users  UserStore
	logger *slog.Logger
}

func NewEngine(logins LoginRepo, users UserStore, logger *slog.Logger) *Engine {
	return &Engine{
		logins: logins,
		users:  users,
		logger: logger,
	}
}

// Resolve runs the deterministic resolution order:
//  1. find-and-touch the Login for (provider, providerUserId); a linked user
//     is the returning-bridged-user path,
//  2. otherwise adopt the session's locally authenticated user as the link
//     candidate,
//  3. otherwise hand back an unsaved proxy user seeded from provider data;
//     real account creation waits until the user confirms a username. A user
//     without a username is never persisted.
func (e *Engine) Resolve(ctx context.Context, provider string, providerUser goth.User, session *types.Session) (*Result, error) {
	l := e.logger.With(
		slog.String("method", "Resolve"),
		slog.String("provider", provider),
	)

	login, created, err := e.logins.FindOrCreate(ctx, provider, providerUser.UserID, providerUser.Name, providerUser.AvatarURL)
	if err != nil {
		return nil, err
	}

	result := &Result{Login: login, NewLogin: created}
	if created {
		result.Messages = append(result.Messages, "new bridged identity recorded")
	}

	// Step 1: returning bridged user.
	if login.UserID != nil {
		user, err := e.users.GetUserByID(ctx, *login.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to load linked user: %w", err)
		}
		result.User = user
		result.Messages = append(result.Messages, "logged in via "+provider)
		return result, nil
	}

	// Step 2: session already carries a locally authenticated user; this
	// bridge attempt links the identities.
	if session != nil && session.UserID != nil {
		user, err := e.users.GetUserByID(ctx, *session.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session user: %w", err)
		}
		if err := e.logins.SetUserID(ctx, login.ID, user.ID); err != nil {
			return nil, err
		}
		login.UserID = &user.ID
		result.User = user
		result.NewlyLinked = true
		result.Messages = append(result.Messages, provider+" account linked to your existing account")
		l.InfoContext(ctx, "Bridged identity linked to session user",
			slog.String("loginID", login.ID.String()), slog.String("userID", user.ID.String()))
		return result, nil
	}

	// Step 3: no account anywhere. Hand back an attribute-only proxy and
	// defer durable creation until registration completes.
	proxy := &types.User{
		Email: providerUser.Email,
	}
	result.User = proxy
	result.Messages = append(result.Messages, "registration required to finish signing in")
	l.DebugContext(ctx, "Bridged identity resolved to proxy user",
		slog.String("loginID", login.ID.String()))
	return result, nil
}

// ConnectUserToLogin links an existing Login to an existing User. Both ids
// absent is a no-op (nil result, nil error); exactly one absent is a caller
// bug and rejected. Overwriting a login already linked to a different user
// requires forceOverwrite, so nobody silently hijacks someone else's bridged
// identity.
func (e *Engine) ConnectUserToLogin(ctx context.Context, userID, loginID *uuid.UUID, forceOverwrite bool) (*Result, error) {
	if userID == nil && loginID == nil {
		return nil, nil
	}
	if userID == nil || loginID == nil {
		return nil, fmt.Errorf("connect requires both a user id and a login id: %w", api.ErrValidation)
	}

	login, err := e.logins.GetByID(ctx, *loginID)
	if err != nil {
		return nil, err
	}
	user, err := e.users.GetUserByID(ctx, *userID)
	if err != nil {
		return nil, err
	}

	if login.UserID != nil && *login.UserID == user.ID {
		return &Result{User: user, Login: login, Messages: []string{"already linked"}}, nil
	}
	if login.UserID != nil && *login.UserID != user.ID && !forceOverwrite {
		return nil, fmt.Errorf("login already linked to a different user: %w", api.ErrConflict)
	}

	if err := e.logins.SetUserID(ctx, login.ID, user.ID); err != nil {
		return nil, err
	}
	login.UserID = &user.ID
	e.logger.InfoContext(ctx, "Login connected to user",
		slog.String("loginID", login.ID.String()), slog.String("userID", user.ID.String()))
	return &Result{User: user, Login: login, NewlyLinked: true, Messages: []string{"account linked"}}, nil
}
