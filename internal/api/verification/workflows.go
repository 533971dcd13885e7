package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/harborauth/harbor/app/mail"
	"github.com/harborauth/harbor/config"
	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

// UserStore is the slice of the user repository the workflows need.
type UserStore interface {
	GetUserByUsernameOrEmail(ctx context.Context, usernameOrEmail string) (*types.User, error)
	UpdateEmail(ctx context.Context, userID uuid.UUID, newEmail string) error
}

// Workflows builds the use-case flows on top of the store: create a record
// bound to a claim, mail a link carrying its code, and resolve the code when
// it is later presented.
type Workflows struct {
	store  Store
	users  UserStore
	mailer mail.Mailer
	cfg    config.AuthConfig
	logger *slog.Logger
}

func NewWorkflows(store Store, users UserStore, mailer mail.Mailer, cfg config.AuthConfig, logger *slog.Logger) *Workflows {
	return &Workflows{
		store:  store,
		users:  users,
		mailer: mailer,
		cfg:    cfg,
		logger: logger,
	}
}

func (w *Workflows) verifyLink(code string) string {
	return w.cfg.SiteBaseURL + "/verify/" + code
}

// RequestNewAccountEmail starts registration for an email address. Extra
// carries pre-captured registration fields so the signup form can be
// re-seeded when the link is visited.
func (w *Workflows) RequestNewAccountEmail(ctx context.Context, email string, extra map[string]string) error {
	existing, err := w.users.GetUserByUsernameOrEmail(ctx, email)
	if err != nil && !errors.Is(err, api.ErrNotFound) {
		return fmt.Errorf("failed to check existing account: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("email already registered to another account: %w", api.ErrConflict)
	}

	v, err := w.store.Create(ctx, CreateParams{
		Type:  types.VerificationNewAccountEmail,
		Key:   "email",
		Val:   email,
		Extra: extra,
	})
	if err != nil {
		return err
	}

	return w.mailer.Send(ctx, mail.Message{
		To:      email,
		Subject: "Confirm your email address",
		Text: "Follow this link to confirm your email address and finish creating your account:\n\n" +
			w.verifyLink(v.UniqueCode) + "\n\nThe link expires in " + v.ExpiresAt.Sub(v.CreatedAt).String() + ".",
	})
}

// RequestOneTimeLogin mails a single-use login link to an existing account.
func (w *Workflows) RequestOneTimeLogin(ctx context.Context, email string) error {
	user, err := w.users.GetUserByUsernameOrEmail(ctx, email)
	if err != nil {
		return err
	}

	v, err := w.store.Create(ctx, CreateParams{
		Type:   types.VerificationOneTimeLogin,
		Key:    "email",
		Val:    email,
		UserID: &user.ID,
	})
	if err != nil {
		return err
	}

	return w.mailer.Send(ctx, mail.Message{
		To:      email,
		Subject: "Your one-time login link",
		Text: "Follow this link to log in. It works once and then expires:\n\n" +
			w.verifyLink(v.UniqueCode),
	})
}

// RequestChangeEmail starts the change-email flow for a logged-in user. The
// link is mailed to the NEW address; the change only lands when its owner
// proves control.
func (w *Workflows) RequestChangeEmail(ctx context.Context, user *types.User, newEmail string) error {
	existing, err := w.users.GetUserByUsernameOrEmail(ctx, newEmail)
	if err != nil && !errors.Is(err, api.ErrNotFound) {
		return fmt.Errorf("failed to check existing account: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("email already registered to another account: %w", api.ErrConflict)
	}

	v, err := w.store.Create(ctx, CreateParams{
		Type:   types.VerificationChangeEmail,
		Key:    "email",
		Val:    newEmail,
		UserID: &user.ID,
	})
	if err != nil {
		return err
	}

	return w.mailer.Send(ctx, mail.Message{
		To:      newEmail,
		Subject: "Confirm your new email address",
		Text: "Follow this link to confirm this address as the new email for your account:\n\n" +
			w.verifyLink(v.UniqueCode),
	})
}

// ResolveResult reports what acting on a presented code produced.
type ResolveResult struct {
	Type types.VerificationType

	// Verification is the validated record. For new-account-email it is
	// still unconsumed: registration completion consumes it once the account
	// is actually persisted.
	Verification *types.Verification

	// User is set for flows that resolve to an existing account
	// (one-time-login, change-email).
	User *types.User
}

// Resolve executes the type-specific step for a presented code.
func (w *Workflows) Resolve(ctx context.Context, code string, session *types.Session) (*ResolveResult, error) {
	v, err := w.store.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := w.store.IsValid(v, session); err != nil {
		return nil, err
	}

	result := &ResolveResult{Type: v.Type, Verification: v}

	switch v.Type {
	case types.VerificationNewAccountEmail:
		// Consumption is deferred: the record stays reusable for this
		// session until registration completes and the account exists.
		return result, nil

	case types.VerificationOneTimeLogin:
		if v.UserID == nil {
			return nil, fmt.Errorf("one-time-login verification carries no user: %w", api.ErrInternal)
		}
		if err := w.store.Consume(ctx, v, session); err != nil {
			return nil, err
		}
		user, err := w.users.GetUserByUsernameOrEmail(ctx, v.Val)
		if err != nil {
			return nil, err
		}
		result.User = user
		return result, nil

	case types.VerificationChangeEmail:
		if v.UserID == nil {
			return nil, fmt.Errorf("change-email verification carries no user: %w", api.ErrInternal)
		}
		if err := w.store.Consume(ctx, v, session); err != nil {
			return nil, err
		}
		if err := w.users.UpdateEmail(ctx, *v.UserID, v.Val); err != nil {
			return nil, err
		}
		w.logger.InfoContext(ctx, "Email changed via verification",
			slog.String("userID", v.UserID.String()))
		return result, nil

	default:
		return nil, fmt.Errorf("unhandled verification type %q: %w", v.Type, api.ErrInternal)
	}
}
