package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harborauth/harbor/config"
	"github.com/harborauth/harbor/internal/api"
	"github.com/harborauth/harbor/internal/types"
)

var (
	// ErrCodeUsed means the record was already consumed and the caller's
	// session holds no reuse binding for it.
	ErrCodeUsed = fmt.Errorf("%w: verification code already used", api.ErrUnauthenticated)
	// ErrCodeExpired means the record's expiration date has passed.
	ErrCodeExpired = fmt.Errorf("%w: verification code expired", api.ErrUnauthenticated)
)

// maxCodeAttempts bounds unique-code collision retries before giving up.
const maxCodeAttempts = 5

var _ Store = (*Service)(nil)

// Store manages short-lived verification records proving ownership of a
// claim.
type Store interface {
	Create(ctx context.Context, params CreateParams) (*types.Verification, error)
	GetByCode(ctx context.Context, code string) (*types.Verification, error)
	IsValid(v *types.Verification, session *types.Session) error
	Consume(ctx context.Context, v *types.Verification, session *types.Session) error
}

// CreateParams describes the claim a new record will prove.
type CreateParams struct {
	Type    types.VerificationType
	Key     string
	Val     string
	UserID  *uuid.UUID
	LoginID *uuid.UUID
	Extra   map[string]string
	TTL     time.Duration
}

// Service implements the pending-identity store on top of a Repository.
type Service struct {
	repo   Repository
	cfg    config.AuthConfig
	logger *slog.Logger
}

func NewService(repo Repository, cfg config.AuthConfig, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
	}
}

// Create issues a new verification record for a claim. Outstanding records of
// the same (type, key, val) are cancelled first so one claim never has two
// live codes. Code collisions are retried a bounded number of times; halfway
// through the attempts a pruning pass clears stale expired rows that may be
// hogging the code space.
func (s *Service) Create(ctx context.Context, params CreateParams) (*types.Verification, error) {
	l := s.logger.With(slog.String("method", "Create"), slog.String("type", string(params.Type)))

	if _, err := s.repo.CancelOutstanding(ctx, params.Type, params.Key, params.Val); err != nil {
		return nil, fmt.Errorf("failed to cancel superseded verifications: %w", err)
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = s.cfg.VerificationTTL
	}

	now := time.Now()
	v := &types.Verification{
		ID:        uuid.New(),
		Type:      params.Type,
		Key:       params.Key,
		Val:       params.Val,
		UserID:    params.UserID,
		LoginID:   params.LoginID,
		Extra:     params.Extra,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := generateCode(s.cfg.VerificationCodeLen)
		if err != nil {
			return nil, err
		}
		v.UniqueCode = code

		err = s.repo.Insert(ctx, v)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, api.ErrConflict) {
			return nil, err
		}

		l.WarnContext(ctx, "Verification code collision, retrying",
			slog.Int("attempt", attempt), slog.Int("max_attempts", maxCodeAttempts))
		if attempt == maxCodeAttempts/2 {
			pruned, pruneErr := s.repo.PruneExpired(ctx)
			if pruneErr != nil {
				l.WarnContext(ctx, "Pruning pass failed", slog.Any("error", pruneErr))
			} else {
				l.InfoContext(ctx, "Pruned expired verifications", slog.Int64("count", pruned))
			}
		}
	}
	return nil, fmt.Errorf("failed to create verification after %d code collisions: %w", maxCodeAttempts, api.ErrConflict)
}

// GetByCode loads a record by its unique code.
func (s *Service) GetByCode(ctx context.Context, code string) (*types.Verification, error) {
	return s.repo.GetByCode(ctx, code)
}

// IsValid decides whether the record may still be acted on by this session.
// A used record is rejected unless its type allows reuse AND this session
// previously validated that exact record. The binding stops someone else
// replaying a leaked, already-consumed code.
func (s *Service) IsValid(v *types.Verification, session *types.Session) error {
	switch v.State(time.Now()) {
	case types.VerificationUsed:
		if v.Type.AllowsReuse() && session != nil && session.HasValidatedVerification(v.ID) {
			return nil
		}
		return ErrCodeUsed
	case types.VerificationExpired:
		return ErrCodeExpired
	default:
		if session != nil {
			session.MarkVerificationValidated(v.ID)
		}
		return nil
	}
}

// Consume marks the record used, exactly once per logical action. For
// reusable types the session's prior binding stands in for the stamp on
// subsequent calls; for everything else a lost race returns ErrCodeUsed.
func (s *Service) Consume(ctx context.Context, v *types.Verification, session *types.Session) error {
	if err := s.IsValid(v, session); err != nil {
		return err
	}

	if v.UsedAt != nil {
		// Reusable record this session already owns; nothing to stamp.
		return nil
	}

	now := time.Now()
	won, err := s.repo.MarkUsed(ctx, v.ID, now)
	if err != nil {
		return err
	}
	if !won {
		if v.Type.AllowsReuse() && session != nil && session.HasValidatedVerification(v.ID) {
			return nil
		}
		return ErrCodeUsed
	}
	v.UsedAt = &now
	return nil
}
