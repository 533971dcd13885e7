package types

import (
	"sync"

	"github.com/google/uuid"
)

// Session carries per-request caller context: the locally authenticated user
// (if any) and the set of verification records this session has already
// validated. The latter is the ownership binding that lets a reusable
// verification be revalidated by the same session only.
type Session struct {
	ID     string
	UserID *uuid.UUID

	mu        sync.Mutex
	validated map[uuid.UUID]struct{}
}

func NewSession(id string) *Session {
	return &Session{ID: id}
}

// MarkVerificationValidated records that this session successfully validated
// the given verification record.
func (s *Session) MarkVerificationValidated(verificationID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.validated == nil {
		s.validated = make(map[uuid.UUID]struct{})
	}
	s.validated[verificationID] = struct{}{}
}

// HasValidatedVerification reports whether this session previously validated
// the given record.
func (s *Session) HasValidatedVerification(verificationID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.validated[verificationID]
	return ok
}
