package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/diako/creditledger/internal/domain"
	"github.com/diako/creditledger/internal/store"
)

var ErrMissingCIN = errors.New("cin_number is required")

// VerificationTracker manages identity-verification requests. A user may
// hold at most one pending request; resolution is terminal and, on
// approval, flips the account's verified flag read by the withdrawal
// path.
type VerificationTracker struct {
	store store.Store
}

func NewVerificationTracker(s store.Store) *VerificationTracker {
	return &VerificationTracker{store: s}
}

// Submit files a new pending request. scanFile is the stored reference
// of an optional ID scan, empty when none was uploaded.
func (t *VerificationTracker) Submit(ctx context.Context, userID, cinNumber, scanFile string) (*domain.Verification, error) {
	if cinNumber == "" {
		return nil, ErrMissingCIN
	}
	v := &domain.Verification{
		ID:        uuid.NewString(),
		UserID:    userID,
		CINNumber: cinNumber,
		ScanFile:  scanFile,
		Status:    domain.VerificationPending,
	}
	if err := t.store.CreateVerification(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Status returns the user's most recent verification request.
func (t *VerificationTracker) Status(ctx context.Context, userID string) (*domain.Verification, error) {
	return t.store.LatestVerification(ctx, userID)
}

// Resolve applies a reviewer decision. Only pending -> approved and
// pending -> rejected are legal.
func (t *VerificationTracker) Resolve(ctx context.Context, id string, status domain.VerificationStatus) error {
	if !status.Terminal() {
		return store.ErrInvalidTransition
	}
	return t.store.ResolveVerification(ctx, id, status)
}
